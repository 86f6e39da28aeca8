package index

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// Config locates the index storage. An empty PersistPath keeps everything in memory.
type Config struct {
	PersistPath string
}

// Document is one indexed text.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// Hit is one query match.
type Hit struct {
	Document   Document
	Similarity float32
}

// Store manages named indexes, one chromem collection each.
type Store struct {
	mu       sync.Mutex
	db       *chromem.DB
	embedder Embedder
}

// Open creates the store.
func Open(cfg Config, embedder Embedder) (*Store, error) {
	if embedder == nil {
		return nil, errors.New("index: embedder is required")
	}
	db := chromem.NewDB()
	if cfg.PersistPath != "" {
		var err error
		db, err = chromem.NewPersistentDB(filepath.Join(cfg.PersistPath, "chromem"), false)
		if err != nil {
			return nil, fmt.Errorf("index: open persistent db: %w", err)
		}
	}
	return &Store{db: db, embedder: embedder}, nil
}

func (s *Store) collection(name string) (*chromem.Collection, error) {
	if name == "" {
		return nil, errors.New("index: index name is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	embed := func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.Embed(ctx, text)
	}
	col, err := s.db.GetOrCreateCollection(name, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("index: collection %s: %w", name, err)
	}
	return col, nil
}

// Add indexes docs under the named index.
func (s *Store) Add(ctx context.Context, index string, docs ...Document) error {
	col, err := s.collection(index)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := col.AddDocument(ctx, chromem.Document{ID: doc.ID, Content: doc.Content, Metadata: doc.Metadata}); err != nil {
			return fmt.Errorf("index: add %s: %w", doc.ID, err)
		}
	}
	return nil
}

// Count reports the number of documents in the named index.
func (s *Store) Count(index string) int {
	col, err := s.collection(index)
	if err != nil {
		return 0
	}
	return col.Count()
}

// Query returns up to k documents most similar to text, best first.
func (s *Store) Query(ctx context.Context, index, text string, k int) ([]Hit, error) {
	col, err := s.collection(index)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 4
	}
	if n := col.Count(); k > n {
		k = n
	}
	if k == 0 {
		return nil, nil
	}
	results, err := col.Query(ctx, text, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("index: query %s: %w", index, err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			Document:   Document{ID: r.ID, Content: r.Content, Metadata: r.Metadata},
			Similarity: r.Similarity,
		})
	}
	return hits, nil
}
