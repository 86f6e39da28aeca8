// Package index is the in-process vector index behind the retriever tool and
// the index-backed quick call.
package index

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderFunc adapts a function to Embedder.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) { return f(ctx, text) }

// Cached memoises embeddings of recently seen texts.
func Cached(e Embedder, size int) (Embedder, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("index: create embedding cache: %w", err)
	}
	return EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		if v, ok := cache.Get(text); ok {
			return v, nil
		}
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		cache.Add(text, v)
		return v, nil
	}), nil
}

// OpenAIEmbedderConfig configures the OpenAI embeddings client.
type OpenAIEmbedderConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewOpenAIEmbedder embeds text with the OpenAI embeddings endpoint.
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) (Embedder, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("index: openai api key required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	name := openai.EmbeddingModel(cfg.Model)
	if cfg.Model == "" {
		name = openai.EmbeddingModelTextEmbedding3Small
	}
	return EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		resp, err := client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Model: name,
			Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		})
		if err != nil {
			return nil, fmt.Errorf("index: embed: %w", err)
		}
		if len(resp.Data) == 0 {
			return nil, errors.New("index: embed: empty response")
		}
		out := make([]float32, len(resp.Data[0].Embedding))
		for i, f := range resp.Data[0].Embedding {
			out[i] = float32(f)
		}
		return out, nil
	}), nil
}

// HashEmbedder is a deterministic bag-of-words embedder that needs no
// network access. Texts sharing words land close together.
type HashEmbedder struct {
	Dim int
}

// Embed hashes each lower-cased word into a bucket and L2-normalises the result.
func (h HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dim := h.Dim
	if dim <= 0 {
		dim = 256
	}
	vec := make([]float32, dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		hf := fnv.New32a()
		_, _ = hf.Write([]byte(w))
		vec[hf.Sum32()%uint32(dim)]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}
