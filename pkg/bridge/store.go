package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/cexll/agentcore/pkg/message"
)

// TurnStore persists turns after a worker finishes or fails, so partial
// output survives errors.
type TurnStore interface {
	Save(ctx context.Context, turn *message.Turn) error
}

// MemoryStore keeps turns in memory keyed by meta id.
type MemoryStore struct {
	mu    sync.RWMutex
	turns map[string]*message.Turn
	order []string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{turns: map[string]*message.Turn{}}
}

// Save records turn. Saving the same turn again keeps its position.
func (s *MemoryStore) Save(_ context.Context, turn *message.Turn) error {
	if turn == nil {
		return errors.New("bridge: nil turn")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.turns[turn.Meta.ID]; !ok {
		s.order = append(s.order, turn.Meta.ID)
	}
	s.turns[turn.Meta.ID] = turn
	return nil
}

// Get returns the turn saved under id.
func (s *MemoryStore) Get(id string) (*message.Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.turns[id]
	return t, ok
}

// Turns returns saved turns in first-save order.
func (s *MemoryStore) Turns() []*message.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*message.Turn, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.turns[id])
	}
	return out
}
