package history

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/voice"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. Messages are lost when the process exits.
type MemStore struct {
	mu   sync.RWMutex
	msgs []voice.Message
	ids  map[uuid.UUID]struct{}
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{ids: make(map[uuid.UUID]struct{})}
}

// Append implements [Store].
func (s *MemStore) Append(_ context.Context, msg voice.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.ids[msg.ID]; dup {
		return nil
	}
	s.ids[msg.ID] = struct{}{}
	s.msgs = append(s.msgs, msg)
	return nil
}

// List implements [Store].
func (s *MemStore) List(_ context.Context, q Query) ([]voice.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []voice.Message{}
	for _, m := range s.msgs {
		if q.matches(m) {
			out = append(out, m)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}
