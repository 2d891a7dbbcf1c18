package memory

import (
	"context"
	"sync"
)

// CursorStore keeps subscriber offsets in memory for tests and
// single-process setups.
type CursorStore struct {
	mu      sync.Mutex
	offsets map[string]int64
}

func NewCursorStore() *CursorStore {
	return &CursorStore{offsets: make(map[string]int64)}
}

func (s *CursorStore) Load(_ context.Context, subscriber string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets[subscriber], nil
}

// Commit never moves a cursor backwards.
func (s *CursorStore) Commit(_ context.Context, subscriber string, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset > s.offsets[subscriber] {
		s.offsets[subscriber] = offset
	}
	return nil
}
