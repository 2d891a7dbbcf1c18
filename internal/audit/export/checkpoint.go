package export

import (
	"context"
	"sync"
)

// MemoryCheckpointStore keeps cursors in memory. Test double; a process
// restart loses it, so production uses the Redis store.
type MemoryCheckpointStore struct {
	mu      sync.Mutex
	cursors map[string]int64
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{cursors: make(map[string]int64)}
}

func (s *MemoryCheckpointStore) Load(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[name], nil
}

func (s *MemoryCheckpointStore) Save(_ context.Context, name string, cursor int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[name] = cursor
	return nil
}
