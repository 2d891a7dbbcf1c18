package dlq

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"chronicle/pkg/platform/sentinel"
)

// MemoryStore is an in-memory Store for tests and development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]Entry
	byPair  map[string]uuid.UUID // event_id::subscriber -> entry id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[uuid.UUID]Entry),
		byPair:  make(map[string]uuid.UUID),
	}
}

func pairKey(eventID uuid.UUID, subscriber string) string {
	return fmt.Sprintf("%s::%s", eventID, subscriber)
}

func (s *MemoryStore) Add(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(entry.EventID, entry.Subscriber)
	if existing, ok := s.byPair[key]; ok {
		prev := s.entries[existing]
		prev.RetryCount += entry.RetryCount
		prev.LastFailedAt = entry.LastFailedAt
		prev.Reason = entry.Reason
		s.entries[existing] = prev
		return nil
	}

	s.entries[entry.ID] = entry
	s.byPair[key] = entry.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("dead letter %s: %w", id, sentinel.ErrNotFound)
	}
	return entry, nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, entry := range s.entries {
		if filter.Subscriber != "" && entry.Subscriber != filter.Subscriber {
			continue
		}
		if filter.Reason != "" && entry.Reason != filter.Reason {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Remove(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("dead letter %s: %w", id, sentinel.ErrNotFound)
	}
	delete(s.entries, id)
	delete(s.byPair, pairKey(entry.EventID, entry.Subscriber))
	return nil
}

func (s *MemoryStore) Depth(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}
