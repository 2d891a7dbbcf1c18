// Package memory provides an in-memory event log used as a test double
// and for single-process development mode.
package memory

import (
	"context"
	"fmt"
	"sync"

	"chronicle/internal/event"
	"chronicle/pkg/platform/sentinel"
)

// Store is an in-memory event.Log. It enforces the same uniqueness
// invariant as the Postgres store so bus tests exercise real semantics.
type Store struct {
	mu     sync.RWMutex
	events []event.Event
	byAgg  map[string][]int // indexes into events, in sequence order

	failAppend error // when set, Append fails with this error
}

func NewStore() *Store {
	return &Store{byAgg: make(map[string][]int)}
}

// FailAppends makes every subsequent Append fail with err. Pass nil to
// restore normal behavior. Test hook for durability-failure paths.
func (s *Store) FailAppends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppend = err
}

func (s *Store) Append(_ context.Context, e event.Event) (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAppend != nil {
		return event.Event{}, s.failAppend
	}

	idxs := s.byAgg[e.AggregateID]
	if len(idxs) > 0 {
		last := s.events[idxs[len(idxs)-1]]
		if e.Sequence <= last.Sequence {
			return event.Event{}, fmt.Errorf("append %s seq %d: %w",
				e.AggregateID, e.Sequence, sentinel.ErrDuplicateSequence)
		}
	}

	e.GlobalOffset = int64(len(s.events) + 1)
	s.events = append(s.events, e)
	s.byAgg[e.AggregateID] = append(s.byAgg[e.AggregateID], len(s.events)-1)
	return e, nil
}

func (s *Store) ReadFrom(_ context.Context, aggregateID string, fromSequence int64) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []event.Event
	for _, i := range s.byAgg[aggregateID] {
		if s.events[i].Sequence >= fromSequence {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

func (s *Store) ReadAll(_ context.Context, afterOffset int64, limit int) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []event.Event
	for _, e := range s.events {
		if e.GlobalOffset > afterOffset {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) LastSequence(_ context.Context, aggregateID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idxs := s.byAgg[aggregateID]
	if len(idxs) == 0 {
		return 0, nil
	}
	return s.events[idxs[len(idxs)-1]].Sequence, nil
}

// Len returns the number of stored events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
