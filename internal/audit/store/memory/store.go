// Package memory provides an in-memory audit ledger store used by
// tests and development mode.
package memory

import (
	"context"
	"sync"

	"chronicle/internal/audit"
)

type Store struct {
	mu      sync.RWMutex
	entries []audit.Entry

	failAppend error
}

func NewStore() *Store {
	return &Store{}
}

// FailAppends makes every subsequent Append fail with err. Pass nil to
// restore normal behavior. Test hook for the fail-closed audit path.
func (s *Store) FailAppends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppend = err
}

func (s *Store) Append(_ context.Context, entry audit.Entry) (audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAppend != nil {
		return audit.Entry{}, s.failAppend
	}

	entry.Position = int64(len(s.entries) + 1)
	s.entries = append(s.entries, entry)
	return entry, nil
}

func (s *Store) Last(_ context.Context) (audit.Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return audit.Entry{}, false, nil
	}
	return s.entries[len(s.entries)-1], true, nil
}

func (s *Store) Query(_ context.Context, q audit.Query) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []audit.Entry
	for _, e := range s.entries {
		if !matches(e, q) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListAfter(_ context.Context, position int64, tags []string, limit int) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []audit.Entry
	for _, e := range s.entries {
		if e.Position <= position {
			continue
		}
		if len(tags) > 0 && !hasAnyTag(e, tags) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Truncate drops every entry past position, as a rolled-back
// transaction would. Test hook.
func (s *Store) Truncate(position int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e.Position > position {
			s.entries = s.entries[:i]
			return
		}
	}
}

// Tamper mutates a stored entry in place. The production store exposes
// no such operation; this exists so integrity tests can simulate an
// attacker editing history.
func (s *Store) Tamper(position int64, mutate func(*audit.Entry)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if s.entries[i].Position == position {
			mutate(&s.entries[i])
			return true
		}
	}
	return false
}

func matches(e audit.Entry, q audit.Query) bool {
	if e.Position <= q.AfterPosition {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	if q.ActorID != "" && e.ActorID != q.ActorID {
		return false
	}
	if q.ResourceType != "" && e.ResourceType != q.ResourceType {
		return false
	}
	if q.ResourceID != "" && e.ResourceID != q.ResourceID {
		return false
	}
	if q.Tag != "" && !hasAnyTag(e, []string{q.Tag}) {
		return false
	}
	return true
}

func hasAnyTag(e audit.Entry, tags []string) bool {
	for _, want := range tags {
		for _, have := range e.ComplianceTags {
			if want == have {
				return true
			}
		}
	}
	return false
}
