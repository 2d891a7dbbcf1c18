// Package router assigns per-aggregate sequences. Events sharing an
// aggregate id are serialized through the aggregate's critical section;
// different aggregates proceed in parallel.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"chronicle/internal/event"
	"chronicle/pkg/platform/sentinel"
)

// SequenceSource supplies the last durably assigned sequence for an
// aggregate. The durable log satisfies this.
type SequenceSource interface {
	LastSequence(ctx context.Context, aggregateID string) (int64, error)
}

// CommitFunc durably persists a sequenced event. It runs inside the
// aggregate's critical section so a failed commit never burns the
// sequence it was handed.
type CommitFunc func(ctx context.Context, e event.Event) (event.Event, error)

type aggregateState struct {
	mu sync.Mutex
	// next is the sequence the next event will receive; zero until the
	// source has been consulted.
	next   int64
	primed bool
}

// Router stamps events with contiguous per-aggregate sequences.
type Router struct {
	source SequenceSource

	mu     sync.Mutex
	states map[string]*aggregateState
}

func New(source SequenceSource) *Router {
	return &Router{
		source: source,
		states: make(map[string]*aggregateState),
	}
}

// Route assigns the next sequence for the event's aggregate and invokes
// commit while holding the aggregate's lock. The sequence counter only
// advances when commit succeeds, so retries after a failed durable
// write reuse the same sequence and the per-aggregate numbering stays
// contiguous.
//
// When the sequence source is unreachable the publish is rejected with
// sentinel.ErrSequencingUnavailable rather than silently dropped.
func (r *Router) Route(ctx context.Context, e event.Event, commit CommitFunc) (event.Event, error) {
	if e.AggregateID == "" {
		return event.Event{}, fmt.Errorf("route: event requires aggregate_id")
	}

	st := r.state(e.AggregateID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.primed {
		last, err := r.source.LastSequence(ctx, e.AggregateID)
		if err != nil {
			return event.Event{}, fmt.Errorf("last sequence for %s: %w: %v",
				e.AggregateID, sentinel.ErrSequencingUnavailable, err)
		}
		st.next = last + 1
		st.primed = true
	}

	e.Sequence = st.next
	stored, err := commit(ctx, e)
	if err != nil {
		if errors.Is(err, sentinel.ErrDuplicateSequence) {
			// Another writer advanced the aggregate; re-read on the
			// next route instead of trusting the cached counter.
			st.primed = false
		}
		return event.Event{}, err
	}
	st.next++
	return stored, nil
}

func (r *Router) state(aggregateID string) *aggregateState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[aggregateID]
	if !ok {
		st = &aggregateState{}
		r.states[aggregateID] = st
	}
	return st
}
