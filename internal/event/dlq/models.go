// Package dlq holds terminal delivery failures until an operator or a
// scheduler replays them. Entries reference the durable log by
// (aggregate_id, sequence) so the original event is never duplicated
// here, only pointed at.
package dlq

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Reason is the closed set of causes that dead-letter an event.
type Reason string

const (
	// ReasonCircuitOpen: the subscriber's breaker rejected the delivery.
	ReasonCircuitOpen Reason = "circuit_open"
	// ReasonRetriesExhausted: all delivery attempts failed.
	ReasonRetriesExhausted Reason = "retries_exhausted"
	// ReasonQueueFull: the subscriber queue overflowed under the
	// reject policy; the entry keeps the event recoverable.
	ReasonQueueFull Reason = "queue_full"
)

// Entry is a terminal failure record for one (event, subscriber) pair.
type Entry struct {
	ID            uuid.UUID `json:"id"`
	EventID       uuid.UUID `json:"event_id"`
	AggregateID   string    `json:"aggregate_id"`
	Sequence      int64     `json:"sequence"`
	Subscriber    string    `json:"subscriber_name"`
	Reason        Reason    `json:"reason"`
	RetryCount    int       `json:"retry_count"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`
}

// Filter restricts List results. Zero values match everything.
type Filter struct {
	Subscriber string
	Reason     Reason
	Limit      int
}

// Store persists dead-letter entries. Add upserts on
// (event_id, subscriber) so repeated failures of the same pair update
// the existing entry instead of accumulating duplicates.
type Store interface {
	Add(ctx context.Context, entry Entry) error
	Get(ctx context.Context, id uuid.UUID) (Entry, error)
	List(ctx context.Context, filter Filter) ([]Entry, error)
	Remove(ctx context.Context, id uuid.UUID) error
	Depth(ctx context.Context) (int, error)
}
