// Package event defines the event envelope carried through the bus and
// the durable log contract both the router and subscribers depend on.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Metadata keys recognized by the bus. Events carrying MetaAction and
// MetaResult are audit-relevant and produce a ledger entry inside the
// publish transaction.
const (
	MetaActorID        = "actor_id"
	MetaResourceType   = "resource_type"
	MetaResourceID     = "resource_id"
	MetaAction         = "action"
	MetaResult         = "result"
	MetaComplianceTags = "compliance_tags" // comma-separated, e.g. "SOC2,HIPAA"
)

// Event is an immutable fact about a domain aggregate.
//
// Sequence is assigned by the ordering router: for a fixed AggregateID
// sequences are contiguous from 1 and strictly increasing. GlobalOffset
// is assigned by the durable log on append and orders events across all
// aggregates for catch-up reads.
type Event struct {
	ID            uuid.UUID         `json:"id"`
	AggregateID   string            `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type"`
	Sequence      int64             `json:"sequence"`
	GlobalOffset  int64             `json:"global_offset"`
	Type          string            `json:"event_type"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// New builds an unsequenced event, validating the fields every publish
// requires. Sequence and GlobalOffset stay zero until routed/appended.
func New(aggregateID, aggregateType, eventType string, payload json.RawMessage) (Event, error) {
	if strings.TrimSpace(aggregateID) == "" {
		return Event{}, fmt.Errorf("event requires aggregate_id")
	}
	if strings.TrimSpace(aggregateType) == "" {
		return Event{}, fmt.Errorf("event requires aggregate_type")
	}
	if strings.TrimSpace(eventType) == "" {
		return Event{}, fmt.Errorf("event requires event_type")
	}
	if len(payload) == 0 {
		return Event{}, fmt.Errorf("event requires payload")
	}
	return Event{
		ID:            uuid.New(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Type:          eventType,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// AuditRelevant reports whether this event must produce an audit ledger
// entry. Action and result metadata together mark an event auditable.
func (e Event) AuditRelevant() bool {
	return e.Metadata[MetaAction] != "" && e.Metadata[MetaResult] != ""
}

// ComplianceTags returns the parsed compliance tag set, empty when the
// event carries none.
func (e Event) ComplianceTags() []string {
	raw := e.Metadata[MetaComplianceTags]
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// Filter restricts which events a subscriber observes. Empty slices
// match everything.
type Filter struct {
	EventTypes     []string
	AggregateTypes []string
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(e Event) bool {
	if len(f.EventTypes) > 0 && !contains(f.EventTypes, e.Type) {
		return false
	}
	if len(f.AggregateTypes) > 0 && !contains(f.AggregateTypes, e.AggregateType) {
		return false
	}
	return true
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

// Log is the append-only durable store of every event. Append is
// durable before it returns; a crash immediately after a successful
// append must not lose the event. Reads are finite and restartable so
// callers page through with their own cursor.
type Log interface {
	// Append persists the sequenced event and returns it with its
	// assigned global offset. A duplicate (aggregate_id, sequence)
	// fails with sentinel.ErrDuplicateSequence.
	Append(ctx context.Context, e Event) (Event, error)
	// ReadFrom returns events for one aggregate starting at the given
	// sequence, in sequence order.
	ReadFrom(ctx context.Context, aggregateID string, fromSequence int64) ([]Event, error)
	// ReadAll returns up to limit events with a global offset greater
	// than afterOffset, in offset order.
	ReadAll(ctx context.Context, afterOffset int64, limit int) ([]Event, error)
	// LastSequence returns the highest sequence assigned to the
	// aggregate, or zero when it has no events.
	LastSequence(ctx context.Context, aggregateID string) (int64, error)
}
