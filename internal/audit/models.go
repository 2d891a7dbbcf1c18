// Package audit defines the immutable ledger record and the append-only
// store contract. The store interface exposes no update or delete
// operation at all, so immutability is a property of the type system
// rather than something a trigger rejects at runtime.
package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Result classifies the outcome of the audited action. Closed set,
// validated at construction.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultError   Result = "error"
	ResultDenied  Result = "denied"
)

// ParseResult validates a raw result string.
func ParseResult(s string) (Result, error) {
	switch Result(s) {
	case ResultSuccess, ResultFailure, ResultError, ResultDenied:
		return Result(s), nil
	}
	return "", fmt.Errorf("invalid audit result %q", s)
}

// Well-known compliance tags. Tags are open-ended strings; these cover
// the regimes this system ships with.
const (
	TagSOC2  = "SOC2"
	TagHIPAA = "HIPAA"
	TagGDPR  = "GDPR"
)

// Record carries the caller-supplied fields of a ledger entry. The
// chain writer assigns identity, timestamp, and both hashes.
type Record struct {
	EventType      string
	ActorID        string
	ResourceType   string
	ResourceID     string
	Action         string
	Result         Result
	ComplianceTags []string
}

// Validate checks the fields every ledger entry requires.
func (r Record) Validate() error {
	if strings.TrimSpace(r.EventType) == "" {
		return fmt.Errorf("audit record requires event_type")
	}
	if strings.TrimSpace(r.ActorID) == "" {
		return fmt.Errorf("audit record requires actor_id")
	}
	if strings.TrimSpace(r.Action) == "" {
		return fmt.Errorf("audit record requires action")
	}
	if _, err := ParseResult(string(r.Result)); err != nil {
		return err
	}
	return nil
}

// Entry is one ledger record. Hash is a pure function of PreviousHash
// and the entry's own fields at write time; once written an entry is
// never mutated or removed.
type Entry struct {
	ID             uuid.UUID `json:"id"`
	Position       int64     `json:"position"`
	Timestamp      time.Time `json:"timestamp"`
	EventType      string    `json:"event_type"`
	ActorID        string    `json:"actor_id"`
	ResourceType   string    `json:"resource_type,omitempty"`
	ResourceID     string    `json:"resource_id,omitempty"`
	Action         string    `json:"action"`
	Result         Result    `json:"result"`
	ComplianceTags []string  `json:"compliance_tags,omitempty"`
	PreviousHash   string    `json:"previous_hash"`
	Hash           string    `json:"hash"`
}

// Query filters ledger reads. Zero values match everything.
// AfterPosition is a pagination cursor: only entries strictly past it
// are returned, so callers page a range larger than one Limit.
type Query struct {
	From          time.Time
	To            time.Time
	ActorID       string
	ResourceType  string
	ResourceID    string
	Tag           string
	AfterPosition int64
	Limit         int
}

// Store is the append-only ledger store. The chain writer is the sole
// caller of Append; every other component reads.
type Store interface {
	// Append persists the entry and returns it with its ledger
	// position. Entries arrive fully hashed.
	Append(ctx context.Context, entry Entry) (Entry, error)
	// Last returns the most recently appended entry; ok is false on an
	// empty ledger.
	Last(ctx context.Context) (Entry, bool, error)
	// Query returns matching entries in position order.
	Query(ctx context.Context, q Query) ([]Entry, error)
	// ListAfter returns up to limit entries past the given position,
	// optionally restricted to entries carrying any of the tags.
	ListAfter(ctx context.Context, position int64, tags []string, limit int) ([]Entry, error)
}
