// Package chain appends tamper-evident records to the audit ledger.
// Each entry's hash covers the previous entry's hash, so any later
// mutation of a stored entry breaks every subsequent link.
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"chronicle/internal/audit"
)

// Genesis is the previous-hash of the first ledger entry.
const Genesis = "0000000000000000000000000000000000000000000000000000000000000000"

// ComputeHash derives an entry's hash from the previous hash and every
// caller-supplied field, so mutating any stored field after the fact
// breaks verification. The verifier recomputes with the same function;
// the field set and encoding are part of the ledger format.
func ComputeHash(previous string, e audit.Entry) string {
	h := sha256.New()
	io.WriteString(h, previous)
	io.WriteString(h, e.ID.String())
	io.WriteString(h, e.Timestamp.UTC().Format(time.RFC3339Nano))
	io.WriteString(h, e.EventType)
	io.WriteString(h, e.ActorID)
	io.WriteString(h, e.ResourceType)
	io.WriteString(h, e.ResourceID)
	io.WriteString(h, e.Action)
	io.WriteString(h, string(e.Result))
	io.WriteString(h, strings.Join(e.ComplianceTags, ","))
	return hex.EncodeToString(h.Sum(nil))
}

// AppendFunc appends one record inside a Chain critical section.
type AppendFunc func(ctx context.Context, rec audit.Record) (audit.Entry, error)

// Writer is the sole writer of the audit ledger. Appends are serialized
// so two entries can never compute against the same previous hash.
//
// Appends are synchronous and mandatory: when an append fails the
// triggering operation must be treated as failed. There is no retry-
// then-drop path here.
type Writer struct {
	store  audit.Store
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu     sync.Mutex
	head   string
	primed bool
}

// Option configures the Writer.
type Option func(*Writer)

// WithLogger sets a logger for append failures.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Writer) { w.logger = logger }
}

// WithClock overrides the timestamp source for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

func NewWriter(store audit.Store, opts ...Option) *Writer {
	w := &Writer{
		store:  store,
		tracer: otel.Tracer("chronicle/audit/chain"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Append appends one record in its own critical section.
func (w *Writer) Append(ctx context.Context, rec audit.Record) (audit.Entry, error) {
	var entry audit.Entry
	err := w.Chain(func(appendRec AppendFunc) error {
		var err error
		entry, err = appendRec(ctx, rec)
		return err
	})
	return entry, err
}

// Chain runs fn while holding the chain lock. fn receives an AppendFunc
// valid only for the duration of the call; callers that append inside a
// database transaction run the whole transaction in fn so the chain
// head cannot move between the append and the commit.
//
// When fn fails the cached head is discarded and re-read from the store
// on the next append, since a rolled-back transaction leaves the stored
// chain behind the cached one.
func (w *Writer) Chain(fn func(appendRec AppendFunc) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := fn(w.appendLocked); err != nil {
		w.primed = false
		w.head = ""
		return err
	}
	return nil
}

func (w *Writer) appendLocked(ctx context.Context, rec audit.Record) (audit.Entry, error) {
	ctx, span := w.tracer.Start(ctx, "audit.Append")
	defer span.End()

	if err := rec.Validate(); err != nil {
		return audit.Entry{}, err
	}

	if !w.primed {
		last, ok, err := w.store.Last(ctx)
		if err != nil {
			return audit.Entry{}, fmt.Errorf("read chain head: %w", err)
		}
		w.head = Genesis
		if ok {
			w.head = last.Hash
		}
		w.primed = true
	}

	// Microsecond precision matches timestamptz; hashing finer precision
	// would break recomputation after a database round trip.
	entry := audit.Entry{
		ID:             uuid.New(),
		Timestamp:      w.now().UTC().Truncate(time.Microsecond),
		EventType:      rec.EventType,
		ActorID:        rec.ActorID,
		ResourceType:   rec.ResourceType,
		ResourceID:     rec.ResourceID,
		Action:         rec.Action,
		Result:         rec.Result,
		ComplianceTags: rec.ComplianceTags,
		PreviousHash:   w.head,
	}
	entry.Hash = ComputeHash(w.head, entry)

	stored, err := w.store.Append(ctx, entry)
	if err != nil {
		if w.logger != nil {
			w.logger.ErrorContext(ctx, "CRITICAL: audit ledger append failed",
				"action", rec.Action,
				"actor_id", rec.ActorID,
				"error", err,
			)
		}
		return audit.Entry{}, fmt.Errorf("audit ledger append failed: %w", err)
	}

	w.head = stored.Hash
	return stored, nil
}
