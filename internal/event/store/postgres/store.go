// Package postgres implements the durable event log on PostgreSQL.
// Appends are transactional, the (aggregate_id, sequence) uniqueness
// invariant is enforced by a database constraint, and a bigserial
// global offset orders events across aggregates for catch-up reads.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"chronicle/internal/event"
	"chronicle/pkg/platform/sentinel"
	txcontext "chronicle/pkg/platform/tx"
)

const uniqueViolation = "23505"

// Store implements event.Log.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) querier(ctx context.Context) dbQuerier {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Append inserts the event and returns it with its global offset. The
// insert joins the caller's transaction when one is carried in ctx.
func (s *Store) Append(ctx context.Context, e event.Event) (event.Event, error) {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return event.Event{}, fmt.Errorf("marshal event metadata: %w", err)
	}

	query := `
		INSERT INTO events (
			id, aggregate_id, aggregate_type, sequence, event_type,
			payload, metadata, correlation_id, causation_id, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING global_offset
	`
	err = s.querier(ctx).QueryRowContext(ctx, query,
		e.ID,
		e.AggregateID,
		e.AggregateType,
		e.Sequence,
		e.Type,
		[]byte(e.Payload),
		metadata,
		e.CorrelationID,
		e.CausationID,
		e.CreatedAt,
	).Scan(&e.GlobalOffset)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return event.Event{}, fmt.Errorf("append %s seq %d: %w",
				e.AggregateID, e.Sequence, sentinel.ErrDuplicateSequence)
		}
		return event.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return e, nil
}

// ReadFrom returns the aggregate's events starting at fromSequence.
func (s *Store) ReadFrom(ctx context.Context, aggregateID string, fromSequence int64) ([]event.Event, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, sequence, global_offset,
			   event_type, payload, metadata, correlation_id, causation_id, created_at
		FROM events
		WHERE aggregate_id = $1 AND sequence >= $2
		ORDER BY sequence
	`
	rows, err := s.querier(ctx).QueryContext(ctx, query, aggregateID, fromSequence)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ReadAll returns up to limit events past afterOffset in offset order.
func (s *Store) ReadAll(ctx context.Context, afterOffset int64, limit int) ([]event.Event, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, sequence, global_offset,
			   event_type, payload, metadata, correlation_id, causation_id, created_at
		FROM events
		WHERE global_offset > $1
		ORDER BY global_offset
		LIMIT $2
	`
	rows, err := s.querier(ctx).QueryContext(ctx, query, afterOffset, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LastSequence returns the aggregate's highest sequence, zero when the
// aggregate has no events yet.
func (s *Store) LastSequence(ctx context.Context, aggregateID string) (int64, error) {
	var last int64
	query := `SELECT COALESCE(MAX(sequence), 0) FROM events WHERE aggregate_id = $1`
	if err := s.querier(ctx).QueryRowContext(ctx, query, aggregateID).Scan(&last); err != nil {
		return 0, fmt.Errorf("query last sequence: %w", err)
	}
	return last, nil
}

func scanEvents(rows *sql.Rows) ([]event.Event, error) {
	var events []event.Event
	for rows.Next() {
		var (
			e        event.Event
			payload  []byte
			metadata []byte
		)
		err := rows.Scan(
			&e.ID,
			&e.AggregateID,
			&e.AggregateType,
			&e.Sequence,
			&e.GlobalOffset,
			&e.Type,
			&payload,
			&metadata,
			&e.CorrelationID,
			&e.CausationID,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal event metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
