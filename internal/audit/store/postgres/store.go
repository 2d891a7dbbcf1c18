// Package postgres implements the audit ledger store on PostgreSQL.
// The implementation carries only the append-only interface; no SQL in
// this package updates or deletes a ledger row.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"chronicle/internal/audit"
	txcontext "chronicle/pkg/platform/tx"
)

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

// Append inserts the entry, joining the caller's transaction when one
// is carried in ctx, and returns the entry with its ledger position.
func (s *Store) Append(ctx context.Context, entry audit.Entry) (audit.Entry, error) {
	query := `
		INSERT INTO audit_entries (
			id, ts, event_type, actor_id, resource_type, resource_id,
			action, result, compliance_tags, previous_hash, hash
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING position
	`
	err := s.querier(ctx).QueryRowContext(ctx, query,
		entry.ID,
		entry.Timestamp,
		entry.EventType,
		entry.ActorID,
		entry.ResourceType,
		entry.ResourceID,
		entry.Action,
		string(entry.Result),
		pq.Array(entry.ComplianceTags),
		entry.PreviousHash,
		entry.Hash,
	).Scan(&entry.Position)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	return entry, nil
}

// Last returns the highest-position entry.
func (s *Store) Last(ctx context.Context) (audit.Entry, bool, error) {
	query := selectColumns + ` ORDER BY position DESC LIMIT 1`
	entry, err := scanEntry(s.querier(ctx).QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Entry{}, false, nil
	}
	if err != nil {
		return audit.Entry{}, false, fmt.Errorf("query chain head: %w", err)
	}
	return entry, true, nil
}

const selectColumns = `
	SELECT position, id, ts, event_type, actor_id, resource_type, resource_id,
	       action, result, compliance_tags, previous_hash, hash
	FROM audit_entries
`

// Query returns matching entries in position order.
func (s *Store) Query(ctx context.Context, q audit.Query) ([]audit.Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	query := selectColumns + `
		WHERE ($1::timestamptz IS NULL OR ts >= $1)
		  AND ($2::timestamptz IS NULL OR ts <= $2)
		  AND ($3 = '' OR actor_id = $3)
		  AND ($4 = '' OR resource_type = $4)
		  AND ($5 = '' OR resource_id = $5)
		  AND ($6 = '' OR $6 = ANY(compliance_tags))
		  AND position > $7
		ORDER BY position
		LIMIT $8
	`
	var from, to any
	if !q.From.IsZero() {
		from = q.From
	}
	if !q.To.IsZero() {
		to = q.To
	}
	rows, err := s.querier(ctx).QueryContext(ctx, query,
		from, to, q.ActorID, q.ResourceType, q.ResourceID, q.Tag, q.AfterPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ListAfter returns up to limit entries past position, optionally
// restricted to entries carrying any of the tags.
func (s *Store) ListAfter(ctx context.Context, position int64, tags []string, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := selectColumns + `
		WHERE position > $1
		  AND (cardinality($2::text[]) = 0 OR compliance_tags && $2)
		ORDER BY position
		LIMIT $3
	`
	rows, err := s.querier(ctx).QueryContext(ctx, query, position, pq.Array(tags), limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries after %d: %w", position, err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (audit.Entry, error) {
	var (
		entry  audit.Entry
		result string
		tags   pq.StringArray
	)
	err := row.Scan(
		&entry.Position,
		&entry.ID,
		&entry.Timestamp,
		&entry.EventType,
		&entry.ActorID,
		&entry.ResourceType,
		&entry.ResourceID,
		&entry.Action,
		&result,
		&tags,
		&entry.PreviousHash,
		&entry.Hash,
	)
	if err != nil {
		return audit.Entry{}, err
	}
	entry.Result = audit.Result(result)
	entry.ComplianceTags = []string(tags)
	return entry, nil
}

func scanEntries(rows *sql.Rows) ([]audit.Entry, error) {
	var entries []audit.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}
