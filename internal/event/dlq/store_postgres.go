package dlq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"chronicle/pkg/platform/sentinel"
)

// PostgresStore implements Store on the dead_letters table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Add(ctx context.Context, entry Entry) error {
	query := `
		INSERT INTO dead_letters (
			id, event_id, aggregate_id, sequence, subscriber,
			reason, retry_count, first_failed_at, last_failed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id, subscriber)
		DO UPDATE SET reason = EXCLUDED.reason,
		              retry_count = dead_letters.retry_count + EXCLUDED.retry_count,
		              last_failed_at = EXCLUDED.last_failed_at
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.EventID,
		entry.AggregateID,
		entry.Sequence,
		entry.Subscriber,
		string(entry.Reason),
		entry.RetryCount,
		entry.FirstFailedAt,
		entry.LastFailedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Entry, error) {
	query := `
		SELECT id, event_id, aggregate_id, sequence, subscriber,
		       reason, retry_count, first_failed_at, last_failed_at
		FROM dead_letters
		WHERE id = $1
	`
	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("dead letter %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("query dead letter: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, event_id, aggregate_id, sequence, subscriber,
		       reason, retry_count, first_failed_at, last_failed_at
		FROM dead_letters
		WHERE ($1 = '' OR subscriber = $1)
		  AND ($2 = '' OR reason = $2)
		ORDER BY last_failed_at DESC
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, filter.Subscriber, string(filter.Reason), limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Remove(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("dead letter %s: %w", id, sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Depth(ctx context.Context) (int, error) {
	var depth int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&depth); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return depth, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		entry  Entry
		reason string
	)
	err := row.Scan(
		&entry.ID,
		&entry.EventID,
		&entry.AggregateID,
		&entry.Sequence,
		&entry.Subscriber,
		&reason,
		&entry.RetryCount,
		&entry.FirstFailedAt,
		&entry.LastFailedAt,
	)
	if err != nil {
		return Entry{}, err
	}
	entry.Reason = Reason(reason)
	return entry, nil
}
