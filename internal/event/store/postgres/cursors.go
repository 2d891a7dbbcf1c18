package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CursorStore persists each subscriber's last acknowledged global
// offset so catch-up reads survive restarts.
type CursorStore struct {
	db *sql.DB
}

func NewCursorStore(db *sql.DB) *CursorStore {
	return &CursorStore{db: db}
}

// Load returns the subscriber's last committed offset, zero when the
// subscriber has never acknowledged anything.
func (s *CursorStore) Load(ctx context.Context, subscriber string) (int64, error) {
	var offset int64
	query := `SELECT last_offset FROM subscriber_cursors WHERE subscriber = $1`
	err := s.db.QueryRowContext(ctx, query, subscriber).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query cursor for %s: %w", subscriber, err)
	}
	return offset, nil
}

// Commit advances the subscriber's cursor. Commits never move the
// cursor backwards, so a late acknowledgment after catch-up is a no-op.
func (s *CursorStore) Commit(ctx context.Context, subscriber string, offset int64) error {
	query := `
		INSERT INTO subscriber_cursors (subscriber, last_offset, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (subscriber)
		DO UPDATE SET last_offset = GREATEST(subscriber_cursors.last_offset, EXCLUDED.last_offset),
		              updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, subscriber, offset, time.Now().UTC()); err != nil {
		return fmt.Errorf("commit cursor for %s: %w", subscriber, err)
	}
	return nil
}
