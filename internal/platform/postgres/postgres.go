// Package postgres opens the durable store connection and owns its
// schema. The schema is applied idempotently at startup; there is no
// separate migration tool for this service.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"chronicle/internal/platform/config"
)

// Open connects, applies pool settings, and verifies the connection.
func Open(ctx context.Context, cfg config.Postgres) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// schema holds the full DDL. audit_entries carries no UPDATE or DELETE
// anywhere in this codebase; the ledger is append-only by construction
// and verified by hash chain, not by database permissions alone.
const schema = `
CREATE TABLE IF NOT EXISTS events (
	global_offset  BIGSERIAL PRIMARY KEY,
	id             UUID        NOT NULL UNIQUE,
	aggregate_id   TEXT        NOT NULL,
	aggregate_type TEXT        NOT NULL,
	sequence       BIGINT      NOT NULL,
	event_type     TEXT        NOT NULL,
	payload        JSONB       NOT NULL,
	metadata       JSONB,
	correlation_id TEXT        NOT NULL DEFAULT '',
	causation_id   TEXT        NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	UNIQUE (aggregate_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_events_aggregate
	ON events (aggregate_id, sequence);

CREATE TABLE IF NOT EXISTS subscriber_cursors (
	subscriber  TEXT        PRIMARY KEY,
	last_offset BIGINT      NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id              UUID        PRIMARY KEY,
	event_id        UUID        NOT NULL,
	aggregate_id    TEXT        NOT NULL,
	sequence        BIGINT      NOT NULL,
	subscriber      TEXT        NOT NULL,
	reason          TEXT        NOT NULL,
	retry_count     INT         NOT NULL,
	first_failed_at TIMESTAMPTZ NOT NULL,
	last_failed_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (event_id, subscriber)
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_subscriber
	ON dead_letters (subscriber);

CREATE TABLE IF NOT EXISTS audit_entries (
	position        BIGSERIAL   PRIMARY KEY,
	id              UUID        NOT NULL UNIQUE,
	ts              TIMESTAMPTZ NOT NULL,
	event_type      TEXT        NOT NULL,
	actor_id        TEXT        NOT NULL,
	resource_type   TEXT        NOT NULL,
	resource_id     TEXT        NOT NULL,
	action          TEXT        NOT NULL,
	result          TEXT        NOT NULL,
	compliance_tags TEXT[]      NOT NULL DEFAULT '{}',
	previous_hash   CHAR(64)    NOT NULL,
	hash            CHAR(64)    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_entries_ts
	ON audit_entries (ts);
CREATE INDEX IF NOT EXISTS idx_audit_entries_actor
	ON audit_entries (actor_id, ts);
CREATE INDEX IF NOT EXISTS idx_audit_entries_tags
	ON audit_entries USING GIN (compliance_tags);
`

// EnsureSchema applies the schema. Safe to run on every startup.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
