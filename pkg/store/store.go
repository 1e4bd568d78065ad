// Package store is the SQL persistence layer. The same statements run on
// Postgres and on the embedded SQLite used in lite mode, so the schema
// sticks to TEXT and integer-millisecond columns and upserts use the
// ON CONFLICT form both engines share.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store implements the persistence interfaces of the domain packages over
// a single database handle.
type Store struct {
	db *sql.DB
}

// Open connects to the database named by url. Postgres URLs use the pq
// driver; anything else is treated as a SQLite path for lite mode.
func Open(url string) (*Store, error) {
	driver := "sqlite"
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		driver = "postgres"
	}
	db, err := sql.Open(driver, url)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle, used by tests.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the handle for health pings.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'active',
		access_ct TEXT NOT NULL DEFAULT '',
		access_iv TEXT NOT NULL DEFAULT '',
		access_tag TEXT NOT NULL DEFAULT '',
		refresh_ct TEXT NOT NULL DEFAULT '',
		refresh_iv TEXT NOT NULL DEFAULT '',
		refresh_tag TEXT NOT NULL DEFAULT '',
		webhook_timeout_ms BIGINT NOT NULL DEFAULT 0,
		code_timeout_ms BIGINT NOT NULL DEFAULT 0,
		max_snippets INTEGER NOT NULL DEFAULT 0,
		max_secrets INTEGER NOT NULL DEFAULT 0,
		last_activity_ms BIGINT NOT NULL DEFAULT 0,
		installed_at_ms BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS snippets (
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		artifact_hash TEXT NOT NULL DEFAULT '',
		executions BIGINT NOT NULL DEFAULT 0,
		last_executed_ms BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS secrets (
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		value_ct TEXT NOT NULL DEFAULT '',
		value_iv TEXT NOT NULL DEFAULT '',
		value_tag TEXT NOT NULL DEFAULT '',
		uses BIGINT NOT NULL DEFAULT 0,
		last_used_ms BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		workflow_id TEXT NOT NULL DEFAULT '',
		callback_id TEXT NOT NULL DEFAULT '',
		action_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		request_snapshot TEXT NOT NULL DEFAULT '',
		response_snapshot TEXT NOT NULL DEFAULT '',
		attempts TEXT NOT NULL DEFAULT '[]',
		duration_ms BIGINT NOT NULL DEFAULT 0,
		started_at_ms BIGINT NOT NULL DEFAULT 0,
		hash TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_tenant_started
		ON executions (tenant_id, started_at_ms)`,
	`CREATE TABLE IF NOT EXISTS usage_daily (
		tenant_id TEXT NOT NULL,
		day TEXT NOT NULL,
		total_count BIGINT NOT NULL DEFAULT 0,
		webhook_count BIGINT NOT NULL DEFAULT 0,
		code_count BIGINT NOT NULL DEFAULT 0,
		format_count BIGINT NOT NULL DEFAULT 0,
		success_count BIGINT NOT NULL DEFAULT 0,
		error_count BIGINT NOT NULL DEFAULT 0,
		timeout_count BIGINT NOT NULL DEFAULT 0,
		total_duration_ms BIGINT NOT NULL DEFAULT 0,
		max_duration_ms BIGINT NOT NULL DEFAULT 0,
		avg_duration_ms BIGINT NOT NULL DEFAULT 0,
		distinct_workflows BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (tenant_id, day)
	)`,
	`CREATE TABLE IF NOT EXISTS usage_workflows (
		tenant_id TEXT NOT NULL,
		day TEXT NOT NULL,
		workflow_id TEXT NOT NULL,
		PRIMARY KEY (tenant_id, day, workflow_id)
	)`,
}

// Init creates the schema if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func timeToMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
