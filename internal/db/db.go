// Package db stores the rule engine's execution history in PostgreSQL
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps pgxpool.Pool for database operations
type DB struct {
	pool *pgxpool.Pool
}

// NewDB creates a new DB connection pool and makes sure the schema exists
func NewDB(ctx context.Context, url string) (*DB, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	d := &DB{pool: pool}
	if err := d.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the connection pool
func (d *DB) Close() {
	d.pool.Close()
}

// Ping checks the connection
func (d *DB) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS rule_executions (
	id          UUID PRIMARY KEY,
	rule_path   TEXT NOT NULL,
	delay       INTEGER,
	steps       INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rule_executions_started_at ON rule_executions (started_at DESC);
`

// Migrate creates the history tables if they are missing
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}
