package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"dsrules/internal/engine"
)

// DefaultListLimit is used when ListRecent is called without a limit
const DefaultListLimit = 50

// ExecutionRecord is a stored execution
type ExecutionRecord struct {
	ID         uuid.UUID `json:"id"`
	RulePath   string    `json:"rulePath"`
	Delay      *int      `json:"delay,omitempty"`
	Steps      int       `json:"steps"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

func newRecord(ex engine.Execution) ExecutionRecord {
	return ExecutionRecord{
		ID:         uuid.New(),
		RulePath:   ex.RulePath,
		Delay:      ex.Delay,
		Steps:      ex.Steps,
		Failed:     ex.Failed,
		StartedAt:  ex.StartedAt.UTC(),
		FinishedAt: ex.FinishedAt.UTC(),
	}
}

// RecordExecution stores a completed execution; it implements engine.History
func (d *DB) RecordExecution(ctx context.Context, ex engine.Execution) error {
	r := newRecord(ex)
	_, err := d.pool.Exec(ctx,
		"INSERT INTO rule_executions (id, rule_path, delay, steps, failed, started_at, finished_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		r.ID, r.RulePath, r.Delay, r.Steps, r.Failed, r.StartedAt, r.FinishedAt)
	if err != nil {
		return fmt.Errorf("inserting execution of %s: %w", r.RulePath, err)
	}
	return nil
}

// ListRecent returns the newest executions, optionally for one rule only
func (d *DB) ListRecent(ctx context.Context, rulePath string, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var (
		rows pgx.Rows
		err  error
	)
	const cols = "SELECT id, rule_path, delay, steps, failed, started_at, finished_at FROM rule_executions"
	if rulePath == "" {
		rows, err = d.pool.Query(ctx, cols+" ORDER BY started_at DESC LIMIT $1", limit)
	} else {
		rows, err = d.pool.Query(ctx, cols+" WHERE rule_path = $1 ORDER BY started_at DESC LIMIT $2", rulePath, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToStructByPos[ExecutionRecord])
	if err != nil {
		return nil, fmt.Errorf("scanning executions: %w", err)
	}
	return records, nil
}
