package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RunRecord is one row of crawl run history.
type RunRecord struct {
	ID          string
	ScraperType string
	Status      string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Error       *string
	Report      any
}

// RunStore writes crawl run history into Postgres.
type RunStore struct {
	pool  querier
	table string
}

// NewRunStore connects to Postgres and returns a RunStore.
func NewRunStore(ctx context.Context, cfg PoolConfig, table string) (*RunStore, error) {
	table, err := checkTable(table, "crawl_runs")
	if err != nil {
		return nil, err
	}
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: pool, table: table}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(pool querier, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "crawl_runs")
	if err != nil {
		return nil, err
	}
	return &RunStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the run history table when it is missing.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	scraper_type TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	error_message TEXT,
	report JSONB
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create run table: %w", err)
	}
	return nil
}

// RecordRun inserts or updates a run row. Status changes overwrite the
// previous row for the same id.
func (s *RunStore) RecordRun(ctx context.Context, rec RunRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("run id is required")
	}
	var report []byte
	if rec.Report != nil {
		var err error
		report, err = json.Marshal(rec.Report)
		if err != nil {
			return fmt.Errorf("marshal report: %w", err)
		}
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, scraper_type, status, started_at, finished_at, error_message, report)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
	finished_at = EXCLUDED.finished_at,
	error_message = EXCLUDED.error_message,
	report = EXCLUDED.report`, s.table)

	args := []any{rec.ID, rec.ScraperType, rec.Status, rec.StartedAt, rec.FinishedAt, rec.Error, report}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}
