package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// CheckpointStore keeps one resume cursor row per scraper type.
type CheckpointStore struct {
	pool  querier
	table string
}

// NewCheckpointStore connects to Postgres and returns a CheckpointStore.
func NewCheckpointStore(ctx context.Context, cfg PoolConfig, table string) (*CheckpointStore, error) {
	table, err := checkTable(table, "crawl_checkpoints")
	if err != nil {
		return nil, err
	}
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &CheckpointStore{pool: pool, table: table}, nil
}

// NewCheckpointStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewCheckpointStoreWithPool(pool querier, table string) (*CheckpointStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "crawl_checkpoints")
	if err != nil {
		return nil, err
	}
	return &CheckpointStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *CheckpointStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the checkpoint table when it is missing.
func (s *CheckpointStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	scraper_type TEXT PRIMARY KEY,
	next_input_file INTEGER NOT NULL,
	output_file INTEGER NOT NULL,
	output_offset INTEGER NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create checkpoint table: %w", err)
	}
	return nil
}

// Load returns the checkpoint for scraperType, or false when none exists.
func (s *CheckpointStore) Load(ctx context.Context, scraperType string) (crawler.Checkpoint, bool, error) {
	query := fmt.Sprintf(`
SELECT next_input_file, output_file, output_offset, updated_at
FROM %s
WHERE scraper_type = $1`, s.table)

	cp := crawler.Checkpoint{ScraperType: scraperType}
	var updated time.Time
	err := s.pool.QueryRow(ctx, query, scraperType).Scan(&cp.NextInputFile, &cp.OutputFile, &cp.OutputOffset, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Checkpoint{}, false, nil
	}
	if err != nil {
		return crawler.Checkpoint{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	cp.UpdatedAt = updated.UTC()
	if err := cp.Validate(); err != nil {
		return crawler.Checkpoint{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, true, nil
}

// Save upserts the checkpoint row.
func (s *CheckpointStore) Save(ctx context.Context, cp crawler.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (scraper_type, next_input_file, output_file, output_offset, updated_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (scraper_type) DO UPDATE
SET next_input_file = EXCLUDED.next_input_file,
	output_file = EXCLUDED.output_file,
	output_offset = EXCLUDED.output_offset,
	updated_at = EXCLUDED.updated_at`, s.table)

	if _, err := s.pool.Exec(ctx, query, cp.ScraperType, cp.NextInputFile, cp.OutputFile, cp.OutputOffset, cp.UpdatedAt); err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// Clear deletes the checkpoint row for scraperType.
func (s *CheckpointStore) Clear(ctx context.Context, scraperType string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE scraper_type = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, scraperType); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}
