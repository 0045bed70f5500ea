// Package checkpoint persists crawl resume cursors as JSON documents next
// to the run reports.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// FileStore keeps one checkpoint_<type>.json per scraper type under a
// metadata directory of a chunk store.
type FileStore struct {
	store crawler.ChunkStore
	dirFn func(scraperType string) string
}

// NewFileStore stores checkpoints in the directory dirFn returns for each
// scraper type.
func NewFileStore(store crawler.ChunkStore, dirFn func(scraperType string) string) *FileStore {
	return &FileStore{store: store, dirFn: dirFn}
}

// Name returns the chunk name of the checkpoint for scraperType.
func (s *FileStore) Name(scraperType string) string {
	return path.Join(s.dirFn(scraperType), fmt.Sprintf("checkpoint_%s.json", scraperType))
}

// Load reads the checkpoint for scraperType, or false when none exists.
func (s *FileStore) Load(ctx context.Context, scraperType string) (crawler.Checkpoint, bool, error) {
	name := s.Name(scraperType)
	ok, err := s.store.Exists(ctx, name)
	if err != nil {
		return crawler.Checkpoint{}, false, fmt.Errorf("stat checkpoint: %w", err)
	}
	if !ok {
		return crawler.Checkpoint{}, false, nil
	}
	raw, err := s.store.Read(ctx, name)
	if err != nil {
		return crawler.Checkpoint{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp crawler.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return crawler.Checkpoint{}, false, fmt.Errorf("decode checkpoint %s: %w", name, err)
	}
	if cp.ScraperType != scraperType {
		return crawler.Checkpoint{}, false, fmt.Errorf("checkpoint %s belongs to %q", name, cp.ScraperType)
	}
	if err := cp.Validate(); err != nil {
		return crawler.Checkpoint{}, false, fmt.Errorf("checkpoint %s: %w", name, err)
	}
	return cp, true, nil
}

// Save replaces the checkpoint document.
func (s *FileStore) Save(ctx context.Context, cp crawler.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	raw, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := s.store.Write(ctx, s.Name(cp.ScraperType), raw); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Clear removes the checkpoint document for scraperType.
func (s *FileStore) Clear(ctx context.Context, scraperType string) error {
	if err := s.store.Delete(ctx, s.Name(scraperType)); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}
