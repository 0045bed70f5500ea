// Package storage selects the chunk store backend that all crawler file
// I/O flows through: the local filesystem, Google Cloud Storage or memory.
package storage

import (
	"context"
	"fmt"
	"strings"

	gcsapi "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/JakeFAU/catalog-crawler/internal/storage/gcs"
	"github.com/JakeFAU/catalog-crawler/internal/storage/local"
	"github.com/JakeFAU/catalog-crawler/internal/storage/memory"
)

// Backend names.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Provider is the chunk persistence contract shared by every backend.
type Provider interface {
	Exists(ctx context.Context, name string) (bool, error)
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error
	Delete(ctx context.Context, name string) error
}

// Config selects and configures a backend.
type Config struct {
	Backend string
	BaseDir string
	Bucket  string
	Prefix  string
	// ClientOptions are passed to the GCS client, e.g. an emulator endpoint.
	ClientOptions []option.ClientOption
}

// Open builds the configured backend. The returned close function releases
// any client the backend holds and is never nil.
func Open(ctx context.Context, cfg Config) (Provider, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendLocal:
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, noop, fmt.Errorf("local storage: %w", err)
		}
		return store, noop, nil
	case BackendMemory:
		return memory.NewChunkStore(), noop, nil
	case BackendGCS:
		client, err := gcsapi.NewClient(ctx, cfg.ClientOptions...)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create GCS client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
		if err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("gcs storage: %w", err)
		}
		return store, client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}
