package crawler

import (
	"context"
	"time"
)

// ChunkStore persists named JSON documents. Names are slash separated and
// relative to the store root. Write must replace the whole document
// atomically. Deleting a missing document is not an error.
type ChunkStore interface {
	Exists(ctx context.Context, name string) (bool, error)
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error
	Delete(ctx context.Context, name string) error
}

// Getter performs a single HTTP GET.
type Getter interface {
	Get(ctx context.Context, url string) (GetResponse, error)
}

// Fetcher turns an identifier into a FetchResult.
type Fetcher interface {
	Fetch(ctx context.Context, id Identifier) FetchResult
}

// Limiter gates outbound requests.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Sleeper pauses between attempts and items.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// CheckpointStore loads, saves and clears resume cursors. Clearing a
// missing cursor is not an error.
type CheckpointStore interface {
	Load(ctx context.Context, scraperType string) (Checkpoint, bool, error)
	Save(ctx context.Context, cp Checkpoint) error
	Clear(ctx context.Context, scraperType string) error
}

// Publisher pushes run completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
