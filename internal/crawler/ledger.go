package crawler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// ChunkNamer maps an output suffix to a chunk name.
type ChunkNamer func(n int) string

// OutputLedger owns the in-memory accumulator of the current output chunk.
// Every mutation runs under one mutex so record, flush and rotate are
// atomic with respect to other writers.
type OutputLedger struct {
	mu      sync.Mutex
	store   ChunkStore
	name    ChunkNamer
	max     int
	clock   Clock
	label   string
	suffix  int
	buffer  []Payload
	total   int
	lastID  Identifier
	flushed bool
}

// NewOutputLedger starts at output suffix 1 with an empty buffer.
func NewOutputLedger(store ChunkStore, name ChunkNamer, maxPerFile int, clock Clock, label string) *OutputLedger {
	if clock == nil {
		clock = systemClock{}
	}
	return &OutputLedger{
		store:  store,
		name:   name,
		max:    maxPerFile,
		clock:  clock,
		label:  label,
		suffix: 1,
		buffer: make([]Payload, 0),
	}
}

// Resume positions the ledger at suffix, reloading at most offset entries
// from the existing chunk. A negative offset keeps every stored entry. A
// missing chunk is only valid when offset is zero or negative.
func (l *OutputLedger) Resume(ctx context.Context, suffix, offset int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if suffix < 1 {
		return fmt.Errorf("%w: output suffix must be >= 1, got %d", ErrConfiguration, suffix)
	}
	l.suffix = suffix
	l.buffer = make([]Payload, 0)
	name := l.name(suffix)
	ok, err := l.store.Exists(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrPersistence, name, err)
	}
	if !ok {
		if offset > 0 {
			return fmt.Errorf("%w: resume chunk %s is missing but %d entries were checkpointed", ErrPersistence, name, offset)
		}
		return nil
	}
	raw, err := l.store.Read(ctx, name)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrPersistence, name, err)
	}
	var chunk OutputChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrPersistence, name, err)
	}
	if offset >= 0 && offset < len(chunk.Data) {
		chunk.Data = chunk.Data[:offset]
	} else if offset > len(chunk.Data) {
		return fmt.Errorf("%w: chunk %s has %d entries, checkpoint expects %d", ErrPersistence, name, len(chunk.Data), offset)
	}
	l.buffer = append(l.buffer, chunk.Data...)
	if len(l.buffer) >= l.max {
		l.rotateLocked()
	}
	return nil
}

// DiscardAfter deletes the chunks following suffix that an interrupted run
// already wrote. Chunks are written in order, so it stops at the first
// missing one. It returns the number of chunks removed.
func (l *OutputLedger) DiscardAfter(ctx context.Context, suffix int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for n := suffix + 1; ; n++ {
		name := l.name(n)
		ok, err := l.store.Exists(ctx, name)
		if err != nil {
			return removed, fmt.Errorf("%w: stat %s: %v", ErrPersistence, name, err)
		}
		if !ok {
			return removed, nil
		}
		if err := l.store.Delete(ctx, name); err != nil {
			return removed, fmt.Errorf("%w: delete %s: %v", ErrPersistence, name, err)
		}
		removed++
	}
}

// Record appends a successful payload to the buffer.
func (l *OutputLedger) Record(res FetchResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordLocked(res)
}

// Flush rewrites the whole buffer into the current chunk.
func (l *OutputLedger) Flush(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked(ctx)
}

// MaybeRotate advances the suffix and clears the buffer once it holds max
// entries. Callers must Flush first or the unflushed tail is lost.
func (l *OutputLedger) MaybeRotate() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buffer) < l.max {
		return false
	}
	l.rotateLocked()
	return true
}

// Append records, flushes and rotates as one step.
func (l *OutputLedger) Append(ctx context.Context, res FetchResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordLocked(res)
	if err := l.flushLocked(ctx); err != nil {
		return err
	}
	if len(l.buffer) >= l.max {
		l.rotateLocked()
	}
	return nil
}

// AppendBatch records a page of payloads, splitting it across chunks so
// that no chunk exceeds max entries. Every touched chunk is flushed.
func (l *OutputLedger) AppendBatch(ctx context.Context, payloads []Payload) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(payloads) > 0 {
		room := l.max - len(l.buffer)
		n := min(room, len(payloads))
		l.buffer = append(l.buffer, payloads[:n]...)
		l.total += n
		payloads = payloads[n:]
		if err := l.flushLocked(ctx); err != nil {
			return err
		}
		if len(l.buffer) >= l.max {
			l.rotateLocked()
		}
	}
	return nil
}

// TotalCount is the number of payloads recorded by this ledger.
func (l *OutputLedger) TotalCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// LastIdentifier is the identifier of the last recorded success.
func (l *OutputLedger) LastIdentifier() Identifier {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastID
}

// Position returns the current suffix and the number of buffered entries.
func (l *OutputLedger) Position() (suffix, offset int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.suffix, len(l.buffer)
}

// LastWrittenSuffix is the highest suffix flushed to storage, or zero.
func (l *OutputLedger) LastWrittenSuffix() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buffer) == 0 {
		if l.flushed || l.suffix > 1 {
			return l.suffix - 1
		}
		return 0
	}
	return l.suffix
}

func (l *OutputLedger) recordLocked(res FetchResult) {
	l.buffer = append(l.buffer, res.Payload)
	l.total++
	l.lastID = res.Identifier
}

func (l *OutputLedger) flushLocked(ctx context.Context) error {
	now := l.clock.Now()
	data, err := encodeJSON(OutputChunk{
		UpdateDate: now.Format("2006-01-02"),
		UpdateTime: now.Format("15:04:05"),
		Data:       l.buffer,
	})
	if err != nil {
		return fmt.Errorf("%w: encode output chunk: %v", ErrPersistence, err)
	}
	name := l.name(l.suffix)
	if err := l.store.Write(ctx, name, data); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrPersistence, name, err)
	}
	l.flushed = true
	metrics.ObserveFlush(l.label)
	return nil
}

func (l *OutputLedger) rotateLocked() {
	l.suffix++
	l.buffer = make([]Payload, 0)
	l.flushed = false
	metrics.ObserveRotation(l.label)
}

// FailureLedger records identifiers that exhausted their retries. It is
// only persisted through the run report.
type FailureLedger struct {
	mu  sync.Mutex
	ids []Identifier
}

// Record appends id.
func (f *FailureLedger) Record(id Identifier) {
	f.mu.Lock()
	f.ids = append(f.ids, id)
	f.mu.Unlock()
}

// Count returns the number of recorded failures.
func (f *FailureLedger) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ids)
}

// List returns a copy of the recorded failures in order.
func (f *FailureLedger) List() []Identifier {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Identifier, len(f.ids))
	copy(out, f.ids)
	return out
}

// encodeJSON indents by two spaces and leaves non-ASCII and HTML
// characters unescaped.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
