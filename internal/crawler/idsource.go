package crawler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// IDSource reads identifiers from numbered input chunk files. Only the
// requested chunk is held in memory.
type IDSource struct {
	store  ChunkStore
	cfg    Config
	logger *zap.Logger
}

// NewIDSource builds an IDSource over store.
func NewIDSource(store ChunkStore, cfg Config, logger *zap.Logger) *IDSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IDSource{store: store, cfg: cfg, logger: logger}
}

// HasNext reports whether input file n exists.
func (s *IDSource) HasNext(ctx context.Context, n int) (bool, error) {
	ok, err := s.store.Exists(ctx, s.cfg.InputName(n))
	if err != nil {
		return false, fmt.Errorf("%w: stat input %d: %v", ErrPersistence, n, err)
	}
	return ok, nil
}

type inputChunk struct {
	Data *[]map[string]json.RawMessage `json:"data"`
}

// Open loads input file n. A file that is not {"data":[...]} returns
// ErrMalformedInput. Items without a usable identifier are skipped.
func (s *IDSource) Open(ctx context.Context, n int) (IDBatch, error) {
	name := s.cfg.InputName(n)
	batch := IDBatch{Index: n, Name: name}
	raw, err := s.store.Read(ctx, name)
	if err != nil {
		return batch, fmt.Errorf("%w: read input %s: %v", ErrPersistence, name, err)
	}
	var chunk inputChunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return batch, fmt.Errorf("%w: %s: %v", ErrMalformedInput, name, err)
	}
	if chunk.Data == nil {
		return batch, fmt.Errorf("%w: %s: missing data array", ErrMalformedInput, name)
	}
	batch.Identifiers = make([]Identifier, 0, len(*chunk.Data))
	for i, item := range *chunk.Data {
		rawID, ok := item[s.cfg.IDKey]
		var id Identifier
		if ok {
			if err := json.Unmarshal(rawID, &id); err != nil {
				ok = false
			}
		}
		if !ok || id.Falsy() {
			batch.Skipped++
			s.logger.Warn("input item has no identifier",
				zap.String("input_chunk", name),
				zap.Int("item", i),
				zap.String("id_key", s.cfg.IDKey),
			)
			continue
		}
		batch.Identifiers = append(batch.Identifiers, id)
	}
	return batch, nil
}
