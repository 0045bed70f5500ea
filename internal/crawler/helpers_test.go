package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	files     map[string][]byte
	writes    map[string]int
	existsErr error
	failWrite func(name string) bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{files: make(map[string][]byte), writes: make(map[string]int)}
}

func (s *fakeStore) put(name, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = []byte(body)
}

func (s *fakeStore) Exists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.existsErr != nil {
		return false, s.existsErr
	}
	_, ok := s.files[name]
	return ok, nil
}

func (s *fakeStore) Read(_ context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

func (s *fakeStore) Write(_ context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite != nil && s.failWrite(name) {
		return errors.New("disk full")
	}
	s.files[name] = append([]byte(nil), data...)
	s.writes[name]++
	return nil
}

func (s *fakeStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, name)
	return nil
}

func (s *fakeStore) names(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for name := range s.files {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (s *fakeStore) chunk(t *testing.T, name string) OutputChunk {
	t.Helper()
	raw, err := s.Read(context.Background(), name)
	require.NoError(t, err)
	var chunk OutputChunk
	require.NoError(t, json.Unmarshal(raw, &chunk))
	return chunk
}

func (s *fakeStore) report(t *testing.T, name string) RunReport {
	t.Helper()
	raw, err := s.Read(context.Background(), name)
	require.NoError(t, err)
	var report RunReport
	require.NoError(t, json.Unmarshal(raw, &report))
	return report
}

type fakeGetter struct {
	mu         sync.Mutex
	calls      int
	perURL     map[string]int
	bodies     map[string]string
	status     int
	failFirst  map[string]int
	alwaysFail map[string]bool
	block      chan struct{}
	onCall     func(url string)
}

func (g *fakeGetter) Get(ctx context.Context, url string) (GetResponse, error) {
	g.mu.Lock()
	g.calls++
	if g.perURL == nil {
		g.perURL = make(map[string]int)
	}
	g.perURL[url]++
	n := g.perURL[url]
	onCall := g.onCall
	g.mu.Unlock()

	if onCall != nil {
		onCall(url)
	}
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return GetResponse{}, ctx.Err()
		}
	}
	if g.alwaysFail[url] || n <= g.failFirst[url] {
		return GetResponse{}, errors.New("connection reset")
	}
	status := g.status
	if status == 0 {
		status = 200
	}
	body, ok := g.bodies[url]
	if !ok {
		body = `{"name":"item"}`
	}
	return GetResponse{URL: url, StatusCode: status, Body: []byte(body)}, nil
}

func (g *fakeGetter) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type memCheckpoints struct {
	mu     sync.Mutex
	saved  map[string]Checkpoint
	saves  int
	clears int
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{saved: make(map[string]Checkpoint)}
}

func (m *memCheckpoints) Load(_ context.Context, scraperType string) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.saved[scraperType]
	return cp, ok, nil
}

func (m *memCheckpoints) Save(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[cp.ScraperType] = cp
	m.saves++
	return nil
}

func (m *memCheckpoints) Clear(_ context.Context, scraperType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saved, scraperType)
	m.clears++
	return nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []any
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, payload)
	return fmt.Sprintf("msg-%d", len(p.messages)), nil
}

var testNow = time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		ScraperType:       "game_info",
		URLTemplate:       "https://api.test/app?id={}",
		IDKey:             "appid",
		InputNamespace:    "game_id",
		InputDir:          "ids",
		OutputDir:         "out",
		MetadataDir:       "meta",
		MaxResultsPerFile: 100,
		MaxRetries:        1,
		RetryBackoffBase:  time.Second,
		RequestTimeout:    time.Second,
		Workers:           1,
	}
}

func inputFile(ids ...any) string {
	items := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		items = append(items, map[string]any{"appid": id})
	}
	raw, _ := json.Marshal(map[string]any{"data": items})
	return string(raw)
}
