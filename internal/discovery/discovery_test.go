package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/catalog-crawler/internal/fetcher/colly"
	pubmemory "github.com/JakeFAU/catalog-crawler/internal/publisher/memory"
	"github.com/JakeFAU/catalog-crawler/internal/storage/memory"
)

const listURL = "https://api.test/IStoreService/GetAppList/v1/"

var testNow = time.Date(2024, 5, 17, 9, 30, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return testNow }

type countingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *countingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *countingSleeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delays)
}

func testConfig() Config {
	return Config{
		APIKey:               "k",
		BaseURL:              listURL,
		Namespace:            "game_id",
		OutputDir:            "raw/game_id",
		MetadataDir:          "raw/game_id/metadata",
		MaxResultsPerRequest: 2,
		MaxItemsPerFile:      3,
		MaxRetries:           2,
		RetryBackoff:         time.Second,
		PageDelay:            3 * time.Second,
		IncludeGames:         true,
	}
}

func pageBody(more bool, last int64, ids ...int) string {
	apps := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		apps = append(apps, map[string]any{"appid": id, "name": fmt.Sprintf("app-%d", id)})
	}
	resp := map[string]any{"apps": apps, "have_more_results": more}
	if last > 0 {
		resp["last_appid"] = last
	}
	b, _ := json.Marshal(map[string]any{"response": resp})
	return string(b)
}

func pagedResponder(t *testing.T, pages map[string]string) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		q := req.URL.Query()
		assert.Equal(t, "k", q.Get("key"))
		assert.Equal(t, "true", q.Get("include_games"))
		assert.Equal(t, "false", q.Get("include_dlc"))
		assert.Equal(t, "2", q.Get("max_results"))
		body, ok := pages[q.Get("last_appid")]
		if !ok {
			return httpmock.NewStringResponse(http.StatusNotFound, `{}`), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, body), nil
	}
}

func readChunk(t *testing.T, store *memory.ChunkStore, name string) crawler.OutputChunk {
	t.Helper()
	raw, err := store.Read(context.Background(), name)
	require.NoError(t, err)
	var chunk crawler.OutputChunk
	require.NoError(t, json.Unmarshal(raw, &chunk))
	return chunk
}

func TestRunPaginatesAndRotates(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, listURL, pagedResponder(t, map[string]string{
		"0":  pageBody(true, 20, 10, 20),
		"20": pageBody(true, 0, 30, 40),
		"40": pageBody(false, 50, 50),
	}))
	store := memory.NewChunkStore()
	sleeper := &countingSleeper{}
	pub := pubmemory.New()

	c, err := New(testConfig(), Dependencies{
		Store:     store,
		Getter:    collyfetcher.New(collyfetcher.Config{Transport: transport}),
		Sleeper:   sleeper,
		Clock:     fixedClock{},
		Publisher: pub,
		Topic:     "discovery-runs",
	}, zap.NewNop())
	require.NoError(t, err)

	report, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.SearchResult)
	assert.Equal(t, 3, report.SearchTimes)
	assert.Equal(t, 5, report.DataCount)
	assert.Equal(t, int64(50), report.LastAppID)
	assert.Equal(t, 2, report.MaxResult)
	assert.Equal(t, 2, report.LastOutputFile)
	assert.Equal(t, 2, sleeper.count(), "page delay between pages only")
	assert.Equal(t, 3, transport.GetTotalCallCount())

	assert.Len(t, readChunk(t, store, "raw/game_id/game_id_1.json").Data, 3)
	second := readChunk(t, store, "raw/game_id/game_id_2.json")
	require.Len(t, second.Data, 2)
	assert.JSONEq(t, `50`, string(second.Data[1]["appid"]))

	raw, err := store.Read(context.Background(), "raw/game_id/metadata/20240517_metadata_game_id.json")
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, true, meta["search_result"])
	assert.EqualValues(t, 5, meta["data_count"])
	assert.Len(t, pub.Messages("discovery-runs"), 1)
}

type flakyGetter struct {
	mu       sync.Mutex
	calls    int
	failures int
	body     string
}

func (g *flakyGetter) Get(_ context.Context, url string) (crawler.GetResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.calls <= g.failures {
		return crawler.GetResponse{}, errors.New("connection reset")
	}
	return crawler.GetResponse{URL: url, StatusCode: http.StatusOK, Body: []byte(g.body)}, nil
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	getter := &flakyGetter{failures: 1, body: pageBody(false, 0, 7)}
	sleeper := &countingSleeper{}
	c, err := New(testConfig(), Dependencies{Store: memory.NewChunkStore(), Getter: getter, Sleeper: sleeper, Clock: fixedClock{}}, zap.NewNop())
	require.NoError(t, err)

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.SearchResult)
	assert.Equal(t, int64(7), report.LastAppID, "cursor falls back to the last app id")
	assert.Equal(t, []time.Duration{time.Second}, sleeper.delays)
}

func TestRunRecordsIncompleteSearch(t *testing.T) {
	t.Parallel()

	getter := &flakyGetter{failures: 10}
	store := memory.NewChunkStore()
	c, err := New(testConfig(), Dependencies{Store: store, Getter: getter, Sleeper: &countingSleeper{}, Clock: fixedClock{}}, zap.NewNop())
	require.NoError(t, err)

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.SearchResult)
	assert.Equal(t, 0, report.SearchTimes)
	assert.Equal(t, 2, getter.calls)
	ok, err := store.Exists(context.Background(), "raw/game_id/metadata/20240517_metadata_game_id.json")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunHTTPErrorStatusIsRetried(t *testing.T) {
	t.Parallel()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodGet, listURL, httpmock.NewStringResponder(http.StatusForbidden, `{"error":"bad key"}`))
	c, err := New(testConfig(), Dependencies{
		Store:   memory.NewChunkStore(),
		Getter:  collyfetcher.New(collyfetcher.Config{Transport: transport}),
		Sleeper: &countingSleeper{},
		Clock:   fixedClock{},
	}, zap.NewNop())
	require.NoError(t, err)

	report, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.SearchResult)
	assert.Equal(t, 2, transport.GetTotalCallCount())
}

func TestRunPersistenceFailureAborts(t *testing.T) {
	t.Parallel()

	c, err := New(testConfig(), Dependencies{
		Store:   failingStore{},
		Getter:  &flakyGetter{body: pageBody(false, 0, 1)},
		Sleeper: &countingSleeper{},
		Clock:   fixedClock{},
	}, zap.NewNop())
	require.NoError(t, err)

	_, err = c.Run(context.Background())
	require.ErrorIs(t, err, crawler.ErrPersistence)
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.APIKey = ""
	_, err := New(cfg, Dependencies{Store: memory.NewChunkStore(), Getter: &flakyGetter{}}, zap.NewNop())
	require.ErrorIs(t, err, crawler.ErrConfiguration)
}

func TestPageURL(t *testing.T) {
	t.Parallel()

	got := testConfig().PageURL(42)
	assert.Equal(t, listURL+"?include_dlc=false&include_games=true&include_software=false&include_videos=false&key=k&last_appid=42&max_results=2", got)
}

type failingStore struct{}

func (failingStore) Exists(context.Context, string) (bool, error) { return false, nil }
func (failingStore) Read(context.Context, string) ([]byte, error) { return nil, errors.New("nope") }
func (failingStore) Write(context.Context, string, []byte) error  { return errors.New("disk full") }
func (failingStore) Delete(context.Context, string) error         { return nil }
