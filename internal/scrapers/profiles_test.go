package scrapers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

func TestLookup(t *testing.T) {
	t.Parallel()

	for _, typ := range Types() {
		p, err := Lookup(typ)
		require.NoError(t, err)
		assert.Equal(t, typ, p.Type)
		assert.Contains(t, p.URLTemplate, "{}")
		assert.NotNil(t, p.Shaper)
	}
	assert.Equal(t, []string{GameInfo, GameReview, GameTag}, Types())

	_, err := Lookup("game_price")
	require.ErrorIs(t, err, crawler.ErrConfiguration)
}

func TestApplyKeepsOverrides(t *testing.T) {
	t.Parallel()

	p, err := Lookup(GameTag)
	require.NoError(t, err)

	cfg := p.Apply(crawler.Config{URLTemplate: "http://mirror.test/tags?appid={}"})
	assert.Equal(t, GameTag, cfg.ScraperType)
	assert.Equal(t, "http://mirror.test/tags?appid={}", cfg.URLTemplate)
	assert.Equal(t, "appid", cfg.IDKey)
	assert.Equal(t, "game_id", cfg.InputNamespace)
	require.NoError(t, cfg.WithDefaults().Validate())
}

func TestShapeAppDetails(t *testing.T) {
	t.Parallel()

	id := crawler.NumericID("10")

	_, err := ShapeAppDetails("appid", id, []byte(`{"10":{"success":false}}`))
	require.ErrorIs(t, err, crawler.ErrEmptyPayload)

	payload, err := ShapeAppDetails("appid", id, []byte(`{"10":{"success":true,"data":{"name":"Counter-Strike"}}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `10`, string(payload["appid"]))
	assert.Contains(t, payload, "10")

	_, err = ShapeAppDetails("appid", id, []byte(`not json`))
	require.ErrorIs(t, err, crawler.ErrTransientFetch)
}

func TestShapeReviewSummary(t *testing.T) {
	t.Parallel()

	id := crawler.NumericID("570")

	_, err := ShapeReviewSummary("appid", id, []byte(`{"success":2}`))
	require.ErrorIs(t, err, crawler.ErrEmptyPayload)

	payload, err := ShapeReviewSummary("appid", id, []byte(`{"success":1,"query_summary":{"total_reviews":12}}`))
	require.NoError(t, err)
	var summary map[string]int
	require.NoError(t, json.Unmarshal(payload["query_summary"], &summary))
	assert.Equal(t, 12, summary["total_reviews"])
	assert.JSONEq(t, `570`, string(payload["appid"]))
}
