// Package scrapers holds the per-scraper-type dispatch table: where each
// variant fetches from, which key addresses its items, and how its
// response bodies are shaped into payloads.
package scrapers

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Known scraper types.
const (
	GameInfo   = "game_info"
	GameReview = "game_review"
	GameTag    = "game_tag"
)

// Profile describes one scraper variant.
type Profile struct {
	Type           string
	URLTemplate    string
	IDKey          string
	InputNamespace string
	Shaper         crawler.Shaper
}

var registry = map[string]Profile{
	GameInfo: {
		Type:           GameInfo,
		URLTemplate:    "https://store.steampowered.com/api/appdetails?appids={}",
		IDKey:          "appid",
		InputNamespace: "game_id",
		Shaper:         ShapeAppDetails,
	},
	GameReview: {
		Type:           GameReview,
		URLTemplate:    "https://store.steampowered.com/appreviews/{}?json=1&language=all&num_per_page=0",
		IDKey:          "appid",
		InputNamespace: "game_id",
		Shaper:         ShapeReviewSummary,
	},
	GameTag: {
		Type:           GameTag,
		URLTemplate:    "https://steamspy.com/api.php?request=appdetails&appid={}",
		IDKey:          "appid",
		InputNamespace: "game_id",
		Shaper:         crawler.ShapePayload,
	},
}

// Lookup returns the profile for scraperType.
func Lookup(scraperType string) (Profile, error) {
	p, ok := registry[scraperType]
	if !ok {
		return Profile{}, fmt.Errorf("%w: unknown scraper type %q", crawler.ErrConfiguration, scraperType)
	}
	return p, nil
}

// Types lists the registered scraper types in sorted order.
func Types() []string {
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Apply copies the profile into cfg, leaving fields cfg already sets.
func (p Profile) Apply(cfg crawler.Config) crawler.Config {
	cfg.ScraperType = p.Type
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = p.URLTemplate
	}
	if cfg.IDKey == "" {
		cfg.IDKey = p.IDKey
	}
	if cfg.InputNamespace == "" {
		cfg.InputNamespace = p.InputNamespace
	}
	if cfg.Shaper == nil {
		cfg.Shaper = p.Shaper
	}
	return cfg
}

// ShapeAppDetails rejects store appdetails bodies of the form
// {"<id>": {"success": false}} and otherwise shapes them like
// crawler.ShapePayload.
func ShapeAppDetails(idKey string, id crawler.Identifier, body []byte) (crawler.Payload, error) {
	var envelope map[string]struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if entry, ok := envelope[id.String()]; ok && entry.Success != nil && !*entry.Success {
			return nil, fmt.Errorf("%w: app %s reported success=false", crawler.ErrEmptyPayload, id)
		}
	}
	return crawler.ShapePayload(idKey, id, body)
}

// ShapeReviewSummary rejects appreviews bodies whose success flag is not 1.
func ShapeReviewSummary(idKey string, id crawler.Identifier, body []byte) (crawler.Payload, error) {
	var envelope struct {
		Success *int `json:"success"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Success != nil && *envelope.Success != 1 {
		return nil, fmt.Errorf("%w: reviews for %s reported success=%d", crawler.ErrEmptyPayload, id, *envelope.Success)
	}
	return crawler.ShapePayload(idKey, id, body)
}
