// Package discovery pages through the catalog list endpoint and writes the
// identifier chunks that the batch crawlers consume.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/clock/system"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// Config controls one discovery run.
type Config struct {
	APIKey  string
	BaseURL string
	// Namespace names the chunks, as in game_id_<n>.json.
	Namespace   string
	OutputDir   string
	MetadataDir string

	MaxResultsPerRequest int
	MaxItemsPerFile      int
	MaxRetries           int
	RetryBackoff         time.Duration
	PageDelay            time.Duration
	RequestTimeout       time.Duration

	IncludeGames    bool
	IncludeDLC      bool
	IncludeSoftware bool
	IncludeVideos   bool
}

// Validate rejects configurations that cannot start a run.
func (c Config) Validate() error {
	switch {
	case c.APIKey == "":
		return fmt.Errorf("%w: discovery api key is required", crawler.ErrConfiguration)
	case c.BaseURL == "":
		return fmt.Errorf("%w: discovery base url is required", crawler.ErrConfiguration)
	case c.Namespace == "":
		return fmt.Errorf("%w: discovery namespace is required", crawler.ErrConfiguration)
	case c.MaxResultsPerRequest <= 0 || c.MaxItemsPerFile <= 0 || c.MaxRetries <= 0:
		return fmt.Errorf("%w: discovery limits must be > 0", crawler.ErrConfiguration)
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("%w: discovery base url: %v", crawler.ErrConfiguration, err)
	}
	return nil
}

// ChunkName is the name of output chunk n.
func (c Config) ChunkName(n int) string {
	return path.Join(c.OutputDir, fmt.Sprintf("%s_%d.json", c.Namespace, n))
}

// ReportName is the metadata name for a run finishing on day.
func (c Config) ReportName(day time.Time) string {
	return path.Join(c.MetadataDir, fmt.Sprintf("%s_metadata_%s.json", day.Format("20060102"), c.Namespace))
}

// PageURL builds the list request continuing after lastAppID.
func (c Config) PageURL(lastAppID int64) string {
	q := url.Values{}
	q.Set("key", c.APIKey)
	q.Set("include_games", strconv.FormatBool(c.IncludeGames))
	q.Set("include_dlc", strconv.FormatBool(c.IncludeDLC))
	q.Set("include_software", strconv.FormatBool(c.IncludeSoftware))
	q.Set("include_videos", strconv.FormatBool(c.IncludeVideos))
	q.Set("max_results", strconv.Itoa(c.MaxResultsPerRequest))
	q.Set("last_appid", strconv.FormatInt(lastAppID, 10))
	return c.BaseURL + "?" + q.Encode()
}

// Report is the discovery metadata document.
type Report struct {
	UpdateDate     string `json:"update_date"`
	StartTime      string `json:"start_time"`
	EndTime        string `json:"end_time"`
	SearchResult   bool   `json:"search_result"`
	MaxResult      int    `json:"max_result"`
	SearchTimes    int    `json:"search_times"`
	DataCount      int    `json:"data_count"`
	LastAppID      int64  `json:"last_appid"`
	LastOutputFile int    `json:"last_output_file"`
}

// Progress is a point-in-time view of a discovery run.
type Progress struct {
	SearchTimes int   `json:"search_times"`
	DataCount   int   `json:"data_count"`
	LastAppID   int64 `json:"last_appid"`
	OutputFile  int   `json:"output_file"`
}

type page struct {
	Response struct {
		Apps            []crawler.Payload `json:"apps"`
		HaveMoreResults bool              `json:"have_more_results"`
		LastAppID       *int64            `json:"last_appid"`
	} `json:"response"`
}

// Dependencies are the collaborators a Crawler drives.
type Dependencies struct {
	Store  crawler.ChunkStore
	Getter crawler.Getter
	// Optional collaborators.
	Sleeper   crawler.Sleeper
	Clock     crawler.Clock
	Limiter   crawler.Limiter
	Publisher crawler.Publisher
	Topic     string
}

// Crawler is a single-use discovery run.
type Crawler struct {
	cfg      Config
	getter   crawler.Getter
	limiter  crawler.Limiter
	sleeper  crawler.Sleeper
	clock    crawler.Clock
	backoff  crawler.LinearBackoff
	output   *crawler.OutputLedger
	reporter *crawler.Reporter
	logger   *zap.Logger

	mu          sync.Mutex
	searchTimes int
	lastAppID   int64
}

// New validates cfg and wires a Crawler.
func New(cfg Config, deps Dependencies, logger *zap.Logger) (*Crawler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Getter == nil {
		return nil, fmt.Errorf("%w: chunk store and getter are required", crawler.ErrConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	sleeper := deps.Sleeper
	if sleeper == nil {
		sleeper = crawler.TimerSleeper{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = system.New(nil)
	}
	logger = logger.Named("discovery").With(zap.String("namespace", cfg.Namespace))
	return &Crawler{
		cfg:      cfg,
		getter:   deps.Getter,
		limiter:  deps.Limiter,
		sleeper:  sleeper,
		clock:    clock,
		backoff:  crawler.LinearBackoff{MaxAttempts: cfg.MaxRetries, Base: cfg.RetryBackoff, Sleeper: sleeper},
		output:   crawler.NewOutputLedger(deps.Store, cfg.ChunkName, cfg.MaxItemsPerFile, clock, cfg.Namespace),
		reporter: crawler.NewReporter(deps.Store, deps.Publisher, deps.Topic, logger),
		logger:   logger,
	}, nil
}

// Snapshot returns the current progress.
func (c *Crawler) Snapshot() Progress {
	c.mu.Lock()
	p := Progress{SearchTimes: c.searchTimes, LastAppID: c.lastAppID}
	c.mu.Unlock()
	p.DataCount = c.output.TotalCount()
	p.OutputFile, _ = c.output.Position()
	return p
}

// Run pages until the endpoint reports no more results, a page exhausts
// its retries, or ctx is canceled. The metadata report is always written
// unless persisting a page failed.
func (c *Crawler) Run(ctx context.Context) (Report, error) {
	start := c.clock.Now()
	complete := false
	for {
		res, err := c.fetchPage(ctx)
		if err != nil {
			c.logger.Error("page fetch exhausted retries", zap.Int64("last_appid", c.cursor()), zap.Error(err))
			break
		}
		apps := res.Response.Apps
		if err := c.output.AppendBatch(context.WithoutCancel(ctx), apps); err != nil {
			return Report{}, err
		}
		c.advance(res)
		c.logger.Info("page saved",
			zap.Int("search_times", c.Snapshot().SearchTimes),
			zap.Int("apps", len(apps)),
			zap.Int64("last_appid", c.cursor()),
		)
		if !res.Response.HaveMoreResults {
			complete = true
			break
		}
		if err := c.sleeper.Sleep(ctx, c.cfg.PageDelay); err != nil {
			break
		}
	}

	end := c.clock.Now()
	snap := c.Snapshot()
	report := Report{
		UpdateDate:     end.Format("2006-01-02"),
		StartTime:      start.Format("15:04:05"),
		EndTime:        end.Format("15:04:05"),
		SearchResult:   complete,
		MaxResult:      c.cfg.MaxResultsPerRequest,
		SearchTimes:    snap.SearchTimes,
		DataCount:      snap.DataCount,
		LastAppID:      snap.LastAppID,
		LastOutputFile: c.output.LastWrittenSuffix(),
	}
	if err := c.reporter.EmitDocument(context.WithoutCancel(ctx), c.cfg.ReportName(end), report,
		zap.Bool("search_result", complete),
		zap.Int("data_count", report.DataCount),
	); err != nil {
		return Report{}, err
	}
	state := "complete"
	switch {
	case complete:
	case ctx.Err() != nil:
		state = string(crawler.StateCanceled)
	default:
		state = "search_incomplete"
	}
	metrics.ObserveRun(c.cfg.Namespace, state)
	return report, nil
}

func (c *Crawler) cursor() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAppID
}

func (c *Crawler) advance(res page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.searchTimes++
	switch {
	case res.Response.LastAppID != nil && *res.Response.LastAppID != 0:
		c.lastAppID = *res.Response.LastAppID
	case len(res.Response.Apps) > 0:
		if raw, ok := res.Response.Apps[len(res.Response.Apps)-1]["appid"]; ok {
			if id, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
				c.lastAppID = id
			}
		}
	}
}

func (c *Crawler) fetchPage(ctx context.Context) (page, error) {
	target := c.cfg.PageURL(c.cursor())
	var out page
	_, err := c.backoff.Do(ctx, func(ctx context.Context, attempt int) error {
		if ctx.Err() != nil {
			return crawler.Permanent(ctx.Err())
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, target); err != nil {
				return crawler.Permanent(err)
			}
		}
		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RequestTimeout)
		defer cancel()
		resp, err := c.getter.Get(reqCtx, target)
		if err == nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
			err = fmt.Errorf("%w: status %d", crawler.ErrTransientFetch, resp.StatusCode)
		}
		if err == nil {
			var p page
			if decodeErr := json.Unmarshal(resp.Body, &p); decodeErr != nil {
				err = fmt.Errorf("%w: decode page: %v", crawler.ErrTransientFetch, decodeErr)
			} else {
				out = p
			}
		}
		if err != nil {
			metrics.ObserveFetchAttempt(c.cfg.Namespace, "error")
			c.logger.Warn("page fetch failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		metrics.ObserveFetchAttempt(c.cfg.Namespace, "success")
		return nil
	})
	return out, err
}
