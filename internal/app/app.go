// Package app initializes and holds long-lived application services and
// builds crawl runs from them.
package app

import (
	"context"
	"errors"
	"fmt"

	gpubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/checkpoint"
	"github.com/JakeFAU/catalog-crawler/internal/clock/system"
	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/discovery"
	collyfetcher "github.com/JakeFAU/catalog-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/catalog-crawler/internal/id/uuid"
	"github.com/JakeFAU/catalog-crawler/internal/policy/ratelimit"
	pubsubpub "github.com/JakeFAU/catalog-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/catalog-crawler/internal/runs"
	"github.com/JakeFAU/catalog-crawler/internal/storage"
	"github.com/JakeFAU/catalog-crawler/internal/storage/postgres"
)

// App holds the shared, long-lived services: storage, checkpoints, run
// history, the HTTP getter, the rate limiter and the report publisher.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	store       storage.Provider
	checkpoints crawler.CheckpointStore
	history     runs.Recorder
	publisher   crawler.Publisher
	getter      crawler.Getter
	limiter     crawler.Limiter
	clock       crawler.Clock
	ids         *uuid.Generator
	closers     []func() error
}

// Services are pre-built collaborators. Nil fields are built from config.
type Services struct {
	Store       storage.Provider
	Checkpoints crawler.CheckpointStore
	History     runs.Recorder
	Publisher   crawler.Publisher
	Getter      crawler.Getter
	Clock       crawler.Clock
}

// New builds the App from cfg. Services already present in svc are used
// as-is, which lets tests swap in fakes.
func New(ctx context.Context, cfg config.Config, svc Services, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:         cfg,
		logger:      logger,
		store:       svc.Store,
		checkpoints: svc.Checkpoints,
		history:     svc.History,
		publisher:   svc.Publisher,
		getter:      svc.Getter,
		clock:       svc.Clock,
		ids:         uuid.New(),
		limiter:     ratelimit.New(cfg.LimiterOptions()),
	}
	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	logger.Info("application services initialized",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("checkpoints", cfg.Checkpoint.Backend),
		zap.Bool("run_history", a.history != nil),
		zap.Bool("publisher", a.publisher != nil),
	)
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.cfg
	if a.clock == nil {
		loc, err := system.LoadLocation(cfg.Crawler.Timezone)
		if err != nil {
			return fmt.Errorf("%w: crawler.timezone: %v", crawler.ErrConfiguration, err)
		}
		a.clock = system.New(loc)
	}
	if a.store == nil {
		store, closeStore, err := storage.Open(ctx, cfg.StorageOptions())
		if err != nil {
			return fmt.Errorf("%w: %v", crawler.ErrConfiguration, err)
		}
		a.store = store
		a.closers = append(a.closers, closeStore)
	}
	pool := postgres.PoolConfig{DSN: cfg.DB.DSN, MaxConns: cfg.DB.MaxConns, MinConns: cfg.DB.MinConns}
	if a.checkpoints == nil {
		switch cfg.Checkpoint.Backend {
		case config.CheckpointPostgres:
			cps, err := postgres.NewCheckpointStore(ctx, pool, cfg.Checkpoint.Table)
			if err != nil {
				return fmt.Errorf("checkpoint store: %w", err)
			}
			a.closers = append(a.closers, func() error { cps.Close(); return nil })
			if err := cps.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("checkpoint schema: %w", err)
			}
			a.checkpoints = cps
		default:
			a.checkpoints = checkpoint.NewFileStore(a.store, cfg.MetadataDir)
		}
	}
	if a.history == nil && cfg.DB.DSN != "" {
		rs, err := postgres.NewRunStore(ctx, pool, cfg.DB.RunsTable)
		if err != nil {
			return fmt.Errorf("run store: %w", err)
		}
		a.closers = append(a.closers, func() error { rs.Close(); return nil })
		if err := rs.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("run store schema: %w", err)
		}
		a.history = rs
	}
	if a.publisher == nil && cfg.PubSub.Enabled() {
		client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		a.publisher = pubsubpub.New(client, map[string]string{"source": "catalog-crawler"})
	}
	if a.getter == nil {
		a.getter = collyfetcher.New(collyfetcher.Config{
			UserAgent:   cfg.Crawler.UserAgent,
			Timeout:     cfg.Crawler.RequestTimeout,
			MaxBodySize: cfg.Crawler.MaxBodyBytes,
		})
	}
	return nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// IDs returns the run and request ID generator.
func (a *App) IDs() *uuid.Generator {
	return a.ids
}

// DiscoveryType is the run type that executes the ID discovery crawler.
func (a *App) DiscoveryType() string {
	return a.cfg.Discovery.Namespace
}

// CrawlConfig resolves the crawl configuration for req.
func (a *App) CrawlConfig(req runs.Request) (crawler.Config, error) {
	cfg, err := a.cfg.RunConfig(req.ScraperType)
	if err != nil {
		return crawler.Config{}, err
	}
	if req.MaxInputFiles > 0 {
		cfg.MaxInputFiles = req.MaxInputFiles
	}
	if req.StartInputFile > 0 {
		cfg.StartInputFile = req.StartInputFile
	}
	if req.StartOutputFile > 0 {
		cfg.StartOutputFile = req.StartOutputFile
	}
	if req.Resume != nil {
		cfg.Resume = *req.Resume
	}
	return cfg, nil
}

// NewOrchestrator builds a fresh single-use orchestrator for req.
func (a *App) NewOrchestrator(req runs.Request, logger *zap.Logger) (*crawler.Orchestrator, error) {
	cfg, err := a.CrawlConfig(req)
	if err != nil {
		return nil, err
	}
	return crawler.NewOrchestrator(cfg, crawler.Dependencies{
		Store:       a.store,
		Getter:      a.getter,
		Clock:       a.clock,
		Limiter:     a.limiter,
		Checkpoints: a.checkpoints,
		Publisher:   a.publisher,
		Topic:       a.cfg.PubSub.TopicName,
	}, logger)
}

// NewDiscovery builds a single-use discovery crawler.
func (a *App) NewDiscovery(logger *zap.Logger) (*discovery.Crawler, error) {
	d := a.cfg.Discovery
	return discovery.New(discovery.Config{
		APIKey:               d.APIKey,
		BaseURL:              d.BaseURL,
		Namespace:            d.Namespace,
		OutputDir:            a.cfg.InputDir(d.Namespace),
		MetadataDir:          a.cfg.MetadataDir(d.Namespace),
		MaxResultsPerRequest: d.MaxResultsPerRequest,
		MaxItemsPerFile:      d.MaxItemsPerFile,
		MaxRetries:           d.MaxRetries,
		RetryBackoff:         d.RetryBackoff,
		PageDelay:            d.PageDelay,
		RequestTimeout:       a.cfg.Crawler.RequestTimeout,
		IncludeGames:         d.IncludeGames,
		IncludeDLC:           d.IncludeDLC,
		IncludeSoftware:      d.IncludeSoftware,
		IncludeVideos:        d.IncludeVideos,
	}, discovery.Dependencies{
		Store:     a.store,
		Getter:    a.getter,
		Clock:     a.clock,
		Limiter:   a.limiter,
		Publisher: a.publisher,
		Topic:     a.cfg.PubSub.TopicName,
	}, logger)
}

// RunFactory builds runs.Runner values: the discovery crawler for
// DiscoveryType and a crawl orchestrator for every scraper type.
func (a *App) RunFactory() runs.Factory {
	return func(req runs.Request, logger *zap.Logger) (runs.Runner, error) {
		if req.ScraperType == a.DiscoveryType() {
			d, err := a.NewDiscovery(logger)
			if err != nil {
				return nil, err
			}
			return discoveryRunner{d: d}, nil
		}
		o, err := a.NewOrchestrator(req, logger)
		if err != nil {
			return nil, err
		}
		return crawlRunner{o: o}, nil
	}
}

// NewRunManager wires a runs.Manager over RunFactory.
func (a *App) NewRunManager() (*runs.Manager, error) {
	mgr, err := runs.NewManager(runs.Options{
		Factory:  a.RunFactory(),
		IDs:      a.ids,
		Clock:    a.clock,
		Recorder: a.history,
		Logger:   a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("run manager: %w", err)
	}
	return mgr, nil
}

// Close releases every client the App opened.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

type crawlRunner struct{ o *crawler.Orchestrator }

func (r crawlRunner) Run(ctx context.Context) (runs.Result, error) {
	report, err := r.o.Run(ctx)
	if err != nil {
		return runs.Result{}, err
	}
	return runs.Result{Canceled: report.FinalState == crawler.StateCanceled, Report: report}, nil
}

func (r crawlRunner) Progress() any { return r.o.Snapshot() }

type discoveryRunner struct{ d *discovery.Crawler }

func (r discoveryRunner) Run(ctx context.Context) (runs.Result, error) {
	report, err := r.d.Run(ctx)
	if err != nil {
		return runs.Result{}, err
	}
	return runs.Result{Canceled: !report.SearchResult && ctx.Err() != nil, Report: report}, nil
}

func (r discoveryRunner) Progress() any { return r.d.Snapshot() }
