// Package runs starts crawl runs in the background and tracks them for the
// HTTP trigger surface.
package runs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/logging"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/storage/postgres"
)

// Status is the lifecycle state of a tracked run.
type Status string

// Run statuses.
const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
)

var (
	// ErrRunActive is returned when a run of the same scraper type is in progress.
	ErrRunActive = errors.New("a run for this scraper type is already active")
	// ErrRunNotFound is returned for unknown run IDs.
	ErrRunNotFound = errors.New("run not found")
	// ErrShuttingDown is returned by Start after Shutdown.
	ErrShuttingDown = errors.New("run manager is shutting down")
)

// Request describes a run to start. Zero values keep configured defaults.
type Request struct {
	ScraperType     string `json:"scraper_type"`
	MaxInputFiles   int    `json:"max_input_files,omitempty"`
	StartInputFile  int    `json:"start_input_file,omitempty"`
	StartOutputFile int    `json:"start_output_file,omitempty"`
	Resume          *bool  `json:"resume,omitempty"`
}

// Result is what a finished Runner hands back.
type Result struct {
	// Canceled marks a run that stopped because its context ended.
	Canceled bool
	Report   any
}

// Runner is one single-use crawl execution.
type Runner interface {
	Run(ctx context.Context) (Result, error)
	// Progress returns a point-in-time view safe to call during Run.
	Progress() any
}

// Factory builds a Runner for req. Errors reject the request.
type Factory func(req Request, logger *zap.Logger) (Runner, error)

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// Recorder persists run history.
type Recorder interface {
	RecordRun(ctx context.Context, rec postgres.RunRecord) error
}

// Run is the externally visible view of a tracked run.
type Run struct {
	ID          string     `json:"run_id"`
	ScraperType string     `json:"scraper_type"`
	Status      Status     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	Progress    any        `json:"progress,omitempty"`
	Report      any        `json:"report,omitempty"`
}

type tracked struct {
	run    Run
	runner Runner
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns background runs. At most one run per scraper type is active.
type Manager struct {
	factory  Factory
	ids      IDGenerator
	clock    Clock
	recorder Recorder
	logger   *zap.Logger

	base       context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	runs     map[string]*tracked
	active   map[string]string
	sequence []string
}

// Options configure a Manager.
type Options struct {
	Factory Factory
	IDs     IDGenerator
	Clock   Clock
	// Recorder is optional.
	Recorder Recorder
	Logger   *zap.Logger
}

// NewManager returns a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Factory == nil || opts.IDs == nil || opts.Clock == nil {
		return nil, fmt.Errorf("factory, id generator and clock are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		factory:    opts.Factory,
		ids:        opts.IDs,
		clock:      opts.Clock,
		recorder:   opts.Recorder,
		logger:     logger.Named("runs"),
		base:       base,
		cancelBase: cancel,
		runs:       make(map[string]*tracked),
		active:     make(map[string]string),
	}, nil
}

// Start builds a Runner for req and runs it on a background goroutine.
func (m *Manager) Start(req Request) (Run, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Run{}, ErrShuttingDown
	}
	if id, busy := m.active[req.ScraperType]; busy {
		m.mu.Unlock()
		return Run{}, fmt.Errorf("%w: %s (run %s)", ErrRunActive, req.ScraperType, id)
	}
	id, err := m.ids.NewID()
	if err != nil {
		m.mu.Unlock()
		return Run{}, fmt.Errorf("generate run id: %w", err)
	}
	logger := logging.ForRun(m.logger, id, req.ScraperType)
	runner, err := m.factory(req, logger)
	if err != nil {
		m.mu.Unlock()
		return Run{}, err
	}

	ctx, cancel := context.WithCancel(m.base)
	t := &tracked{
		run: Run{
			ID:          id,
			ScraperType: req.ScraperType,
			Status:      StatusRunning,
			StartedAt:   m.clock.Now(),
		},
		runner: runner,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.runs[id] = t
	m.active[req.ScraperType] = id
	m.sequence = append(m.sequence, id)
	m.wg.Add(1)
	started := t.run
	m.mu.Unlock()

	m.record(started)
	metrics.IncActiveRuns()
	go m.execute(ctx, t, logger)
	logger.Info("run started")
	return started, nil
}

func (m *Manager) execute(ctx context.Context, t *tracked, logger *zap.Logger) {
	defer m.wg.Done()
	defer close(t.done)
	defer metrics.DecActiveRuns()
	defer t.cancel()

	res, err := t.runner.Run(ctx)
	finished := m.clock.Now()

	m.mu.Lock()
	t.run.FinishedAt = &finished
	t.run.Report = res.Report
	switch {
	case err != nil:
		t.run.Status = StatusFailed
		t.run.Error = err.Error()
	case res.Canceled:
		t.run.Status = StatusCanceled
	default:
		t.run.Status = StatusCompleted
	}
	if m.active[t.run.ScraperType] == t.run.ID {
		delete(m.active, t.run.ScraperType)
	}
	snapshot := t.run
	m.mu.Unlock()

	m.record(snapshot)
	if err != nil {
		logger.Error("run failed", zap.Error(err))
		return
	}
	logger.Info("run finished", zap.String("status", string(snapshot.Status)))
}

func (m *Manager) record(run Run) {
	if m.recorder == nil {
		return
	}
	rec := postgres.RunRecord{
		ID:          run.ID,
		ScraperType: run.ScraperType,
		Status:      string(run.Status),
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		Report:      run.Report,
	}
	if run.Error != "" {
		msg := run.Error
		rec.Error = &msg
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.recorder.RecordRun(ctx, rec); err != nil {
		m.logger.Warn("record run history failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// Get returns the run with live progress.
func (m *Manager) Get(id string) (Run, error) {
	m.mu.Lock()
	t, ok := m.runs[id]
	if !ok {
		m.mu.Unlock()
		return Run{}, ErrRunNotFound
	}
	run := t.run
	m.mu.Unlock()
	run.Progress = t.runner.Progress()
	return run, nil
}

// List returns every tracked run, newest first.
func (m *Manager) List() []Run {
	m.mu.Lock()
	ids := append([]string(nil), m.sequence...)
	m.mu.Unlock()

	out := make([]Run, 0, len(ids))
	for _, id := range ids {
		if run, err := m.Get(id); err == nil {
			out = append(out, run)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Cancel asks a run to stop. Finished runs are returned unchanged.
func (m *Manager) Cancel(id string) (Run, error) {
	m.mu.Lock()
	t, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return Run{}, ErrRunNotFound
	}
	t.cancel()
	return m.Get(id)
}

// Wait blocks until run id finishes or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (Run, error) {
	m.mu.Lock()
	t, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return Run{}, ErrRunNotFound
	}
	select {
	case <-t.done:
		return m.Get(id)
	case <-ctx.Done():
		return Run{}, fmt.Errorf("wait for run %s: %w", id, ctx.Err())
	}
}

// Shutdown cancels every active run and waits for them to write their
// reports, or for ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancelBase()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown runs: %w", ctx.Err())
	}
}
