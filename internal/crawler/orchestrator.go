package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// Dependencies are the collaborators an Orchestrator drives.
type Dependencies struct {
	Store  ChunkStore
	Getter Getter
	// Optional collaborators.
	Sleeper     Sleeper
	Clock       Clock
	Limiter     Limiter
	Checkpoints CheckpointStore
	Publisher   Publisher
	Topic       string
}

// Orchestrator drives IDSource, Executor and the ledgers across input
// files. Build a fresh one per run.
type Orchestrator struct {
	cfg         Config
	store       ChunkStore
	sleeper     Sleeper
	clock       Clock
	checkpoints CheckpointStore
	source      *IDSource
	fetcher     Fetcher
	output      *OutputLedger
	failures    *FailureLedger
	reporter    *Reporter
	logger      *zap.Logger

	started atomic.Bool

	mu       sync.Mutex
	progress Progress
}

// NewOrchestrator validates cfg and wires a single-use Orchestrator.
func NewOrchestrator(cfg Config, deps Dependencies, logger *zap.Logger) (*Orchestrator, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("%w: chunk store is required", ErrConfiguration)
	}
	if deps.Getter == nil {
		return nil, fmt.Errorf("%w: getter is required", ErrConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Sleeper == nil {
		deps.Sleeper = TimerSleeper{}
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	logger = logger.Named("orchestrator").With(zap.String("scraper_type", cfg.ScraperType))
	return &Orchestrator{
		cfg:         cfg,
		store:       deps.Store,
		sleeper:     deps.Sleeper,
		clock:       deps.Clock,
		checkpoints: deps.Checkpoints,
		source:      NewIDSource(deps.Store, cfg, logger.Named("idsource")),
		fetcher:     NewExecutor(cfg, deps.Getter, deps.Limiter, deps.Sleeper, logger.Named("executor")),
		output:      NewOutputLedger(deps.Store, cfg.OutputName, cfg.MaxResultsPerFile, deps.Clock, cfg.ScraperType),
		failures:    &FailureLedger{},
		reporter:    NewReporter(deps.Store, deps.Publisher, deps.Topic, logger.Named("report")),
		logger:      logger,
		progress:    Progress{State: StateIdle},
	}, nil
}

// Snapshot returns the current progress. It is safe to call concurrently
// with Run.
func (o *Orchestrator) Snapshot() Progress {
	o.mu.Lock()
	p := o.progress
	o.mu.Unlock()
	p.OutputFile, _ = o.output.Position()
	p.DataCount = o.output.TotalCount()
	p.FailedCount = o.failures.Count()
	p.LastIdentifier = o.output.LastIdentifier()
	return p
}

// Run crawls until input is exhausted, the file cap is reached or ctx is
// canceled, then writes the run report. A persistence error aborts the run
// and no report is written.
func (o *Orchestrator) Run(ctx context.Context) (RunReport, error) {
	if !o.started.CompareAndSwap(false, true) {
		return RunReport{}, errors.New("orchestrator already ran; build a new one per run")
	}
	start := o.clock.Now()
	index, err := o.resolveStart(ctx)
	if err != nil {
		return RunReport{}, o.abort(err)
	}
	first := index
	processed := 0
	o.logger.Info("run started", zap.Int("input_file", index))

	var final State
	for {
		o.setState(StateAwaitingNextInputFile, index, processed)
		if o.cfg.MaxInputFiles > 0 && processed >= o.cfg.MaxInputFiles {
			final = StateInputFileCapReached
			break
		}
		if ctx.Err() != nil {
			final = StateCanceled
			break
		}
		ok, err := o.source.HasNext(ctx, index)
		if err != nil {
			if ctx.Err() != nil {
				final = StateCanceled
				break
			}
			return RunReport{}, o.abort(err)
		}
		if !ok {
			final = StateAllInputConsumed
			break
		}
		o.setState(StateProcessingFile, index, processed)
		completed, err := o.processFile(ctx, index)
		if err != nil {
			return RunReport{}, o.abort(err)
		}
		if !completed {
			final = StateCanceled
			break
		}
		processed++
		index++
		o.setState(StateFileExhausted, index, processed)
		if err := o.saveCheckpoint(ctx, index); err != nil {
			return RunReport{}, o.abort(err)
		}
	}

	if final == StateAllInputConsumed {
		if err := o.clearCheckpoint(ctx); err != nil {
			return RunReport{}, o.abort(err)
		}
	}

	o.setState(final, index, processed)
	end := o.clock.Now()
	report := BuildReport(ReportInput{
		ScraperType:         o.cfg.ScraperType,
		Start:               start,
		End:                 end,
		Failures:            o.failures,
		DataCount:           o.output.TotalCount(),
		LastIdentifier:      o.output.LastIdentifier(),
		FinalState:          final,
		FirstInputFile:      first,
		InputFilesProcessed: processed,
		LastOutputFile:      o.output.LastWrittenSuffix(),
	})
	if err := o.reporter.Emit(context.WithoutCancel(ctx), o.cfg.ReportName(end), report); err != nil {
		return RunReport{}, o.abort(err)
	}
	metrics.ObserveRun(o.cfg.ScraperType, string(final))
	o.logger.Info("run finished",
		zap.String("final_state", string(final)),
		zap.Int("files_processed", processed),
		zap.Int("data_count", report.DataCount),
		zap.Int("failed_count", report.FailedCount),
		zap.Duration("elapsed", end.Sub(start)),
	)
	return report, nil
}

// resolveStart picks the first input file and positions the output ledger.
// Explicit overrides win over the checkpoint.
func (o *Orchestrator) resolveStart(ctx context.Context) (int, error) {
	index, suffix, offset := 1, 1, 0
	reload, resumed := false, false
	if o.cfg.Resume && o.checkpoints != nil {
		cp, found, err := o.checkpoints.Load(ctx, o.cfg.ScraperType)
		if err != nil {
			return 0, fmt.Errorf("%w: load checkpoint: %v", ErrPersistence, err)
		}
		if found {
			index, suffix, offset = cp.NextInputFile, cp.OutputFile, cp.OutputOffset
			reload, resumed = true, true
			o.logger.Info("resuming from checkpoint",
				zap.Int("input_file", index),
				zap.Int("output_file", suffix),
				zap.Int("output_offset", offset),
			)
		}
	}
	if o.cfg.StartInputFile > 0 {
		index = o.cfg.StartInputFile
	}
	if o.cfg.StartOutputFile > 0 {
		suffix, offset = o.cfg.StartOutputFile, -1
		reload, resumed = true, false
	}
	if reload {
		if err := o.output.Resume(ctx, suffix, offset); err != nil {
			return 0, err
		}
	}
	if resumed {
		// Entries past the checkpoint are fetched again, so chunks the
		// interrupted run wrote after it would duplicate them.
		removed, err := o.output.DiscardAfter(ctx, suffix)
		if err != nil {
			return 0, err
		}
		if removed > 0 {
			o.logger.Info("discarded output chunks written after the checkpoint",
				zap.Int("output_file", suffix),
				zap.Int("removed", removed),
			)
		}
	}
	return index, nil
}

type job struct {
	index int
	id    Identifier
}

type indexedResult struct {
	index  int
	result FetchResult
}

// processFile fetches one input file through the worker pool and records
// results in input order. It reports false when cancellation stopped
// dispatch before every identifier was handed out.
func (o *Orchestrator) processFile(ctx context.Context, index int) (bool, error) {
	batch, err := o.source.Open(ctx, index)
	if errors.Is(err, ErrMalformedInput) {
		o.logger.Warn("skipping malformed input file", zap.Int("input_file", index), zap.Error(err))
		metrics.ObserveInputFile(o.cfg.ScraperType, "malformed")
		return true, nil
	}
	if err != nil {
		return false, err
	}
	o.logger.Info("processing input file",
		zap.Int("input_file", index),
		zap.Int("identifiers", len(batch.Identifiers)),
		zap.Int("skipped", batch.Skipped),
	)

	fileCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan job)
	results := make(chan indexedResult, o.cfg.Workers)
	var wg sync.WaitGroup
	for range o.cfg.Workers {
		wg.Add(1)
		go o.worker(fileCtx, &wg, jobs, results)
	}
	go func() {
		defer close(jobs)
		for i, id := range batch.Identifiers {
			select {
			case <-fileCtx.Done():
				return
			case jobs <- job{index: i, id: id}:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	pending := make(map[int]FetchResult)
	next := 0
	var persistErr error
	for r := range results {
		if persistErr != nil {
			continue
		}
		pending[r.index] = r.result
		for {
			res, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			if err := o.record(ctx, res); err != nil {
				persistErr = err
				cancel()
				break
			}
		}
	}
	if persistErr != nil {
		return false, persistErr
	}
	if next < len(batch.Identifiers) {
		o.logger.Info("input file interrupted",
			zap.Int("input_file", index),
			zap.Int("recorded", next),
			zap.Int("identifiers", len(batch.Identifiers)),
		)
		return false, nil
	}
	metrics.ObserveInputFile(o.cfg.ScraperType, "ok")
	return true, nil
}

func (o *Orchestrator) worker(ctx context.Context, wg *sync.WaitGroup, jobs <-chan job, results chan<- indexedResult) {
	defer wg.Done()
	for j := range jobs {
		res := o.fetcher.Fetch(ctx, j.id)
		results <- indexedResult{index: j.index, result: res}
		// Politeness delay; a canceled context just ends it early.
		_ = o.sleeper.Sleep(ctx, o.cfg.RequestDelay)
	}
}

// record settles one result. Writes ignore cancellation so a canceled run
// still persists what it fetched.
func (o *Orchestrator) record(ctx context.Context, res FetchResult) error {
	o.mu.Lock()
	o.progress.State = StateRecording
	o.progress.Seen++
	o.mu.Unlock()
	defer o.markFetching()

	if !res.Succeeded() {
		o.failures.Record(res.Identifier)
		metrics.ObserveItem(o.cfg.ScraperType, "failure")
		return nil
	}
	if err := o.output.Append(context.WithoutCancel(ctx), res); err != nil {
		return err
	}
	metrics.ObserveItem(o.cfg.ScraperType, "success")
	return nil
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, nextInput int) error {
	if o.checkpoints == nil {
		return nil
	}
	suffix, offset := o.output.Position()
	cp := Checkpoint{
		ScraperType:   o.cfg.ScraperType,
		NextInputFile: nextInput,
		OutputFile:    suffix,
		OutputOffset:  offset,
		UpdatedAt:     o.clock.Now().UTC().Truncate(time.Second),
	}
	if err := o.checkpoints.Save(context.WithoutCancel(ctx), cp); err != nil {
		return fmt.Errorf("%w: save checkpoint: %v", ErrPersistence, err)
	}
	return nil
}

// clearCheckpoint drops the cursor once every input file was consumed so
// the next run starts again at input file 1.
func (o *Orchestrator) clearCheckpoint(ctx context.Context) error {
	if o.checkpoints == nil {
		return nil
	}
	if err := o.checkpoints.Clear(context.WithoutCancel(ctx), o.cfg.ScraperType); err != nil {
		return fmt.Errorf("%w: clear checkpoint: %v", ErrPersistence, err)
	}
	return nil
}

func (o *Orchestrator) abort(err error) error {
	o.mu.Lock()
	o.progress.State = StateAborted
	o.mu.Unlock()
	metrics.ObserveRun(o.cfg.ScraperType, string(StateAborted))
	o.logger.Error("run aborted", zap.Error(err))
	return err
}

func (o *Orchestrator) setState(s State, inputFile, processed int) {
	o.mu.Lock()
	o.progress.State = s
	o.progress.InputFile = inputFile
	o.progress.FilesProcessed = processed
	o.mu.Unlock()
}

func (o *Orchestrator) markFetching() {
	o.mu.Lock()
	if o.progress.State == StateRecording {
		o.progress.State = StateFetching
	}
	o.mu.Unlock()
}
