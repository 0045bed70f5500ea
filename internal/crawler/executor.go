package crawler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

// Executor performs one bounded, retried fetch per identifier.
type Executor struct {
	cfg     Config
	getter  Getter
	limiter Limiter
	backoff LinearBackoff
	logger  *zap.Logger
}

// NewExecutor wires an Executor. A nil limiter disables rate limiting and
// a nil sleeper uses TimerSleeper.
func NewExecutor(cfg Config, getter Getter, limiter Limiter, sleeper Sleeper, logger *zap.Logger) *Executor {
	cfg = cfg.WithDefaults()
	if limiter == nil {
		limiter = noopLimiter{}
	}
	if sleeper == nil {
		sleeper = TimerSleeper{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:     cfg,
		getter:  getter,
		limiter: limiter,
		backoff: LinearBackoff{MaxAttempts: cfg.MaxRetries, Base: cfg.RetryBackoffBase, Sleeper: sleeper},
		logger:  logger,
	}
}

// Fetch never returns an error: every outcome is a Success or a Failure.
// Cancellation stops further attempts and yields a Failure.
func (e *Executor) Fetch(ctx context.Context, id Identifier) FetchResult {
	target := e.cfg.BuildURL(id)
	var payload Payload
	attempts, err := e.backoff.Do(ctx, func(ctx context.Context, attempt int) error {
		p, err := e.attempt(ctx, id, target, attempt)
		if err != nil {
			metrics.ObserveFetchAttempt(e.cfg.ScraperType, "error")
			if errors.Is(err, ErrEmptyPayload) {
				return Permanent(err)
			}
			if ctx.Err() != nil {
				return Permanent(errors.Join(err, ctx.Err()))
			}
			e.logger.Warn("fetch attempt failed",
				zap.String("identifier", id.String()),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", e.cfg.MaxRetries),
				zap.Duration("backoff", e.backoff.Delay(attempt)),
				zap.Error(err),
			)
			return err
		}
		metrics.ObserveFetchAttempt(e.cfg.ScraperType, "success")
		payload = p
		return nil
	})
	if err != nil {
		e.logger.Warn("fetch failed",
			zap.String("identifier", id.String()),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return FetchResult{Identifier: id, Outcome: OutcomeFailure, Attempts: attempts, Err: err}
	}
	return FetchResult{Identifier: id, Outcome: OutcomeSuccess, Payload: payload, Attempts: attempts}
}

func (e *Executor) attempt(ctx context.Context, id Identifier, target string, attempt int) (Payload, error) {
	if err := e.limiter.Wait(ctx, target); err != nil {
		return nil, fmt.Errorf("%w: rate limit wait: %v", ErrTransientFetch, err)
	}
	// The attempt runs to completion or timeout even when the run is
	// canceled mid-request.
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RequestTimeout)
	defer cancel()

	resp, err := e.getter.Get(attemptCtx, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientFetch, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e.logger.Warn("non-2xx response",
			zap.String("identifier", id.String()),
			zap.Int("attempt", attempt),
			zap.Int("status", resp.StatusCode),
		)
	}
	return e.cfg.Shaper(e.cfg.IDKey, id, resp.Body)
}
