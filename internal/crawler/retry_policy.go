package crawler

import (
	"context"
	"errors"
	"time"
)

// LinearBackoff waits attempt*Base between attempts, up to MaxAttempts.
type LinearBackoff struct {
	MaxAttempts int
	Base        time.Duration
	Sleeper     Sleeper
}

// Delay returns the wait after the given failed attempt (1-based).
func (b LinearBackoff) Delay(attempt int) time.Duration {
	return time.Duration(attempt) * b.Base
}

// errStopRetry wraps an error that must not be retried.
type errStopRetry struct{ err error }

func (e errStopRetry) Error() string { return e.err.Error() }
func (e errStopRetry) Unwrap() error { return e.err }

// Permanent marks err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errStopRetry{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the attempts
// run out, or ctx is done. It returns the number of attempts made and the
// last error. No sleep follows the final attempt.
func (b LinearBackoff) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	sleeper := b.Sleeper
	if sleeper == nil {
		sleeper = TimerSleeper{}
	}
	var lastErr error
	attempt := 0
	for attempt < b.MaxAttempts {
		attempt++
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		var stop errStopRetry
		if errors.As(lastErr, &stop) {
			return attempt, stop.err
		}
		if attempt >= b.MaxAttempts {
			break
		}
		if err := sleeper.Sleep(ctx, b.Delay(attempt)); err != nil {
			return attempt, errors.Join(lastErr, err)
		}
	}
	return attempt, lastErr
}
