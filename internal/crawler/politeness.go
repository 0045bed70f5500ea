package crawler

import (
	"context"
	"time"
)

// TimerSleeper sleeps on a timer and returns early when ctx is done.
type TimerSleeper struct{}

// Sleep waits for d or until ctx is canceled, returning ctx.Err() in the
// latter case.
func (TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type noopLimiter struct{}

func (noopLimiter) Wait(ctx context.Context, _ string) error {
	return ctx.Err()
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}
