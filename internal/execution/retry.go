package execution

import (
	"context"
	"errors"
	"math"
	"time"

	"query-orchestrator/internal/gateway"
)

// RetryPolicy bounds a retry loop with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Sleep waits between attempts; tests replace it to record delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Delay returns the wait after the given failed attempt (1-based):
// BaseDelay, 2×BaseDelay, 4×BaseDelay, ... capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	return d
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempt cap is reached. fn receives the 1-based attempt number. The last
// error is returned together with the number of attempts made.
func Retry(ctx context.Context, p RetryPolicy, fn func(attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil || !retryable(err) || attempt == maxAttempts {
			return attempt, err
		}
		if serr := sleep(ctx, p.Delay(attempt)); serr != nil {
			return attempt, err
		}
	}
	return maxAttempts, err
}

// retryable reports whether resubmitting after err is safe.
func retryable(err error) bool {
	if errors.Is(err, ErrHandleNotRecorded) || errors.Is(err, ErrAborted) {
		return false
	}
	return gateway.Retryable(err)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
