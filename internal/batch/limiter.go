package batch

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"query-orchestrator/internal/monitor"
)

// Limiter caps simultaneous gateway calls across every batch that shares
// it. A slot is held for one register or submit call, never across a
// fallback step or a backoff sleep.
type Limiter struct {
	*semaphore.Weighted
	capacity int64
	inFlight atomic.Int64
	peak     atomic.Int64
	metrics  *monitor.Metrics
}

// NewLimiter creates a limiter with room for capacity concurrent submissions.
func NewLimiter(capacity int, metrics *monitor.Metrics) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{
		Weighted: semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
		metrics:  metrics,
	}
}

// Do runs fn while holding one slot.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx, 1); err != nil {
		return err
	}
	n := l.inFlight.Add(1)
	for {
		peak := l.peak.Load()
		if n <= peak || l.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if l.metrics != nil {
		l.metrics.LimiterInFlight.Set(float64(n))
	}

	defer func() {
		n := l.inFlight.Add(-1)
		if l.metrics != nil {
			l.metrics.LimiterInFlight.Set(float64(n))
		}
		l.Release(1)
	}()
	return fn()
}

// Capacity returns the configured number of slots.
func (l *Limiter) Capacity() int { return int(l.capacity) }

// InFlight returns the number of slots currently held.
func (l *Limiter) InFlight() int { return int(l.inFlight.Load()) }

// Peak returns the highest number of slots ever held at once.
func (l *Limiter) Peak() int { return int(l.peak.Load()) }
