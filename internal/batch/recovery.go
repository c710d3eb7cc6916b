package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"query-orchestrator/internal/storage"
)

// RecoveryReport summarizes one stale-batch recovery pass.
type RecoveryReport struct {
	Checked      int      `json:"checked"`
	Finalized    []string `json:"finalized"`
	FailedEmpty  []string `json:"failed_empty"`
	StillRunning []string `json:"still_running"`
}

const emptyBatchMessage = "no child executions were created"

// RecoverStaleBatches finds batches still running after threshold and
// settles them: a batch without children is failed, a batch whose children
// are all terminal gets its final aggregate. Batches with active children
// are left for the poll sweep. Running it twice is a no-op the second time.
func (o *Orchestrator) RecoverStaleBatches(ctx context.Context, threshold time.Duration) (*RecoveryReport, error) {
	cutoff := o.opts.Now().UTC().Add(-threshold)
	stale, err := o.store.ListBatches(ctx, storage.BatchFilter{
		Status:        storage.BatchRunning,
		StartedBefore: &cutoff,
		Limit:         1000,
	})
	if err != nil {
		return nil, fmt.Errorf("listing stale batches: %w", err)
	}

	report := &RecoveryReport{
		Finalized:    []string{},
		FailedEmpty:  []string{},
		StillRunning: []string{},
	}
	for i := range stale {
		b := &stale[i]
		report.Checked++
		logger := log.With().Str("batch_id", b.ID).Logger()

		children, err := o.children(ctx, b)
		if err != nil {
			logger.Warn().Err(err).Msg("stale batch recovery skipped")
			continue
		}

		if len(children) == 0 {
			failed := storage.BatchFailed
			msg := emptyBatchMessage
			now := o.opts.Now().UTC()
			zero := 0
			applied, err := o.store.UpdateBatch(ctx, b.ID, []storage.BatchStatus{storage.BatchRunning}, storage.BatchUpdate{
				Status:         &failed,
				ErrorMessage:   &msg,
				CompletedAt:    &now,
				TotalInstances: &zero,
			})
			if err != nil {
				logger.Warn().Err(err).Msg("failed to mark empty batch failed")
				continue
			}
			if applied {
				report.FailedEmpty = append(report.FailedEmpty, b.ID)
				o.opts.Metrics.StaleBatchesHandled.WithLabelValues("failed_empty").Inc()
				o.opts.Metrics.BatchesTotal.WithLabelValues(string(failed)).Inc()
				logger.Warn().Msg("stale batch had no children, marked failed")
			}
			continue
		}

		counts := Tally(children)
		if counts.Active() > 0 {
			report.StillRunning = append(report.StillRunning, b.ID)
			o.opts.Metrics.StaleBatchesHandled.WithLabelValues("still_running").Inc()
			continue
		}

		// The crash may have happened before the final size was recorded.
		b.TotalInstances = counts.Total()
		total := counts.Total()
		if _, err := o.store.UpdateBatch(ctx, b.ID, []storage.BatchStatus{storage.BatchRunning}, storage.BatchUpdate{TotalInstances: &total}); err != nil {
			logger.Warn().Err(err).Msg("failed to correct batch size")
			continue
		}
		if err := o.settle(ctx, b, counts); err != nil {
			logger.Warn().Err(err).Msg("failed to finalize stale batch")
			continue
		}
		if b.Status.Terminal() {
			report.Finalized = append(report.Finalized, b.ID)
			o.opts.Metrics.StaleBatchesHandled.WithLabelValues("finalized").Inc()
			logger.Info().Str("status", string(b.Status)).Msg("stale batch finalized")
		}
	}

	if report.Checked > 0 {
		log.Info().Int("checked", report.Checked).Int("finalized", len(report.Finalized)).
			Int("failed_empty", len(report.FailedEmpty)).Int("still_running", len(report.StillRunning)).
			Msg("stale batch recovery complete")
	}
	return report, nil
}

// Recovery runs RecoverStaleBatches once at start and then periodically.
type Recovery struct {
	orch      *Orchestrator
	interval  time.Duration
	threshold time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewRecovery creates a periodic recovery loop.
func NewRecovery(orch *Orchestrator, interval, threshold time.Duration) *Recovery {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if threshold <= 0 {
		threshold = 30 * time.Minute
	}
	return &Recovery{orch: orch, interval: interval, threshold: threshold}
}

// Start launches the loop; later calls are no-ops.
func (r *Recovery) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (r *Recovery) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Recovery) run(ctx context.Context) {
	defer r.wg.Done()

	r.pass(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pass(ctx)
		}
	}
}

func (r *Recovery) pass(ctx context.Context) {
	if _, err := r.orch.RecoverStaleBatches(ctx, r.threshold); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Msg("stale batch recovery failed")
	}
}
