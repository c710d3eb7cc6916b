package execution

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"query-orchestrator/internal/storage"
)

// SweepConfig controls the background poll sweep.
type SweepConfig struct {
	Interval   time.Duration // time between passes
	Window     time.Duration // only executions started within this window are polled
	ItemDelay  time.Duration // pause between reconciliations within a pass
	MaxPerPass int
}

// DefaultSweepConfig returns the production defaults.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Interval:   15 * time.Second,
		Window:     2 * time.Hour,
		ItemDelay:  500 * time.Millisecond,
		MaxPerPass: 1000,
	}
}

// Sweep periodically reconciles every in-flight execution. It is the only
// autonomous actor in the process: Start it once and Stop it on shutdown.
type Sweep struct {
	orch *Orchestrator
	cfg  SweepConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// NewSweep creates a sweep driving orch.
func NewSweep(orch *Orchestrator, cfg SweepConfig) *Sweep {
	def := DefaultSweepConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.ItemDelay < 0 {
		cfg.ItemDelay = 0
	}
	if cfg.MaxPerPass <= 0 {
		cfg.MaxPerPass = def.MaxPerPass
	}
	return &Sweep{orch: orch, cfg: cfg}
}

// Start launches the sweep loop. Calls after the first are no-ops.
func (s *Sweep) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
	log.Info().Dur("interval", s.cfg.Interval).Dur("window", s.cfg.Window).Msg("poll sweep started")
}

// Stop cancels the loop and waits for the current pass to return.
func (s *Sweep) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	log.Info().Msg("poll sweep stopped")
}

// Running reports whether the loop has been started and not yet stopped.
func (s *Sweep) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

func (s *Sweep) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("poll sweep pass failed")
			}
		}
	}
}

// RunOnce performs a single pass and returns how many executions it visited.
// Per-execution failures are logged and do not end the pass.
func (s *Sweep) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	metrics := s.orch.opts.Metrics
	defer func() {
		metrics.SweepPasses.Inc()
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	since := s.orch.opts.Now().UTC().Add(-s.cfg.Window)
	execs, err := s.orch.store.ListExecutions(ctx, storage.ExecutionFilter{
		Statuses:     storage.ActiveStatuses,
		StartedAfter: &since,
		Limit:        s.cfg.MaxPerPass,
	})
	if err != nil {
		return 0, err
	}

	visited := 0
	for i := range execs {
		if i > 0 && s.cfg.ItemDelay > 0 {
			if err := s.orch.opts.Sleep(ctx, s.cfg.ItemDelay); err != nil {
				return visited, nil
			}
		}
		if ctx.Err() != nil {
			return visited, nil
		}

		exec := execs[i]
		_, outcome, err := s.orch.reconcile(ctx, &exec)
		visited++
		if err != nil {
			metrics.SweepReconciled.WithLabelValues("error").Inc()
			log.Warn().Err(err).Str("exec_id", exec.ID).Msg("reconcile failed")
			continue
		}
		metrics.SweepReconciled.WithLabelValues(string(outcome)).Inc()
	}

	if len(execs) > 0 {
		log.Debug().Int("executions", visited).Dur("took", time.Since(start)).Msg("poll sweep pass complete")
	}
	return visited, nil
}
