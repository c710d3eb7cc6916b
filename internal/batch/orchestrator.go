package batch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"query-orchestrator/internal/execution"
	"query-orchestrator/internal/monitor"
	"query-orchestrator/internal/storage"
)

var (
	ErrEmptyBatch    = errors.New("batch has no target instances")
	ErrBatchTooLarge = errors.New("batch exceeds the maximum number of target instances")
	ErrBatchFinished = errors.New("batch already finished")
)

// Store is the persistence the batch orchestrator needs.
type Store interface {
	CreateExecution(ctx context.Context, exec *storage.Execution) error
	ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error)
	CancelBatchExecutions(ctx context.Context, batchID string, at time.Time) (int, error)
	CreateBatch(ctx context.Context, b *storage.BatchExecution) error
	GetBatch(ctx context.Context, id string) (*storage.BatchExecution, error)
	UpdateBatch(ctx context.Context, id string, from []storage.BatchStatus, u storage.BatchUpdate) (bool, error)
	ListBatches(ctx context.Context, filter storage.BatchFilter) ([]storage.BatchExecution, error)
}

// Dispatcher is the single-execution surface each child goes through.
// *execution.Orchestrator implements it.
type Dispatcher interface {
	Prepare(ctx context.Context, req execution.Request) (*storage.Execution, error)
	DispatchGuarded(ctx context.Context, exec *storage.Execution, wf *storage.Workflow, inst *storage.Instance, guard execution.Guard) error
	Fail(ctx context.Context, exec *storage.Execution, cause error) error
}

// Options tunes the batch orchestrator.
type Options struct {
	MaxInstances int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration

	Metrics *monitor.Metrics
	Tracer  *monitor.Tracer
	Now     func() time.Time
	Sleep   func(ctx context.Context, d time.Duration) error
}

// Orchestrator fans one workflow out across many instances.
type Orchestrator struct {
	store   Store
	exec    Dispatcher
	limiter *Limiter
	retry   execution.RetryPolicy
	opts    Options
}

// Request describes one batch run.
type Request struct {
	Workflow   *storage.Workflow
	Instances  []*storage.Instance
	Parameters map[string]string
	// Overrides are keyed by instance id; an override value wins over the
	// base parameter with the same name.
	Overrides map[string]map[string]string
}

// New creates a batch orchestrator. The limiter is shared with every other
// orchestrator that should count against the same gateway budget.
func New(store Store, exec Dispatcher, limiter *Limiter, opts Options) *Orchestrator {
	if opts.MaxInstances <= 0 {
		opts.MaxInstances = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = monitor.NewMetrics()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = execution.SleepContext
	}
	if limiter == nil {
		limiter = NewLimiter(5, opts.Metrics)
	}
	return &Orchestrator{
		store:   store,
		exec:    exec,
		limiter: limiter,
		retry: execution.RetryPolicy{
			MaxAttempts: opts.MaxAttempts,
			BaseDelay:   opts.BaseBackoff,
			MaxDelay:    opts.MaxBackoff,
			Sleep:       opts.Sleep,
		},
		opts: opts,
	}
}

func (o *Orchestrator) validate(req Request) error {
	if len(req.Instances) == 0 {
		return ErrEmptyBatch
	}
	if len(req.Instances) > o.opts.MaxInstances {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(req.Instances), o.opts.MaxInstances)
	}
	if req.Workflow == nil {
		return &execution.ParameterError{Reason: "workflow is required"}
	}
	for i, inst := range req.Instances {
		if inst == nil {
			return &execution.ParameterError{Reason: fmt.Sprintf("target instance %d is nil", i)}
		}
	}
	return nil
}

// RunBatch creates the batch, submits one child per instance and returns
// once every child has been dispatched. Child failures never fail the call;
// they show up in the aggregate status.
func (o *Orchestrator) RunBatch(ctx context.Context, req Request) (*storage.BatchExecution, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}

	now := o.opts.Now().UTC()
	ids := make([]string, len(req.Instances))
	for i, inst := range req.Instances {
		ids[i] = inst.ID
	}
	b := &storage.BatchExecution{
		ID:                uuid.New().String(),
		WorkflowID:        req.Workflow.ID,
		InstanceIDs:       ids,
		Parameters:        req.Parameters,
		InstanceOverrides: req.Overrides,
		Status:            storage.BatchPending,
		TotalInstances:    len(req.Instances),
		CreatedAt:         now,
	}
	if err := o.store.CreateBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("creating batch: %w", err)
	}

	running := storage.BatchRunning
	startedAt := o.opts.Now().UTC()
	if _, err := o.store.UpdateBatch(ctx, b.ID, []storage.BatchStatus{storage.BatchPending}, storage.BatchUpdate{
		Status:    &running,
		StartedAt: &startedAt,
	}); err != nil {
		return nil, fmt.Errorf("starting batch: %w", err)
	}

	ctx, span := o.opts.Tracer.StartSpan(ctx, "batch.run",
		monitor.AttrBatchID.String(b.ID),
		monitor.AttrWorkflowID.String(b.WorkflowID),
	)
	defer span.End()

	logger := log.With().Str("batch_id", b.ID).Str("workflow_id", b.WorkflowID).Logger()
	logger.Info().Int("instances", len(req.Instances)).Msg("batch started")

	o.opts.Metrics.BatchInFlight.Inc()
	defer o.opts.Metrics.BatchInFlight.Dec()

	var created atomic.Int64
	var g errgroup.Group
	for _, inst := range req.Instances {
		params := MergeParameters(req.Parameters, req.Overrides[inst.ID])
		g.Go(func() error {
			if o.runChild(ctx, b.ID, req.Workflow, inst, params) {
				created.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	total := int(created.Load())
	if _, err := o.store.UpdateBatch(ctx, b.ID, nil, storage.BatchUpdate{TotalInstances: &total}); err != nil {
		return nil, fmt.Errorf("recording batch size: %w", err)
	}
	logger.Info().Int("children", total).Msg("batch dispatched")

	st, err := o.GetBatchStatus(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	return st.Batch, nil
}

// runChild creates and dispatches one child execution, retrying transient
// gateway failures. It reports whether a child row was created.
func (o *Orchestrator) runChild(ctx context.Context, batchID string, wf *storage.Workflow, inst *storage.Instance, params map[string]string) bool {
	logger := log.With().Str("batch_id", batchID).Str("instance_id", inst.ID).Logger()

	// Each child gets its own workflow copy; registration caches the job id on it.
	childWF := *wf
	req := execution.Request{
		Workflow:   &childWF,
		Instance:   inst,
		Parameters: params,
		Trigger:    storage.TriggerBatch,
		BatchID:    batchID,
	}

	exec, err := o.exec.Prepare(ctx, req)
	if err != nil {
		if !errors.Is(err, execution.ErrInvalidParameters) {
			logger.Error().Err(err).Msg("failed to create child execution")
			return false
		}
		if err := o.recordRejected(ctx, req, err); err != nil {
			logger.Error().Err(err).Msg("failed to record rejected child")
			return false
		}
		logger.Warn().Err(err).Msg("child rejected before submission")
		return true
	}
	logger = logger.With().Str("exec_id", exec.ID).Logger()

	guard := o.guard(batchID)
	attempts, err := execution.Retry(ctx, o.retry, func(int) error {
		return o.exec.DispatchGuarded(ctx, exec, &childWF, inst, guard)
	})
	if err == nil {
		return true
	}
	if errors.Is(err, execution.ErrAborted) {
		logger.Info().Int("attempts", attempts).Msg("batch cancelled, child not submitted")
		return true
	}

	logger.Warn().Err(err).Int("attempts", attempts).Msg("child submission failed")
	if ferr := o.exec.Fail(ctx, exec, err); ferr != nil {
		logger.Error().Err(ferr).Msg("failed to record child failure")
	}
	return true
}

// recordRejected stores a failed child for a request that never reached
// the gateway, so the batch still has one child per instance.
func (o *Orchestrator) recordRejected(ctx context.Context, req execution.Request, cause error) error {
	now := o.opts.Now().UTC()
	msg := cause.Error()
	exec := &storage.Execution{
		ID:           uuid.New().String(),
		WorkflowID:   req.Workflow.ID,
		InstanceID:   req.Instance.ID,
		BatchID:      req.BatchID,
		Status:       storage.StatusFailed,
		Trigger:      req.Trigger,
		Parameters:   req.Parameters,
		StartedAt:    now,
		CompletedAt:  &now,
		ErrorMessage: msg,
		ErrorKind:    "parameters",
	}
	if err := o.store.CreateExecution(ctx, exec); err != nil {
		return err
	}
	o.opts.Metrics.RecordTransition(string(storage.StatusFailed))
	return nil
}

// guard holds one limiter slot per gateway call and refuses the call once
// the batch is cancelled. The check runs after the slot is acquired, since
// a child may wait a long time for it.
func (o *Orchestrator) guard(batchID string) execution.Guard {
	return func(ctx context.Context, call func() error) error {
		return o.limiter.Do(ctx, func() error {
			if o.cancelled(ctx, batchID) {
				return fmt.Errorf("batch %s cancelled: %w", batchID, execution.ErrAborted)
			}
			return call()
		})
	}
}

func (o *Orchestrator) cancelled(ctx context.Context, batchID string) bool {
	b, err := o.store.GetBatch(ctx, batchID)
	return err == nil && b.Status == storage.BatchCancelled
}

// MergeParameters overlays override on base without modifying either.
func MergeParameters(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// ListBatches returns batches matching filter, newest first.
func (o *Orchestrator) ListBatches(ctx context.Context, filter storage.BatchFilter) ([]storage.BatchExecution, error) {
	return o.store.ListBatches(ctx, filter)
}

// Limiter returns the shared submission limiter.
func (o *Orchestrator) Limiter() *Limiter { return o.limiter }
