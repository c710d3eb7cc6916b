package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"query-orchestrator/internal/gateway"
	"query-orchestrator/internal/monitor"
	"query-orchestrator/internal/storage"
)

// Gateway is the remote engine surface the orchestrator depends on.
type Gateway interface {
	RegisterJob(ctx context.Context, inst *storage.Instance, name, sql string) (string, error)
	Submit(ctx context.Context, inst *storage.Instance, in gateway.SubmitInput) (*gateway.Submission, error)
	PollStatus(ctx context.Context, inst *storage.Instance, handle string) (*gateway.RunState, error)
	FetchResultLocations(ctx context.Context, inst *storage.Instance, handle string) ([]string, error)
	DownloadAndDecode(ctx context.Context, location string) (*storage.Result, error)
}

// Store is the subset of storage.Store used for single executions.
type Store interface {
	InstanceLookup
	GetWorkflow(ctx context.Context, id string) (*storage.Workflow, error)
	SetWorkflowJobID(ctx context.Context, id, jobID string) error
	CreateExecution(ctx context.Context, exec *storage.Execution) error
	GetExecution(ctx context.Context, id string) (*storage.Execution, error)
	UpdateExecution(ctx context.Context, id string, from []storage.Status, u storage.ExecutionUpdate) (bool, error)
	ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error)
}

// Recorder receives every status transition the orchestrator writes.
// *storage.EventWriter satisfies it.
type Recorder interface {
	Record(executionID string, from, to storage.Status, detail string)
}

// Options tunes the orchestrator. Zero values fall back to defaults.
type Options struct {
	JobNamePrefix     string
	VisibilityRetries int           // poll attempts while a fresh run is not yet visible
	VisibilityDelay   time.Duration // fixed wait between those attempts
	FirstPollProgress int           // progress below this counts as a first poll
	InstanceCacheSize int
	InstanceCacheTTL  time.Duration

	Metrics  *monitor.Metrics
	Tracer   *monitor.Tracer
	Recorder Recorder

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator submits single executions and reconciles their state with
// the remote engine.
type Orchestrator struct {
	store     Store
	gw        Gateway
	instances *InstanceCache
	opts      Options
}

// Request is one submission: a workflow against one instance.
type Request struct {
	Workflow   *storage.Workflow
	Instance   *storage.Instance
	Parameters map[string]string
	Trigger    storage.Trigger
	BatchID    string
}

// New creates an Orchestrator.
func New(store Store, gw Gateway, opts Options) *Orchestrator {
	if opts.VisibilityRetries < 1 {
		opts.VisibilityRetries = 3
	}
	if opts.VisibilityDelay <= 0 {
		opts.VisibilityDelay = 2 * time.Second
	}
	if opts.FirstPollProgress <= 0 {
		opts.FirstPollProgress = 10
	}
	if opts.Metrics == nil {
		opts.Metrics = monitor.NewMetrics()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = SleepContext
	}
	return &Orchestrator{
		store:     store,
		gw:        gw,
		instances: NewInstanceCache(store, opts.InstanceCacheSize, opts.InstanceCacheTTL),
		opts:      opts,
	}
}

// Instances exposes the orchestrator's instance cache.
func (o *Orchestrator) Instances() *InstanceCache { return o.instances }

// Submit validates req, creates the execution row and sends it to the
// remote engine. Gateway failures are recorded on the returned row; only
// validation and storage errors are returned.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*storage.Execution, error) {
	exec, err := o.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	// The row must settle even when the caller has gone away mid-dispatch.
	wctx, cancel := writeContext(ctx)
	defer cancel()
	if err := o.Dispatch(ctx, exec, req.Workflow, req.Instance); err != nil {
		if ferr := o.Fail(wctx, exec, err); ferr != nil {
			return nil, ferr
		}
	}

	return o.store.GetExecution(wctx, exec.ID)
}

// storeWriteTimeout bounds writes that run detached from the caller.
const storeWriteTimeout = 10 * time.Second

// writeContext returns a context that keeps ctx's values but not its
// cancellation, for store writes that record work already sent remotely.
func writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeWriteTimeout)
}

// Validate checks a request without touching the store or the gateway.
func Validate(req Request) error {
	if req.Workflow == nil {
		return &ParameterError{Reason: "workflow is required"}
	}
	if req.Instance == nil {
		return &ParameterError{Reason: "target instance is required"}
	}
	if req.Workflow.SQL == "" {
		return &ParameterError{Reason: fmt.Sprintf("workflow %s has no SQL", req.Workflow.ID)}
	}
	if req.Trigger != "" && !req.Trigger.Valid() {
		return &ParameterError{Reason: fmt.Sprintf("unknown trigger %q", req.Trigger)}
	}
	if missing := missingParameters(req.Workflow.RequiredParameters, req.Parameters); len(missing) > 0 {
		return &ParameterError{Missing: missing}
	}
	return nil
}

// Prepare validates req and creates its pending execution row.
func (o *Orchestrator) Prepare(ctx context.Context, req Request) (*storage.Execution, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = storage.TriggerManual
	}

	exec := &storage.Execution{
		ID:         uuid.New().String(),
		WorkflowID: req.Workflow.ID,
		InstanceID: req.Instance.ID,
		BatchID:    req.BatchID,
		Status:     storage.StatusPending,
		Trigger:    trigger,
		Parameters: copyParams(req.Parameters),
		StartedAt:  o.opts.Now().UTC(),
	}
	if err := o.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("creating execution: %w", err)
	}
	return exec, nil
}

// Guard wraps every gateway call a dispatch makes. A guard may refuse a
// call by returning an error that wraps ErrAborted; the dispatch then stops
// without trying any fallback.
type Guard func(ctx context.Context, call func() error) error

func unguarded(_ context.Context, call func() error) error { return call() }

// Dispatch sends a prepared execution to the remote engine. On success the
// row carries the job handle; on failure the classified gateway error is
// returned and the row is left pending so the caller may retry or Fail it.
func (o *Orchestrator) Dispatch(ctx context.Context, exec *storage.Execution, wf *storage.Workflow, inst *storage.Instance) error {
	return o.DispatchGuarded(ctx, exec, wf, inst, nil)
}

// DispatchGuarded is Dispatch with each register and submit call run
// through guard.
func (o *Orchestrator) DispatchGuarded(ctx context.Context, exec *storage.Execution, wf *storage.Workflow, inst *storage.Instance, guard Guard) error {
	if guard == nil {
		guard = unguarded
	}
	ctx, span := o.opts.Tracer.StartSpan(ctx, "execution.dispatch",
		monitor.AttrExecID.String(exec.ID),
		monitor.AttrWorkflowID.String(wf.ID),
		monitor.AttrInstanceID.String(inst.ID),
	)

	exec.Attempts++
	sub, mode, err := o.submitRemote(ctx, exec, wf, inst, guard)
	if err != nil {
		outcome := string(gateway.KindOf(err))
		if errors.Is(err, ErrAborted) {
			outcome = "aborted"
		} else if outcome == "" {
			outcome = "error"
		}
		o.opts.Metrics.RecordSubmission(string(mode), outcome)
		monitor.EndSpan(span, err)
		return err
	}
	o.opts.Metrics.RecordSubmission(string(mode), "ok")

	status := storage.StatusPending
	if sub.Status != gateway.RemotePending || sub.Progress > 0 {
		status = storage.StatusRunning
	}
	progress := sub.Progress
	attempts := exec.Attempts
	wctx, cancel := writeContext(ctx)
	defer cancel()
	applied, err := o.store.UpdateExecution(wctx, exec.ID, []storage.Status{storage.StatusPending}, storage.ExecutionUpdate{
		Status:    &status,
		Progress:  &progress,
		JobHandle: &sub.Handle,
		Mode:      &mode,
		Attempts:  &attempts,
	})
	if err != nil {
		monitor.EndSpan(span, err)
		log.Error().Err(err).Str("exec_id", exec.ID).Str("job_handle", sub.Handle).
			Msg("remote run started but its handle could not be stored")
		return fmt.Errorf("%w: %w", ErrHandleNotRecorded, err)
	}
	span.SetAttributes(monitor.AttrJobHandle.String(sub.Handle))
	monitor.EndSpan(span, nil)

	if !applied {
		// Cancelled while the submission was in flight; the remote run is
		// left alone and the local cancellation stands.
		log.Info().Str("exec_id", exec.ID).Str("job_handle", sub.Handle).
			Msg("execution left pending before handle was recorded, keeping local state")
		return nil
	}

	exec.Status, exec.Progress, exec.JobHandle, exec.Mode = status, progress, sub.Handle, mode
	if status != storage.StatusPending {
		o.transition(exec.ID, storage.StatusPending, status, "submitted "+string(mode))
	}
	log.Info().Str("exec_id", exec.ID).Str("job_handle", sub.Handle).Str("mode", string(mode)).
		Int("attempt", attempts).Msg("execution submitted")
	return nil
}

// submitRemote runs the registered-job path with a raw-SQL fallback.
func (o *Orchestrator) submitRemote(ctx context.Context, exec *storage.Execution, wf *storage.Workflow, inst *storage.Instance, guard Guard) (*gateway.Submission, storage.SubmitMode, error) {
	jobID := wf.RemoteJobID
	cached := jobID != ""
	if !cached {
		var err error
		if jobID, err = o.register(ctx, wf, inst, guard); err != nil {
			return nil, storage.ModeRegistered, err
		}
	}

	var err error
	if jobID != "" {
		var sub *gateway.Submission
		sub, err = o.submitOnce(ctx, inst, gateway.SubmitInput{JobID: jobID, Parameters: exec.Parameters}, guard)
		if err == nil {
			return sub, storage.ModeRegistered, nil
		}
		if errors.Is(err, ErrAborted) {
			return nil, storage.ModeRegistered, err
		}

		if gateway.IsNotFound(err) && cached {
			log.Warn().Str("exec_id", exec.ID).Str("job_id", jobID).
				Msg("registered job missing on engine, re-registering")
			var rerr error
			if jobID, rerr = o.register(ctx, wf, inst, guard); rerr != nil {
				return nil, storage.ModeRegistered, rerr
			}
			if jobID != "" {
				sub, err = o.submitOnce(ctx, inst, gateway.SubmitInput{JobID: jobID, Parameters: exec.Parameters}, guard)
				if err == nil {
					return sub, storage.ModeRegistered, nil
				}
				if errors.Is(err, ErrAborted) {
					return nil, storage.ModeRegistered, err
				}
			}
		}

		// A rejected query or denied access fails the same way as raw SQL.
		if gateway.IsValidation(err) || gateway.IsPermanent(err) {
			return nil, storage.ModeRegistered, err
		}
		log.Warn().Err(err).Str("exec_id", exec.ID).Msg("registered submission failed, falling back to ad-hoc SQL")
	}

	sub, err := o.submitOnce(ctx, inst, gateway.SubmitInput{SQL: wf.SQL, Parameters: exec.Parameters}, guard)
	if err != nil {
		return nil, storage.ModeAdHoc, err
	}
	return sub, storage.ModeAdHoc, nil
}

func (o *Orchestrator) submitOnce(ctx context.Context, inst *storage.Instance, in gateway.SubmitInput, guard Guard) (*gateway.Submission, error) {
	var sub *gateway.Submission
	err := guard(ctx, func() error {
		o.opts.Metrics.SubmissionAttempts.Inc()
		var err error
		sub, err = o.gw.Submit(ctx, inst, in)
		return err
	})
	return sub, err
}

// register creates a remote job for wf and caches its id on the workflow.
// It returns "" when registration fails; callers fall back to raw SQL. The
// error is non-nil only when guard aborted the call.
func (o *Orchestrator) register(ctx context.Context, wf *storage.Workflow, inst *storage.Instance, guard Guard) (string, error) {
	name := o.opts.JobNamePrefix + wf.Name
	if wf.Name == "" {
		name = o.opts.JobNamePrefix + wf.ID
	}

	var jobID string
	err := guard(ctx, func() error {
		var err error
		jobID, err = o.gw.RegisterJob(ctx, inst, name, wf.SQL)
		return err
	})
	if errors.Is(err, ErrAborted) {
		return "", err
	}
	if err != nil {
		log.Warn().Err(err).Str("workflow_id", wf.ID).Msg("job registration failed")
		return "", nil
	}

	if err := o.store.SetWorkflowJobID(ctx, wf.ID, jobID); err != nil {
		log.Error().Err(err).Str("workflow_id", wf.ID).Str("job_id", jobID).Msg("failed to cache remote job id")
	} else {
		wf.RemoteJobID = jobID
	}
	return jobID, nil
}

// Fail marks a not-yet-terminal execution failed with the classified cause.
func (o *Orchestrator) Fail(ctx context.Context, exec *storage.Execution, cause error) error {
	msg := cause.Error()
	var gwErr *gateway.Error
	if errors.As(cause, &gwErr) && gwErr.Message != "" {
		msg = gwErr.Message
	}
	detail := gateway.DetailOf(cause)
	msg = gateway.FormatDetail(detail, msg)

	kind := string(gateway.KindOf(cause))
	if kind == "" {
		kind = "internal"
	}
	return o.finish(ctx, exec, storage.StatusFailed, storage.ExecutionUpdate{
		ErrorMessage: &msg,
		ErrorKind:    &kind,
		ErrorDetail:  detail,
	}, msg)
}

// finish moves exec to a terminal status, stamping completion time and duration.
func (o *Orchestrator) finish(ctx context.Context, exec *storage.Execution, status storage.Status, u storage.ExecutionUpdate, detail string) error {
	completedAt := o.opts.Now().UTC()
	duration := completedAt.Sub(exec.StartedAt.UTC()).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	attempts := exec.Attempts

	u.Status = &status
	u.CompletedAt = &completedAt
	u.DurationMS = &duration
	if u.Attempts == nil {
		u.Attempts = &attempts
	}

	from := exec.Status
	wctx, cancel := writeContext(ctx)
	defer cancel()
	applied, err := o.store.UpdateExecution(wctx, exec.ID, storage.ActiveStatuses, u)
	if err != nil {
		return fmt.Errorf("finishing execution %s: %w", exec.ID, err)
	}
	if !applied {
		return nil
	}

	u.Apply(exec)
	o.transition(exec.ID, from, status, detail)
	o.opts.Metrics.ExecutionDuration.Observe(float64(duration) / 1000)
	log.Info().Str("exec_id", exec.ID).Str("status", string(status)).Int64("duration_ms", duration).
		Msg("execution finished")
	return nil
}

func (o *Orchestrator) transition(id string, from, to storage.Status, detail string) {
	o.opts.Metrics.RecordTransition(string(to))
	if o.opts.Recorder != nil {
		o.opts.Recorder.Record(id, from, to, detail)
	}
}

func copyParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
