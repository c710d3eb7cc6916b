package execution

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"query-orchestrator/internal/gateway"
	"query-orchestrator/internal/monitor"
	"query-orchestrator/internal/storage"
)

// Outcome summarizes what one reconciliation did.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"   // terminal, or nothing to poll yet
	OutcomeUnchanged Outcome = "unchanged" // remote state matched the row
	OutcomeUpdated   Outcome = "updated"   // progress or status moved
	OutcomeDeferred  Outcome = "deferred"  // transient gateway trouble, try next pass
)

// Reconcile polls the remote engine for one execution and applies any
// state change. It is idempotent and safe to race with other callers.
// Gateway failures are recorded on the row, never returned.
func (o *Orchestrator) Reconcile(ctx context.Context, id string) (*storage.Execution, error) {
	exec, err := o.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	exec, _, err = o.reconcile(ctx, exec)
	return exec, err
}

func (o *Orchestrator) reconcile(ctx context.Context, exec *storage.Execution) (*storage.Execution, Outcome, error) {
	if exec.Status.Terminal() || exec.JobHandle == "" {
		return exec, OutcomeSkipped, nil
	}

	inst, err := o.instances.Get(ctx, exec.InstanceID)
	if err != nil {
		return exec, OutcomeSkipped, err
	}

	ctx, span := o.opts.Tracer.StartSpan(ctx, "execution.reconcile",
		monitor.AttrExecID.String(exec.ID),
		monitor.AttrJobHandle.String(exec.JobHandle),
	)
	defer span.End()

	state, err := o.poll(ctx, exec, inst)
	switch {
	case err == nil:
	case gateway.IsTransient(err) || ctx.Err() != nil:
		log.Warn().Err(err).Str("exec_id", exec.ID).Msg("status poll failed, will retry on next pass")
		return exec, OutcomeDeferred, nil
	default:
		if gateway.IsPermanent(err) {
			o.instances.Forget(inst.ID)
		}
		if ferr := o.Fail(ctx, exec, err); ferr != nil {
			return exec, OutcomeSkipped, ferr
		}
		return o.reread(ctx, exec, OutcomeUpdated)
	}

	progress := state.Progress
	if progress < exec.Progress {
		progress = exec.Progress
	}

	switch state.Status {
	case gateway.RemoteSucceeded:
		return o.complete(ctx, exec, inst, state)
	case gateway.RemoteFailed, gateway.RemoteCancelled:
		fallback := state.Message
		if fallback == "" {
			fallback = fmt.Sprintf("remote run %s", string(state.Status))
		}
		msg := gateway.FormatDetail(state.Detail, fallback)
		kind := string(gateway.KindPermanent)
		if err := o.finish(ctx, exec, storage.StatusFailed, storage.ExecutionUpdate{
			Progress:     &progress,
			ErrorMessage: &msg,
			ErrorKind:    &kind,
			ErrorDetail:  state.Detail,
		}, msg); err != nil {
			return exec, OutcomeSkipped, err
		}
		return o.reread(ctx, exec, OutcomeUpdated)
	}

	// Pending or running: never step back from running to pending.
	status := exec.Status
	if state.Status == gateway.RemoteRunning || progress > 0 {
		status = storage.StatusRunning
	}
	if status == exec.Status && progress == exec.Progress {
		return exec, OutcomeUnchanged, nil
	}

	applied, err := o.store.UpdateExecution(ctx, exec.ID, []storage.Status{exec.Status}, storage.ExecutionUpdate{
		Status:   &status,
		Progress: &progress,
	})
	if err != nil {
		return exec, OutcomeSkipped, fmt.Errorf("updating execution %s: %w", exec.ID, err)
	}
	if !applied {
		return o.reread(ctx, exec, OutcomeUnchanged)
	}
	if status != exec.Status {
		o.transition(exec.ID, exec.Status, status, "")
	}
	exec.Status, exec.Progress = status, progress
	return exec, OutcomeUpdated, nil
}

// poll queries the engine, tolerating registration lag on a first poll: a
// run the engine has just accepted may briefly be reported as missing.
func (o *Orchestrator) poll(ctx context.Context, exec *storage.Execution, inst *storage.Instance) (*gateway.RunState, error) {
	attempts := 1
	if exec.Progress < o.opts.FirstPollProgress {
		attempts = o.opts.VisibilityRetries
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		state, err := o.gw.PollStatus(ctx, inst, exec.JobHandle)
		if err == nil {
			return state, nil
		}
		lastErr = err
		if !gateway.IsNotFound(err) || i == attempts {
			break
		}
		log.Debug().Str("exec_id", exec.ID).Int("attempt", i).Msg("run not visible yet, retrying poll")
		if serr := o.opts.Sleep(ctx, o.opts.VisibilityDelay); serr != nil {
			return nil, serr
		}
	}
	return nil, lastErr
}

// complete materializes results and marks the execution completed. Result
// retrieval failures are kept on the row but never undo the completion.
func (o *Orchestrator) complete(ctx context.Context, exec *storage.Execution, inst *storage.Instance, state *gateway.RunState) (*storage.Execution, Outcome, error) {
	progress := 100
	u := storage.ExecutionUpdate{
		Progress:     &progress,
		RuntimeMS:    &state.RuntimeMS,
		BytesScanned: &state.BytesScanned,
	}

	result, err := o.fetchResult(ctx, inst, exec.JobHandle)
	if err != nil {
		log.Warn().Err(err).Str("exec_id", exec.ID).Msg("run succeeded but results could not be retrieved")
		msg := err.Error()
		u.ResultError = &msg
	} else {
		rows := int64(len(result.Rows))
		u.Result = result
		u.RowCount = &rows
	}

	if err := o.finish(ctx, exec, storage.StatusCompleted, u, ""); err != nil {
		return exec, OutcomeSkipped, err
	}
	return o.reread(ctx, exec, OutcomeUpdated)
}

func (o *Orchestrator) fetchResult(ctx context.Context, inst *storage.Instance, handle string) (*storage.Result, error) {
	locations, err := o.gw.FetchResultLocations(ctx, inst, handle)
	if err != nil {
		return nil, fmt.Errorf("fetching result locations: %w", err)
	}

	parts := make([]*storage.Result, 0, len(locations))
	for _, loc := range locations {
		part, err := o.gw.DownloadAndDecode(ctx, loc)
		if err != nil {
			return nil, fmt.Errorf("downloading result part: %w", err)
		}
		parts = append(parts, part)
	}
	return gateway.MergeResults(parts)
}

// reread returns the stored row, which may reflect a concurrent writer.
func (o *Orchestrator) reread(ctx context.Context, exec *storage.Execution, outcome Outcome) (*storage.Execution, Outcome, error) {
	fresh, err := o.store.GetExecution(ctx, exec.ID)
	if err != nil {
		return exec, outcome, err
	}
	return fresh, outcome, nil
}
