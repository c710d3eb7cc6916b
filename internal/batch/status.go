package batch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"query-orchestrator/internal/storage"
)

// ChildStatus is the per-instance view of one child execution.
type ChildStatus struct {
	ExecutionID  string         `json:"execution_id"`
	InstanceID   string         `json:"instance_id"`
	Status       storage.Status `json:"status"`
	Progress     int            `json:"progress"`
	Attempts     int            `json:"attempts"`
	Mode         string         `json:"mode,omitempty"`
	ErrorKind    string         `json:"error_kind,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	RowCount     int64          `json:"row_count"`
	ResultError  string         `json:"result_error,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// Status is a batch with its freshly computed aggregate.
type Status struct {
	Batch    *storage.BatchExecution `json:"batch"`
	Counts   Counts                  `json:"counts"`
	Children []ChildStatus           `json:"children"`
}

// GetBatchStatus recomputes the aggregate from the children and persists it
// when it has moved.
func (o *Orchestrator) GetBatchStatus(ctx context.Context, id string) (*Status, error) {
	b, err := o.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	children, err := o.children(ctx, b)
	if err != nil {
		return nil, err
	}

	counts := Tally(children)
	if err := o.settle(ctx, b, counts); err != nil {
		return nil, err
	}

	st := &Status{Batch: b, Counts: counts, Children: make([]ChildStatus, 0, len(children))}
	for i := range children {
		c := &children[i]
		st.Children = append(st.Children, ChildStatus{
			ExecutionID:  c.ID,
			InstanceID:   c.InstanceID,
			Status:       c.Status,
			Progress:     c.Progress,
			Attempts:     c.Attempts,
			Mode:         string(c.Mode),
			ErrorKind:    c.ErrorKind,
			ErrorMessage: c.ErrorMessage,
			RowCount:     c.RowCount,
			ResultError:  c.ResultError,
			CompletedAt:  c.CompletedAt,
		})
	}
	return st, nil
}

// settle writes counts and, once derivable, the terminal status onto b.
// A batch whose children are not all created yet is never finalized.
func (o *Orchestrator) settle(ctx context.Context, b *storage.BatchExecution, counts Counts) error {
	status := Resolve(b.Status, counts)
	if !b.Status.Terminal() && (counts.Total() == 0 || counts.Total() < b.TotalInstances) {
		status = b.Status
	}

	completed, failed := counts.Completed, counts.Failed
	if status == b.Status && completed == b.CompletedCount && failed == b.FailedCount {
		return nil
	}

	u := storage.BatchUpdate{CompletedCount: &completed, FailedCount: &failed}
	finishing := status != b.Status && status.Terminal()
	if status != b.Status {
		u.Status = &status
	}
	if finishing && b.CompletedAt == nil {
		now := o.opts.Now().UTC()
		u.CompletedAt = &now
	}

	applied, err := o.store.UpdateBatch(ctx, b.ID, []storage.BatchStatus{b.Status}, u)
	if err != nil {
		return fmt.Errorf("updating batch %s: %w", b.ID, err)
	}
	if !applied {
		// Another writer moved the batch first; report what is stored now.
		fresh, err := o.store.GetBatch(ctx, b.ID)
		if err != nil {
			return err
		}
		*b = *fresh
		return nil
	}

	u.Apply(b)
	if finishing {
		o.opts.Metrics.BatchesTotal.WithLabelValues(string(status)).Inc()
		log.Info().Str("batch_id", b.ID).Str("status", string(status)).
			Int("completed", completed).Int("failed", failed).Msg("batch finished")
	}
	return nil
}

// children lists a batch's child executions in instance order.
func (o *Orchestrator) children(ctx context.Context, b *storage.BatchExecution) ([]storage.Execution, error) {
	children, err := o.store.ListExecutions(ctx, storage.ExecutionFilter{BatchID: b.ID, Limit: 1000})
	if err != nil {
		return nil, fmt.Errorf("listing children of batch %s: %w", b.ID, err)
	}

	order := make(map[string]int, len(b.InstanceIDs))
	for i, id := range b.InstanceIDs {
		if _, ok := order[id]; !ok {
			order[id] = i
		}
	}
	sort.SliceStable(children, func(i, j int) bool {
		oi, oj := order[children[i].InstanceID], order[children[j].InstanceID]
		if oi != oj {
			return oi < oj
		}
		return children[i].StartedAt.Before(children[j].StartedAt)
	})
	return children, nil
}

// SourceColumn is appended to merged batch results.
const SourceColumn = "source_instance"

// Results is the merged row set of every completed child.
type Results struct {
	BatchID string              `json:"batch_id"`
	Status  storage.BatchStatus `json:"status"`
	Columns []string            `json:"columns"`
	Rows    [][]string          `json:"rows"`
	// Sources lists the instances whose rows are included.
	Sources []string `json:"sources"`
	// Missing lists completed instances whose result could not be retrieved.
	Missing []string `json:"missing,omitempty"`
}

// GetBatchResults merges the rows of all completed children, tagging each
// row with its source instance. Columns come from the first child with a
// result.
func (o *Orchestrator) GetBatchResults(ctx context.Context, id string) (*Results, error) {
	st, err := o.GetBatchStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	children, err := o.children(ctx, st.Batch)
	if err != nil {
		return nil, err
	}

	res := &Results{
		BatchID: st.Batch.ID,
		Status:  st.Batch.Status,
		Columns: []string{},
		Rows:    [][]string{},
		Sources: []string{},
	}
	haveColumns := false
	for i := range children {
		c := &children[i]
		if c.Status != storage.StatusCompleted {
			continue
		}
		if c.Result == nil {
			res.Missing = append(res.Missing, c.InstanceID)
			continue
		}
		if !haveColumns {
			res.Columns = append(append([]string{}, c.Result.Columns...), SourceColumn)
			haveColumns = true
		}
		res.Sources = append(res.Sources, c.InstanceID)
		for _, row := range c.Result.Rows {
			tagged := make([]string, 0, len(row)+1)
			tagged = append(tagged, row...)
			res.Rows = append(res.Rows, append(tagged, c.InstanceID))
		}
	}
	return res, nil
}

// CancelBatch marks the batch cancelled and cancels every child that is
// still pending or running. Work already on the remote engine is not
// aborted. It returns the number of children cancelled.
func (o *Orchestrator) CancelBatch(ctx context.Context, id string) (*storage.BatchExecution, int, error) {
	b, err := o.store.GetBatch(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	if b.Status.Terminal() {
		return b, 0, fmt.Errorf("%w: %s", ErrBatchFinished, b.Status)
	}

	now := o.opts.Now().UTC()
	cancelled := storage.BatchCancelled
	applied, err := o.store.UpdateBatch(ctx, id, []storage.BatchStatus{storage.BatchPending, storage.BatchRunning}, storage.BatchUpdate{
		Status:      &cancelled,
		CompletedAt: &now,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("cancelling batch %s: %w", id, err)
	}
	if !applied {
		fresh, err := o.store.GetBatch(ctx, id)
		if err != nil {
			return nil, 0, err
		}
		return fresh, 0, fmt.Errorf("%w: %s", ErrBatchFinished, fresh.Status)
	}

	n, err := o.store.CancelBatchExecutions(ctx, id, now)
	if err != nil {
		return nil, 0, fmt.Errorf("cancelling children of batch %s: %w", id, err)
	}
	o.opts.Metrics.BatchesTotal.WithLabelValues(string(storage.BatchCancelled)).Inc()
	for i := 0; i < n; i++ {
		o.opts.Metrics.RecordTransition(string(storage.StatusCancelled))
	}
	log.Info().Str("batch_id", id).Int("children_cancelled", n).Msg("batch cancelled")

	st, err := o.GetBatchStatus(ctx, id)
	if err != nil {
		return nil, n, err
	}
	return st.Batch, n, nil
}
