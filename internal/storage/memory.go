package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process store used when no database is configured and in tests.
// Every read returns a copy so callers never alias stored rows.
type Memory struct {
	mu         sync.RWMutex
	workflows  map[string]Workflow
	instances  map[string]Instance
	executions map[string]Execution
	batches    map[string]BatchExecution
	events     []ExecutionEvent
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		workflows:  make(map[string]Workflow),
		instances:  make(map[string]Instance),
		executions: make(map[string]Execution),
		batches:    make(map[string]BatchExecution),
	}
}

// PutWorkflow inserts or replaces a workflow definition.
func (m *Memory) PutWorkflow(_ context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	m.workflows[wf.ID] = cloneWorkflow(*wf)
	return nil
}

// PutInstance inserts or replaces a target instance.
func (m *Memory) PutInstance(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.ID] = *inst
	return nil
}

func (m *Memory) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	out := cloneWorkflow(wf)
	return &out, nil
}

func (m *Memory) SetWorkflowJobID(_ context.Context, id, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	wf.RemoteJobID = jobID
	wf.UpdatedAt = time.Now().UTC()
	m.workflows[id] = wf
	return nil
}

func (m *Memory) GetInstance(_ context.Context, id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return &inst, nil
}

func (m *Memory) CreateExecution(_ context.Context, exec *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.executions[exec.ID]; exists {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	m.executions[exec.ID] = cloneExecution(*exec)
	return nil
}

func (m *Memory) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	out := cloneExecution(exec)
	return &out, nil
}

// UpdateExecution applies u if the current status is one of from (or from is empty).
// It reports whether the row was changed.
func (m *Memory) UpdateExecution(_ context.Context, id string, from []Status, u ExecutionUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return false, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if len(from) > 0 && !containsStatus(from, exec.Status) {
		return false, nil
	}
	u.Apply(&exec)
	m.executions[id] = exec
	return true, nil
}

func (m *Memory) ListExecutions(_ context.Context, filter ExecutionFilter) ([]Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Execution
	for _, exec := range m.executions {
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, exec.Status) {
			continue
		}
		if filter.BatchID != "" && exec.BatchID != filter.BatchID {
			continue
		}
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.StartedAfter != nil && exec.StartedAt.Before(*filter.StartedAfter) {
			continue
		}
		out = append(out, cloneExecution(exec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return page(out, filter.Limit, filter.Offset), nil
}

// CancelBatchExecutions moves every pending or running child of a batch to cancelled.
func (m *Memory) CancelBatchExecutions(_ context.Context, batchID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for id, exec := range m.executions {
		if exec.BatchID != batchID || exec.Status.Terminal() {
			continue
		}
		t := at
		exec.Status = StatusCancelled
		exec.CompletedAt = &t
		exec.DurationMS = at.Sub(exec.StartedAt).Milliseconds()
		m.executions[id] = exec
		n++
	}
	return n, nil
}

func (m *Memory) CreateBatch(_ context.Context, b *BatchExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.batches[b.ID]; exists {
		return fmt.Errorf("batch %s already exists", b.ID)
	}
	m.batches[b.ID] = cloneBatch(*b)
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id string) (*BatchExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	out := cloneBatch(b)
	return &out, nil
}

// UpdateBatch applies u if the current status is one of from (or from is empty).
func (m *Memory) UpdateBatch(_ context.Context, id string, from []BatchStatus, u BatchUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return false, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if len(from) > 0 {
		allowed := false
		for _, s := range from {
			if s == b.Status {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, nil
		}
	}
	u.Apply(&b)
	m.batches[id] = b
	return true, nil
}

func (m *Memory) ListBatches(_ context.Context, filter BatchFilter) ([]BatchExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []BatchExecution
	for _, b := range m.batches {
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		if filter.WorkflowID != "" && b.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.StartedBefore != nil && (b.StartedAt == nil || !b.StartedAt.Before(*filter.StartedBefore)) {
			continue
		}
		out = append(out, cloneBatch(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, filter.Limit, filter.Offset), nil
}

func (m *Memory) LogEvent(_ context.Context, event *ExecutionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

// Events returns the recorded transitions for one execution, oldest first.
func (m *Memory) Events(executionID string) []ExecutionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ExecutionEvent
	for _, e := range m.events {
		if e.ExecutionID == executionID {
			out = append(out, e)
		}
	}
	return out
}

func page[T any](items []T, limit, offset int) []T {
	limit = normalizeLimit(limit)
	if offset >= len(items) {
		return nil
	}
	if offset < 0 {
		offset = 0
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func cloneWorkflow(wf Workflow) Workflow {
	wf.RequiredParameters = append([]string(nil), wf.RequiredParameters...)
	return wf
}

func cloneExecution(e Execution) Execution {
	e.Parameters = cloneMap(e.Parameters)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		e.CompletedAt = &t
	}
	return e
}

func cloneBatch(b BatchExecution) BatchExecution {
	b.InstanceIDs = append([]string(nil), b.InstanceIDs...)
	b.Parameters = cloneMap(b.Parameters)
	if b.InstanceOverrides != nil {
		overrides := make(map[string]map[string]string, len(b.InstanceOverrides))
		for k, v := range b.InstanceOverrides {
			overrides[k] = cloneMap(v)
		}
		b.InstanceOverrides = overrides
	}
	if b.StartedAt != nil {
		t := *b.StartedAt
		b.StartedAt = &t
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		b.CompletedAt = &t
	}
	return b
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
