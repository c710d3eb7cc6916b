package storage

import (
	"context"
	"time"
)

// Store is the full persistence surface implemented by DB and Memory.
// Components depend on narrower subsets of it.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	SetWorkflowJobID(ctx context.Context, id, jobID string) error
	GetInstance(ctx context.Context, id string) (*Instance, error)

	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, from []Status, u ExecutionUpdate) (bool, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]Execution, error)
	CancelBatchExecutions(ctx context.Context, batchID string, at time.Time) (int, error)

	CreateBatch(ctx context.Context, b *BatchExecution) error
	GetBatch(ctx context.Context, id string) (*BatchExecution, error)
	UpdateBatch(ctx context.Context, id string, from []BatchStatus, u BatchUpdate) (bool, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]BatchExecution, error)

	LogEvent(ctx context.Context, event *ExecutionEvent) error
}

var (
	_ Store = (*DB)(nil)
	_ Store = (*Memory)(nil)
)
