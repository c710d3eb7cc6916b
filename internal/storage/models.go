package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ActiveStatuses are the statuses the poller and cancellation operate on.
var ActiveStatuses = []Status{StatusPending, StatusRunning}

// BatchStatus is the aggregate state of a batch.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchPartial   BatchStatus = "partial"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

// Terminal reports whether the batch has reached a final state.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchPartial, BatchFailed, BatchCancelled:
		return true
	}
	return false
}

// Trigger records what started an execution.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerSchedule Trigger = "schedule"
	TriggerBatch    Trigger = "batch"
	TriggerAPI      Trigger = "api"
)

// Valid reports whether t is a known trigger origin.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerManual, TriggerSchedule, TriggerBatch, TriggerAPI:
		return true
	}
	return false
}

// SubmitMode records how the query reached the remote engine.
type SubmitMode string

const (
	ModeRegistered SubmitMode = "registered" // via a persisted remote job id
	ModeAdHoc      SubmitMode = "adhoc"      // raw SQL, no reusable job
)

// Workflow is a reusable SQL query definition.
type Workflow struct {
	ID                 string    `json:"id" db:"id"`
	Name               string    `json:"name" db:"name"`
	SQL                string    `json:"sql" db:"sql"`
	RemoteJobID        string    `json:"remote_job_id,omitempty" db:"remote_job_id"`
	RequiredParameters []string  `json:"required_parameters,omitempty" db:"required_parameters"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// Instance is an addressable remote execution environment.
type Instance struct {
	ID          string `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	Endpoint    string `json:"endpoint" db:"endpoint"`
	WorkspaceID string `json:"workspace_id,omitempty" db:"workspace_id"`
	Token       string `json:"-" db:"token"`
}

// ValidationIssue is one structured problem reported by the remote engine.
type ValidationIssue struct {
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
}

// ErrorDetail is the structured part of a failure.
type ErrorDetail struct {
	Code             string            `json:"code,omitempty"`
	Explanation      string            `json:"explanation,omitempty"`
	ValidationErrors []ValidationIssue `json:"validation_errors,omitempty"`
	MissingObjects   []string          `json:"missing_objects,omitempty"`
}

// Empty reports whether the detail carries no structured information.
func (d *ErrorDetail) Empty() bool {
	return d == nil || (d.Code == "" && d.Explanation == "" &&
		len(d.ValidationErrors) == 0 && len(d.MissingObjects) == 0)
}

// Result is the materialized output of a completed execution.
type Result struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// Execution is one run of a workflow against one target instance.
type Execution struct {
	ID           string            `json:"id" db:"id"`
	WorkflowID   string            `json:"workflow_id" db:"workflow_id"`
	InstanceID   string            `json:"instance_id" db:"instance_id"`
	BatchID      string            `json:"batch_id,omitempty" db:"batch_id"`
	Status       Status            `json:"status" db:"status"`
	Progress     int               `json:"progress" db:"progress"`
	JobHandle    string            `json:"job_handle,omitempty" db:"job_handle"`
	Mode         SubmitMode        `json:"mode,omitempty" db:"mode"`
	Trigger      Trigger           `json:"trigger" db:"trigger"`
	Parameters   map[string]string `json:"parameters,omitempty" db:"parameters"`
	Attempts     int               `json:"attempts" db:"attempts"`
	StartedAt    time.Time         `json:"started_at" db:"started_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	DurationMS   int64             `json:"duration_ms" db:"duration_ms"`
	RowCount     int64             `json:"row_count" db:"row_count"`
	RuntimeMS    int64             `json:"runtime_ms,omitempty" db:"runtime_ms"`
	BytesScanned int64             `json:"bytes_scanned,omitempty" db:"bytes_scanned"`
	ErrorMessage string            `json:"error_message,omitempty" db:"error_message"`
	ErrorKind    string            `json:"error_kind,omitempty" db:"error_kind"`
	ErrorDetail  *ErrorDetail      `json:"error_detail,omitempty" db:"error_detail"`
	Result       *Result           `json:"result,omitempty" db:"result"`
	ResultError  string            `json:"result_error,omitempty" db:"result_error"`
}

// ExecutionUpdate is a partial update; nil fields are left unchanged.
type ExecutionUpdate struct {
	Status       *Status
	Progress     *int
	JobHandle    *string
	Mode         *SubmitMode
	Attempts     *int
	CompletedAt  *time.Time
	DurationMS   *int64
	RowCount     *int64
	RuntimeMS    *int64
	BytesScanned *int64
	ErrorMessage *string
	ErrorKind    *string
	ErrorDetail  *ErrorDetail
	Result       *Result
	ResultError  *string
}

// Apply copies the set fields of u onto e.
func (u ExecutionUpdate) Apply(e *Execution) {
	if u.Status != nil {
		e.Status = *u.Status
	}
	if u.Progress != nil {
		e.Progress = *u.Progress
	}
	if u.JobHandle != nil {
		e.JobHandle = *u.JobHandle
	}
	if u.Mode != nil {
		e.Mode = *u.Mode
	}
	if u.Attempts != nil {
		e.Attempts = *u.Attempts
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		e.CompletedAt = &t
	}
	if u.DurationMS != nil {
		e.DurationMS = *u.DurationMS
	}
	if u.RowCount != nil {
		e.RowCount = *u.RowCount
	}
	if u.RuntimeMS != nil {
		e.RuntimeMS = *u.RuntimeMS
	}
	if u.BytesScanned != nil {
		e.BytesScanned = *u.BytesScanned
	}
	if u.ErrorMessage != nil {
		e.ErrorMessage = *u.ErrorMessage
	}
	if u.ErrorKind != nil {
		e.ErrorKind = *u.ErrorKind
	}
	if u.ErrorDetail != nil {
		e.ErrorDetail = u.ErrorDetail
	}
	if u.Result != nil {
		e.Result = u.Result
	}
	if u.ResultError != nil {
		e.ResultError = *u.ResultError
	}
}

// BatchExecution is one workflow fanned out across instances.
type BatchExecution struct {
	ID                string                       `json:"id" db:"id"`
	WorkflowID        string                       `json:"workflow_id" db:"workflow_id"`
	InstanceIDs       []string                     `json:"instance_ids" db:"instance_ids"`
	Parameters        map[string]string            `json:"parameters,omitempty" db:"parameters"`
	InstanceOverrides map[string]map[string]string `json:"instance_overrides,omitempty" db:"instance_overrides"`
	Status            BatchStatus                  `json:"status" db:"status"`
	TotalInstances    int                          `json:"total_instances" db:"total_instances"`
	CompletedCount    int                          `json:"completed_count" db:"completed_count"`
	FailedCount       int                          `json:"failed_count" db:"failed_count"`
	ErrorMessage      string                       `json:"error_message,omitempty" db:"error_message"`
	CreatedAt         time.Time                    `json:"created_at" db:"created_at"`
	StartedAt         *time.Time                   `json:"started_at,omitempty" db:"started_at"`
	CompletedAt       *time.Time                   `json:"completed_at,omitempty" db:"completed_at"`
}

// BatchUpdate is a partial update of a batch row.
type BatchUpdate struct {
	Status         *BatchStatus
	TotalInstances *int
	CompletedCount *int
	FailedCount    *int
	ErrorMessage   *string
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// Apply copies the set fields of u onto b.
func (u BatchUpdate) Apply(b *BatchExecution) {
	if u.Status != nil {
		b.Status = *u.Status
	}
	if u.TotalInstances != nil {
		b.TotalInstances = *u.TotalInstances
	}
	if u.CompletedCount != nil {
		b.CompletedCount = *u.CompletedCount
	}
	if u.FailedCount != nil {
		b.FailedCount = *u.FailedCount
	}
	if u.ErrorMessage != nil {
		b.ErrorMessage = *u.ErrorMessage
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		b.StartedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		b.CompletedAt = &t
	}
}

// ExecutionEvent is one status transition recorded for audit.
type ExecutionEvent struct {
	ID          string    `json:"id" db:"id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	From        Status    `json:"from" db:"from_status"`
	To          Status    `json:"to" db:"to_status"`
	Detail      string    `json:"detail,omitempty" db:"detail"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	Statuses     []Status
	BatchID      string
	WorkflowID   string
	StartedAfter *time.Time
	Limit        int
	Offset       int
}

// BatchFilter provides criteria for querying batches.
type BatchFilter struct {
	Status        BatchStatus
	WorkflowID    string
	StartedBefore *time.Time
	Limit         int
	Offset        int
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func containsStatus(statuses []Status, s Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}
