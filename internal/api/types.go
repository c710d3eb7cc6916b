package api

import (
	"time"

	"query-orchestrator/internal/batch"
	"query-orchestrator/internal/storage"
)

// SubmitRequest runs one workflow against one instance.
type SubmitRequest struct {
	WorkflowID string            `json:"workflow_id"`
	InstanceID string            `json:"instance_id"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Trigger    storage.Trigger   `json:"trigger,omitempty"` // defaults to "api"
}

// BatchRequest fans one workflow out across several instances.
type BatchRequest struct {
	WorkflowID  string            `json:"workflow_id"`
	InstanceIDs []string          `json:"instance_ids"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	// InstanceOverrides is keyed by instance id.
	InstanceOverrides map[string]map[string]string `json:"instance_overrides,omitempty"`
}

// RecoverRequest triggers a stale-batch recovery pass.
type RecoverRequest struct {
	Threshold Duration `json:"threshold,omitempty"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// CancelResponse reports a batch cancellation.
type CancelResponse struct {
	Batch             *storage.BatchExecution `json:"batch"`
	ChildrenCancelled int                     `json:"children_cancelled"`
}

// BatchEvent is the payload of every SSE message on a batch event stream.
type BatchEvent struct {
	BatchID  string              `json:"batch_id"`
	Status   storage.BatchStatus `json:"status"`
	Counts   batch.Counts        `json:"counts"`
	Total    int                 `json:"total_instances"`
	Children []batch.ChildStatus `json:"children,omitempty"`
}

// ListResponse wraps paginated list results.
type ListResponse[T any] struct {
	Items  []T `json:"items"`
	Count  int `json:"count"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string   `json:"error"`
	Code      string   `json:"code"`
	Missing   []string `json:"missing,omitempty"`
	RequestID string   `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status          string `json:"status"`
	Database        bool   `json:"database"`
	Poller          bool   `json:"poller"`
	LimiterInFlight int    `json:"limiter_in_flight"`
	LimiterCapacity int    `json:"limiter_capacity"`
	Uptime          string `json:"uptime"`
}
