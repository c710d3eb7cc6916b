package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"query-orchestrator/internal/batch"
	"query-orchestrator/internal/execution"
	"query-orchestrator/internal/monitor"
	"query-orchestrator/internal/storage"
)

// Store is the read side the handlers need beyond the orchestrators.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (*storage.Workflow, error)
	ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error)
}

type Handlers struct {
	store          Store
	exec           *execution.Orchestrator
	batches        *batch.Orchestrator
	metrics        *monitor.Metrics
	staleThreshold time.Duration
	streamInterval time.Duration
}

func NewHandlers(store Store, exec *execution.Orchestrator, batches *batch.Orchestrator, metrics *monitor.Metrics, staleThreshold time.Duration) *Handlers {
	if staleThreshold <= 0 {
		staleThreshold = 30 * time.Minute
	}
	return &Handlers{
		store:          store,
		exec:           exec,
		batches:        batches,
		metrics:        metrics,
		staleThreshold: staleThreshold,
		streamInterval: time.Second,
	}
}

func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.WorkflowID == "" || req.InstanceID == "" {
		writeError(w, "workflow_id and instance_id are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	wf, err := h.store.GetWorkflow(r.Context(), req.WorkflowID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	inst, err := h.exec.Instances().Get(r.Context(), req.InstanceID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	trigger := req.Trigger
	if trigger == "" {
		trigger = storage.TriggerAPI
	}

	// A client hanging up must not leave the row pending without a handle.
	exec, err := h.exec.Submit(context.WithoutCancel(r.Context()), execution.Request{
		Workflow:   wf,
		Instance:   inst,
		Parameters: req.Parameters,
		Trigger:    trigger,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if exec.Status == storage.StatusFailed {
		// The row exists and carries the failure; the caller still gets it.
		status = http.StatusOK
	}
	writeJSON(w, status, exec)
}

// HandleGetExecution reconciles the execution with the remote engine before
// returning it, so a reader never waits for the next sweep.
func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	exec, err := h.exec.Reconcile(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := pagination(q.Get("limit"), q.Get("offset"))
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	filter := storage.ExecutionFilter{
		BatchID:    q.Get("batch_id"),
		WorkflowID: q.Get("workflow_id"),
		Limit:      limit,
		Offset:     offset,
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, storage.Status(strings.TrimSpace(s)))
		}
	}

	execs, err := h.store.ListExecutions(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}
	writeJSON(w, http.StatusOK, ListResponse[storage.Execution]{Items: execs, Count: len(execs), Limit: limit, Offset: offset})
}

func (h *Handlers) HandleRunBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.WorkflowID == "" {
		writeError(w, "workflow_id is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if len(req.InstanceIDs) == 0 {
		writeError(w, batch.ErrEmptyBatch.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	wf, err := h.store.GetWorkflow(r.Context(), req.WorkflowID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	seen := make(map[string]struct{}, len(req.InstanceIDs))
	insts := make([]*storage.Instance, 0, len(req.InstanceIDs))
	for _, id := range req.InstanceIDs {
		if _, dup := seen[id]; dup {
			writeError(w, "duplicate instance id "+id, "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		seen[id] = struct{}{}
		inst, err := h.exec.Instances().Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		insts = append(insts, inst)
	}

	// The fan-out outlives a client that hangs up; children already
	// dispatched must still be recorded.
	ctx := context.WithoutCancel(r.Context())
	b, err := h.batches.RunBatch(ctx, batch.Request{
		Workflow:   wf,
		Instances:  insts,
		Parameters: req.Parameters,
		Overrides:  req.InstanceOverrides,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, b)
}

func (h *Handlers) HandleListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := pagination(q.Get("limit"), q.Get("offset"))
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	batches, err := h.batches.ListBatches(r.Context(), storage.BatchFilter{
		Status:     storage.BatchStatus(q.Get("status")),
		WorkflowID: q.Get("workflow_id"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if batches == nil {
		batches = []storage.BatchExecution{}
	}
	writeJSON(w, http.StatusOK, ListResponse[storage.BatchExecution]{Items: batches, Count: len(batches), Limit: limit, Offset: offset})
}

func (h *Handlers) HandleGetBatch(w http.ResponseWriter, r *http.Request) {
	st, err := h.batches.GetBatchStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) HandleBatchResults(w http.ResponseWriter, r *http.Request) {
	res, err := h.batches.GetBatchResults(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) HandleCancelBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, n, err := h.batches.CancelBatch(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	log.Info().Str("batch_id", id).Int("children_cancelled", n).
		Str("request_id", RequestIDFromContext(r.Context())).Msg("batch cancel requested")
	writeJSON(w, http.StatusOK, CancelResponse{Batch: b, ChildrenCancelled: n})
}

func (h *Handlers) HandleRecoverBatches(w http.ResponseWriter, r *http.Request) {
	threshold := h.staleThreshold
	if r.ContentLength != 0 {
		var req RecoverRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		if req.Threshold.Duration < 0 {
			writeError(w, "threshold must be >= 0", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		if req.Threshold.Duration > 0 {
			threshold = req.Threshold.Duration
		}
	}

	report, err := h.batches.RecoverStaleBatches(r.Context(), threshold)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func pagination(rawLimit, rawOffset string) (int, int, error) {
	limit, offset := 100, 0
	if rawLimit != "" {
		n, err := strconv.Atoi(rawLimit)
		if err != nil || n < 1 || n > 1000 {
			return 0, 0, fmt.Errorf("limit must be 1-1000")
		}
		limit = n
	}
	if rawOffset != "" {
		n, err := strconv.Atoi(rawOffset)
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("offset must be >= 0")
		}
		offset = n
	}
	return limit, offset, nil
}

// writeDomainError maps orchestrator and storage errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var perr *execution.ParameterError
	switch {
	case errors.As(err, &perr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:     perr.Error(),
			Code:      "INVALID_PARAMETERS",
			Missing:   perr.Missing,
			RequestID: RequestIDFromContext(r.Context()),
		})
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, err.Error(), "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, batch.ErrEmptyBatch), errors.Is(err, batch.ErrBatchTooLarge):
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
	case errors.Is(err, batch.ErrBatchFinished):
		writeError(w, err.Error(), "CONFLICT", http.StatusConflict, r)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, "request cancelled", "CANCELLED", http.StatusServiceUnavailable, r)
	default:
		log.Error().Err(err).Str("path", r.URL.Path).
			Str("request_id", RequestIDFromContext(r.Context())).Msg("request failed")
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
