package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"query-orchestrator/internal/gateway"
	"query-orchestrator/internal/monitor"
	"query-orchestrator/internal/storage"
)

// fakeGateway scripts remote engine responses and records every call.
type fakeGateway struct {
	mu sync.Mutex

	registerID    string
	registerErr   error
	registerCalls int

	submitFn func(in gateway.SubmitInput) (*gateway.Submission, error)
	submits  []gateway.SubmitInput

	pollFn func(call int) (*gateway.RunState, error)
	polls  int

	locations   []string
	locationErr error
	parts       map[string]*storage.Result
	downloadErr error
	downloads   int
}

func (f *fakeGateway) RegisterJob(_ context.Context, _ *storage.Instance, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	return f.registerID, f.registerErr
}

func (f *fakeGateway) Submit(_ context.Context, _ *storage.Instance, in gateway.SubmitInput) (*gateway.Submission, error) {
	f.mu.Lock()
	f.submits = append(f.submits, in)
	fn := f.submitFn
	f.mu.Unlock()
	if fn == nil {
		return &gateway.Submission{Handle: "run-1", Status: gateway.RemotePending}, nil
	}
	return fn(in)
}

func (f *fakeGateway) PollStatus(_ context.Context, _ *storage.Instance, _ string) (*gateway.RunState, error) {
	f.mu.Lock()
	f.polls++
	call := f.polls
	fn := f.pollFn
	f.mu.Unlock()
	if fn == nil {
		return &gateway.RunState{Status: gateway.RemoteRunning, Progress: 50}, nil
	}
	return fn(call)
}

func (f *fakeGateway) FetchResultLocations(_ context.Context, _ *storage.Instance, _ string) ([]string, error) {
	return f.locations, f.locationErr
}

func (f *fakeGateway) DownloadAndDecode(_ context.Context, location string) (*storage.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return f.parts[location], nil
}

func (f *fakeGateway) submitCalls() []gateway.SubmitInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.SubmitInput(nil), f.submits...)
}

func (f *fakeGateway) pollCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

// recordingRecorder captures transitions in order.
type recordingRecorder struct {
	mu     sync.Mutex
	events []storage.ExecutionEvent
}

func (r *recordingRecorder) Record(id string, from, to storage.Status, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, storage.ExecutionEvent{ExecutionID: id, From: from, To: to, Detail: detail})
}

func (r *recordingRecorder) transitions() []storage.ExecutionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]storage.ExecutionEvent(nil), r.events...)
}

// sleepRecorder replaces real waits and remembers each requested delay.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type harness struct {
	orch   *Orchestrator
	store  *storage.Memory
	gw     *fakeGateway
	rec    *recordingRecorder
	sleeps *sleepRecorder
	wf     *storage.Workflow
	inst   *storage.Instance
}

func newHarness(t *testing.T, gw *fakeGateway) *harness {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemory()
	wf := &storage.Workflow{ID: "wf-1", Name: "daily_sales", SQL: "SELECT region, total FROM sales"}
	inst := &storage.Instance{ID: "inst-1", Name: "eu", Endpoint: "http://engine.invalid"}
	if err := store.PutWorkflow(ctx, wf); err != nil {
		t.Fatal(err)
	}
	if err := store.PutInstance(ctx, inst); err != nil {
		t.Fatal(err)
	}

	h := &harness{
		store:  store,
		gw:     gw,
		rec:    &recordingRecorder{},
		sleeps: &sleepRecorder{},
		wf:     wf,
		inst:   inst,
	}
	h.orch = New(store, gw, Options{
		VisibilityRetries: 3,
		VisibilityDelay:   2 * time.Second,
		FirstPollProgress: 10,
		Metrics:           monitor.NewMetrics(),
		Recorder:          h.rec,
		Now:               func() time.Time { return testNow },
		Sleep:             h.sleeps.Sleep,
	})
	return h
}

// seedExecution stores an execution in the given state.
func (h *harness) seedExecution(t *testing.T, id string, status storage.Status, progress int, handle string) *storage.Execution {
	t.Helper()
	exec := &storage.Execution{
		ID:         id,
		WorkflowID: h.wf.ID,
		InstanceID: h.inst.ID,
		Status:     status,
		Progress:   progress,
		JobHandle:  handle,
		Trigger:    storage.TriggerManual,
		StartedAt:  testNow.Add(-90 * time.Second),
	}
	if status.Terminal() {
		done := testNow.Add(-time.Second)
		exec.CompletedAt = &done
	}
	if err := h.store.CreateExecution(context.Background(), exec); err != nil {
		t.Fatal(err)
	}
	return exec
}

func notFound(msg string) error {
	return &gateway.Error{Kind: gateway.KindNotFound, Op: "submit", StatusCode: 404, Message: msg}
}

func transient(msg string) error {
	return &gateway.Error{Kind: gateway.KindTransient, Op: "submit", StatusCode: 503, Message: msg}
}

// ctxStore fails reads and writes once their context is done, the way a
// pgx pool does, and can fail a number of updates outright.
type ctxStore struct {
	*storage.Memory

	mu          sync.Mutex
	failUpdates int
}

func (s *ctxStore) GetExecution(ctx context.Context, id string) (*storage.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Memory.GetExecution(ctx, id)
}

func (s *ctxStore) UpdateExecution(ctx context.Context, id string, from []storage.Status, u storage.ExecutionUpdate) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	if s.failUpdates > 0 {
		s.failUpdates--
		s.mu.Unlock()
		return false, errors.New("connection reset by peer")
	}
	s.mu.Unlock()
	return s.Memory.UpdateExecution(ctx, id, from, u)
}

// withStore rebuilds h.orch over store, keeping the harness options.
func (h *harness) withStore(store Store) {
	h.orch = New(store, h.gw, h.orch.opts)
}
