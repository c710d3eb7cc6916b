package batch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"query-orchestrator/internal/execution"
	"query-orchestrator/internal/gateway"
	"query-orchestrator/internal/monitor"
	"query-orchestrator/internal/storage"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// scriptedGateway answers per instance. Submissions succeed unless submit
// says otherwise; every poll reports success.
type scriptedGateway struct {
	mu      sync.Mutex
	calls   map[string]int
	params  map[string]map[string]string
	submit  func(instID string, call int) error
	results map[string]*storage.Result
	delay   time.Duration
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{
		calls:   make(map[string]int),
		params:  make(map[string]map[string]string),
		results: make(map[string]*storage.Result),
	}
}

func (g *scriptedGateway) RegisterJob(_ context.Context, inst *storage.Instance, _, _ string) (string, error) {
	return "job-" + inst.ID, nil
}

func (g *scriptedGateway) Submit(_ context.Context, inst *storage.Instance, in gateway.SubmitInput) (*gateway.Submission, error) {
	g.mu.Lock()
	g.calls[inst.ID]++
	call := g.calls[inst.ID]
	g.params[inst.ID] = in.Parameters
	fn := g.submit
	delay := g.delay
	g.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fn != nil {
		if err := fn(inst.ID, call); err != nil {
			return nil, err
		}
	}
	return &gateway.Submission{Handle: "run-" + inst.ID, Status: gateway.RemotePending}, nil
}

func (g *scriptedGateway) PollStatus(_ context.Context, _ *storage.Instance, _ string) (*gateway.RunState, error) {
	return &gateway.RunState{Status: gateway.RemoteSucceeded, Progress: 100}, nil
}

func (g *scriptedGateway) FetchResultLocations(_ context.Context, _ *storage.Instance, handle string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.results[handle]; ok {
		return []string{handle}, nil
	}
	return nil, nil
}

func (g *scriptedGateway) DownloadAndDecode(_ context.Context, location string) (*storage.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.results[location], nil
}

func (g *scriptedGateway) submitCount(instID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[instID]
}

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

type harness struct {
	store  *storage.Memory
	gw     *scriptedGateway
	exec   *execution.Orchestrator
	batch  *Orchestrator
	sleeps *sleepRecorder
	wf     *storage.Workflow
	insts  map[string]*storage.Instance
}

func newHarness(t *testing.T, limit int, instanceIDs ...string) *harness {
	t.Helper()
	ctx := context.Background()

	store := storage.NewMemory()
	wf := &storage.Workflow{ID: "wf-1", Name: "revenue", SQL: "SELECT region, total FROM revenue", RemoteJobID: "job-1"}
	if err := store.PutWorkflow(ctx, wf); err != nil {
		t.Fatal(err)
	}
	insts := make(map[string]*storage.Instance)
	for _, id := range instanceIDs {
		inst := &storage.Instance{ID: id, Name: id, Endpoint: "http://" + id + ".invalid"}
		if err := store.PutInstance(ctx, inst); err != nil {
			t.Fatal(err)
		}
		insts[id] = inst
	}

	m := monitor.NewMetrics()
	now := func() time.Time { return testNow }
	noWait := func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	gw := newScriptedGateway()
	execOrch := execution.New(store, gw, execution.Options{Metrics: m, Now: now, Sleep: noWait})
	sleeps := &sleepRecorder{}
	batchOrch := New(store, execOrch, NewLimiter(limit, m), Options{
		MaxInstances: 10,
		MaxAttempts:  3,
		BaseBackoff:  100 * time.Millisecond,
		MaxBackoff:   time.Second,
		Metrics:      m,
		Now:          now,
		Sleep:        sleeps.Sleep,
	})

	return &harness{store: store, gw: gw, exec: execOrch, batch: batchOrch, sleeps: sleeps, wf: wf, insts: insts}
}

func (h *harness) instances(ids ...string) []*storage.Instance {
	out := make([]*storage.Instance, len(ids))
	for i, id := range ids {
		out[i] = h.insts[id]
	}
	return out
}

func (h *harness) children(t *testing.T, batchID string) map[string]storage.Execution {
	t.Helper()
	rows, err := h.store.ListExecutions(context.Background(), storage.ExecutionFilter{BatchID: batchID})
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]storage.Execution, len(rows))
	for _, r := range rows {
		out[r.InstanceID] = r
	}
	return out
}

// reconcileAll drives every child of a batch through one poll.
func (h *harness) reconcileAll(t *testing.T, batchID string) {
	t.Helper()
	for _, c := range h.children(t, batchID) {
		if _, err := h.exec.Reconcile(context.Background(), c.ID); err != nil {
			t.Fatalf("reconcile %s: %v", c.ID, err)
		}
	}
}

func permanent(msg string) error {
	return &gateway.Error{Kind: gateway.KindPermanent, Op: "submit", StatusCode: 403, Message: msg}
}

func transient(msg string) error {
	return &gateway.Error{Kind: gateway.KindTransient, Op: "submit", StatusCode: 503, Message: msg}
}

func seedBatch(t *testing.T, store *storage.Memory, id string, status storage.BatchStatus, startedAgo time.Duration, total int) *storage.BatchExecution {
	t.Helper()
	started := testNow.Add(-startedAgo)
	b := &storage.BatchExecution{
		ID:             id,
		WorkflowID:     "wf-1",
		Status:         status,
		TotalInstances: total,
		CreatedAt:      started,
		StartedAt:      &started,
	}
	for i := 0; i < total; i++ {
		b.InstanceIDs = append(b.InstanceIDs, fmt.Sprintf("inst-%d", i))
	}
	if err := store.CreateBatch(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	return b
}

func seedChild(t *testing.T, store *storage.Memory, batchID, id, instID string, status storage.Status) {
	t.Helper()
	exec := &storage.Execution{
		ID:         id,
		WorkflowID: "wf-1",
		InstanceID: instID,
		BatchID:    batchID,
		Status:     status,
		Trigger:    storage.TriggerBatch,
		StartedAt:  testNow.Add(-time.Hour),
	}
	if status.Terminal() {
		done := testNow.Add(-50 * time.Minute)
		exec.CompletedAt = &done
	}
	if err := store.CreateExecution(context.Background(), exec); err != nil {
		t.Fatal(err)
	}
}

func (g *scriptedGateway) totalSubmits() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		n += c
	}
	return n
}
