package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"query-orchestrator/internal/storage"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name   string
		counts Counts
		want   storage.BatchStatus
	}{
		{"one pending", Counts{Pending: 1, Completed: 3}, storage.BatchRunning},
		{"one running", Counts{Running: 1, Failed: 2}, storage.BatchRunning},
		{"all completed", Counts{Completed: 3}, storage.BatchCompleted},
		{"mixed", Counts{Completed: 2, Failed: 1}, storage.BatchPartial},
		{"completed and cancelled", Counts{Completed: 1, Cancelled: 1}, storage.BatchPartial},
		{"all failed", Counts{Failed: 3}, storage.BatchFailed},
		{"failed and cancelled", Counts{Failed: 1, Cancelled: 2}, storage.BatchFailed},
		{"no children", Counts{}, storage.BatchFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate(tt.counts)
			if got != tt.want {
				t.Errorf("Aggregate(%+v) = %q, want %q", tt.counts, got, tt.want)
			}
			if again := Aggregate(tt.counts); again != got {
				t.Errorf("Aggregate not stable: %q then %q", got, again)
			}
		})
	}
}

func TestResolveKeepsCancellation(t *testing.T) {
	if got := Resolve(storage.BatchCancelled, Counts{Completed: 4}); got != storage.BatchCancelled {
		t.Errorf("Resolve = %q, want cancelled", got)
	}
	if got := Resolve(storage.BatchRunning, Counts{Completed: 4}); got != storage.BatchCompleted {
		t.Errorf("Resolve = %q, want completed", got)
	}
}

func TestTally(t *testing.T) {
	children := []storage.Execution{
		{Status: storage.StatusPending},
		{Status: storage.StatusRunning},
		{Status: storage.StatusRunning},
		{Status: storage.StatusCompleted},
		{Status: storage.StatusFailed},
		{Status: storage.StatusCancelled},
	}
	c := Tally(children)
	if c.Total() != len(children) {
		t.Errorf("Total = %d, want %d", c.Total(), len(children))
	}
	if c.Active() != 3 || c.Completed != 1 || c.Failed != 1 || c.Cancelled != 1 {
		t.Errorf("counts = %+v", c)
	}
}

func TestGetBatchStatus_DoesNotFinalizeIncompleteFanOut(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	seedBatch(t, h.store, "b1", storage.BatchRunning, time.Minute, 3)
	seedChild(t, h.store, "b1", "e1", "inst-0", storage.StatusCompleted)

	st, err := h.batch.GetBatchStatus(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Batch.Status != storage.BatchRunning {
		t.Errorf("status = %q, want running while children are still being created", st.Batch.Status)
	}
}

func TestCancelBatch(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	seedBatch(t, h.store, "b1", storage.BatchRunning, time.Minute, 4)
	seedChild(t, h.store, "b1", "done", "inst-0", storage.StatusCompleted)
	seedChild(t, h.store, "b1", "broken", "inst-1", storage.StatusFailed)
	seedChild(t, h.store, "b1", "queued", "inst-2", storage.StatusPending)
	seedChild(t, h.store, "b1", "busy", "inst-3", storage.StatusRunning)

	b, n, err := h.batch.CancelBatch(ctx, "b1")
	if err != nil {
		t.Fatalf("CancelBatch: %v", err)
	}
	if n != 2 {
		t.Errorf("cancelled children = %d, want 2", n)
	}
	if b.Status != storage.BatchCancelled || b.CompletedAt == nil {
		t.Errorf("batch = %q completed_at=%v, want cancelled with timestamp", b.Status, b.CompletedAt)
	}

	want := map[string]storage.Status{
		"done":   storage.StatusCompleted,
		"broken": storage.StatusFailed,
		"queued": storage.StatusCancelled,
		"busy":   storage.StatusCancelled,
	}
	for id, status := range want {
		exec, err := h.store.GetExecution(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if exec.Status != status {
			t.Errorf("%s = %q, want %q", id, exec.Status, status)
		}
		if exec.CompletedAt == nil {
			t.Errorf("%s has no completed_at", id)
		}
	}

	if _, _, err := h.batch.CancelBatch(ctx, "b1"); !errors.Is(err, ErrBatchFinished) {
		t.Errorf("second cancel err = %v, want ErrBatchFinished", err)
	}

	// Late completions never un-cancel the batch.
	st, err := h.batch.GetBatchStatus(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Batch.Status != storage.BatchCancelled {
		t.Errorf("status after cancel = %q", st.Batch.Status)
	}
	if st.Counts.Total() != 4 || st.Counts.Cancelled != 2 {
		t.Errorf("counts = %+v", st.Counts)
	}
}

func TestCancelBatch_CancelledChildIsNotReconciled(t *testing.T) {
	h := newHarness(t, 5, "A")
	ctx := context.Background()

	b, err := h.batch.RunBatch(ctx, Request{Workflow: h.wf, Instances: h.instances("A")})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.batch.CancelBatch(ctx, b.ID); err != nil {
		t.Fatal(err)
	}

	child := h.children(t, b.ID)["A"]
	got, err := h.exec.Reconcile(ctx, child.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusCancelled {
		t.Errorf("child = %q after remote success, want cancelled to stand", got.Status)
	}
}

func TestCancelBatch_Finished(t *testing.T) {
	h := newHarness(t, 5)
	seedBatch(t, h.store, "b1", storage.BatchCompleted, time.Minute, 0)

	if _, _, err := h.batch.CancelBatch(context.Background(), "b1"); !errors.Is(err, ErrBatchFinished) {
		t.Errorf("err = %v, want ErrBatchFinished", err)
	}
}

func TestRecoverStaleBatches(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	// Crashed before any child was created.
	seedBatch(t, h.store, "empty", storage.BatchRunning, time.Hour, 3)

	// All children finished but the aggregate was never written.
	seedBatch(t, h.store, "settled", storage.BatchRunning, time.Hour, 5)
	seedChild(t, h.store, "settled", "s1", "inst-0", storage.StatusCompleted)
	seedChild(t, h.store, "settled", "s2", "inst-1", storage.StatusFailed)

	// Children still in flight.
	seedBatch(t, h.store, "busy", storage.BatchRunning, time.Hour, 1)
	seedChild(t, h.store, "busy", "b1", "inst-0", storage.StatusRunning)

	// Too young to be stale.
	seedBatch(t, h.store, "fresh", storage.BatchRunning, time.Minute, 0)

	report, err := h.batch.RecoverStaleBatches(ctx, 30*time.Minute)
	if err != nil {
		t.Fatalf("RecoverStaleBatches: %v", err)
	}
	if report.Checked != 3 {
		t.Errorf("checked = %d, want 3", report.Checked)
	}
	if len(report.FailedEmpty) != 1 || report.FailedEmpty[0] != "empty" {
		t.Errorf("failed_empty = %v", report.FailedEmpty)
	}
	if len(report.Finalized) != 1 || report.Finalized[0] != "settled" {
		t.Errorf("finalized = %v", report.Finalized)
	}
	if len(report.StillRunning) != 1 || report.StillRunning[0] != "busy" {
		t.Errorf("still_running = %v", report.StillRunning)
	}

	assertBatch := func(id string, status storage.BatchStatus) *storage.BatchExecution {
		t.Helper()
		b, err := h.store.GetBatch(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if b.Status != status {
			t.Errorf("%s = %q, want %q", id, b.Status, status)
		}
		return b
	}
	empty := assertBatch("empty", storage.BatchFailed)
	if empty.ErrorMessage == "" || empty.CompletedAt == nil {
		t.Errorf("empty batch = %+v, want message and completed_at", empty)
	}
	settled := assertBatch("settled", storage.BatchPartial)
	if settled.TotalInstances != 2 {
		t.Errorf("settled total = %d, want corrected to 2", settled.TotalInstances)
	}
	assertBatch("busy", storage.BatchRunning)
	assertBatch("fresh", storage.BatchRunning)

	again, err := h.batch.RecoverStaleBatches(ctx, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Finalized) != 0 || len(again.FailedEmpty) != 0 {
		t.Errorf("second pass changed batches: %+v", again)
	}
	assertBatch("empty", storage.BatchFailed)
	assertBatch("settled", storage.BatchPartial)
}

func TestRecoveryLoop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t, 5)
	seedBatch(t, h.store, "empty", storage.BatchRunning, time.Hour, 1)

	r := NewRecovery(h.batch, time.Hour, 30*time.Minute)
	r.Start(context.Background())
	r.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for {
		b, err := h.store.GetBatch(context.Background(), "empty")
		if err != nil {
			t.Fatal(err)
		}
		if b.Status == storage.BatchFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("startup recovery pass did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.Stop()
}

func TestCancelBatch_QueuedChildrenNeverSubmitted(t *testing.T) {
	ids := []string{"A", "B", "C", "D", "E"}
	h := newHarness(t, 1, ids...)
	release := make(chan struct{})
	h.gw.submit = func(string, int) error {
		<-release
		return nil
	}
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.batch.RunBatch(ctx, Request{Workflow: h.wf, Instances: h.instances(ids...)})
		done <- err
	}()

	// Wait until every child row exists and one submission holds the only
	// slot; the rest are queued behind it.
	var batchID string
	deadline := time.Now().Add(5 * time.Second)
	for {
		batches, err := h.store.ListBatches(ctx, storage.BatchFilter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(batches) == 1 {
			batchID = batches[0].ID
			if len(h.children(t, batchID)) == len(ids) && h.gw.totalSubmits() == 1 {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("children were not created")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, _, err := h.batch.CancelBatch(ctx, batchID); err != nil {
		t.Fatalf("CancelBatch: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("RunBatch: %v", err)
	}

	if n := h.gw.totalSubmits(); n != 1 {
		t.Errorf("remote submissions = %d, want only the one in flight at cancel", n)
	}
	for inst, c := range h.children(t, batchID) {
		if c.Status != storage.StatusCancelled {
			t.Errorf("child %s = %q, want cancelled", inst, c.Status)
		}
	}
	if h.batch.Limiter().InFlight() != 0 {
		t.Errorf("in-flight after batch = %d, want 0", h.batch.Limiter().InFlight())
	}
}
