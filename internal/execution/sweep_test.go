package execution

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"query-orchestrator/internal/gateway"
	"query-orchestrator/internal/storage"
)

func TestSweep_RunOnceVisitsActiveWithinWindow(t *testing.T) {
	gw := &fakeGateway{
		pollFn: func(int) (*gateway.RunState, error) {
			return &gateway.RunState{Status: gateway.RemoteRunning, Progress: 70}, nil
		},
	}
	h := newHarness(t, gw)
	ctx := context.Background()

	h.seedExecution(t, "recent-1", storage.StatusRunning, 20, "run-1")
	h.seedExecution(t, "recent-2", storage.StatusPending, 0, "run-2")
	h.seedExecution(t, "done", storage.StatusCompleted, 100, "run-3")

	old := &storage.Execution{
		ID: "straggler", WorkflowID: h.wf.ID, InstanceID: h.inst.ID,
		Status: storage.StatusRunning, JobHandle: "run-4",
		StartedAt: testNow.Add(-3 * time.Hour),
	}
	if err := h.store.CreateExecution(ctx, old); err != nil {
		t.Fatal(err)
	}

	sweep := NewSweep(h.orch, SweepConfig{Interval: time.Minute, Window: 2 * time.Hour, ItemDelay: 500 * time.Millisecond})
	visited, err := sweep.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if visited != 2 {
		t.Errorf("visited = %d, want 2", visited)
	}

	for _, id := range []string{"recent-1", "recent-2"} {
		exec, _ := h.store.GetExecution(ctx, id)
		if exec.Status != storage.StatusRunning || exec.Progress != 70 {
			t.Errorf("%s = %s/%d, want running/70", id, exec.Status, exec.Progress)
		}
	}
	straggler, _ := h.store.GetExecution(ctx, "straggler")
	if straggler.Progress != 0 {
		t.Error("execution outside the window was polled")
	}

	delays := h.sleeps.recorded()
	if len(delays) != 1 || delays[0] != 500*time.Millisecond {
		t.Errorf("item delays = %v, want one 500ms pause between two items", delays)
	}
	if got := testutil.ToFloat64(h.orch.opts.Metrics.SweepPasses); got != 1 {
		t.Errorf("sweep passes = %v, want 1", got)
	}
}

func TestSweep_OneFailureDoesNotStopPass(t *testing.T) {
	gw := &fakeGateway{
		pollFn: func(int) (*gateway.RunState, error) {
			return &gateway.RunState{Status: gateway.RemoteRunning, Progress: 30}, nil
		},
	}
	h := newHarness(t, gw)
	ctx := context.Background()

	orphan := &storage.Execution{
		ID: "orphan", WorkflowID: h.wf.ID, InstanceID: "deleted-instance",
		Status: storage.StatusRunning, Progress: 10, JobHandle: "run-x",
		StartedAt: testNow.Add(-time.Minute),
	}
	if err := h.store.CreateExecution(ctx, orphan); err != nil {
		t.Fatal(err)
	}
	h.seedExecution(t, "healthy", storage.StatusRunning, 10, "run-1")

	sweep := NewSweep(h.orch, SweepConfig{Interval: time.Minute, Window: time.Hour})
	visited, err := sweep.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if visited != 2 {
		t.Errorf("visited = %d, want 2", visited)
	}

	healthy, _ := h.store.GetExecution(ctx, "healthy")
	if healthy.Progress != 30 {
		t.Errorf("healthy progress = %d, want 30", healthy.Progress)
	}
	if got := testutil.ToFloat64(h.orch.opts.Metrics.SweepReconciled.WithLabelValues("error")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}

func TestSweep_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	gw := &fakeGateway{}
	h := newHarness(t, gw)
	h.seedExecution(t, "e1", storage.StatusRunning, 20, "run-1")

	sweep := NewSweep(h.orch, SweepConfig{Interval: 5 * time.Millisecond, Window: time.Hour})
	sweep.Start(context.Background())
	sweep.Start(context.Background()) // second start is a no-op
	if !sweep.Running() {
		t.Error("Running() = false after Start")
	}

	deadline := time.After(2 * time.Second)
	for gw.pollCalls() == 0 {
		select {
		case <-deadline:
			t.Fatal("sweep never polled")
		case <-time.After(5 * time.Millisecond):
		}
	}

	sweep.Stop()
	if sweep.Running() {
		t.Error("Running() = true after Stop")
	}
	polled := gw.pollCalls()
	time.Sleep(20 * time.Millisecond)
	if gw.pollCalls() != polled {
		t.Error("sweep kept polling after Stop")
	}
}

func TestSweep_StopWithoutStart(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sweep := NewSweep(newHarness(t, &fakeGateway{}).orch, SweepConfig{})
	sweep.Stop()
	sweep.Start(context.Background()) // stopped sweeps stay stopped
	sweep.Stop()
}

func TestRetry(t *testing.T) {
	sleeps := &sleepRecorder{}
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Sleep: sleeps.Sleep}

	t.Run("transient then success", func(t *testing.T) {
		sleeps.delays = nil
		calls := 0
		attempts, err := Retry(context.Background(), policy, func(int) error {
			calls++
			if calls < 3 {
				return transient("busy")
			}
			return nil
		})
		if err != nil || attempts != 3 {
			t.Errorf("attempts=%d err=%v, want 3/nil", attempts, err)
		}
		d := sleeps.recorded()
		if len(d) != 2 || d[0] != 100*time.Millisecond || d[1] != 200*time.Millisecond {
			t.Errorf("delays = %v, want [100ms 200ms]", d)
		}
	})

	t.Run("permanent stops immediately", func(t *testing.T) {
		sleeps.delays = nil
		attempts, err := Retry(context.Background(), policy, func(int) error {
			return &gateway.Error{Kind: gateway.KindPermanent, Message: "access denied"}
		})
		if attempts != 1 || !gateway.IsPermanent(err) {
			t.Errorf("attempts=%d err=%v", attempts, err)
		}
		if len(sleeps.recorded()) != 0 {
			t.Error("slept before a permanent failure")
		}
	})

	t.Run("aborted and unrecorded handles stop immediately", func(t *testing.T) {
		for _, sentinel := range []error{ErrAborted, ErrHandleNotRecorded} {
			sleeps.delays = nil
			attempts, err := Retry(context.Background(), policy, func(int) error {
				return fmt.Errorf("dispatch: %w", sentinel)
			})
			if attempts != 1 || !errors.Is(err, sentinel) {
				t.Errorf("%v: attempts=%d err=%v", sentinel, attempts, err)
			}
		}
	})

	t.Run("cap reached", func(t *testing.T) {
		sleeps.delays = nil
		attempts, err := Retry(context.Background(), policy, func(int) error { return transient("busy") })
		if attempts != 3 || !gateway.IsTransient(err) {
			t.Errorf("attempts=%d err=%v", attempts, err)
		}
	})
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %s, want %s", i+1, got, w)
		}
	}
}
