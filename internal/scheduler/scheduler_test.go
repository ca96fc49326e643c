package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mstolin/foreman/internal/events"
	"github.com/mstolin/foreman/internal/queue"
	"github.com/mstolin/foreman/internal/task"
)

// scriptedWorker pulls payloads off the queue and reports the scripted
// outcome for each delivery of a task id. The script "hold" makes the
// worker swallow a delivery without reporting, simulating a crash while
// holding a lease.
type scriptedWorker struct {
	id      string
	q       *queue.WorkQueue
	results *queue.ResultChannel

	mu         sync.Mutex
	script     map[string][]string // task id -> outcome per delivery
	deliveries map[string]int
	order      []string
}

func newScriptedWorker(id string, q *queue.WorkQueue, results *queue.ResultChannel, script map[string][]string) *scriptedWorker {
	return &scriptedWorker{
		id:         id,
		q:          q,
		results:    results,
		script:     script,
		deliveries: make(map[string]int),
	}
}

func (w *scriptedWorker) run(ctx context.Context) {
	for ctx.Err() == nil {
		p, ok := w.q.Dequeue(ctx, w.id)
		if !ok {
			continue
		}

		w.mu.Lock()
		n := w.deliveries[p.ID]
		w.deliveries[p.ID] = n + 1
		w.order = append(w.order, p.ID)
		outcome := "completed"
		if outcomes := w.script[p.ID]; n < len(outcomes) {
			outcome = outcomes[n]
		}
		w.mu.Unlock()

		switch outcome {
		case "hold":
			// Keep the lease open and never report.
		case "failed":
			w.results.Report(queue.Result{TaskID: p.ID, WorkerID: w.id, Outcome: queue.OutcomeFailed, Detail: "scripted failure"})
		default:
			w.results.Report(queue.Result{TaskID: p.ID, WorkerID: w.id, Outcome: queue.OutcomeCompleted})
		}
	}
}

func (w *scriptedWorker) deliveryCount(taskID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deliveries[taskID]
}

func (w *scriptedWorker) executionOrder() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.order...)
}

type fixture struct {
	store   *task.Store
	queue   *queue.WorkQueue
	results *queue.ResultChannel
	bus     *events.Bus
	sched   *Scheduler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	store := task.NewStore()
	q := queue.New(queue.Config{DequeueTimeout: 20 * time.Millisecond, Visibility: 5 * time.Second})
	results := queue.NewResultChannel(64)
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return &fixture{
		store:   store,
		queue:   q,
		results: results,
		bus:     bus,
		sched:   New(cfg, store, q, results, bus, nil),
	}
}

func (f *fixture) runToCompletion(t *testing.T, timeout time.Duration) error {
	t.Helper()
	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { done <- f.sched.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		t.Fatal("scheduler did not reach a terminal state in time")
		return nil
	}
}

func mustSeed(t *testing.T, f *fixture, tasks ...*task.Task) {
	t.Helper()
	if err := f.sched.Seed(context.Background(), tasks); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func newTestTask(id string, prio task.Priority, deps ...string) *task.Task {
	return &task.Task{
		ID:          id,
		Title:       id,
		Instruction: "do " + id,
		Priority:    prio,
		DependsOn:   deps,
	}
}

func TestRunAllTasksComplete(t *testing.T) {
	f := newFixture(t, Config{RetryLimit: 3})
	mustSeed(t, f,
		newTestTask("a", task.PriorityMedium),
		newTestTask("b", task.PriorityMedium, "a"),
		newTestTask("c", task.PriorityMedium, "b"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newScriptedWorker("w1", f.queue, f.results, nil)
	go w.run(ctx)

	if err := f.runToCompletion(t, 5*time.Second); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got := f.sched.State(); got != StateDone {
		t.Errorf("expected state DONE, got %s", got)
	}
	for _, id := range []string{"a", "b", "c"} {
		got, _ := f.store.Get(id)
		if got.Status != task.StatusCompleted {
			t.Errorf("task %s: expected completed, got %s", id, got.Status)
		}
	}
}

func TestRunRespectsDependencyOrder(t *testing.T) {
	f := newFixture(t, Config{RetryLimit: 3})
	mustSeed(t, f,
		newTestTask("base", task.PriorityLow),
		newTestTask("mid", task.PriorityHigh, "base"),
		newTestTask("top", task.PriorityHigh, "mid"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newScriptedWorker("w1", f.queue, f.results, nil)
	go w.run(ctx)

	if err := f.runToCompletion(t, 5*time.Second); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	order := w.executionOrder()
	if len(order) != 3 {
		t.Fatalf("expected 3 executions, got %v", order)
	}
	want := []string{"base", "mid", "top"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("execution order %v, want %v", order, want)
		}
	}
}

func TestRunRetriesFailedTask(t *testing.T) {
	f := newFixture(t, Config{RetryLimit: 3})
	mustSeed(t, f, newTestTask("flaky", task.PriorityMedium))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newScriptedWorker("w1", f.queue, f.results, map[string][]string{
		"flaky": {"failed", "completed"},
	})
	go w.run(ctx)

	if err := f.runToCompletion(t, 5*time.Second); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	got, _ := f.store.Get("flaky")
	if got.Status != task.StatusCompleted {
		t.Errorf("expected completed after retry, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("expected 1 failed attempt recorded, got %d", got.Attempts)
	}
	if n := w.deliveryCount("flaky"); n != 2 {
		t.Errorf("expected 2 deliveries, got %d", n)
	}
}

func TestRunRetryExhaustionPropagatesToDependents(t *testing.T) {
	f := newFixture(t, Config{RetryLimit: 2})
	mustSeed(t, f,
		newTestTask("broken", task.PriorityMedium),
		newTestTask("child", task.PriorityMedium, "broken"),
		newTestTask("grandchild", task.PriorityMedium, "child"),
		newTestTask("unrelated", task.PriorityMedium),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newScriptedWorker("w1", f.queue, f.results, map[string][]string{
		"broken": {"failed", "failed", "failed"},
	})
	go w.run(ctx)

	if err := f.runToCompletion(t, 5*time.Second); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	broken, _ := f.store.Get("broken")
	if broken.Status != task.StatusFailed {
		t.Errorf("broken: expected failed, got %s", broken.Status)
	}
	if broken.Attempts != 2 {
		t.Errorf("broken: expected 2 attempts, got %d", broken.Attempts)
	}

	for _, id := range []string{"child", "grandchild"} {
		dep, _ := f.store.Get(id)
		if dep.Status != task.StatusFailed {
			t.Errorf("%s: expected failed by propagation, got %s", id, dep.Status)
		}
		if dep.Attempts != 0 {
			t.Errorf("%s: propagated failure should not count attempts, got %d", id, dep.Attempts)
		}
		if !strings.Contains(dep.Reason, "dependency") {
			t.Errorf("%s: expected propagation reason, got %q", id, dep.Reason)
		}
		if n := w.deliveryCount(id); n != 0 {
			t.Errorf("%s: must never be dispatched, saw %d deliveries", id, n)
		}
	}

	unrelated, _ := f.store.Get("unrelated")
	if unrelated.Status != task.StatusCompleted {
		t.Errorf("unrelated: expected completed, got %s", unrelated.Status)
	}
}

func TestRunRequeuesExpiredLease(t *testing.T) {
	f := newFixture(t, Config{RetryLimit: 3})
	// Short visibility so the held lease expires during the test.
	f.queue = queue.New(queue.Config{DequeueTimeout: 20 * time.Millisecond, Visibility: 50 * time.Millisecond})
	f.sched = New(Config{RetryLimit: 3, PollInterval: 10 * time.Millisecond}, f.store, f.queue, f.results, f.bus, nil)
	mustSeed(t, f, newTestTask("lost", task.PriorityMedium))

	requeued := f.bus.Subscribe(events.TopicTask, 64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newScriptedWorker("w1", f.queue, f.results, map[string][]string{
		"lost": {"hold", "completed"},
	})
	go w.run(ctx)

	if err := f.runToCompletion(t, 5*time.Second); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	got, _ := f.store.Get("lost")
	if got.Status != task.StatusCompleted {
		t.Errorf("expected completed after requeue, got %s", got.Status)
	}
	if n := w.deliveryCount("lost"); n != 2 {
		t.Errorf("expected exactly 2 deliveries, got %d", n)
	}

	sawRequeue := false
	for {
		select {
		case ev := <-requeued:
			if _, ok := ev.(events.TaskRequeuedEvent); ok {
				sawRequeue = true
			}
			continue
		default:
		}
		break
	}
	if !sawRequeue {
		t.Error("expected a requeue event for the expired lease")
	}
}

func TestIngestRejectsInvalidTask(t *testing.T) {
	f := newFixture(t, Config{RetryLimit: 3})
	mustSeed(t, f, newTestTask("a", task.PriorityMedium))

	rejected := f.bus.Subscribe(events.TopicTask, 64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newScriptedWorker("w1", f.queue, f.results, nil)
	go w.run(ctx)

	f.sched.Ingest([]*task.Task{
		newTestTask("orphan", task.PriorityMedium, "missing-dep"),
		newTestTask("b", task.PriorityMedium, "a"),
	})

	if err := f.runToCompletion(t, 5*time.Second); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if _, exists := f.store.Get("orphan"); exists {
		t.Error("invalid task must not enter the store")
	}
	b, _ := f.store.Get("b")
	if b.Status != task.StatusCompleted {
		t.Errorf("valid ingested task should run to completion, got %s", b.Status)
	}

	sawRejection := false
	for {
		select {
		case ev := <-rejected:
			if rej, ok := ev.(events.TaskRejectedEvent); ok && rej.TaskID == "orphan" {
				sawRejection = true
			}
			continue
		default:
		}
		break
	}
	if !sawRejection {
		t.Error("expected a rejection event for the invalid task")
	}
}

func TestSeedRejectsCycle(t *testing.T) {
	f := newFixture(t, Config{})
	a := newTestTask("a", task.PriorityMedium)
	if err := f.sched.Seed(context.Background(), []*task.Task{a}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cyclic := newTestTask("a", task.PriorityMedium, "a")
	if err := f.sched.Seed(context.Background(), []*task.Task{cyclic}); err == nil {
		t.Fatal("expected self-dependency to be rejected")
	}
}

func TestRunDoneOnEmptyStore(t *testing.T) {
	f := newFixture(t, Config{})
	if err := f.runToCompletion(t, time.Second); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if got := f.sched.State(); got != StateDone {
		t.Errorf("expected DONE on empty store, got %s", got)
	}
}

func TestRunFailsWhenNoProgressPossible(t *testing.T) {
	// A task whose dependency is already terminally failed before any
	// failure propagation runs: b stays pending, nothing is queued or in
	// flight, and the ready set is empty. The loop must exit FAILED
	// instead of polling forever.
	f := newFixture(t, Config{})
	mustSeed(t, f, newTestTask("a", task.PriorityMedium), newTestTask("b", task.PriorityMedium, "a"))

	if err := f.store.Transition("a", task.StatusQueued); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := f.store.Claim("a", "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := f.store.Fail("a", "crashed before first dispatch"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	err := f.runToCompletion(t, time.Second)
	if err == nil {
		t.Fatal("expected a stuck-pending error")
	}
	if !strings.Contains(err.Error(), "no further progress possible") {
		t.Errorf("unexpected error: %v", err)
	}
	if got := f.sched.State(); got != StateFailed {
		t.Errorf("expected FAILED, got %s", got)
	}

	b, ok := f.store.Get("b")
	if !ok || b.Status != task.StatusPending {
		t.Errorf("expected b to remain pending, got %+v", b)
	}
}

func TestStateString(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{StateIdle, "IDLE"},
		{StateDispatching, "DISPATCHING"},
		{StateAwaitingResults, "AWAITING_RESULTS"},
		{StateDone, "DONE"},
		{StateFailed, "FAILED"},
	}
	for _, tc := range cases {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
