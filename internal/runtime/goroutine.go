package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mstolin/foreman/internal/events"
	"github.com/mstolin/foreman/internal/queue"
)

// GoroutineRuntime runs each worker as a goroutine inside the scheduler
// process. The worker loop pulls payloads from the work queue, hands them to
// the executor, and reports outcomes on the result channel. Heartbeats are
// emitted on a fixed cadence so the pool manager can detect stuck workers.
type GoroutineRuntime struct {
	queue          *queue.WorkQueue
	results        *queue.ResultChannel
	bus            *events.Bus
	executor       Executor
	heartbeatEvery time.Duration
	maxBusy        time.Duration

	mu      sync.Mutex
	workers map[Handle]*workerProc
}

type workerProc struct {
	spec      WorkerSpec
	cancel    context.CancelFunc
	done      chan struct{}
	lastBeat  atomic.Int64 // Unix nanoseconds
	busySince atomic.Int64 // Unix nanoseconds; zero while idle
}

func (w *workerProc) beat() {
	w.lastBeat.Store(time.Now().UnixNano())
}

// NewGoroutineRuntime creates a goroutine-backed worker runtime.
// heartbeatEvery defaults to one second if not positive. maxBusy bounds how
// long heartbeats keep flowing for a single execution; once an Execute call
// runs past it the runtime stops vouching for the worker and lets the pool
// manager's staleness check take over. It defaults to two minutes, matching
// the default queue visibility window: an execution that long has lost its
// lease anyway.
func NewGoroutineRuntime(q *queue.WorkQueue, results *queue.ResultChannel, bus *events.Bus, executor Executor, heartbeatEvery, maxBusy time.Duration) *GoroutineRuntime {
	if heartbeatEvery <= 0 {
		heartbeatEvery = time.Second
	}
	if maxBusy <= 0 {
		maxBusy = 2 * time.Minute
	}
	return &GoroutineRuntime{
		queue:          q,
		results:        results,
		bus:            bus,
		executor:       executor,
		heartbeatEvery: heartbeatEvery,
		maxBusy:        maxBusy,
		workers:        make(map[Handle]*workerProc),
	}
}

// Start launches one worker goroutine.
func (r *GoroutineRuntime) Start(ctx context.Context, spec WorkerSpec) (Handle, error) {
	h := Handle(spec.ID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[h]; exists {
		return "", fmt.Errorf("worker %q already started", spec.ID)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	wp := &workerProc{
		spec:   spec,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	wp.beat()
	r.workers[h] = wp

	go r.run(workerCtx, wp)
	return h, nil
}

// run is the worker loop: dequeue, execute, report, repeat until cancelled.
func (r *GoroutineRuntime) run(ctx context.Context, wp *workerProc) {
	defer close(wp.done)

	// Background heartbeat covers long executions, but only up to maxBusy
	// per task. A worker wedged inside Execute must eventually read as
	// stale so the pool manager can reap it.
	ticker := time.NewTicker(r.heartbeatEvery)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if since := wp.busySince.Load(); since != 0 && time.Since(time.Unix(0, since)) > r.maxBusy {
					continue
				}
				wp.beat()
			}
		}
	}()

	workerID := wp.spec.ID
	for {
		if ctx.Err() != nil {
			return
		}
		wp.beat()

		p, ok := r.queue.Dequeue(ctx, workerID)
		if !ok {
			// Benign no-work signal; keep polling.
			continue
		}

		r.bus.Publish(events.TopicWorker, events.WorkerBusyEvent{
			WorkerID:  workerID,
			TaskID:    p.ID,
			Timestamp: time.Now(),
		})

		wp.busySince.Store(time.Now().UnixNano())
		detail, err := r.executor.Execute(ctx, p)
		wp.busySince.Store(0)
		if err != nil {
			if ctx.Err() != nil {
				// Terminated mid-task. Do not report: the release path
				// requeues the task, and a failure report here would count
				// a spurious attempt.
				return
			}
			r.results.Report(queue.Result{
				TaskID:   p.ID,
				WorkerID: workerID,
				Outcome:  queue.OutcomeFailed,
				Detail:   err.Error(),
			})
			r.publishIdle(workerID, p.ID, true)
			continue
		}

		r.results.Report(queue.Result{
			TaskID:   p.ID,
			WorkerID: workerID,
			Outcome:  queue.OutcomeCompleted,
			Detail:   detail,
		})
		r.publishIdle(workerID, p.ID, false)
	}
}

func (r *GoroutineRuntime) publishIdle(workerID, taskID string, failed bool) {
	r.bus.Publish(events.TopicWorker, events.WorkerIdleEvent{
		WorkerID:  workerID,
		TaskID:    taskID,
		Failed:    failed,
		Timestamp: time.Now(),
	})
}

// Terminate cancels the worker's context and waits briefly for the loop to
// exit. The worker's unfinished task, if any, is requeued by the pool
// manager through the queue's release path.
func (r *GoroutineRuntime) Terminate(h Handle) error {
	r.mu.Lock()
	wp, exists := r.workers[h]
	if exists {
		delete(r.workers, h)
	}
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("unknown worker handle %q", h)
	}

	wp.cancel()
	select {
	case <-wp.done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("worker %q did not stop within grace period", h)
	}
	return nil
}

// Heartbeat returns the last heartbeat for the handle. Absent (false) means
// the handle is unknown or the worker loop has exited.
func (r *GoroutineRuntime) Heartbeat(h Handle) (time.Time, bool) {
	r.mu.Lock()
	wp, exists := r.workers[h]
	r.mu.Unlock()

	if !exists {
		return time.Time{}, false
	}
	select {
	case <-wp.done:
		return time.Time{}, false
	default:
	}
	return time.Unix(0, wp.lastBeat.Load()), true
}
