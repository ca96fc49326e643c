// Package scheduler contains the reconciliation loop that ties the task
// store, dependency resolver, work queue, and result channel together.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/mstolin/foreman/internal/events"
	"github.com/mstolin/foreman/internal/persistence"
	"github.com/mstolin/foreman/internal/queue"
	"github.com/mstolin/foreman/internal/task"
)

// State is the scheduler's state machine position.
type State int32

const (
	StateIdle State = iota
	StateDispatching
	StateAwaitingResults
	StateDone
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDispatching:
		return "DISPATCHING"
	case StateAwaitingResults:
		return "AWAITING_RESULTS"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int32(s))
}

// Config controls the scheduler loop.
type Config struct {
	RetryLimit   int           // Per-task attempt bound
	PollInterval time.Duration // Wait-for-event fallback cadence
}

// Scheduler is the single writer of the task store. Per iteration it
// ingests newly decomposed tasks, dispatches the ready set, attributes
// worker claims, drains results, and requeues work lost to dead workers.
// All other actors communicate with it only through the work queue and
// result channel.
type Scheduler struct {
	cfg     Config
	store   *task.Store
	queue   *queue.WorkQueue
	results *queue.ResultChannel
	bus     *events.Bus
	journal persistence.Journal

	ingest chan []*task.Task
	state  atomic.Int32
}

// New creates a scheduler. Zero config fields get defaults.
func New(cfg Config, store *task.Store, q *queue.WorkQueue, results *queue.ResultChannel, bus *events.Bus, journal persistence.Journal) *Scheduler {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if journal == nil {
		journal = persistence.Noop{}
	}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		queue:   q,
		results: results,
		bus:     bus,
		journal: journal,
		ingest:  make(chan []*task.Task, 64),
	}
}

// State returns the current state machine position.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.bus.Publish(events.TopicScheduler, events.SchedulerStateEvent{
		From:      from.String(),
		To:        to.String(),
		Timestamp: time.Now(),
	})
}

// Seed loads an initial batch of decomposed tasks before Run starts.
// Strict: the first validation failure aborts, since an initial plan that
// does not validate is not worth executing.
func (s *Scheduler) Seed(ctx context.Context, tasks []*task.Task) error {
	for _, t := range tasks {
		if err := s.store.Upsert(t); err != nil {
			return fmt.Errorf("seeding task %q: %w", t.ID, err)
		}
		s.saveTask(ctx, t.ID)
	}
	return nil
}

// Ingest submits newly decomposed tasks while the scheduler is running.
// Validation happens on the scheduler goroutine; rejected tasks are
// published as events and never enter the store.
func (s *Scheduler) Ingest(tasks []*task.Task) {
	s.ingest <- tasks
}

// Run drives the reconciliation loop until the DAG is exhausted (DONE),
// no further progress is structurally possible (FAILED), or ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.setState(StateIdle)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.setState(StateDispatching)
		s.drainIngest(ctx)
		s.drainClaims(ctx)
		s.drainResults(ctx)
		s.requeueExpired(ctx)
		s.dispatchReady(ctx)

		switch s.checkTerminal() {
		case StateDone:
			s.setState(StateDone)
			return nil
		case StateFailed:
			s.setState(StateFailed)
			counts := s.store.Counts()
			return fmt.Errorf("no further progress possible: %d tasks stuck pending", counts[task.StatusPending])
		}

		s.setState(StateAwaitingResults)
		if err := s.waitEvent(ctx); err != nil {
			return err
		}
	}
}

// checkTerminal decides whether the loop can exit. DONE when nothing is
// pending, queued, or in progress. FAILED when pending tasks remain but
// nothing is running, nothing is queued, and the ready set is empty: none
// of their dependencies will ever complete.
func (s *Scheduler) checkTerminal() State {
	if len(s.ingest) > 0 {
		return StateDispatching
	}

	counts := s.store.Counts()
	active := counts[task.StatusQueued] + counts[task.StatusInProgress]
	if counts[task.StatusPending] == 0 && active == 0 {
		return StateDone
	}
	if active == 0 && s.queue.Inflight() == 0 {
		if len(task.Ready(s.store.Snapshot())) == 0 {
			return StateFailed
		}
	}
	return StateDispatching
}

// waitEvent yields until a result, claim, or ingest batch arrives, or the
// polling interval elapses.
func (s *Scheduler) waitEvent(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-s.results.C():
		s.handleResult(ctx, r)
	case c := <-s.queue.Claims():
		s.handleClaim(ctx, c)
	case batch := <-s.ingest:
		s.ingestBatch(ctx, batch)
	case <-timer.C:
	}
	return nil
}

// drainIngest applies all submitted task batches without blocking.
func (s *Scheduler) drainIngest(ctx context.Context) {
	for {
		select {
		case batch := <-s.ingest:
			s.ingestBatch(ctx, batch)
		default:
			return
		}
	}
}

// ingestBatch validates and stores newly decomposed tasks. Lenient: a task
// that fails validation is rejected and logged, the rest of the batch
// proceeds.
func (s *Scheduler) ingestBatch(ctx context.Context, batch []*task.Task) {
	for _, t := range batch {
		if err := s.store.Upsert(t); err != nil {
			log.Printf("WARNING: rejected task %q at ingestion: %v", t.ID, err)
			s.bus.Publish(events.TopicTask, events.TaskRejectedEvent{
				TaskID:    t.ID,
				Reason:    err.Error(),
				Timestamp: time.Now(),
			})
			continue
		}
		s.saveTask(ctx, t.ID)
	}
}

// dispatchReady computes the eligible set and pushes each ready task onto
// the work queue in resolver order, so priority is captured at enqueue time.
func (s *Scheduler) dispatchReady(ctx context.Context) {
	for _, t := range task.Ready(s.store.Snapshot()) {
		if err := s.store.Transition(t.ID, task.StatusQueued); err != nil {
			log.Printf("ERROR: queueing task %q: %v", t.ID, err)
			continue
		}
		s.recordTransition(ctx, t.ID, task.StatusPending, task.StatusQueued, "dispatched", "")
		s.queue.Enqueue(payloadFrom(t))
		s.bus.Publish(events.TopicTask, events.TaskQueuedEvent{
			TaskID:    t.ID,
			Attempt:   t.Attempts,
			Timestamp: time.Now(),
		})
	}
}

// drainClaims attributes in_progress ownership for every dequeue that has
// happened since the last iteration.
func (s *Scheduler) drainClaims(ctx context.Context) {
	for {
		select {
		case c := <-s.queue.Claims():
			s.handleClaim(ctx, c)
		default:
			return
		}
	}
}

func (s *Scheduler) handleClaim(ctx context.Context, c queue.Claim) {
	t, exists := s.store.Get(c.TaskID)
	if !exists {
		log.Printf("WARNING: claim for unknown task %q from worker %q", c.TaskID, c.WorkerID)
		return
	}
	if t.Status != task.StatusQueued {
		// Stale claim: the task was confirmed or requeued before the claim
		// was drained.
		return
	}
	if err := s.store.Claim(c.TaskID, c.WorkerID); err != nil {
		log.Printf("ERROR: claiming task %q for worker %q: %v", c.TaskID, c.WorkerID, err)
		return
	}
	s.recordTransition(ctx, c.TaskID, task.StatusQueued, task.StatusInProgress, "claimed", c.WorkerID)
	s.bus.Publish(events.TopicTask, events.TaskStartedEvent{
		TaskID:    c.TaskID,
		WorkerID:  c.WorkerID,
		Timestamp: c.At,
	})
}

// drainResults applies all currently available completion reports.
func (s *Scheduler) drainResults(ctx context.Context) {
	for {
		select {
		case r := <-s.results.C():
			s.handleResult(ctx, r)
		default:
			return
		}
	}
}

func (s *Scheduler) handleResult(ctx context.Context, r queue.Result) {
	s.queue.Ack(r.TaskID)

	t, exists := s.store.Get(r.TaskID)
	if !exists {
		log.Printf("WARNING: result for unknown task %q from worker %q", r.TaskID, r.WorkerID)
		return
	}
	if t.Status.Terminal() {
		// Duplicate delivery under at-least-once semantics.
		log.Printf("WARNING: stale result for task %q (status %s), ignoring", r.TaskID, t.Status)
		return
	}

	// The worker may finish before its claim was drained; apply the claim
	// first so the transition set stays legal.
	if t.Status == task.StatusQueued {
		if err := s.store.Claim(r.TaskID, r.WorkerID); err != nil {
			log.Printf("ERROR: claiming task %q on result: %v", r.TaskID, err)
			return
		}
		s.recordTransition(ctx, r.TaskID, task.StatusQueued, task.StatusInProgress, "claimed", r.WorkerID)
	}

	switch r.Outcome {
	case queue.OutcomeCompleted:
		s.completeTask(ctx, r)
	case queue.OutcomeFailed:
		s.failTask(ctx, r)
	default:
		log.Printf("ERROR: unknown outcome %q for task %q", r.Outcome, r.TaskID)
	}
}

func (s *Scheduler) completeTask(ctx context.Context, r queue.Result) {
	if err := s.store.Complete(r.TaskID); err != nil {
		log.Printf("ERROR: completing task %q: %v", r.TaskID, err)
		return
	}
	s.recordTransition(ctx, r.TaskID, task.StatusInProgress, task.StatusCompleted, "", r.WorkerID)
	s.saveTask(ctx, r.TaskID)
	s.bus.Publish(events.TopicTask, events.TaskCompletedEvent{
		TaskID:    r.TaskID,
		WorkerID:  r.WorkerID,
		Detail:    r.Detail,
		Timestamp: time.Now(),
	})
}

// failTask records a failed attempt. Under the retry bound the task goes
// back to the queue; beyond it the task fails terminally and failure
// propagates to every transitive dependent, which can never become
// eligible.
func (s *Scheduler) failTask(ctx context.Context, r queue.Result) {
	if err := s.store.Fail(r.TaskID, r.Detail); err != nil {
		log.Printf("ERROR: failing task %q: %v", r.TaskID, err)
		return
	}
	s.recordTransition(ctx, r.TaskID, task.StatusInProgress, task.StatusFailed, r.Detail, r.WorkerID)

	t, _ := s.store.Get(r.TaskID)
	willRetry := t != nil && t.Attempts < s.cfg.RetryLimit

	s.bus.Publish(events.TopicTask, events.TaskFailedEvent{
		TaskID:    r.TaskID,
		WorkerID:  r.WorkerID,
		Reason:    r.Detail,
		Attempt:   attemptOf(t),
		WillRetry: willRetry,
		Timestamp: time.Now(),
	})

	if willRetry {
		if err := s.store.Requeue(r.TaskID); err != nil {
			log.Printf("ERROR: requeueing task %q: %v", r.TaskID, err)
			return
		}
		s.recordTransition(ctx, r.TaskID, task.StatusFailed, task.StatusQueued, "retry", "")
		s.queue.Enqueue(payloadFrom(t))
		s.bus.Publish(events.TopicTask, events.TaskQueuedEvent{
			TaskID:    r.TaskID,
			Attempt:   t.Attempts,
			Timestamp: time.Now(),
		})
		return
	}

	s.saveTask(ctx, r.TaskID)
	exhausted := &task.RetryExhaustedError{TaskID: r.TaskID, Attempts: attemptOf(t)}
	log.Printf("WARNING: %v, propagating failure to dependents", exhausted)
	s.propagateFailure(ctx, r.TaskID)
}

// propagateFailure marks every pending transitive dependent of a terminally
// failed task as failed rather than leaving it permanently pending.
func (s *Scheduler) propagateFailure(ctx context.Context, failedID string) {
	for _, depID := range s.store.TransitiveDependents(failedID) {
		t, exists := s.store.Get(depID)
		if !exists || t.Status != task.StatusPending {
			continue
		}
		reason := fmt.Sprintf("dependency %s failed", failedID)
		if err := s.store.FailDependent(depID, reason); err != nil {
			log.Printf("ERROR: propagating failure to task %q: %v", depID, err)
			continue
		}
		s.recordTransition(ctx, depID, task.StatusPending, task.StatusFailed, reason, "")
		s.saveTask(ctx, depID)
		s.bus.Publish(events.TopicTask, events.TaskFailedEvent{
			TaskID:    depID,
			Reason:    reason,
			WillRetry: false,
			Timestamp: time.Now(),
		})
	}
}

// requeueExpired returns tasks whose visibility window elapsed without a
// result to the queue. Each expired lease is reported exactly once by the
// queue, so a lost task re-enters queued exactly once.
func (s *Scheduler) requeueExpired(ctx context.Context) {
	for _, cl := range s.queue.Expired() {
		t, exists := s.store.Get(cl.TaskID)
		if !exists || t.Status.Terminal() {
			continue
		}

		if t.Status == task.StatusInProgress {
			if err := s.store.Requeue(cl.TaskID); err != nil {
				log.Printf("ERROR: releasing task %q: %v", cl.TaskID, err)
				continue
			}
			s.recordTransition(ctx, cl.TaskID, task.StatusInProgress, task.StatusQueued, "visibility timeout", cl.WorkerID)
		}
		// A task still in queued had its claim never attributed; it only
		// needs re-delivery.
		s.queue.Enqueue(payloadFrom(t))
		s.bus.Publish(events.TopicTask, events.TaskRequeuedEvent{
			TaskID:    cl.TaskID,
			WorkerID:  cl.WorkerID,
			Timestamp: time.Now(),
		})
	}
}

func (s *Scheduler) recordTransition(ctx context.Context, taskID string, from, to task.Status, reason, workerID string) {
	if err := s.journal.RecordTransition(ctx, taskID, from, to, reason, workerID); err != nil {
		log.Printf("WARNING: failed to journal transition for task %q: %v", taskID, err)
	}
}

func (s *Scheduler) saveTask(ctx context.Context, taskID string) {
	t, exists := s.store.Get(taskID)
	if !exists {
		return
	}
	if err := s.journal.SaveTask(ctx, t); err != nil {
		log.Printf("WARNING: failed to journal task %q: %v", taskID, err)
	}
}

func payloadFrom(t *task.Task) queue.Payload {
	return queue.Payload{
		ID:          t.ID,
		Title:       t.Title,
		Instruction: t.Instruction,
		Branch:      t.Branch,
		TargetPaths: append([]string(nil), t.TargetPaths...),
		Priority:    t.Priority.String(),
	}
}

func attemptOf(t *task.Task) int {
	if t == nil {
		return 0
	}
	return t.Attempts
}
