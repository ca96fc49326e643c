package events

import "time"

// Event is the base interface for all events.
type Event interface {
	EventType() string
}

// Topic constants
const (
	TopicTask      = "task"
	TopicWorker    = "worker"
	TopicPool      = "pool"
	TopicScheduler = "scheduler"
)

// Event type constants
const (
	EventTypeTaskQueued      = "task.queued"
	EventTypeTaskStarted     = "task.started"
	EventTypeTaskCompleted   = "task.completed"
	EventTypeTaskFailed      = "task.failed"
	EventTypeTaskRequeued    = "task.requeued"
	EventTypeTaskRejected    = "task.rejected"
	EventTypeWorkerStarted   = "worker.started"
	EventTypeWorkerStopped   = "worker.stopped"
	EventTypeWorkerUnhealthy = "worker.unhealthy"
	EventTypeWorkerBusy      = "worker.busy"
	EventTypeWorkerIdle      = "worker.idle"
	EventTypePoolScaled      = "pool.scaled"
	EventTypeSchedulerState  = "scheduler.state"
)

// TaskQueuedEvent is published when a ready task is pushed to the work queue.
type TaskQueuedEvent struct {
	TaskID    string
	Attempt   int
	Timestamp time.Time
}

func (e TaskQueuedEvent) EventType() string { return EventTypeTaskQueued }

// TaskStartedEvent is published when a worker claims a task.
type TaskStartedEvent struct {
	TaskID    string
	WorkerID  string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	TaskID    string
	WorkerID  string
	Detail    string
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }

// TaskFailedEvent is published when a task attempt fails. WillRetry is true
// when the task goes back to the queue instead of failing terminally.
type TaskFailedEvent struct {
	TaskID    string
	WorkerID  string
	Reason    string
	Attempt   int
	WillRetry bool
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }

// TaskRequeuedEvent is published when an unconfirmed task is returned to the
// queue after its visibility window elapsed or its worker was stopped.
type TaskRequeuedEvent struct {
	TaskID    string
	WorkerID  string // Worker that held the expired lease
	Timestamp time.Time
}

func (e TaskRequeuedEvent) EventType() string { return EventTypeTaskRequeued }

// TaskRejectedEvent is published when decomposer output fails ingestion
// validation and never enters the store.
type TaskRejectedEvent struct {
	TaskID    string
	Reason    string
	Timestamp time.Time
}

func (e TaskRejectedEvent) EventType() string { return EventTypeTaskRejected }

// WorkerStartedEvent is published when the pool starts a worker.
type WorkerStartedEvent struct {
	WorkerID   string
	Capability string
	Timestamp  time.Time
}

func (e WorkerStartedEvent) EventType() string { return EventTypeWorkerStarted }

// WorkerStoppedEvent is published when a worker is stopped, deliberately or
// after a health failure.
type WorkerStoppedEvent struct {
	WorkerID  string
	Reason    string
	Timestamp time.Time
}

func (e WorkerStoppedEvent) EventType() string { return EventTypeWorkerStopped }

// WorkerUnhealthyEvent is published when a worker misses its heartbeat
// threshold and is about to be force-stopped.
type WorkerUnhealthyEvent struct {
	WorkerID      string
	LastHeartbeat time.Time
	Timestamp     time.Time
}

func (e WorkerUnhealthyEvent) EventType() string { return EventTypeWorkerUnhealthy }

// WorkerBusyEvent is published by a worker when it begins executing a task.
type WorkerBusyEvent struct {
	WorkerID  string
	TaskID    string
	Timestamp time.Time
}

func (e WorkerBusyEvent) EventType() string { return EventTypeWorkerBusy }

// WorkerIdleEvent is published by a worker when it finishes a task.
type WorkerIdleEvent struct {
	WorkerID  string
	TaskID    string
	Failed    bool
	Timestamp time.Time
}

func (e WorkerIdleEvent) EventType() string { return EventTypeWorkerIdle }

// PoolScaledEvent is published when the auto-scaler changes the pool size.
type PoolScaledEvent struct {
	Desired    int
	Live       int
	QueueDepth int
	Spawned    int
	Stopped    int
	Timestamp  time.Time
}

func (e PoolScaledEvent) EventType() string { return EventTypePoolScaled }

// SchedulerStateEvent is published on every scheduler state machine edge.
type SchedulerStateEvent struct {
	From      string
	To        string
	Timestamp time.Time
}

func (e SchedulerStateEvent) EventType() string { return EventTypeSchedulerState }
