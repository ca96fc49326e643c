package pool

import (
	"fmt"
	"time"
)

// WorkerStatus represents the lifecycle state of a pool worker.
type WorkerStatus int

const (
	WorkerStarting  WorkerStatus = iota // Runtime start requested
	WorkerIdle                          // Live, waiting for work
	WorkerBusy                          // Executing a task
	WorkerUnhealthy                     // Missed heartbeat threshold
	WorkerStopped                       // Terminated
)

// String returns the wire name of the status.
func (s WorkerStatus) String() string {
	switch s {
	case WorkerStarting:
		return "starting"
	case WorkerIdle:
		return "idle"
	case WorkerBusy:
		return "busy"
	case WorkerUnhealthy:
		return "unhealthy"
	case WorkerStopped:
		return "stopped"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Usage holds cumulative per-worker resource counters.
type Usage struct {
	TasksCompleted int
	TasksFailed    int
	BusyTime       time.Duration
}

// Worker is the pool's record of one live worker.
// Invariant: CurrentTask is non-empty if and only if Status is WorkerBusy.
type Worker struct {
	ID            string
	Capability    string // Model/capability tag
	Status        WorkerStatus
	CurrentTask   string
	LastHeartbeat time.Time
	StartedAt     time.Time
	Usage         Usage
}

// ScaleLimitExceededError is returned by Spawn when the concurrency ceiling
// is already reached.
type ScaleLimitExceededError struct {
	Ceiling int
	Live    int
}

func (e *ScaleLimitExceededError) Error() string {
	return fmt.Sprintf("concurrency ceiling reached: %d live workers, ceiling %d", e.Live, e.Ceiling)
}

// WorkerNotFoundError is returned by Stop for an unknown worker id.
type WorkerNotFoundError struct {
	WorkerID string
}

func (e *WorkerNotFoundError) Error() string {
	return fmt.Sprintf("worker %q not found", e.WorkerID)
}
