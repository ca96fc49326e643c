// Package runtime provides the worker runtime consumed by the pool manager:
// launch mechanics for workers, heartbeat reporting, and the subprocess-backed
// agent executor that performs the actual work of a task.
package runtime

import (
	"context"
	"time"

	"github.com/mstolin/foreman/internal/queue"
)

// WorkerSpec describes a worker to start.
type WorkerSpec struct {
	ID         string
	Capability string // Model/capability tag assigned by the pool
}

// Handle identifies a started worker within its runtime.
type Handle string

// Runtime is the narrow interface through which the pool manager starts and
// kills workers. Implementations own the worker's execution loop; the pool
// only observes heartbeats.
type Runtime interface {
	// Start launches one worker and returns its handle.
	Start(ctx context.Context, spec WorkerSpec) (Handle, error)

	// Terminate requests shutdown of the worker behind the handle.
	Terminate(h Handle) error

	// Heartbeat returns the worker's last heartbeat timestamp. The second
	// return is false when the handle is unknown or the worker is gone.
	Heartbeat(h Handle) (time.Time, bool)
}

// Executor performs the opaque work of a single task. Implementations are
// invoked by worker loops, one task at a time per worker.
type Executor interface {
	Execute(ctx context.Context, p queue.Payload) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, p queue.Payload) (string, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, p queue.Payload) (string, error) {
	return f(ctx, p)
}
