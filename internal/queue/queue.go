package queue

import (
	"context"
	"sync"
	"time"
)

// Payload is the wire format a worker receives for one task.
type Payload struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Instruction string   `json:"instruction"`
	Branch      string   `json:"branch"`
	TargetPaths []string `json:"target_paths"`
	Priority    string   `json:"priority"`
}

// Claim records that a worker has taken a payload off the queue.
type Claim struct {
	TaskID   string
	WorkerID string
	At       time.Time
}

// lease tracks an unconfirmed dequeue. The item is not durably consumed
// until a matching result arrives before the deadline.
type lease struct {
	workerID string
	deadline time.Time
}

// Config controls queue timing behavior.
type Config struct {
	// DequeueTimeout bounds how long a worker blocks waiting for work
	// before getting a benign no-work signal.
	DequeueTimeout time.Duration
	// Visibility is how long a dequeued item may stay unconfirmed before
	// it is treated as lost and reported by Expired.
	Visibility time.Duration
	// Capacity is the queue buffer size.
	Capacity int
}

// WorkQueue is a FIFO, concurrency-safe channel of ready task payloads.
// The scheduler enqueues in resolver order, so priority is captured at
// enqueue time. Delivery is at-least-once: each dequeue opens a lease that
// the scheduler closes with Ack when the matching result arrives; leases
// past their visibility deadline surface through Expired exactly once.
type WorkQueue struct {
	cfg    Config
	ch     chan Payload
	claims chan Claim

	mu     sync.Mutex
	leases map[string]lease
}

// New creates a work queue. Zero config fields get conservative defaults.
func New(cfg Config) *WorkQueue {
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 2 * time.Minute
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	return &WorkQueue{
		cfg:    cfg,
		ch:     make(chan Payload, cfg.Capacity),
		claims: make(chan Claim, cfg.Capacity),
		leases: make(map[string]lease),
	}
}

// Enqueue pushes a payload onto the queue. Blocks if the queue is at
// capacity.
func (q *WorkQueue) Enqueue(p Payload) {
	q.ch <- p
}

// Dequeue blocks until a payload is available, the configured timeout
// elapses, or ctx is cancelled. The second return is false on timeout or
// cancellation; an empty queue is a normal backpressure signal, not an
// error. A successful dequeue opens a visibility lease attributed to
// workerID and emits a claim for the scheduler.
func (q *WorkQueue) Dequeue(ctx context.Context, workerID string) (Payload, bool) {
	timer := time.NewTimer(q.cfg.DequeueTimeout)
	defer timer.Stop()

	select {
	case p := <-q.ch:
		now := time.Now()
		q.mu.Lock()
		q.leases[p.ID] = lease{workerID: workerID, deadline: now.Add(q.cfg.Visibility)}
		q.mu.Unlock()
		q.claims <- Claim{TaskID: p.ID, WorkerID: workerID, At: now}
		return p, true
	case <-timer.C:
		return Payload{}, false
	case <-ctx.Done():
		return Payload{}, false
	}
}

// Claims returns the channel of dequeue claims, drained by the scheduler
// to attribute in_progress ownership.
func (q *WorkQueue) Claims() <-chan Claim {
	return q.claims
}

// Ack closes the lease for a task whose result has been received.
func (q *WorkQueue) Ack(taskID string) {
	q.mu.Lock()
	delete(q.leases, taskID)
	q.mu.Unlock()
}

// Release forces the lease for a task to expire immediately, so the next
// Expired call reports it. Used when an owning worker is stopped. No-op if
// the task has no open lease.
func (q *WorkQueue) Release(taskID string) {
	q.mu.Lock()
	if l, exists := q.leases[taskID]; exists {
		l.deadline = time.Time{}
		q.leases[taskID] = l
	}
	q.mu.Unlock()
}

// Expired removes and returns all leases past their visibility deadline.
// Each lost item is reported exactly once; the scheduler requeues them.
func (q *WorkQueue) Expired() []Claim {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Claim
	for taskID, l := range q.leases {
		if now.After(l.deadline) {
			out = append(out, Claim{TaskID: taskID, WorkerID: l.workerID, At: now})
			delete(q.leases, taskID)
		}
	}
	return out
}

// Depth returns the number of payloads waiting in the queue.
func (q *WorkQueue) Depth() int {
	return len(q.ch)
}

// Inflight returns the number of open leases.
func (q *WorkQueue) Inflight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.leases)
}
