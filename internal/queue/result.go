package queue

// Outcome is the terminal verdict a worker reports for a task attempt.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Result is a completion or failure report. Each report carries the worker
// id for attribution.
type Result struct {
	TaskID   string  `json:"task_id"`
	WorkerID string  `json:"worker_id"`
	Outcome  Outcome `json:"outcome"`
	Detail   string  `json:"detail"`
}

// ResultChannel is an unordered multi-producer, single-consumer channel of
// completion reports. Workers report; the scheduler drains.
type ResultChannel struct {
	ch chan Result
}

// NewResultChannel creates a result channel with the given buffer size.
func NewResultChannel(capacity int) *ResultChannel {
	if capacity <= 0 {
		capacity = 1024
	}
	return &ResultChannel{ch: make(chan Result, capacity)}
}

// Report submits a result. Blocks if the buffer is full.
func (rc *ResultChannel) Report(r Result) {
	rc.ch <- r
}

// C exposes the receive side for the scheduler's wait-for-event step.
func (rc *ResultChannel) C() <-chan Result {
	return rc.ch
}
