package task

import (
	"fmt"
	"time"
)

// Status represents the current state of a task.
type Status int

const (
	StatusPending    Status = iota // Waiting for dependencies
	StatusQueued                   // Handed to the work queue
	StatusInProgress               // Claimed by a worker
	StatusCompleted                // Finished successfully
	StatusFailed                   // Finished with error
)

// String returns the wire/storage name of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusQueued:
		return "queued"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Terminal reports whether no further transitions are possible from s,
// other than the failed -> queued retry edge.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priority orders tasks for dispatch. Lower values dispatch first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

// String returns the wire name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	}
	return "medium"
}

// ParsePriority converts a wire name to a Priority.
// Unknown names default to medium, matching untrusted decomposer input handling.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	}
	return PriorityMedium
}

// Task is one unit of decomposed work in the dependency graph.
type Task struct {
	ID          string
	Title       string
	Instruction string   // Prompt text handed to the executing agent
	TargetPaths []string // Artifact paths the task is expected to write
	Branch      string   // Branch label assigned by the decomposer
	Priority    Priority
	Status      Status
	DependsOn   []string
	Attempts    int    // Number of failed execution attempts so far
	WorkerID    string // Owning worker while in_progress, empty otherwise
	Reason      string // Failure reason for failed tasks
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}

	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.TargetPaths != nil {
		cp.TargetPaths = append([]string(nil), t.TargetPaths...)
	}
	return &cp
}
