package task

import "fmt"

// DependencyCycleError is returned when adding or updating a task would make
// the dependency relation cyclic. The task never enters the store.
type DependencyCycleError struct {
	TaskID string
	Err    error
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("task %q would create a dependency cycle: %v", e.TaskID, e.Err)
}

func (e *DependencyCycleError) Unwrap() error { return e.Err }

// UnknownDependencyError is returned when a task references a dependency id
// that does not exist in the store. The task never enters the store.
type UnknownDependencyError struct {
	TaskID       string
	DependencyID string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on non-existent task %q", e.TaskID, e.DependencyID)
}

// InvalidTransitionError is returned for a status move outside the legal
// transition set. It indicates a programming defect in the caller and is
// fatal to the offending call only.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %q: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}

// NotFoundError is returned when a task id is not in the store.
type NotFoundError struct {
	TaskID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %q not found", e.TaskID)
}

// RetryExhaustedError marks a task that failed beyond its retry bound.
// It is recorded as the task's failure reason, never thrown across the
// scheduler boundary.
type RetryExhaustedError struct {
	TaskID   string
	Attempts int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("task %q exhausted retries after %d attempts", e.TaskID, e.Attempts)
}
