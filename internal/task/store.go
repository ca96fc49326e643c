package task

import (
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// legalTransitions enumerates the only forward status moves.
// failed -> queued is the retry edge; in_progress -> queued is the release
// edge taken when an owning worker dies or is stopped.
var legalTransitions = map[Status][]Status{
	StatusPending:    {StatusQueued, StatusFailed},
	StatusQueued:     {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusQueued},
	StatusFailed:     {StatusQueued},
}

// Store is the authoritative mapping from task id to task record and its
// dependency edges. All mutations go through the scheduler (single-writer
// discipline); the internal lock only protects concurrent readers against
// the writer, so every read observes a consistent graph snapshot.
type Store struct {
	mu         sync.RWMutex
	tasks      map[string]*Task
	order      []string            // Insertion order, used for dispatch tie-breaking
	dependents map[string][]string // taskID -> tasks that depend on it
}

// NewStore creates an empty task store.
func NewStore() *Store {
	return &Store{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
	}
}

// Upsert inserts a new task or updates an existing one.
// Returns UnknownDependencyError if any dependency id is not in the store
// (a task in the same batch must be upserted before its dependents), or
// DependencyCycleError if the resulting graph would not be a DAG. Rejected
// tasks never enter the store.
func (s *Store) Upsert(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, depID := range t.DependsOn {
		if depID == t.ID {
			return &DependencyCycleError{TaskID: t.ID}
		}
		if _, exists := s.tasks[depID]; !exists {
			return &UnknownDependencyError{TaskID: t.ID, DependencyID: depID}
		}
	}

	if err := s.validateAcyclic(t); err != nil {
		return &DependencyCycleError{TaskID: t.ID, Err: err}
	}

	now := time.Now()
	cp := t.Clone()
	cp.UpdatedAt = now

	if prev, exists := s.tasks[t.ID]; exists {
		// Update path: keep identity fields the caller does not own.
		cp.CreatedAt = prev.CreatedAt
		cp.Status = prev.Status
		cp.Attempts = prev.Attempts
		cp.WorkerID = prev.WorkerID
		s.removeDependentEdges(t.ID, prev.DependsOn)
	} else {
		cp.CreatedAt = now
		cp.Status = StatusPending
		s.order = append(s.order, t.ID)
	}

	s.tasks[t.ID] = cp
	for _, depID := range cp.DependsOn {
		s.dependents[depID] = append(s.dependents[depID], cp.ID)
	}
	return nil
}

// validateAcyclic runs a topological sort over the existing graph with the
// candidate task substituted in. Caller holds the write lock.
func (s *Store) validateAcyclic(candidate *Task) error {
	var edges []toposort.Edge
	for id, t := range s.tasks {
		deps := t.DependsOn
		if id == candidate.ID {
			continue
		}
		if len(deps) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range deps {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}
	if len(candidate.DependsOn) == 0 {
		edges = append(edges, toposort.Edge{nil, candidate.ID})
	} else {
		for _, depID := range candidate.DependsOn {
			edges = append(edges, toposort.Edge{depID, candidate.ID})
		}
	}

	_, err := toposort.Toposort(edges)
	return err
}

// removeDependentEdges drops reverse edges recorded for an old dependency set.
func (s *Store) removeDependentEdges(taskID string, oldDeps []string) {
	for _, depID := range oldDeps {
		list := s.dependents[depID]
		for i, id := range list {
			if id == taskID {
				s.dependents[depID] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// Get returns a copy of the task with the given id.
func (s *Store) Get(id string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.tasks[id]
	if !exists {
		return nil, false
	}
	return t.Clone(), true
}

// List returns copies of all tasks in insertion order, optionally filtered
// by status.
func (s *Store) List(statuses ...Status) []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Task, 0, len(s.order))
	for _, id := range s.order {
		t := s.tasks[id]
		if len(statuses) > 0 && !statusIn(t.Status, statuses) {
			continue
		}
		out = append(out, t.Clone())
	}
	return out
}

// Snapshot returns copies of every task in insertion order. The result is
// safe to hand to the dependency resolver without further locking.
func (s *Store) Snapshot() []*Task {
	return s.List()
}

// Transition moves a task to a new status. Returns InvalidTransitionError
// if the move is not in the legal transition set, or NotFoundError if the
// id is unknown. Leaving in_progress clears worker ownership.
func (s *Store) Transition(id string, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, to)
}

func (s *Store) transitionLocked(id string, to Status) error {
	t, exists := s.tasks[id]
	if !exists {
		return &NotFoundError{TaskID: id}
	}
	if !statusIn(to, legalTransitions[t.Status]) {
		return &InvalidTransitionError{TaskID: id, From: t.Status, To: to}
	}

	if t.Status == StatusInProgress {
		t.WorkerID = ""
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	return nil
}

// Claim transitions a queued task to in_progress owned by the given worker.
// Exclusive ownership: a task already in_progress cannot be claimed again.
func (s *Store) Claim(id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.transitionLocked(id, StatusInProgress); err != nil {
		return err
	}
	s.tasks[id].WorkerID = workerID
	return nil
}

// Complete transitions an in_progress task to completed.
func (s *Store) Complete(id string) error {
	return s.Transition(id, StatusCompleted)
}

// Fail transitions a task to failed, records the reason, and increments the
// attempt count.
func (s *Store) Fail(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.transitionLocked(id, StatusFailed); err != nil {
		return err
	}
	t := s.tasks[id]
	t.Attempts++
	t.Reason = reason
	return nil
}

// FailDependent marks a task failed by propagation from a failed dependency.
// Unlike Fail it does not count an execution attempt: the task was never
// dispatched.
func (s *Store) FailDependent(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.transitionLocked(id, StatusFailed); err != nil {
		return err
	}
	s.tasks[id].Reason = reason
	return nil
}

// Requeue moves a failed or released task back to queued.
func (s *Store) Requeue(id string) error {
	return s.Transition(id, StatusQueued)
}

// TransitiveDependents returns the ids of every task that depends, directly
// or transitively, on the given task.
func (s *Store) TransitiveDependents(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	frontier := append([]string(nil), s.dependents[id]...)
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		frontier = append(frontier, s.dependents[next]...)
	}
	return out
}

// Counts returns the number of tasks per status.
func (s *Store) Counts() map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[Status]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts
}

func statusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
