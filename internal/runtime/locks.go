package runtime

import (
	"sort"
	"sync"
)

// PathLocks provides per-path mutual exclusion for concurrent task
// execution. Each target artifact path gets its own mutex, so tasks writing
// different paths run in parallel while tasks touching the same path
// serialize.
type PathLocks struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-path mutexes
}

// NewPathLocks creates a new PathLocks.
func NewPathLocks() *PathLocks {
	return &PathLocks{
		locks: make(map[string]*sync.Mutex),
	}
}

// mutexFor returns the mutex for a path, creating it on first access.
func (l *PathLocks) mutexFor(path string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	pathLock, exists := l.locks[path]
	if !exists {
		pathLock = &sync.Mutex{}
		l.locks[path] = pathLock
	}
	return pathLock
}

// Lock acquires the mutex for one path.
func (l *PathLocks) Lock(path string) {
	// Acquire outside the manager lock to avoid contention.
	l.mutexFor(path).Lock()
}

// Unlock releases the mutex for one path.
func (l *PathLocks) Unlock(path string) {
	l.mu.Lock()
	pathLock, exists := l.locks[path]
	l.mu.Unlock()

	if exists {
		pathLock.Unlock()
	}
}

// LockAll acquires locks for all given paths. Paths are sorted
// lexicographically before acquisition to prevent deadlocks between tasks
// locking overlapping sets, and deduplicated: target lists are untrusted
// decomposer output, and locking a repeated path twice would self-deadlock
// the worker on its own non-reentrant mutex.
func (l *PathLocks) LockAll(paths []string) {
	for _, path := range sortedUnique(paths) {
		l.Lock(path)
	}
}

// UnlockAll releases locks for all given paths in reverse sorted order,
// with the same deduplication as LockAll.
func (l *PathLocks) UnlockAll(paths []string) {
	sorted := sortedUnique(paths)
	for i := len(sorted) - 1; i >= 0; i-- {
		l.Unlock(sorted[i])
	}
}

// sortedUnique returns the paths sorted with duplicates removed. The input
// slice is never modified.
func sortedUnique(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}

	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	out := sorted[:1]
	for _, path := range sorted[1:] {
		if path != out[len(out)-1] {
			out = append(out, path)
		}
	}
	return out
}
