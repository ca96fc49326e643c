package task

import "sort"

// Ready computes the eligible set: pending tasks whose every dependency is
// completed. It is a pure function over a store snapshot and never mutates
// its input.
//
// Ordering is deterministic: priority first (high before medium before low),
// ties broken by creation order, oldest first. Snapshots from Store.Snapshot
// arrive in insertion order, so a stable sort on priority alone preserves
// the tie-break.
func Ready(snapshot []*Task) []*Task {
	byID := make(map[string]*Task, len(snapshot))
	for _, t := range snapshot {
		byID[t.ID] = t
	}

	var ready []*Task
	for _, t := range snapshot {
		if t.Status != StatusPending {
			continue
		}
		if depsCompleted(t, byID) {
			ready = append(ready, t)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority < ready[j].Priority
	})
	return ready
}

func depsCompleted(t *Task, byID map[string]*Task) bool {
	for _, depID := range t.DependsOn {
		dep, exists := byID[depID]
		if !exists || dep.Status != StatusCompleted {
			return false
		}
	}
	return true
}
