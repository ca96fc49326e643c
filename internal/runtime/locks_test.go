package runtime

import (
	"sync"
	"testing"
	"time"
)

func TestPathLockSerializesSamePath(t *testing.T) {
	locks := NewPathLocks()

	locks.Lock("a.go")
	acquired := make(chan struct{})
	go func() {
		locks.Lock("a.go")
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second lock on the same path must block")
	case <-time.After(20 * time.Millisecond):
	}

	locks.Unlock("a.go")
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock not released to waiter")
	}
	locks.Unlock("a.go")
}

func TestPathLockDifferentPathsIndependent(t *testing.T) {
	locks := NewPathLocks()

	locks.Lock("a.go")
	acquired := make(chan struct{})
	go func() {
		locks.Lock("b.go")
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock on a different path must not block")
	}
	locks.Unlock("b.go")
	locks.Unlock("a.go")
}

func TestLockAllOverlappingSetsNoDeadlock(t *testing.T) {
	locks := NewPathLocks()

	// Two goroutines lock overlapping sets in opposite declaration order.
	// Sorted acquisition prevents the lock-order deadlock.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		paths := []string{"a.go", "b.go", "c.go"}
		if i == 1 {
			paths = []string{"c.go", "b.go", "a.go"}
		}
		wg.Add(1)
		go func(paths []string) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				locks.LockAll(paths)
				locks.UnlockAll(paths)
			}
		}(paths)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock between overlapping lock sets")
	}
}

func TestLockAllDuplicatePaths(t *testing.T) {
	locks := NewPathLocks()

	// Target lists come from untrusted decomposer output; a repeated path
	// must lock once, not wedge the worker on its own mutex.
	paths := []string{"a.go", "b.go", "a.go", "a.go"}
	done := make(chan struct{})
	go func() {
		locks.LockAll(paths)
		locks.UnlockAll(paths)
		// The set must be fully released for the next holder.
		locks.LockAll(paths)
		locks.UnlockAll(paths)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("duplicate paths must not self-deadlock")
	}
}

func TestSortedUnique(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{name: "nil", in: nil, want: nil},
		{name: "already unique", in: []string{"b", "a"}, want: []string{"a", "b"}},
		{name: "duplicates collapse", in: []string{"a", "b", "a", "a"}, want: []string{"a", "b"}},
		{name: "all equal", in: []string{"x", "x", "x"}, want: []string{"x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sortedUnique(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("sortedUnique(%v) = %v, want %v", tt.in, got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Fatalf("sortedUnique(%v) = %v, want %v", tt.in, got, tt.want)
				}
			}
		})
	}
}

func TestSortedUniqueDoesNotMutateInput(t *testing.T) {
	in := []string{"c", "a", "b"}
	_ = sortedUnique(in)
	if in[0] != "c" || in[1] != "a" || in[2] != "b" {
		t.Errorf("input reordered: %v", in)
	}
}

func TestLockAllEmptyIsNoop(t *testing.T) {
	locks := NewPathLocks()
	locks.LockAll(nil)
	locks.UnlockAll(nil)
}

func TestUnlockUnknownPathIsNoop(t *testing.T) {
	locks := NewPathLocks()
	locks.Unlock("never-locked.go")
}
