package runtime

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestRunCommandCapturesStdout(t *testing.T) {
	out, err := RunCommand(context.Background(), nil, "", "echo", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(string(out)); got != "hello" {
		t.Errorf("expected hello, got %q", got)
	}
}

func TestRunCommandFailureIncludesStderr(t *testing.T) {
	_, err := RunCommand(context.Background(), nil, "", "sh", "-c", "echo nope >&2; exit 1")
	if err == nil {
		t.Fatal("expected error for failing command")
	}
	if !strings.Contains(err.Error(), "nope") {
		t.Errorf("expected stderr in error, got %v", err)
	}
}

func TestRunCommandHonorsWorkDir(t *testing.T) {
	dir := t.TempDir()
	out, err := RunCommand(context.Background(), nil, dir, "pwd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(string(out)); !strings.HasSuffix(got, dir[strings.LastIndex(dir, "/"):]) {
		t.Errorf("expected command to run in %s, got %s", dir, got)
	}
}

func TestRunCommandCancelledContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := RunCommand(ctx, nil, "", "sleep", "10")
	if err == nil {
		t.Fatal("expected error from cancelled command")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancellation took too long: %v", elapsed)
	}
}

func TestProcessManagerTracksWhileRunning(t *testing.T) {
	pm := NewProcessManager()
	if pm.Count() != 0 {
		t.Fatalf("expected empty manager, got %d", pm.Count())
	}

	cmd := newCommand(context.Background(), "sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pm.Track(cmd)
	if pm.Count() != 1 {
		t.Errorf("expected 1 tracked process, got %d", pm.Count())
	}

	if err := pm.KillAll(); err != nil {
		t.Fatalf("kill all: %v", err)
	}
	// Reap; killed process exits with an error.
	_ = cmd.Wait()

	pm.Untrack(cmd)
	if pm.Count() != 0 {
		t.Errorf("expected empty manager after untrack, got %d", pm.Count())
	}
}

func TestTrackIgnoresUnstartedCommand(t *testing.T) {
	pm := NewProcessManager()
	pm.Track(&exec.Cmd{})
	if pm.Count() != 0 {
		t.Errorf("unstarted command must not be tracked, got %d", pm.Count())
	}
}
