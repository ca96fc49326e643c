package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoadDefaultsWhenFilesMissing(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "nope.json"), filepath.Join(dir, "also-nope.json"))
	if err != nil {
		t.Fatalf("missing files must not be an error: %v", err)
	}

	want := DefaultConfig()
	if cfg.Pool.Ceiling != want.Pool.Ceiling {
		t.Errorf("expected default ceiling %d, got %d", want.Pool.Ceiling, cfg.Pool.Ceiling)
	}
	if cfg.Scheduler.RetryLimit != want.Scheduler.RetryLimit {
		t.Errorf("expected default retry limit %d, got %d", want.Scheduler.RetryLimit, cfg.Scheduler.RetryLimit)
	}
	if cfg.Agent.Command != "claude" {
		t.Errorf("expected default agent command, got %q", cfg.Agent.Command)
	}
}

func TestLoadGlobalOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	global := writeConfig(t, dir, "global.json", `{"pool": {"ceiling": 16}}`)

	cfg, err := Load(global, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pool.Ceiling != 16 {
		t.Errorf("expected global ceiling 16, got %d", cfg.Pool.Ceiling)
	}
	// Untouched fields keep their defaults.
	if cfg.Pool.Floor != DefaultConfig().Pool.Floor {
		t.Errorf("expected default floor, got %d", cfg.Pool.Floor)
	}
}

func TestLoadProjectOverridesGlobal(t *testing.T) {
	dir := t.TempDir()
	global := writeConfig(t, dir, "global.json", `{"pool": {"ceiling": 16}, "agent": {"model": "global-model"}}`)
	project := writeConfig(t, dir, "project.json", `{"pool": {"ceiling": 4}}`)

	cfg, err := Load(global, project)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pool.Ceiling != 4 {
		t.Errorf("project config must win, got ceiling %d", cfg.Pool.Ceiling)
	}
	if cfg.Agent.Model != "global-model" {
		t.Errorf("global fields absent from project config must survive, got %q", cfg.Agent.Model)
	}
}

func TestLoadMalformedJSONFails(t *testing.T) {
	dir := t.TempDir()
	bad := writeConfig(t, dir, "bad.json", `{"pool": `)

	if _, err := Load(bad, ""); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

// TestDurationUnmarshal tests both accepted duration encodings.
func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "duration string", input: `"30s"`, want: 30 * time.Second},
		{name: "compound string", input: `"1m30s"`, want: 90 * time.Second},
		{name: "raw nanoseconds", input: `5000000000`, want: 5 * time.Second},
		{name: "invalid string", input: `"soon"`, wantErr: true},
		{name: "invalid type", input: `true`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Std() != tt.want {
				t.Errorf("expected %v, got %v", tt.want, d.Std())
			}
		})
	}
}

func TestDurationMarshalRoundTrip(t *testing.T) {
	in := Duration(90 * time.Second)
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Duration
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != in {
		t.Errorf("round trip changed value: %v != %v", out, in)
	}
}

func TestDurationFieldsInConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.json", `{"queue": {"visibility_timeout": "5m"}, "pool": {"heartbeat_timeout": "45s"}}`)

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.VisibilityTimeout.Std() != 5*time.Minute {
		t.Errorf("expected 5m visibility, got %v", cfg.Queue.VisibilityTimeout.Std())
	}
	if cfg.Pool.HeartbeatTimeout.Std() != 45*time.Second {
		t.Errorf("expected 45s heartbeat timeout, got %v", cfg.Pool.HeartbeatTimeout.Std())
	}
}
