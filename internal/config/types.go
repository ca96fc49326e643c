package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration for JSON config files, accepting Go duration
// strings ("30s", "2m") or raw nanosecond integers.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// QueueConfig controls the work queue.
type QueueConfig struct {
	DequeueTimeout    Duration `json:"dequeue_timeout"`    // Blocking retrieval timeout
	VisibilityTimeout Duration `json:"visibility_timeout"` // Unconfirmed dequeue window
	Capacity          int      `json:"capacity"`
}

// PoolConfig controls the worker pool manager.
type PoolConfig struct {
	Ceiling           int      `json:"ceiling"`              // Hard concurrency ceiling
	Floor             int      `json:"floor"`                // Minimum worker count
	TargetPerWorker   int      `json:"target_per_worker"`    // Queue items per worker the scaler aims for
	HeartbeatTimeout  Duration `json:"heartbeat_timeout"`    // Missed-heartbeat threshold
	ScaleInterval     Duration `json:"scale_interval"`       // Auto-scale polling cadence
	Capability        string   `json:"capability"`           // Capability/model tag assigned to spawned workers
}

// SchedulerConfig controls the reconciliation loop.
type SchedulerConfig struct {
	RetryLimit   int      `json:"retry_limit"`   // Per-task attempt bound
	PollInterval Duration `json:"poll_interval"` // Wait-for-event fallback cadence
}

// AgentConfig describes the external CLI agent that executes tasks.
type AgentConfig struct {
	Command      string   `json:"command"`       // Agent binary (e.g., "claude")
	Args         []string `json:"args"`          // Extra args appended to every invocation
	Model        string   `json:"model"`         // Model override
	SystemPrompt string   `json:"system_prompt"` // Role prompt prepended to instructions
	WorkDir      string   `json:"work_dir"`      // Working directory for agent invocations
}

// PersistenceConfig controls the audit journal.
type PersistenceConfig struct {
	Path string `json:"path"` // SQLite database path; empty disables journaling
}

// Config is the top-level configuration.
type Config struct {
	Queue       QueueConfig       `json:"queue"`
	Pool        PoolConfig        `json:"pool"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Agent       AgentConfig       `json:"agent"`
	Persistence PersistenceConfig `json:"persistence"`
}
