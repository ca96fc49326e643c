package config

import "time"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			DequeueTimeout:    Duration(5 * time.Second),
			VisibilityTimeout: Duration(2 * time.Minute),
			Capacity:          1024,
		},
		Pool: PoolConfig{
			Ceiling:          8,
			Floor:            1,
			TargetPerWorker:  2,
			HeartbeatTimeout: Duration(30 * time.Second),
			ScaleInterval:    Duration(10 * time.Second),
			Capability:       "general",
		},
		Scheduler: SchedulerConfig{
			RetryLimit:   3,
			PollInterval: Duration(500 * time.Millisecond),
		},
		Agent: AgentConfig{
			Command: "claude",
		},
	}
}
