// Package persistence provides the SQLite-backed audit journal. Task
// records are never deleted, only appended and updated, so the journal
// preserves the full history of every run.
package persistence

import (
	"context"

	"github.com/mstolin/foreman/internal/task"
)

// Journal records task and worker history for auditing and dashboards.
type Journal interface {
	// SaveTask inserts or updates the durable copy of a task record.
	SaveTask(ctx context.Context, t *task.Task) error

	// RecordTransition appends one status transition with attribution.
	RecordTransition(ctx context.Context, taskID string, from, to task.Status, reason, workerID string) error

	// RecordWorkerStarted appends a worker start entry.
	RecordWorkerStarted(ctx context.Context, workerID, capability string) error

	// RecordWorkerStopped closes a worker entry with its final counters.
	RecordWorkerStopped(ctx context.Context, workerID, reason string, completed, failed int) error

	// Lifecycle
	Close() error
}

// Noop is a Journal that discards everything. Used when persistence is
// disabled.
type Noop struct{}

// SaveTask implements Journal.
func (Noop) SaveTask(ctx context.Context, t *task.Task) error { return nil }

// RecordTransition implements Journal.
func (Noop) RecordTransition(ctx context.Context, taskID string, from, to task.Status, reason, workerID string) error {
	return nil
}

// RecordWorkerStarted implements Journal.
func (Noop) RecordWorkerStarted(ctx context.Context, workerID, capability string) error { return nil }

// RecordWorkerStopped implements Journal.
func (Noop) RecordWorkerStopped(ctx context.Context, workerID, reason string, completed, failed int) error {
	return nil
}

// Close implements Journal.
func (Noop) Close() error { return nil }
