package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mstolin/foreman/internal/task"
	_ "modernc.org/sqlite"
)

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal creates a SQLite-backed journal at the given path.
// Creates parent directories if needed. Enables WAL mode and a busy timeout.
func NewSQLiteJournal(ctx context.Context, dbPath string) (*SQLiteJournal, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Foreign keys must be enabled via PRAGMA with modernc.org/sqlite.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	db.SetMaxOpenConns(2)

	j := &SQLiteJournal{db: db}
	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return j, nil
}

// NewMemoryJournal creates an in-memory SQLite journal for testing.
func NewMemoryJournal(ctx context.Context) (*SQLiteJournal, error) {
	connStr := "file::memory:?mode=memory&cache=shared"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	db.SetMaxOpenConns(2)

	j := &SQLiteJournal{db: db}
	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return j, nil
}

// initSchema creates all required tables if they don't exist.
func (j *SQLiteJournal) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		instruction TEXT NOT NULL,
		branch TEXT,
		target_paths TEXT,
		priority TEXT NOT NULL,
		status TEXT NOT NULL,
		depends_on TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		worker_id TEXT,
		reason TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS task_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		reason TEXT,
		worker_id TEXT,
		at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_task_transitions_task_at
		ON task_transitions(task_id, at);

	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		capability TEXT NOT NULL,
		started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		stopped_at DATETIME,
		stop_reason TEXT,
		tasks_completed INTEGER NOT NULL DEFAULT 0,
		tasks_failed INTEGER NOT NULL DEFAULT 0
	);
	`

	_, err := j.db.ExecContext(ctx, schema)
	return err
}

// SaveTask inserts or updates a task record. Uses ON CONFLICT so saves are
// idempotent.
func (j *SQLiteJournal) SaveTask(ctx context.Context, t *task.Task) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, instruction, branch, target_paths, priority, status, depends_on, attempts, worker_id, reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			instruction = excluded.instruction,
			branch = excluded.branch,
			target_paths = excluded.target_paths,
			priority = excluded.priority,
			status = excluded.status,
			depends_on = excluded.depends_on,
			attempts = excluded.attempts,
			worker_id = excluded.worker_id,
			reason = excluded.reason,
			updated_at = excluded.updated_at
	`, t.ID, t.Title, t.Instruction, t.Branch, strings.Join(t.TargetPaths, ","),
		t.Priority.String(), t.Status.String(), strings.Join(t.DependsOn, ","),
		t.Attempts, t.WorkerID, t.Reason, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}
	return nil
}

// RecordTransition appends one status transition.
func (j *SQLiteJournal) RecordTransition(ctx context.Context, taskID string, from, to task.Status, reason, workerID string) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO task_transitions (task_id, from_status, to_status, reason, worker_id)
		VALUES (?, ?, ?, ?, ?)
	`, taskID, from.String(), to.String(), reason, workerID)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// RecordWorkerStarted appends a worker start entry.
func (j *SQLiteJournal) RecordWorkerStarted(ctx context.Context, workerID, capability string) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO workers (id, capability)
		VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET capability = excluded.capability
	`, workerID, capability)
	if err != nil {
		return fmt.Errorf("failed to record worker start: %w", err)
	}
	return nil
}

// RecordWorkerStopped closes a worker entry with its final counters.
func (j *SQLiteJournal) RecordWorkerStopped(ctx context.Context, workerID, reason string, completed, failed int) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE workers
		SET stopped_at = CURRENT_TIMESTAMP, stop_reason = ?, tasks_completed = ?, tasks_failed = ?
		WHERE id = ?
	`, reason, completed, failed, workerID)
	if err != nil {
		return fmt.Errorf("failed to record worker stop: %w", err)
	}
	return nil
}

// TaskHistory returns the recorded transitions for a task, oldest first.
// Each entry is rendered as "from -> to". Used by the audit view and tests.
func (j *SQLiteJournal) TaskHistory(ctx context.Context, taskID string) ([]string, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT from_status, to_status
		FROM task_transitions
		WHERE task_id = ?
		ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		out = append(out, from+" -> "+to)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
