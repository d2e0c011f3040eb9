package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	// Times are stored as RFC 3339 text (see formatTime); an empty string
	// stands for the zero time. There are no foreign keys: execution records
	// of a task may arrive before its final status row is written.
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		domain TEXT NOT NULL,
		priority INTEGER NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		assigned_agent TEXT NOT NULL DEFAULT '',
		root_id TEXT NOT NULL,
		depth INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		deadline TEXT NOT NULL DEFAULT '',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_root_id ON tasks(root_id);

	-- Append-only; one row per counted execution
	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		task_type TEXT NOT NULL,
		domain TEXT NOT NULL,
		agent TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		success INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		resource_usage INTEGER NOT NULL,
		cost REAL NOT NULL,
		score REAL NOT NULL,
		improvement REAL NOT NULL DEFAULT 0,
		output TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_executions_task_id ON executions(task_id);
	CREATE INDEX IF NOT EXISTS idx_executions_agent ON executions(agent);

	-- Append-only; id order is raise order
	CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		agent TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		executions INTEGER NOT NULL DEFAULT 0,
		raised_at TEXT NOT NULL
	);
	`

	// IF NOT EXISTS makes this safe on every open
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
