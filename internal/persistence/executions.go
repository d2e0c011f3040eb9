package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aristath/taskrouter/internal/runner"
	"github.com/aristath/taskrouter/internal/tracker"
)

// RecordExecution appends an execution record.
func (s *SQLiteStore) RecordExecution(ctx context.Context, rec runner.ExecutionRecord) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	// Agent output is opaque; keep it as JSON text
	output := ""
	if len(rec.Output) > 0 {
		data, err := json.Marshal(rec.Output)
		if err != nil {
			return fmt.Errorf("failed to encode output of task %s: %w", rec.TaskID, err)
		}
		output = string(data)
	}

	// Rows are append-only; the autoincrement id fixes their order
	err := s.exec(ctx, `
		INSERT INTO executions (task_id, task_type, domain, agent, started_at, finished_at, success,
			error, error_kind, resource_usage, cost, score, improvement, output)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.TaskID, rec.TaskType, rec.Domain, rec.Agent, formatTime(rec.StartedAt), formatTime(rec.FinishedAt),
		rec.Success, rec.Error, string(rec.ErrorKind), rec.ResourceUsage, rec.Cost, rec.Score, rec.Improvement, output)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// ListExecutions returns the records of one task in insertion order.
func (s *SQLiteStore) ListExecutions(ctx context.Context, taskID string) ([]runner.ExecutionRecord, error) {
	return s.queryExecutions(ctx, `WHERE task_id = ?`, taskID)
}

// ListExecutionsByAgent returns the records of one agent in insertion order.
func (s *SQLiteStore) ListExecutionsByAgent(ctx context.Context, agentName string) ([]runner.ExecutionRecord, error) {
	return s.queryExecutions(ctx, `WHERE agent = ?`, agentName)
}

// queryExecutions runs the shared SELECT with a caller-supplied WHERE clause.
// where is always a constant from this file, never user input.
func (s *SQLiteStore) queryExecutions(ctx context.Context, where string, arg any) ([]runner.ExecutionRecord, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, task_type, domain, agent, started_at, finished_at, success,
			error, error_kind, resource_usage, cost, score, improvement, output
		FROM executions `+where+` ORDER BY id`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	// A nil slice means the task or agent has no history
	var out []runner.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return out, nil
}

// scanExecution reads one row in the column order of queryExecutions.
func scanExecution(rows *sql.Rows) (runner.ExecutionRecord, error) {
	var (
		rec               runner.ExecutionRecord
		started, finished string
		kind, output      string
	)
	err := rows.Scan(&rec.TaskID, &rec.TaskType, &rec.Domain, &rec.Agent, &started, &finished, &rec.Success,
		&rec.Error, &kind, &rec.ResourceUsage, &rec.Cost, &rec.Score, &rec.Improvement, &output)
	if err != nil {
		return rec, fmt.Errorf("failed to scan execution: %w", err)
	}
	rec.ErrorKind = runner.ErrorKind(kind)

	// Timestamps round-trip through text with nanosecond precision
	if rec.StartedAt, err = parseTime(started); err != nil {
		return rec, fmt.Errorf("bad started_at: %w", err)
	}
	if rec.FinishedAt, err = parseTime(finished); err != nil {
		return rec, fmt.Errorf("bad finished_at: %w", err)
	}
	// Empty text means the agent returned no data
	if output != "" {
		if err := json.Unmarshal([]byte(output), &rec.Output); err != nil {
			return rec, fmt.Errorf("bad output of task %s: %w", rec.TaskID, err)
		}
	}
	return rec, nil
}

// RecordAlert appends an alert.
func (s *SQLiteStore) RecordAlert(ctx context.Context, a tracker.Alert) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err := s.exec(ctx, `
		INSERT INTO alerts (kind, agent, severity, message, executions, raised_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(a.Kind), a.Agent, string(a.Severity), a.Message, a.Executions, formatTime(a.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// ListAlerts returns all alerts in the order they were raised.
func (s *SQLiteStore) ListAlerts(ctx context.Context) ([]tracker.Alert, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	// id order is raise order
	rows, err := s.db.QueryContext(ctx, `SELECT kind, agent, severity, message, executions, raised_at FROM alerts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []tracker.Alert
	for rows.Next() {
		var (
			a                    tracker.Alert
			kind, severity, when string
		)
		if err := rows.Scan(&kind, &a.Agent, &severity, &a.Message, &a.Executions, &when); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Kind = tracker.Kind(kind)
		a.Severity = tracker.Severity(severity)
		if a.Timestamp, err = parseTime(when); err != nil {
			return nil, fmt.Errorf("bad raised_at: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return alerts, nil
}
