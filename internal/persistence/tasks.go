package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/taskrouter/internal/task"
)

// TaskRow is the stored form of a task.
type TaskRow struct {
	ID            string
	Type          string
	Domain        string
	Priority      int
	Payload       task.Payload
	Status        string
	AssignedAgent string
	RootID        string
	Depth         int
	CreatedAt     time.Time
	Deadline      time.Time
}

// encodePayload returns the JSON form DecodePayload reads back.
func encodePayload(p task.Payload) (string, error) {
	// Generic payloads are stored as their bare field map, matching the task file
	var v any = p
	if g, ok := p.(task.Generic); ok {
		v = g.Fields
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RecordTask saves a task with its current status.
// Uses ON CONFLICT so recording the same task again updates it in place.
func (s *SQLiteStore) RecordTask(ctx context.Context, t *task.Task) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	payload, err := encodePayload(t.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload of task %s: %w", t.ID, err)
	}

	// Only status and assignment change after the first insert
	err = s.exec(ctx, `
		INSERT INTO tasks (id, type, domain, priority, payload, status, assigned_agent, root_id, depth, created_at, deadline, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			assigned_agent = excluded.assigned_agent,
			updated_at = CURRENT_TIMESTAMP
	`, t.ID, t.Type, t.Domain, t.Priority, payload, t.Status().String(), t.AssignedAgent(),
		t.RootID, t.Depth, formatTime(t.CreatedAt), formatTime(t.Deadline))
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}
	return nil
}

const taskColumns = `id, type, domain, priority, payload, status, assigned_agent, root_id, depth, created_at, deadline`

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanTask reads one row in taskColumns order.
func scanTask(row scanner) (*TaskRow, error) {
	var (
		r                   TaskRow
		payload             string
		createdAt, deadline string
	)
	if err := row.Scan(&r.ID, &r.Type, &r.Domain, &r.Priority, &payload, &r.Status,
		&r.AssignedAgent, &r.RootID, &r.Depth, &createdAt, &deadline); err != nil {
		return nil, err
	}

	// Decoding through the task type restores the typed payload
	p, err := task.DecodePayload(r.Type, []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", r.ID, err)
	}
	r.Payload = p

	// An empty deadline parses to the zero time
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("task %s: bad created_at: %w", r.ID, err)
	}
	if r.Deadline, err = parseTime(deadline); err != nil {
		return nil, fmt.Errorf("task %s: bad deadline: %w", r.ID, err)
	}
	return &r, nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*TaskRow, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	// Missing rows map to ErrNotFound
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	r, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %q: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return r, nil
}

// ListTasks returns all tasks in creation order.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*TaskRow, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	// created_at is RFC 3339 with a fixed layout, so text order is time order
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*TaskRow
	for rows.Next() {
		r, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}
