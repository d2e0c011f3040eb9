package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aristath/taskrouter/internal/task"
)

// taskSpec is the file form of a task.
type taskSpec struct {
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type"`
	Domain   string          `json:"domain"`
	Priority int             `json:"priority"`
	Payload  json.RawMessage `json:"payload"`
	Deadline time.Time       `json:"deadline,omitzero"`
}

// loadTasks reads a JSON array of tasks. Payloads decode into the typed
// payload of their task type.
func loadTasks(path string) ([]*task.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tasks: %w", err)
	}

	// The file is a JSON array, one object per task
	var specs []taskSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	tasks := make([]*task.Task, 0, len(specs))
	// IDs may be empty here; Submit assigns them. Validation also happens there
	for i, s := range specs {
		payload, err := task.DecodePayload(s.Type, s.Payload)
		if err != nil {
			return nil, fmt.Errorf("task #%d: %w", i, err)
		}
		tasks = append(tasks, &task.Task{
			ID:       s.ID,
			Type:     s.Type,
			Domain:   s.Domain,
			Priority: s.Priority,
			Payload:  payload,
			Deadline: s.Deadline,
		})
	}
	return tasks, nil
}

// msDuration converts a millisecond config value; 0 stays 0 (no limit).
func msDuration(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}
