// Package runner executes one task on one agent and turns the outcome into an
// ExecutionRecord. Failures are captured in the record, never returned.
package runner

import (
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/aristath/taskrouter/internal/task"
)

var (
	// ErrExecutionTimeout is recorded when the agent call outlives its deadline.
	ErrExecutionTimeout = errors.New("execution timeout")
	// ErrProvider wraps failures raised by the agent capability itself.
	ErrProvider = errors.New("provider error")
)

// ErrorKind classifies a failed record.
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindRateLimitTimeout ErrorKind = "rate_limit_timeout"
	KindExecutionTimeout ErrorKind = "execution_timeout"
	KindProvider         ErrorKind = "provider_error"
	// KindCancelled marks executions abandoned because the task was cancelled
	// before it started or the caller's context ended while waiting for a
	// slot. The agent never ran, so these are not counted in performance
	// statistics.
	KindCancelled ErrorKind = "cancelled"
)

// ExecutionRecord is the outcome of one execution attempt.
type ExecutionRecord struct {
	TaskID        string         `json:"task_id"`
	TaskType      string         `json:"task_type"`
	Domain        string         `json:"domain"`
	Agent         string         `json:"agent"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	Success       bool           `json:"success"`
	Error         string         `json:"error,omitempty"`
	ErrorKind     ErrorKind      `json:"error_kind,omitempty"`
	ResourceUsage int64          `json:"resource_usage"`
	Cost          float64        `json:"cost"`
	Score         float64        `json:"score"`
	Improvement   float64        `json:"improvement,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
}

// Duration returns the wall-clock time between start and finish.
func (r ExecutionRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Counted reports whether the record describes an agent outcome that belongs
// in the agent's performance statistics.
func (r ExecutionRecord) Counted() bool {
	return r.ErrorKind != KindCancelled
}

// Score weights success, speed and payload richness:
//
//	0.5*success + 0.3*max(0, 1 - ms/10000) + 0.2*min(1, payloadBytes/1000)
func Score(success bool, durationMs float64, payloadBytes int) float64 {
	var s float64
	if success {
		s = 0.5
	}
	s += 0.3 * math.Max(0, 1-durationMs/10000)
	s += 0.2 * math.Min(1, float64(payloadBytes)/1000)
	return s
}

// ResourceUsage estimates the cost units of an execution as a quarter of the
// serialized input plus output size. It is an approximation, not an accounting unit.
func ResourceUsage(payload task.Payload, output map[string]any) int64 {
	in := task.PayloadSize(payload)
	out := 0
	if len(output) > 0 {
		if data, err := json.Marshal(output); err == nil {
			out = len(data)
		}
	}
	return int64(in+out) / 4
}
