package task

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status represents the lifecycle state of a task.
type Status int

const (
	StatusPending   Status = iota // Submitted, waiting in the queue
	StatusAssigned                // Routed to an agent, waiting for a rate slot
	StatusRunning                 // Executing on the assigned agent
	StatusCompleted               // Finished successfully
	StatusFailed                  // Finished with error, or no agent could take it
	StatusCancelled               // Cancelled before execution
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
	StatusAssigned:  "assigned",
	StatusRunning:   "running",
	StatusCompleted: "completed",
	StatusFailed:    "failed",
	StatusCancelled: "cancelled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrInvalidTransition is returned when a status change would move a task backwards
// or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid status transition")

// Task is a unit of work routed to a single agent.
//
// Identity and payload fields are set at submission and not modified afterwards.
// Status and AssignedAgent change as the task moves through the pipeline and
// are only accessed through methods.
type Task struct {
	ID        string
	Type      string // Capability tag an agent must advertise to serve this task
	Domain    string
	Priority  int
	Payload   Payload
	CreatedAt time.Time
	Deadline  time.Time // Zero means no deadline

	// Fan-out lineage. RootID is the submitted task that started the chain
	// (equal to ID for submitted tasks). Depth is 0 for submitted tasks.
	RootID string
	Depth  int

	mu            sync.Mutex
	status        Status
	assignedAgent string
}

// Status returns the current status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// AssignedAgent returns the name of the agent the task was routed to, or "".
func (t *Task) AssignedAgent() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.assignedAgent
}

// Assign records the selected agent and moves the task to StatusAssigned.
func (t *Task) Assign(agentName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Status and agent change together under one lock
	if err := t.transitionLocked(StatusAssigned); err != nil {
		return err
	}
	t.assignedAgent = agentName
	return nil
}

// Transition moves the task to the given status.
// Transitions are monotonic: pending -> assigned -> running -> completed|failed.
// Cancelled is only reachable before the task starts running.
func (t *Task) Transition(to Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(to)
}

// transitionLocked applies the transition rules. t.mu must be held.
func (t *Task) transitionLocked(to Status) error {
	from := t.status
	if from.Terminal() {
		return fmt.Errorf("%w: task %q is %s", ErrInvalidTransition, t.ID, from)
	}

	switch to {
	case StatusCancelled:
		if from == StatusRunning {
			return fmt.Errorf("%w: task %q is running and cannot be cancelled", ErrInvalidTransition, t.ID)
		}
	case StatusFailed, StatusCompleted:
		// Failure can happen at any non-terminal stage. Completion needs a run.
		if to == StatusCompleted && from != StatusRunning {
			return fmt.Errorf("%w: task %q cannot complete from %s", ErrInvalidTransition, t.ID, from)
		}
	default:
		// Forward only, though stages may be skipped
		if to <= from {
			return fmt.Errorf("%w: task %q %s -> %s", ErrInvalidTransition, t.ID, from, to)
		}
	}

	t.status = to
	return nil
}
