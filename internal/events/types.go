package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicAlert = "alert"
)

// Event type constants
const (
	EventTypeTaskSubmitted  = "task.submitted"
	EventTypeTaskStarted    = "task.started"
	EventTypeTaskCompleted  = "task.completed"
	EventTypeTaskFailed     = "task.failed"
	EventTypeTaskUnassigned = "task.unassigned"
	EventTypeTaskCancelled  = "task.cancelled"
	EventTypeAlertRaised    = "alert.raised"
)

// TaskSubmittedEvent is published when a task is accepted into the queue.
type TaskSubmittedEvent struct {
	ID        string
	Type      string
	Domain    string
	Priority  int
	RootID    string
	Depth     int
	Timestamp time.Time
}

func (e TaskSubmittedEvent) EventType() string { return EventTypeTaskSubmitted }
func (e TaskSubmittedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when a task has been routed to an agent.
type TaskStartedEvent struct {
	ID        string
	Agent     string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID          string
	Agent       string
	Score       float64
	Improvement float64
	Duration    time.Duration
	Timestamp   time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when an execution fails.
type TaskFailedEvent struct {
	ID        string
	Agent     string
	Kind      string // Failure classification, e.g. "execution_timeout"
	Err       string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskUnassignedEvent is published when no agent can serve a task.
type TaskUnassignedEvent struct {
	ID        string
	Type      string
	Domain    string
	Reason    string
	Timestamp time.Time
}

func (e TaskUnassignedEvent) EventType() string { return EventTypeTaskUnassigned }
func (e TaskUnassignedEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a task is cancelled before it runs.
type TaskCancelledEvent struct {
	ID        string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// AlertRaisedEvent is published for every performance alert.
type AlertRaisedEvent struct {
	Agent     string
	Kind      string
	Severity  string
	Message   string
	Timestamp time.Time
}

func (e AlertRaisedEvent) EventType() string { return EventTypeAlertRaised }

// Alerts belong to an agent, not a task
func (e AlertRaisedEvent) TaskID() string { return "" }
