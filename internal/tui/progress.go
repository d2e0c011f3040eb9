package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskrouter/internal/events"
)

type taskState int

const (
	statePending taskState = iota
	stateRunning
	stateCompleted
	stateFailed
	stateCancelled
)

// Progress counts tasks by state from the task event stream.
// It is not safe for concurrent use; feed it from a single subscriber.
type Progress struct {
	states map[string]taskState
	counts [stateCancelled + 1]int
}

// NewProgress creates an empty Progress.
func NewProgress() *Progress {
	return &Progress{states: make(map[string]taskState)}
}

// Apply folds one event into the counts. Unknown events are ignored.
func (p *Progress) Apply(ev events.Event) {
	switch ev.(type) {
	case events.TaskSubmittedEvent:
		p.set(ev.TaskID(), statePending)
	case events.TaskStartedEvent:
		p.set(ev.TaskID(), stateRunning)
	case events.TaskCompletedEvent:
		p.set(ev.TaskID(), stateCompleted)
	case events.TaskFailedEvent, events.TaskUnassignedEvent:
		p.set(ev.TaskID(), stateFailed)
	case events.TaskCancelledEvent:
		p.set(ev.TaskID(), stateCancelled)
	}
}

// set moves id to s, keeping the per-state counts consistent.
func (p *Progress) set(id string, s taskState) {
	if prev, ok := p.states[id]; ok {
		p.counts[prev]--
	}
	p.states[id] = s
	p.counts[s]++
}

// Total returns the number of tasks seen.
func (p *Progress) Total() int { return len(p.states) }

// Completed returns the number of completed tasks.
func (p *Progress) Completed() int { return p.counts[stateCompleted] }

// Failed returns the number of failed or unassigned tasks.
func (p *Progress) Failed() int { return p.counts[stateFailed] }

// Running returns the number of tasks currently executing.
func (p *Progress) Running() int { return p.counts[stateRunning] }

// Pending returns the number of tasks waiting in the queue.
func (p *Progress) Pending() int { return p.counts[statePending] }

// Cancelled returns the number of cancelled tasks.
func (p *Progress) Cancelled() int { return p.counts[stateCancelled] }

// View renders the counts and a progress bar of at most width cells.
func (p *Progress) View(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("Total:     %d\n", p.Total()))
	b.WriteString(fmt.Sprintf("Completed: %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", p.Completed()))))
	b.WriteString(fmt.Sprintf("Running:   %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", p.Running()))))
	b.WriteString(fmt.Sprintf("Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", p.Failed()))))
	b.WriteString(fmt.Sprintf("Pending:   %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", p.Pending()))))
	if n := p.Cancelled(); n > 0 {
		b.WriteString(fmt.Sprintf("Cancelled: %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", n))))
	}

	// Cells per state are proportional; rounding losses go to pending
	if total := p.Total(); total > 0 {
		barWidth := min(width-4, 40)
		if barWidth < 1 {
			barWidth = 1
		}
		completedWidth := (p.Completed() * barWidth) / total
		failedWidth := (p.Failed() * barWidth) / total
		runningWidth := (p.Running() * barWidth) / total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		b.WriteString(fmt.Sprintf("\n[%s]  %d/%d\n", bar, p.Completed(), total))
	}

	return b.String()
}
