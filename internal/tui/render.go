package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskrouter/internal/events"
	"github.com/aristath/taskrouter/internal/orchestrator"
	"github.com/aristath/taskrouter/internal/tracker"
)

// StatusIcon returns a colored icon for an event type.
func StatusIcon(eventType string) string {
	switch eventType {
	case events.EventTypeTaskStarted:
		return StyleStatusRunning.Render("●")
	case events.EventTypeTaskCompleted:
		return StyleStatusComplete.Render("✓")
	case events.EventTypeTaskFailed, events.EventTypeTaskUnassigned:
		return StyleStatusFailed.Render("✗")
	case events.EventTypeAlertRaised:
		return StyleSeverityHigh.Render("!")
	default:
		return StyleStatusPending.Render("○")
	}
}

// FormatEvent renders one event as a single log line.
func FormatEvent(ev events.Event) string {
	icon := StatusIcon(ev.EventType())
	switch e := ev.(type) {
	case events.TaskSubmittedEvent:
		line := fmt.Sprintf("%s %s submitted (%s on %s)", icon, e.ID, e.Type, e.Domain)
		if e.Depth > 0 {
			line += StyleHelp.Render(fmt.Sprintf(" derived from %s, depth %d", e.RootID, e.Depth))
		}
		return line
	case events.TaskStartedEvent:
		return fmt.Sprintf("%s %s started on %s", icon, e.ID, e.Agent)
	case events.TaskCompletedEvent:
		return fmt.Sprintf("%s %s completed by %s in %s (score %.2f, improvement %.1f)",
			icon, e.ID, e.Agent, e.Duration.Round(time.Millisecond), e.Score, e.Improvement)
	case events.TaskFailedEvent:
		return fmt.Sprintf("%s %s failed on %s: %s %s", icon, e.ID, e.Agent, e.Kind, StyleHelp.Render(e.Err))
	case events.TaskUnassignedEvent:
		return fmt.Sprintf("%s %s unassigned: %s", icon, e.ID, e.Reason)
	case events.TaskCancelledEvent:
		return fmt.Sprintf("%s %s cancelled", icon, e.ID)
	case events.AlertRaisedEvent:
		return fmt.Sprintf("%s %s", icon, e.Message)
	default:
		return fmt.Sprintf("%s %s %s", icon, ev.EventType(), ev.TaskID())
	}
}

// RenderReport renders a performance report as boxed tables.
func RenderReport(rep orchestrator.Report) string {
	var b strings.Builder

	b.WriteString(StyleHeader.Render("Agents"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%-20s %6s %8s %8s %10s %10s %9s\n",
		"NAME", "RUNS", "SUCCESS", "PERF", "AVG MS", "COST", "BREAKER"))
	for _, a := range rep.Agents {
		// Pad before styling: ANSI codes would break the column width
		rate := fmt.Sprintf("%7.1f%%", a.SuccessRate*100)
		switch {
		case a.Metrics.TotalExecutions == 0:
			rate = StyleStatusPending.Render(rate)
		// Same threshold as the low_success_rate alert
		case a.SuccessRate < tracker.DefaultConfig().MinSuccessRate:
			rate = StyleStatusFailed.Render(rate)
		default:
			rate = StyleStatusComplete.Render(rate)
		}
		b.WriteString(fmt.Sprintf("%-20s %6d %s %8.2f %10.0f %10.4f %9s\n",
			truncate(a.Name, 20), a.Metrics.TotalExecutions, rate,
			a.Metrics.AvgPerformance, a.Metrics.AvgDurationMs, a.Metrics.TotalCost, a.Breaker))
	}

	// Totals across every agent
	t := rep.Totals
	b.WriteString("\n")
	b.WriteString(StyleHeader.Render("Totals"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("Executions: %d (%d successful, %.1f%%)\n", t.Executions, t.SuccessfulExecutions, t.SuccessRate*100))
	b.WriteString(fmt.Sprintf("Avg performance: %.2f\n", t.AvgPerformance))
	b.WriteString(fmt.Sprintf("Resource usage: %d units, cost %.4f\n", t.ResourceUsage, t.TotalCost))

	// Only present once some optimization succeeded
	if len(rep.Domains) > 0 {
		b.WriteString("\n")
		b.WriteString(StyleHeader.Render("Domains"))
		b.WriteString("\n")
		for _, name := range rep.DomainNames() {
			d := rep.Domains[name]
			b.WriteString(fmt.Sprintf("%-28s %4d optimizations, avg improvement %6.2f, cost %.4f\n",
				truncate(name, 28), d.Optimizations, d.AvgImprovement, d.TotalCost))
		}
	}

	title := StyleTitle.Render(fmt.Sprintf("Performance report (%s)", rep.GeneratedAt.Format(time.RFC3339)))
	return lipgloss.JoinVertical(lipgloss.Left, title, StyleBox.Render(strings.TrimRight(b.String(), "\n")))
}

// RenderAlerts renders the alert log, or a placeholder when it is empty.
func RenderAlerts(alerts []tracker.Alert) string {
	if len(alerts) == 0 {
		return StyleHelp.Render("No alerts.")
	}
	var b strings.Builder
	// High severity stands out; everything else is medium
	for _, a := range alerts {
		sev := string(a.Severity)
		if a.Severity == tracker.SeverityHigh {
			sev = StyleSeverityHigh.Render(sev)
		} else {
			sev = StyleSeverityMedium.Render(sev)
		}
		b.WriteString(fmt.Sprintf("%s [%s] %s\n", a.Timestamp.Format(time.TimeOnly), sev, a.Message))
	}
	title := StyleTitle.Render(fmt.Sprintf("Alerts (%d)", len(alerts)))
	return lipgloss.JoinVertical(lipgloss.Left, title, StyleBox.Render(strings.TrimRight(b.String(), "\n")))
}

// truncate shortens s to n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
