// Package tracker folds execution records into per-agent performance metrics
// and raises alerts when an agent degrades.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aristath/taskrouter/internal/agent"
	"github.com/aristath/taskrouter/internal/runner"
	"github.com/aristath/taskrouter/internal/telemetry"
)

// Kind identifies the rule that raised an alert.
type Kind string

const (
	KindLowSuccessRate Kind = "low_success_rate"
	KindLowPerformance Kind = "low_performance"
)

// Severity of an alert.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

// Alert is one entry of the append-only alert log.
type Alert struct {
	Kind      Kind      `json:"kind"`
	Agent     string    `json:"agent"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`

	// Executions is the agent's execution count when the alert was raised.
	// Alerts for one agent appear in the log in increasing Executions order.
	Executions int `json:"executions"`
}

// durationSmoothing is the weight of the newest sample in the duration EMA.
const durationSmoothing = 0.1

// Config holds the alert thresholds.
type Config struct {
	MinSuccessRate float64       // Alert when successes/total drops below this (default 0.8)
	MinPerformance float64       // Alert when the rolling average score drops below this (default 0.6)
	Cooldown       time.Duration // Minimum gap between alerts of the same kind for one agent; 0 alerts on every breach
}

// DefaultConfig returns the default alert thresholds.
func DefaultConfig() Config {
	return Config{
		MinSuccessRate: 0.8,
		MinPerformance: 0.6,
	}
}

// alertKey scopes the cooldown to one rule for one agent.
type alertKey struct {
	agent string
	kind  Kind
}

// Tracker updates agent statistics in the registry and keeps the alert log.
type Tracker struct {
	registry *agent.Registry
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex // Guards alerts and lastRaised
	alerts     []Alert
	lastRaised map[alertKey]time.Time

	alertCounter metric.Int64Counter
}

// New creates a Tracker writing into registry.
func New(registry *agent.Registry, cfg Config, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	counter, _ := telemetry.Meter("taskrouter/tracker").Int64Counter("taskrouter.alerts",
		metric.WithDescription("Performance alerts raised"),
	)
	return &Tracker{
		registry:     registry,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
		lastRaised:   make(map[alertKey]time.Time),
		alertCounter: counter,
	}
}

// Record applies rec to its agent's metrics and evaluates the alert rules.
// It returns the alerts raised by this record. Cancelled executions are ignored.
//
// The rules run and their alerts are appended while the agent's entry is still
// locked, so an agent's alerts are logged in the order of its metric updates.
func (t *Tracker) Record(rec runner.ExecutionRecord) ([]Alert, error) {
	if !rec.Counted() {
		return nil, nil
	}

	var raised []Alert
	err := t.registry.Update(rec.Agent, func(s *agent.Stats) {
		apply(s, rec)
		raised = t.evaluate(rec.Agent, s.Metrics)
	})
	if err != nil {
		return nil, fmt.Errorf("record execution of task %q: %w", rec.TaskID, err)
	}

	// Side effects happen after the entry lock is released
	for _, a := range raised {
		t.alertCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("agent", a.Agent),
			attribute.String("kind", string(a.Kind)),
			attribute.String("severity", string(a.Severity)),
		))
		t.logger.Warn("performance alert", "agent", a.Agent, "kind", a.Kind, "severity", a.Severity, "message", a.Message)
	}
	return raised, nil
}

// apply folds one record into the agent's statistics.
func apply(s *agent.Stats, rec runner.ExecutionRecord) {
	// Failures count towards the total but never towards the score average
	m := &s.Metrics
	m.TotalExecutions++
	if rec.Success {
		m.SuccessfulExecutions++
		n := float64(m.SuccessfulExecutions)
		m.AvgPerformance = (m.AvgPerformance*(n-1) + rec.Score) / n
		s.Observe(rec.Score)
	}
	m.ResourceUsage += rec.ResourceUsage
	m.TotalCost += rec.Cost

	// The first sample seeds the moving average
	ms := float64(rec.Duration().Milliseconds())
	if m.TotalExecutions == 1 {
		m.AvgDurationMs = ms
	} else {
		m.AvgDurationMs = (1-durationSmoothing)*m.AvgDurationMs + durationSmoothing*ms
	}
	m.LastExecution = rec.FinishedAt
}

// evaluate runs the alert rules, in order, against an agent's updated metrics.
// Called with the agent's entry locked.
func (t *Tracker) evaluate(agentName string, m agent.Metrics) []Alert {
	var raised []Alert

	if rate := m.SuccessRate(); rate < t.cfg.MinSuccessRate {
		raised = t.raise(raised, Alert{
			Kind:       KindLowSuccessRate,
			Agent:      agentName,
			Severity:   SeverityHigh,
			Executions: m.TotalExecutions,
			Message: fmt.Sprintf("agent %s success rate below %.0f%%: %.2f%%",
				agentName, t.cfg.MinSuccessRate*100, rate*100),
		})
	}
	// An agent with no successes yet has AvgPerformance 0 and alerts here too
	if m.AvgPerformance < t.cfg.MinPerformance {
		raised = t.raise(raised, Alert{
			Kind:       KindLowPerformance,
			Agent:      agentName,
			Severity:   SeverityMedium,
			Executions: m.TotalExecutions,
			Message: fmt.Sprintf("agent %s performance below threshold: %.2f",
				agentName, m.AvgPerformance),
		})
	}
	return raised
}

// raise appends a to the log unless an alert of the same kind for the same
// agent was raised within the cooldown.
func (t *Tracker) raise(raised []Alert, a Alert) []Alert {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	key := alertKey{agent: a.Agent, kind: a.Kind}
	// Suppressed alerts do not reset the cooldown
	if last, ok := t.lastRaised[key]; ok && t.cfg.Cooldown > 0 && now.Sub(last) < t.cfg.Cooldown {
		return raised
	}
	a.Timestamp = now
	t.lastRaised[key] = now
	t.alerts = append(t.alerts, a)
	return append(raised, a)
}

// Alerts returns a copy of the alert log in the order alerts were raised.
func (t *Tracker) Alerts() []Alert {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Alert(nil), t.alerts...)
}
