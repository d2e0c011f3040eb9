package orchestrator

import (
	"sort"
	"time"

	"github.com/aristath/taskrouter/internal/agent"
	"github.com/aristath/taskrouter/internal/runner"
)

// AgentReport is one agent's entry in a performance report.
type AgentReport struct {
	Name             string        `json:"name"`
	Capabilities     []string      `json:"capabilities"`
	DomainFocus      string        `json:"domain_focus"`
	ConcurrencyLimit int           `json:"concurrency_limit"`
	Metrics          agent.Metrics `json:"metrics"`
	SuccessRate      float64       `json:"success_rate"`
	SelectionScore   float64       `json:"selection_score"`
	InFlight         int           `json:"in_flight"`
	Breaker          string        `json:"breaker"`
}

// Totals are cumulative figures across every agent.
type Totals struct {
	Executions           int     `json:"executions"`
	SuccessfulExecutions int     `json:"successful_executions"`
	SuccessRate          float64 `json:"success_rate"`
	AvgPerformance       float64 `json:"avg_performance"` // Weighted by successful executions
	TotalCost            float64 `json:"total_cost"`
	ResourceUsage        int64   `json:"resource_usage"`
}

// DomainSummary aggregates successful executions per target domain.
type DomainSummary struct {
	Optimizations  int     `json:"optimizations"`
	AvgImprovement float64 `json:"avg_improvement"`
	TotalCost      float64 `json:"total_cost"`
}

// Report is a point-in-time snapshot of router performance.
type Report struct {
	GeneratedAt time.Time                `json:"generated_at"`
	Agents      []AgentReport            `json:"agents"`
	Totals      Totals                   `json:"totals"`
	Domains     map[string]DomainSummary `json:"domains"`
	Alerts      int                      `json:"alerts"`
	QueueLength int                      `json:"queue_length"`
}

// DomainNames returns the report's domains in sorted order.
func (r Report) DomainNames() []string {
	names := make([]string, 0, len(r.Domains))
	for d := range r.Domains {
		names = append(names, d)
	}
	sort.Strings(names)
	return names
}

// PerformanceReport returns every agent's metrics in registration order plus
// cumulative totals and the per-domain summary. Each agent is read under its
// own lock; the report as a whole is not atomic.
func (o *Orchestrator) PerformanceReport() Report {
	snaps := o.registry.Snapshots()
	rep := Report{
		GeneratedAt: o.now(),
		Agents:      make([]AgentReport, 0, len(snaps)),
		Alerts:      len(o.tracker.Alerts()),
		QueueLength: o.queue.Len(),
	}

	// perfSum weights each agent's average by its successes
	var perfSum float64
	for _, s := range snaps {
		m := s.Metrics
		rep.Agents = append(rep.Agents, AgentReport{
			Name:             s.Agent.Name,
			Capabilities:     append([]string(nil), s.Agent.Capabilities...),
			DomainFocus:      s.Agent.DomainFocus,
			ConcurrencyLimit: o.limiter.Limit(s.Agent.Name), // As enforced, not as declared
			Metrics:          m,
			SuccessRate:      m.SuccessRate(),
			SelectionScore:   s.Score(),
			InFlight:         o.limiter.InFlight(s.Agent.Name),
			Breaker:          o.runner.Breakers().State(s.Agent.Name).String(),
		})

		rep.Totals.Executions += m.TotalExecutions
		rep.Totals.SuccessfulExecutions += m.SuccessfulExecutions
		rep.Totals.TotalCost += m.TotalCost
		rep.Totals.ResourceUsage += m.ResourceUsage
		perfSum += m.AvgPerformance * float64(m.SuccessfulExecutions)
	}
	// Rates stay zero until something has run
	if rep.Totals.Executions > 0 {
		rep.Totals.SuccessRate = float64(rep.Totals.SuccessfulExecutions) / float64(rep.Totals.Executions)
	}
	if rep.Totals.SuccessfulExecutions > 0 {
		rep.Totals.AvgPerformance = perfSum / float64(rep.Totals.SuccessfulExecutions)
	}

	// Copy so callers never see later updates
	o.mu.Lock()
	rep.Domains = make(map[string]DomainSummary, len(o.domains))
	for d, s := range o.domains {
		rep.Domains[d] = s
	}
	o.mu.Unlock()

	return rep
}

// observeDomain folds a successful record into its domain's summary.
func (o *Orchestrator) observeDomain(rec runner.ExecutionRecord) {
	domain := rec.Domain
	if domain == "" {
		domain = "unknown"
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.domains[domain]
	s.Optimizations++
	s.TotalCost += rec.Cost
	// Running mean, no history kept
	n := float64(s.Optimizations)
	s.AvgImprovement = (s.AvgImprovement*(n-1) + rec.Improvement) / n
	o.domains[domain] = s
}
