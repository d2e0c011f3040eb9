package agent

import (
	"fmt"
	"sync"
	"time"
)

// HistorySize is the number of most recent successful scores the selector averages.
const HistorySize = 10

// Metrics are the rolling performance statistics of one agent.
type Metrics struct {
	TotalExecutions      int       `json:"total_executions"`
	SuccessfulExecutions int       `json:"successful_executions"`
	AvgPerformance       float64   `json:"avg_performance"` // Mean score over successful executions only
	ResourceUsage        int64     `json:"resource_usage"`
	TotalCost            float64   `json:"total_cost"`
	AvgDurationMs        float64   `json:"avg_duration_ms"` // Exponential moving average
	LastExecution        time.Time `json:"last_execution"`
}

// SuccessRate returns successful/total executions, or 0 with no executions.
func (m Metrics) SuccessRate() float64 {
	if m.TotalExecutions == 0 {
		return 0
	}
	return float64(m.SuccessfulExecutions) / float64(m.TotalExecutions)
}

// Stats is the mutable performance state of one agent. It is only reachable
// inside Registry.Update, which holds the agent's lock.
type Stats struct {
	Metrics Metrics
	recent  []float64 // Last HistorySize successful scores, oldest first
}

// Observe records a successful execution's score in the selection history.
func (s *Stats) Observe(score float64) {
	// Trim in place, keeping the newest HistorySize scores
	s.recent = append(s.recent, score)
	if len(s.recent) > HistorySize {
		s.recent = append(s.recent[:0], s.recent[len(s.recent)-HistorySize:]...)
	}
}

// entry is a registered agent and its performance state, guarded by its own mutex.
type entry struct {
	agent Agent
	mu    sync.Mutex
	stats Stats
}

// Snapshot is a point-in-time copy of an agent's descriptor and statistics.
type Snapshot struct {
	Agent   Agent
	Metrics Metrics
	Recent  []float64
}

// Registry holds agent descriptors in registration order together with their
// performance history. Registration is guarded by the registry lock; each
// agent's statistics are guarded by a per-agent lock so concurrent completions
// for different agents never contend.
type Registry struct {
	mu     sync.RWMutex
	order  []*entry
	byName map[string]*entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*entry),
	}
}

// Register adds an agent. Fails with ErrDuplicateAgent if the name is taken.
func (r *Registry) Register(a Agent) error {
	// Zero cost means unset, not free
	if a.CostPerUnit == 0 {
		a.CostPerUnit = DefaultCostPerUnit
	}
	if err := a.validate(); err != nil {
		return err
	}
	// The caller's slice must not alias the stored descriptor
	a.Capabilities = append([]string(nil), a.Capabilities...)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[a.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateAgent, a.Name)
	}
	e := &entry{agent: a}
	r.order = append(r.order, e)
	r.byName[a.Name] = e
	return nil
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (Agent, bool) {
	e := r.lookup(name)
	if e == nil {
		return Agent{}, false
	}
	return e.agent, true
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Update runs fn with exclusive access to the named agent's statistics.
func (r *Registry) Update(name string, fn func(*Stats)) error {
	e := r.lookup(name)
	if e == nil {
		return fmt.Errorf("agent %q not registered", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.stats)
	return nil
}

// Snapshot returns a point-in-time copy of the named agent's state.
func (r *Registry) Snapshot(name string) (Snapshot, bool) {
	e := r.lookup(name)
	if e == nil {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// Snapshots returns point-in-time copies of every agent in registration order.
// Each agent is copied under its own lock; the set as a whole is not atomic.
func (r *Registry) Snapshots() []Snapshot {
	entries := r.entries()
	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// lookup returns the entry for name, or nil.
func (r *Registry) lookup(name string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// entries returns a copy of the ordered entry list.
func (r *Registry) entries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*entry(nil), r.order...)
}

// snapshot copies e under its lock.
func (e *entry) snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Agent:   e.agent,
		Metrics: e.stats.Metrics,
		Recent:  append([]float64(nil), e.stats.recent...),
	}
}
