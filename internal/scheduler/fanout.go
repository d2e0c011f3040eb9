package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/toposort"

	"github.com/aristath/taskrouter/internal/task"
)

// Fan-out defaults.
const (
	DefaultFanOutThreshold = 20.0
	DefaultFanOutMaxDepth  = 2
	DefaultFanOutPriority  = 5
	SEOTransfer            = "seo_transfer"
)

// DefaultRelations is the static table of related domains used when no
// relations are configured.
func DefaultRelations() map[string][]string {
	return map[string][]string{
		"adaptogenic-mushrooms.com": {"healthfulmushrooms.com", "brainhealthmushrooms.com"},
		"fixie.run":                 {"puffs-store.com"},
		"seobiz.be":                 {"tech-review-blog.com"},
	}
}

// FanOutConfig configures follow-up task generation.
type FanOutConfig struct {
	Threshold        float64             // Improvement must exceed this to trigger fan-out
	MaxDepth         int                 // Maximum lineage depth of a derived task
	Priority         int                 // Priority of derived tasks
	OptimizationType string              // Optimization type carried by derived payloads
	Relations        map[string][]string // domain -> related domains
}

// DefaultFanOutConfig returns the default fan-out configuration.
func DefaultFanOutConfig() FanOutConfig {
	return FanOutConfig{
		Threshold:        DefaultFanOutThreshold,
		MaxDepth:         DefaultFanOutMaxDepth,
		Priority:         DefaultFanOutPriority,
		OptimizationType: SEOTransfer,
		Relations:        DefaultRelations(),
	}
}

type fanKey struct {
	domain           string
	optimizationType string
}

// cycle tracks one processing cycle: the tree of tasks rooted at a submitted task.
type cycle struct {
	open int
	seen map[fanKey]struct{}
}

// FanOut derives follow-up tasks for related domains after a successful execution.
// Generation is bounded twice: by lineage depth, and by a per-cycle seen-set of
// (domain, optimization type) pairs so a cycle never targets the same pair twice.
type FanOut struct {
	cfg    FanOutConfig
	mu     sync.Mutex
	cycles map[string]*cycle // rootID -> cycle
}

// NewFanOut creates a FanOut. The relation table must be acyclic.
func NewFanOut(cfg FanOutConfig) (*FanOut, error) {
	if cfg.OptimizationType == "" {
		cfg.OptimizationType = SEOTransfer
	}
	if cfg.MaxDepth < 0 {
		return nil, fmt.Errorf("fan-out max depth must not be negative, got %d", cfg.MaxDepth)
	}
	if err := ValidateRelations(cfg.Relations); err != nil {
		return nil, err
	}
	return &FanOut{
		cfg:    cfg,
		cycles: make(map[string]*cycle),
	}, nil
}

// ValidateRelations checks that the domain relation table has no cycles.
func ValidateRelations(relations map[string][]string) error {
	var edges []toposort.Edge
	for from, related := range relations {
		// A nil source adds the domain as a node without constraining order
		if len(related) == 0 {
			edges = append(edges, toposort.Edge{nil, from})
			continue
		}
		for _, to := range related {
			if to == from {
				return fmt.Errorf("domain %q is related to itself", from)
			}
			edges = append(edges, toposort.Edge{from, to})
		}
	}
	if len(edges) == 0 {
		return nil
	}
	// Only the cycle check matters; the order itself is discarded
	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("domain relations contain a cycle: %w", err)
	}
	return nil
}

// Open registers one more outstanding task in the cycle rooted at rootID.
func (f *FanOut) Open(rootID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cycles[rootID]
	if !ok {
		c = &cycle{seen: make(map[fanKey]struct{})}
		f.cycles[rootID] = c
	}
	c.open++
}

// Close marks one task of the cycle rooted at rootID as finished.
// The cycle and its seen-set are forgotten once no task of it is outstanding.
func (f *FanOut) Close(rootID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cycles[rootID]
	if !ok {
		return
	}
	c.open--
	if c.open <= 0 {
		delete(f.cycles, rootID)
	}
}

// Cycles returns the number of cycles currently tracked.
func (f *FanOut) Cycles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cycles)
}

// Derive returns the follow-up tasks triggered by a successful execution of parent.
// It returns nil when the improvement does not exceed the threshold, when the
// derived tasks would exceed the depth cap, or when every related domain has
// already been targeted in this cycle. Derived tasks are not opened; the caller
// calls Open for each one it enqueues.
func (f *FanOut) Derive(parent *task.Task, improvement float64, output map[string]any, now time.Time) []*task.Task {
	// Strictly greater: an improvement equal to the threshold does not trigger
	if improvement <= f.cfg.Threshold {
		return nil
	}
	depth := parent.Depth + 1
	if depth > f.cfg.MaxDepth {
		return nil
	}
	related := f.cfg.Relations[parent.Domain]
	if len(related) == 0 {
		return nil
	}

	rootID := parent.RootID
	if rootID == "" {
		rootID = parent.ID
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.cycles[rootID]
	if !ok {
		// Parent finished its cycle bookkeeping already; track a fresh one
		c = &cycle{seen: make(map[fanKey]struct{})}
		f.cycles[rootID] = c
	}
	// The source domain never becomes a target of its own cycle
	c.seen[fanKey{parent.Domain, f.cfg.OptimizationType}] = struct{}{}

	// Sorted so derived IDs and enqueue order are deterministic
	domains := append([]string(nil), related...)
	sort.Strings(domains)

	var derived []*task.Task
	for _, domain := range domains {
		key := fanKey{domain, f.cfg.OptimizationType}
		if _, dup := c.seen[key]; dup {
			continue
		}
		c.seen[key] = struct{}{}

		derived = append(derived, &task.Task{
			ID:       fmt.Sprintf("cross_domain_opt_%s_%s", parent.ID, domain),
			Type:     task.TypeContentOptimization,
			Domain:   domain,
			Priority: f.cfg.Priority,
			Payload: task.ContentOptimization{
				SourceDomain:     parent.Domain,
				OptimizationType: f.cfg.OptimizationType,
				Reference:        output,
			},
			CreatedAt: now,
			RootID:    rootID,
			Depth:     depth,
		})
	}

	// A cycle created here with nothing to open would never be closed
	if !ok && len(derived) == 0 {
		delete(f.cycles, rootID)
	}
	return derived
}
