// Package agent holds agent descriptors, their rolling performance history,
// and the selection algorithm that routes a task to the best eligible agent.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/taskrouter/internal/task"
)

// WildcardDomain is the domain focus of agents that serve every domain.
const WildcardDomain = "all"

// DefaultCostPerUnit is the cost of one resource unit when an agent does not set one.
const DefaultCostPerUnit = 0.002

var (
	// ErrDuplicateAgent is returned when registering a name that already exists.
	ErrDuplicateAgent = errors.New("duplicate agent")
	// ErrInvalidAgent is returned for descriptors that cannot be registered.
	ErrInvalidAgent = errors.New("invalid agent")
	// ErrNoEligibleAgent is returned when no agent can serve a task.
	ErrNoEligibleAgent = errors.New("no eligible agent")
)

// Result is what an agent capability returns for a task.
type Result struct {
	Data map[string]any `json:"data,omitempty"`
	// Improvement is the agent-reported improvement metric (e.g. SEO score gain).
	// Successful executions above the fan-out threshold trigger follow-up tasks.
	Improvement float64 `json:"improvement,omitempty"`
}

// Executor is the opaque capability of an agent. Task-type specific behavior
// lives behind this interface, never in the router.
type Executor interface {
	Execute(ctx context.Context, t *task.Task) (Result, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, t *task.Task) (Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, t *task.Task) (Result, error) {
	return f(ctx, t)
}

// Agent describes a worker that can execute certain task types for certain domains.
type Agent struct {
	Name             string
	Capabilities     []string // Task types this agent serves
	DomainFocus      string   // A specific domain, or WildcardDomain
	ConcurrencyLimit int
	CostPerUnit      float64
	Executor         Executor
}

// Can reports whether the agent's capability set contains taskType.
func (a Agent) Can(taskType string) bool {
	for _, c := range a.Capabilities {
		if c == taskType {
			return true
		}
	}
	return false
}

// Serves reports whether the agent's domain focus covers domain.
func (a Agent) Serves(domain string) bool {
	return a.DomainFocus == WildcardDomain || a.DomainFocus == domain
}

// Eligible reports whether the agent can take t.
func (a Agent) Eligible(t *task.Task) bool {
	return a.Can(t.Type) && a.Serves(t.Domain)
}

func (a Agent) validate() error {
	switch {
	case a.Name == "":
		return fmt.Errorf("%w: name is empty", ErrInvalidAgent)
	case len(a.Capabilities) == 0:
		return fmt.Errorf("%w: agent %q has no capabilities", ErrInvalidAgent, a.Name)
	case a.DomainFocus == "":
		return fmt.Errorf("%w: agent %q has no domain focus", ErrInvalidAgent, a.Name)
	case a.ConcurrencyLimit < 1:
		return fmt.Errorf("%w: agent %q concurrency limit must be at least 1, got %d", ErrInvalidAgent, a.Name, a.ConcurrencyLimit)
	case a.CostPerUnit < 0:
		return fmt.Errorf("%w: agent %q cost per unit must not be negative", ErrInvalidAgent, a.Name)
	case a.Executor == nil:
		return fmt.Errorf("%w: agent %q has no executor", ErrInvalidAgent, a.Name)
	}
	return nil
}
