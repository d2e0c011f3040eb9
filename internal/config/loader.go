package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aristath/taskrouter/internal/agent"
	"github.com/aristath/taskrouter/internal/scheduler"
	"github.com/aristath/taskrouter/internal/task"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*RouterConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// GlobalPath returns ~/.taskrouter/config.json.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".taskrouter", "config.json"), nil
}

// ProjectPath is the project config location relative to the working directory.
const ProjectPath = ".taskrouter/config.json"

// LoadDefault loads configuration from conventional paths.
// Global: ~/.taskrouter/config.json
// Project: .taskrouter/config.json (relative to cwd)
func LoadDefault() (*RouterConfig, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, ProjectPath)
}

// mergeConfigFile reads a JSON config file and merges it into base.
// Scalars and nested settings present in the file override base. Providers
// merge by key. Agents merge by name: a known name is replaced in place, a new
// name is appended. A relations table in the file replaces the base table.
// Missing files are silently skipped.
func mergeConfigFile(base *RouterConfig, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	// json.Unmarshal would append into the agents slice and merge into the
	// relations map; detach both so the file's values can be told apart
	agents := base.Agents
	relations := base.FanOut.Relations
	base.Agents = nil
	base.FanOut.Relations = nil

	// Unmarshalling into base only overwrites the fields present in the file
	if err := json.Unmarshal(data, base); err != nil {
		// Restore so a failed load leaves base usable
		base.Agents, base.FanOut.Relations = agents, relations
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	base.Agents = mergeAgents(agents, base.Agents)
	// Absent in the file: keep the inherited table
	if base.FanOut.Relations == nil {
		base.FanOut.Relations = relations
	}
	// "providers": null in a file must not leave a nil map behind
	if base.Providers == nil {
		base.Providers = map[string]ProviderConfig{}
	}
	return nil
}

// mergeAgents replaces agents by name and appends new ones, keeping the
// position of replaced agents so selection tie-breaks stay stable.
func mergeAgents(base, overrides []AgentConfig) []AgentConfig {
	merged := append([]AgentConfig{}, base...)
	for _, o := range overrides {
		replaced := false
		for i := range merged {
			if merged[i].Name == o.Name {
				merged[i] = o
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, o)
		}
	}
	return merged
}

// Validate checks the configuration and returns every problem found.
func (c *RouterConfig) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// Collect everything instead of stopping at the first problem, so a
	// single validate run lists all fixes
	if c.Workers < 1 {
		add("workers must be at least 1, got %d", c.Workers)
	}
	if c.RateLimitTimeoutMs < 0 || c.ExecTimeoutMs < 0 {
		add("timeouts must not be negative")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		label := a.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
			add("agent %s: name is empty", label)
		}
		if seen[a.Name] {
			add("agent %s: %v", label, agent.ErrDuplicateAgent)
		}
		seen[a.Name] = true

		if len(a.Capabilities) == 0 {
			add("agent %s: no capabilities", label)
		}
		if a.DomainFocus == "" {
			add("agent %s: domain_focus is empty (use %q for every domain)", label, agent.WildcardDomain)
		}
		if a.ConcurrencyLimit < 1 {
			add("agent %s: concurrency_limit must be at least 1, got %d", label, a.ConcurrencyLimit)
		}
		if a.CostPerUnit < 0 {
			add("agent %s: cost_per_unit must not be negative", label)
		}
		// Each agent needs a runnable provider
		p, ok := c.Providers[a.Provider]
		switch {
		case !ok:
			add("agent %s: unknown provider %q", label, a.Provider)
		case p.Command == "":
			add("provider %q: command is empty", a.Provider)
		}
	}

	if c.Alerts.MinSuccessRate < 0 || c.Alerts.MinSuccessRate > 1 {
		add("alerts.min_success_rate must be within [0, 1], got %v", c.Alerts.MinSuccessRate)
	}
	if c.Alerts.MinPerformance < 0 || c.Alerts.MinPerformance > 1 {
		add("alerts.min_performance must be within [0, 1], got %v", c.Alerts.MinPerformance)
	}
	if c.Alerts.CooldownMs < 0 {
		add("alerts.cooldown_ms must not be negative")
	}
	if c.Retry.MaxRetries < 0 {
		add("retry.max_retries must not be negative")
	}

	if c.FanOut.MaxDepth < 0 {
		add("fan_out.max_depth must not be negative, got %d", c.FanOut.MaxDepth)
	}
	if c.FanOut.Priority < 0 || c.FanOut.Priority > task.MaxPriority {
		add("fan_out.priority must be within [0, %d], got %d", task.MaxPriority, c.FanOut.Priority)
	}
	// A cyclic table would let fan-out bounce between domains
	if err := scheduler.ValidateRelations(c.FanOut.Relations); err != nil {
		add("fan_out.relations: %w", err)
	}

	return errors.Join(errs...)
}
