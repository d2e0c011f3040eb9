package config

import (
	"time"

	"github.com/aristath/taskrouter/internal/agent"
	"github.com/aristath/taskrouter/internal/runner"
	"github.com/aristath/taskrouter/internal/scheduler"
	"github.com/aristath/taskrouter/internal/task"
	"github.com/aristath/taskrouter/internal/tracker"
)

// DefaultConfig returns the default configuration. It defines no agents.
func DefaultConfig() *RouterConfig {
	// File defaults mirror the package defaults so an empty file behaves like no file
	rc := runner.DefaultConfig()
	tc := tracker.DefaultConfig()
	fc := scheduler.DefaultFanOutConfig()

	return &RouterConfig{
		Workers:            4,
		RateLimitTimeoutMs: rc.RateLimitTimeout.Milliseconds(),
		ExecTimeoutMs:      rc.ExecTimeout.Milliseconds(),
		DBPath:             ".taskrouter/taskrouter.db",
		Providers:          map[string]ProviderConfig{},
		Agents:             []AgentConfig{},
		FanOut: FanOutConfig{
			Enabled:   true,
			Threshold: fc.Threshold,
			MaxDepth:  fc.MaxDepth,
			Priority:  fc.Priority,
			Relations: fc.Relations,
		},
		Alerts: AlertConfig{
			MinSuccessRate: tc.MinSuccessRate,
			MinPerformance: tc.MinPerformance,
			CooldownMs:     tc.Cooldown.Milliseconds(),
		},
		Retry: RetryConfig{
			MaxRetries:        rc.Retry.MaxRetries,
			InitialIntervalMs: rc.Retry.InitialInterval.Milliseconds(),
			MaxIntervalMs:     rc.Retry.MaxInterval.Milliseconds(),
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: rc.Breaker.ConsecutiveFailures,
			OpenTimeoutMs:       rc.Breaker.OpenTimeout.Milliseconds(),
		},
	}
}

// ExampleConfig returns DefaultConfig with one sample provider and agent, as
// written by `taskrouter init --example`.
func ExampleConfig() *RouterConfig {
	cfg := DefaultConfig()
	cfg.Providers["seo-cli"] = ProviderConfig{
		Command:   "seo-agent",
		Args:      []string{"--json"},
		TimeoutMs: 120000,
	}
	cfg.Agents = append(cfg.Agents, AgentConfig{
		Name:             "seo-optimizer",
		Provider:         "seo-cli",
		Capabilities:     []string{task.TypeSEOAnalysis, task.TypeContentOptimization},
		DomainFocus:      agent.WildcardDomain,
		ConcurrencyLimit: 2,
	})
	return cfg
}

// ms converts a millisecond setting from the file.
func ms(v int64) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// RunnerConfig converts the execution settings for the runner.
func (c *RouterConfig) RunnerConfig() runner.Config {
	// Start from the runner defaults: half-open requests and jitter are not
	// exposed in the file
	rc := runner.DefaultConfig()
	rc.RateLimitTimeout = ms(c.RateLimitTimeoutMs)
	rc.ExecTimeout = ms(c.ExecTimeoutMs)
	rc.Retry.MaxRetries = c.Retry.MaxRetries
	rc.Retry.InitialInterval = ms(c.Retry.InitialIntervalMs)
	rc.Retry.MaxInterval = ms(c.Retry.MaxIntervalMs)
	rc.Breaker.ConsecutiveFailures = c.Breaker.ConsecutiveFailures
	rc.Breaker.OpenTimeout = ms(c.Breaker.OpenTimeoutMs)
	return rc
}

// TrackerConfig converts the alert settings for the tracker.
func (c *RouterConfig) TrackerConfig() tracker.Config {
	return tracker.Config{
		MinSuccessRate: c.Alerts.MinSuccessRate,
		MinPerformance: c.Alerts.MinPerformance,
		Cooldown:       ms(c.Alerts.CooldownMs),
	}
}

// FanOutConfig converts the fan-out settings for the scheduler.
func (c *RouterConfig) FanOutConfig() scheduler.FanOutConfig {
	// Validate has already checked the relation table
	fc := scheduler.DefaultFanOutConfig()
	fc.Threshold = c.FanOut.Threshold
	fc.MaxDepth = c.FanOut.MaxDepth
	fc.Priority = c.FanOut.Priority
	fc.Relations = c.FanOut.Relations
	return fc
}
