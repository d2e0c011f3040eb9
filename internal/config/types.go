package config

// ProviderConfig defines how an agent capability is invoked: a CLI command that
// reads the task as JSON on stdin and writes its result as JSON on stdout.
// Providers are separate from agents, so several agents can share one provider.
type ProviderConfig struct {
	Command   string            `json:"command"`              // Executable name or path
	Args      []string          `json:"args,omitempty"`       // Arguments passed on every invocation
	Env       map[string]string `json:"env,omitempty"`        // Extra environment variables
	TimeoutMs int64             `json:"timeout_ms,omitempty"` // Per-call limit; 0 uses the global execution timeout
}

// AgentConfig defines one routable agent.
type AgentConfig struct {
	Name             string   `json:"name"`
	Provider         string   `json:"provider"`     // Key into Providers
	Capabilities     []string `json:"capabilities"` // Task types served
	DomainFocus      string   `json:"domain_focus"` // A domain, or "all"
	ConcurrencyLimit int      `json:"concurrency_limit"`
	CostPerUnit      float64  `json:"cost_per_unit,omitempty"` // 0 uses the default rate
}

// FanOutConfig controls derived cross-domain tasks.
type FanOutConfig struct {
	Enabled   bool                `json:"enabled"`
	Threshold float64             `json:"threshold"`           // Improvement that triggers fan-out (strictly greater)
	MaxDepth  int                 `json:"max_depth"`           // Derivation levels below a submitted task
	Priority  int                 `json:"priority"`            // Priority of derived tasks
	Relations map[string][]string `json:"relations,omitempty"` // Domain -> related domains; must be acyclic
}

// AlertConfig holds the performance alert thresholds.
type AlertConfig struct {
	MinSuccessRate float64 `json:"min_success_rate"`
	MinPerformance float64 `json:"min_performance"`
	CooldownMs     int64   `json:"cooldown_ms"` // 0 alerts on every breach
}

// RetryConfig controls retries of failed agent calls.
type RetryConfig struct {
	MaxRetries        int   `json:"max_retries"` // 0 disables retry
	InitialIntervalMs int64 `json:"initial_interval_ms"`
	MaxIntervalMs     int64 `json:"max_interval_ms"`
}

// BreakerConfig controls the per-agent circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	OpenTimeoutMs       int64  `json:"open_timeout_ms"`
}

// TelemetryConfig configures OTLP export. An empty endpoint disables it.
type TelemetryConfig struct {
	Endpoint string `json:"endpoint,omitempty"`
	Insecure bool   `json:"insecure,omitempty"`
}

// RouterConfig is the top-level configuration.
type RouterConfig struct {
	Workers            int                       `json:"workers"`
	RateLimitTimeoutMs int64                     `json:"rate_limit_timeout_ms"`
	ExecTimeoutMs      int64                     `json:"exec_timeout_ms"`
	DBPath             string                    `json:"db_path,omitempty"` // Empty disables persistence
	Providers          map[string]ProviderConfig `json:"providers"`
	Agents             []AgentConfig             `json:"agents"` // Registration order breaks selection ties
	FanOut             FanOutConfig              `json:"fan_out"`
	Alerts             AlertConfig               `json:"alerts"`
	Retry              RetryConfig               `json:"retry"`
	Breaker            BreakerConfig             `json:"breaker"`
	Telemetry          TelemetryConfig           `json:"telemetry"`
}

// Agent returns the agent named name.
func (c *RouterConfig) Agent(name string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentConfig{}, false
}
