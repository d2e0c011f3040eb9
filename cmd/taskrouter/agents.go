package main

import (
	"fmt"
	"log/slog"

	"github.com/aristath/taskrouter/internal/agent"
	"github.com/aristath/taskrouter/internal/backend"
	"github.com/aristath/taskrouter/internal/config"
	"github.com/aristath/taskrouter/internal/events"
	"github.com/aristath/taskrouter/internal/orchestrator"
)

// orchestratorConfig converts the router configuration for the orchestrator.
func orchestratorConfig(cfg *config.RouterConfig) orchestrator.Config {
	return orchestrator.Config{
		Workers:       cfg.Workers,
		FanOutEnabled: cfg.FanOut.Enabled,
		FanOut:        cfg.FanOutConfig(),
		Runner:        cfg.RunnerConfig(),
		Tracker:       cfg.TrackerConfig(),
	}
}

// buildOrchestrator creates an orchestrator and registers every configured
// agent, in configuration order, backed by its provider command.
func buildOrchestrator(cfg *config.RouterConfig, pm *backend.ProcessManager, recorder orchestrator.Recorder, bus events.Publisher, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	o, err := orchestrator.New(orchestratorConfig(cfg), orchestrator.Deps{
		Recorder: recorder,
		Bus:      bus,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	// Order matters: the selector breaks score ties by registration order
	for _, ac := range cfg.Agents {
		a, err := newAgent(cfg, ac, pm)
		if err != nil {
			return nil, err
		}
		if err := o.RegisterAgent(a); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// newAgent builds the agent descriptor for ac. Agents sharing a provider get
// separate executors but the same ProcessManager.
func newAgent(cfg *config.RouterConfig, ac config.AgentConfig, pm *backend.ProcessManager) (agent.Agent, error) {
	// Validate already checks this; the guard keeps newAgent safe on its own
	pc, ok := cfg.Providers[ac.Provider]
	if !ok {
		return agent.Agent{}, fmt.Errorf("agent %q: unknown provider %q", ac.Name, ac.Provider)
	}
	// Fails early when the command is not on PATH
	exec, err := backend.NewCommandExecutor(backend.CommandConfig{
		Command: pc.Command,
		Args:    pc.Args,
		Env:     pc.Env,
		Timeout: msDuration(pc.TimeoutMs),
	}, pm)
	if err != nil {
		return agent.Agent{}, fmt.Errorf("agent %q: %w", ac.Name, err)
	}
	return agent.Agent{
		Name:             ac.Name,
		Capabilities:     ac.Capabilities,
		DomainFocus:      ac.DomainFocus,
		ConcurrencyLimit: ac.ConcurrencyLimit,
		CostPerUnit:      ac.CostPerUnit,
		Executor:         exec,
	}, nil
}
