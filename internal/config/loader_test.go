package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/taskrouter/internal/agent"
)

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func seoAgent(provider string) AgentConfig {
	return AgentConfig{
		Name:             "seo-optimizer",
		Provider:         provider,
		Capabilities:     []string{"seo_analysis", "content_optimization"},
		DomainFocus:      "all",
		ConcurrencyLimit: 2,
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name          string
		global        any
		project       any
		expectAgents  []string
		expectWorkers int
		checkAgent    string
		expectProv    string
		expectError   bool
	}{
		{
			name:          "No config files - returns defaults",
			expectAgents:  nil,
			expectWorkers: 4,
		},
		{
			name: "Global only - adds agent",
			global: map[string]any{
				"providers": map[string]any{"seo-cli": map[string]any{"command": "seo-agent"}},
				"agents":    []AgentConfig{seoAgent("seo-cli")},
			},
			expectAgents:  []string{"seo-optimizer"},
			expectWorkers: 4,
			checkAgent:    "seo-optimizer",
			expectProv:    "seo-cli",
		},
		{
			name: "Project overrides global agent in place and appends new ones",
			global: map[string]any{
				"agents": []AgentConfig{seoAgent("seo-cli"), {Name: "content-generator", Provider: "gen"}},
			},
			project: map[string]any{
				"workers": 8,
				"agents":  []AgentConfig{{Name: "analytics", Provider: "an"}, seoAgent("seo-v2")},
			},
			expectAgents:  []string{"seo-optimizer", "content-generator", "analytics"},
			expectWorkers: 8,
			checkAgent:    "seo-optimizer",
			expectProv:    "seo-v2",
		},
		{
			name:        "Malformed JSON",
			project:     "not json at all {",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			globalPath := filepath.Join(dir, "global", "config.json")
			projectPath := filepath.Join(dir, "project", "config.json")

			if tt.global != nil {
				writeJSON(t, globalPath, tt.global)
			}
			if s, ok := tt.project.(string); ok {
				_ = os.MkdirAll(filepath.Dir(projectPath), 0755)
				_ = os.WriteFile(projectPath, []byte(s), 0644)
			} else if tt.project != nil {
				writeJSON(t, projectPath, tt.project)
			}

			cfg, err := Load(globalPath, projectPath)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			var names []string
			for _, a := range cfg.Agents {
				names = append(names, a.Name)
			}
			if strings.Join(names, ",") != strings.Join(tt.expectAgents, ",") {
				t.Errorf("expected agents %v, got %v", tt.expectAgents, names)
			}
			if cfg.Workers != tt.expectWorkers {
				t.Errorf("expected %d workers, got %d", tt.expectWorkers, cfg.Workers)
			}
			if tt.checkAgent != "" {
				a, ok := cfg.Agent(tt.checkAgent)
				if !ok {
					t.Fatalf("agent %s missing", tt.checkAgent)
				}
				if a.Provider != tt.expectProv {
					t.Errorf("expected provider %s, got %s", tt.expectProv, a.Provider)
				}
			}
		})
	}
}

func TestLoad_PartialOverrideKeepsNestedDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeJSON(t, path, map[string]any{
		"alerts":  map[string]any{"cooldown_ms": 60000},
		"fan_out": map[string]any{"max_depth": 1},
	})

	cfg, err := Load("", path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Alerts.MinSuccessRate != 0.8 || cfg.Alerts.MinPerformance != 0.6 {
		t.Errorf("alert thresholds should keep defaults, got %+v", cfg.Alerts)
	}
	if cfg.TrackerConfig().Cooldown != time.Minute {
		t.Errorf("expected 1m cooldown, got %s", cfg.TrackerConfig().Cooldown)
	}
	if cfg.FanOut.MaxDepth != 1 || cfg.FanOut.Threshold != 20 || !cfg.FanOut.Enabled {
		t.Errorf("unexpected fan-out settings: %+v", cfg.FanOut)
	}
	if len(cfg.FanOut.Relations) != 3 {
		t.Errorf("default relations should survive, got %v", cfg.FanOut.Relations)
	}
}

func TestLoad_RelationsReplaced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeJSON(t, path, map[string]any{
		"fan_out": map[string]any{"relations": map[string][]string{"a.com": {"b.com"}}},
	})

	cfg, err := Load("", path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.FanOut.Relations) != 1 || cfg.FanOut.Relations["a.com"][0] != "b.com" {
		t.Errorf("expected relations to be replaced, got %v", cfg.FanOut.Relations)
	}
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitTimeoutMs = 1500
	cfg.ExecTimeoutMs = 2000
	cfg.Retry.MaxRetries = 2

	rc := cfg.RunnerConfig()
	if rc.RateLimitTimeout != 1500*time.Millisecond || rc.ExecTimeout != 2*time.Second {
		t.Errorf("unexpected timeouts: %+v", rc)
	}
	if rc.Retry.MaxRetries != 2 || rc.Breaker.ConsecutiveFailures != 5 {
		t.Errorf("unexpected resilience settings: %+v %+v", rc.Retry, rc.Breaker)
	}

	fc := cfg.FanOutConfig()
	if fc.Threshold != 20 || fc.MaxDepth != 2 || fc.Priority != 5 || fc.OptimizationType != "seo_transfer" {
		t.Errorf("unexpected fan-out config: %+v", fc)
	}
}

func validConfig() *RouterConfig {
	cfg := DefaultConfig()
	cfg.Providers["seo-cli"] = ProviderConfig{Command: "seo-agent"}
	cfg.Agents = []AgentConfig{seoAgent("seo-cli")}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*RouterConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(*RouterConfig) {}},
		{name: "zero workers", mutate: func(c *RouterConfig) { c.Workers = 0 }, wantErr: "workers"},
		{name: "duplicate agent", mutate: func(c *RouterConfig) { c.Agents = append(c.Agents, seoAgent("seo-cli")) }, wantErr: "duplicate agent"},
		{name: "unknown provider", mutate: func(c *RouterConfig) { c.Agents[0].Provider = "nope" }, wantErr: "unknown provider"},
		{name: "empty command", mutate: func(c *RouterConfig) { c.Providers["seo-cli"] = ProviderConfig{} }, wantErr: "command is empty"},
		{name: "zero concurrency", mutate: func(c *RouterConfig) { c.Agents[0].ConcurrencyLimit = 0 }, wantErr: "concurrency_limit"},
		{name: "no capabilities", mutate: func(c *RouterConfig) { c.Agents[0].Capabilities = nil }, wantErr: "no capabilities"},
		{name: "bad threshold", mutate: func(c *RouterConfig) { c.Alerts.MinSuccessRate = 1.5 }, wantErr: "min_success_rate"},
		{name: "bad priority", mutate: func(c *RouterConfig) { c.FanOut.Priority = 11 }, wantErr: "fan_out.priority"},
		{
			name:    "cyclic relations",
			mutate:  func(c *RouterConfig) { c.FanOut.Relations = map[string][]string{"a": {"b"}, "b": {"a"}} },
			wantErr: "fan_out.relations",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}

	// Duplicate names are reported with the agent sentinel text
	cfg := validConfig()
	cfg.Agents = append(cfg.Agents, cfg.Agents[0])
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), agent.ErrDuplicateAgent.Error()) {
		t.Errorf("expected duplicate agent error, got %v", err)
	}
}
