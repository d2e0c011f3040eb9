// Package backend runs agent capabilities as external commands.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/aristath/taskrouter/internal/agent"
	"github.com/aristath/taskrouter/internal/task"
)

// ImprovementKey is the output field read as the improvement metric when the
// command does not report one explicitly.
const ImprovementKey = "seo_score_improvement"

// CommandConfig describes how to invoke an agent command.
type CommandConfig struct {
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration // Per-call limit; 0 relies on the caller's context
}

// Request is the JSON document written to the command's stdin.
type Request struct {
	TaskID   string `json:"task_id"`
	Type     string `json:"type"`
	Domain   string `json:"domain"`
	Priority int    `json:"priority"`
	RootID   string `json:"root_id,omitempty"`
	Depth    int    `json:"depth,omitempty"`
	Payload  any    `json:"payload"`
}

// Response is the JSON document the command writes to stdout.
type Response struct {
	Data        map[string]any `json:"data"`
	Improvement *float64       `json:"improvement,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// CommandExecutor implements agent.Executor by running a command per task.
type CommandExecutor struct {
	cfg CommandConfig
	pm  *ProcessManager
}

var _ agent.Executor = (*CommandExecutor)(nil)

// NewCommandExecutor creates an executor for cfg. The command must be
// resolvable on PATH (or be a path).
func NewCommandExecutor(cfg CommandConfig, pm *ProcessManager) (*CommandExecutor, error) {
	if cfg.Command == "" {
		return nil, errors.New("command is empty")
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return nil, fmt.Errorf("command %q: %w", cfg.Command, err)
	}
	return &CommandExecutor{cfg: cfg, pm: pm}, nil
}

// Execute sends t to the command and parses its result.
func (e *CommandExecutor) Execute(ctx context.Context, t *task.Task) (agent.Result, error) {
	// The provider's own limit stacks on top of the runner's
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	in, err := json.Marshal(requestFor(t))
	if err != nil {
		return agent.Result{}, fmt.Errorf("encoding task %s: %w", t.ID, err)
	}

	// Cancelling ctx kills the command's whole process group
	cmd := newCommand(ctx, e.cfg.Command, e.cfg.Args...)
	// Extra variables extend the inherited environment
	if len(e.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(e.cfg.Env)...)
	}

	// stderr is already folded into err on failure
	stdout, _, err := executeCommand(ctx, cmd, in, e.pm)
	if err != nil {
		return agent.Result{}, err
	}
	return parseResponse(stdout)
}

// requestFor builds the stdin document for t.
func requestFor(t *task.Task) Request {
	// Generic payloads go out as their bare fields
	var payload any = t.Payload
	if g, ok := t.Payload.(task.Generic); ok {
		payload = g.Fields
	}
	return Request{
		TaskID:   t.ID,
		Type:     t.Type,
		Domain:   t.Domain,
		Priority: t.Priority,
		RootID:   t.RootID,
		Depth:    t.Depth,
		Payload:  payload,
	}
}

// parseResponse turns the command's stdout into a result. An "error" field
// fails the call even when the command exited zero.
func parseResponse(stdout []byte) (agent.Result, error) {
	var resp Response
	if err := json.Unmarshal(stdout, &resp); err != nil {
		return agent.Result{}, fmt.Errorf("parsing command output: %w", err)
	}
	if resp.Error != "" {
		return agent.Result{}, errors.New(resp.Error)
	}

	// An explicit improvement wins over the conventional key in data
	res := agent.Result{Data: resp.Data}
	switch {
	case resp.Improvement != nil:
		res.Improvement = *resp.Improvement
	default:
		if v, ok := resp.Data[ImprovementKey].(float64); ok {
			res.Improvement = v
		}
	}
	return res, nil
}

// envList renders env as KEY=VALUE pairs in a stable order.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
