package runner

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/taskrouter/internal/agent"
	"github.com/aristath/taskrouter/internal/scheduler"
	"github.com/aristath/taskrouter/internal/task"
)

func newTask(id string) *task.Task {
	return &task.Task{
		ID:        id,
		Type:      task.TypeSEOAnalysis,
		Domain:    "seobiz.be",
		Payload:   task.SEOAnalysis{Keywords: []string{"seo"}},
		CreatedAt: time.Now(),
	}
}

func newAgent(name string, limit int, fn agent.ExecutorFunc) agent.Agent {
	return agent.Agent{
		Name:             name,
		Capabilities:     []string{task.TypeSEOAnalysis},
		DomainFocus:      agent.WildcardDomain,
		ConcurrencyLimit: limit,
		CostPerUnit:      0.002,
		Executor:         fn,
	}
}

func newRunner(t *testing.T, cfg Config, agents ...agent.Agent) (*Runner, *scheduler.Limiter) {
	t.Helper()
	lim := scheduler.NewLimiter()
	for _, a := range agents {
		if err := lim.Register(a.Name, a.ConcurrencyLimit); err != nil {
			t.Fatalf("register limiter: %v", err)
		}
	}
	return New(lim, cfg, nil), lim
}

func TestScore(t *testing.T) {
	tests := []struct {
		name         string
		success      bool
		durationMs   float64
		payloadBytes int
		want         float64
	}{
		{name: "perfect", success: true, durationMs: 0, payloadBytes: 1000, want: 1.0},
		{name: "large payload capped", success: true, durationMs: 0, payloadBytes: 5000, want: 1.0},
		{name: "slow success", success: true, durationMs: 20000, payloadBytes: 0, want: 0.5},
		{name: "half speed", success: true, durationMs: 5000, payloadBytes: 500, want: 0.5 + 0.15 + 0.1},
		{name: "fast failure", success: false, durationMs: 0, payloadBytes: 1000, want: 0.5},
		{name: "slow failure", success: false, durationMs: 60000, payloadBytes: 0, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.success, tt.durationMs, tt.payloadBytes)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
			if !tt.success && got > 0.5 {
				t.Errorf("failed execution scored %v, must be <= 0.5", got)
			}
		})
	}
}

func TestResourceUsage(t *testing.T) {
	// {"metrics":["a"]} is 17 bytes, {"k":"vv"} is 10 bytes
	got := ResourceUsage(task.Analytics{Metrics: []string{"a"}}, map[string]any{"k": "vv"})
	if got != (17+10)/4 {
		t.Errorf("expected %d, got %d", (17+10)/4, got)
	}
	if got := ResourceUsage(task.Analytics{Metrics: []string{"a"}}, nil); got != 17/4 {
		t.Errorf("expected %d with no output, got %d", 17/4, got)
	}
}

func TestExecute_Success(t *testing.T) {
	a := newAgent("seo", 1, func(ctx context.Context, tk *task.Task) (agent.Result, error) {
		return agent.Result{Data: map[string]any{"seo_score_improvement": 25.0}, Improvement: 25}, nil
	})
	r, lim := newRunner(t, DefaultConfig(), a)
	tk := newTask("t1")
	_ = tk.Assign(a.Name)

	rec := r.Execute(context.Background(), tk, a)

	if !rec.Success || rec.Error != "" || rec.ErrorKind != KindNone {
		t.Fatalf("expected success, got %+v", rec)
	}
	if rec.TaskID != "t1" || rec.Agent != "seo" || rec.Domain != "seobiz.be" {
		t.Errorf("record identity mismatch: %+v", rec)
	}
	if rec.Improvement != 25 {
		t.Errorf("expected improvement 25, got %v", rec.Improvement)
	}
	if rec.Score < 0.5 || rec.Score > 1 {
		t.Errorf("expected success score in [0.5, 1], got %v", rec.Score)
	}
	if rec.ResourceUsage <= 0 {
		t.Errorf("expected positive resource usage, got %d", rec.ResourceUsage)
	}
	if math.Abs(rec.Cost-float64(rec.ResourceUsage)*0.002) > 1e-12 {
		t.Errorf("cost %v does not match usage %d", rec.Cost, rec.ResourceUsage)
	}
	if rec.FinishedAt.Before(rec.StartedAt) {
		t.Error("finished before started")
	}
	if tk.Status() != task.StatusRunning {
		t.Errorf("runner should leave task running for the caller to finish, got %s", tk.Status())
	}
	if lim.InFlight("seo") != 0 {
		t.Errorf("slot leaked: %d in flight", lim.InFlight("seo"))
	}
}

func TestExecute_ProviderError(t *testing.T) {
	a := newAgent("broken", 1, func(ctx context.Context, tk *task.Task) (agent.Result, error) {
		return agent.Result{}, errors.New("upstream 503")
	})
	r, lim := newRunner(t, DefaultConfig(), a)

	rec := r.Execute(context.Background(), newTask("t1"), a)

	if rec.Success {
		t.Fatal("expected failure")
	}
	if rec.ErrorKind != KindProvider {
		t.Errorf("expected provider_error, got %q", rec.ErrorKind)
	}
	if !strings.Contains(rec.Error, "upstream 503") {
		t.Errorf("error text not attached: %q", rec.Error)
	}
	if rec.Score > 0.5 {
		t.Errorf("failure scored %v", rec.Score)
	}
	if lim.InFlight("broken") != 0 {
		t.Error("slot leaked after failure")
	}
}

func TestExecute_PanicCaptured(t *testing.T) {
	a := newAgent("panicky", 1, func(ctx context.Context, tk *task.Task) (agent.Result, error) {
		panic("boom")
	})
	r, lim := newRunner(t, DefaultConfig(), a)

	rec := r.Execute(context.Background(), newTask("t1"), a)

	if rec.Success || rec.ErrorKind != KindProvider {
		t.Fatalf("expected provider failure, got %+v", rec)
	}
	if !strings.Contains(rec.Error, "boom") {
		t.Errorf("panic value missing from error: %q", rec.Error)
	}

	// Slot is released by the executing goroutine after the panic
	deadline := time.Now().Add(time.Second)
	for lim.InFlight("panicky") != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if lim.InFlight("panicky") != 0 {
		t.Error("slot leaked after panic")
	}
}

func TestExecute_RateLimitTimeout(t *testing.T) {
	release := make(chan struct{})
	a := newAgent("busy", 1, func(ctx context.Context, tk *task.Task) (agent.Result, error) {
		<-release
		return agent.Result{}, nil
	})
	cfg := DefaultConfig()
	cfg.RateLimitTimeout = 30 * time.Millisecond
	r, lim := newRunner(t, cfg, a)

	first := make(chan ExecutionRecord, 1)
	go func() { first <- r.Execute(context.Background(), newTask("t1"), a) }()
	for lim.InFlight("busy") != 1 {
		time.Sleep(time.Millisecond)
	}

	rec := r.Execute(context.Background(), newTask("t2"), a)
	if rec.Success || rec.ErrorKind != KindRateLimitTimeout {
		t.Fatalf("expected rate_limit_timeout, got %+v", rec)
	}
	if !rec.Counted() {
		t.Error("rate-limit timeouts must count toward agent statistics")
	}

	close(release)
	if got := <-first; !got.Success {
		t.Errorf("first execution should succeed, got %+v", got)
	}
	if lim.InFlight("busy") != 0 {
		t.Error("slot leaked")
	}
}

func TestExecute_ExecutionTimeout(t *testing.T) {
	release := make(chan struct{})
	returned := make(chan struct{})
	a := newAgent("slow", 1, func(ctx context.Context, tk *task.Task) (agent.Result, error) {
		defer close(returned)
		<-release // Ignores ctx
		return agent.Result{}, nil
	})
	cfg := DefaultConfig()
	cfg.ExecTimeout = 20 * time.Millisecond
	r, lim := newRunner(t, cfg, a)

	start := time.Now()
	rec := r.Execute(context.Background(), newTask("t1"), a)
	if time.Since(start) > time.Second {
		t.Fatalf("Execute did not return promptly on timeout")
	}
	if rec.Success || rec.ErrorKind != KindExecutionTimeout {
		t.Fatalf("expected execution_timeout, got %+v", rec)
	}
	if !strings.Contains(rec.Error, ErrExecutionTimeout.Error()) {
		t.Errorf("error text should mention the timeout: %q", rec.Error)
	}

	// The abandoned call still holds its slot until it returns
	if lim.InFlight("slow") != 1 {
		t.Errorf("expected the abandoned call to hold its slot, got %d", lim.InFlight("slow"))
	}
	close(release)
	<-returned
	deadline := time.Now().Add(time.Second)
	for lim.InFlight("slow") != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if lim.InFlight("slow") != 0 {
		t.Error("slot not released after abandoned call returned")
	}
}

func TestExecute_TaskDeadline(t *testing.T) {
	a := newAgent("ctx-aware", 1, func(ctx context.Context, tk *task.Task) (agent.Result, error) {
		<-ctx.Done()
		return agent.Result{}, ctx.Err()
	})
	r, _ := newRunner(t, DefaultConfig(), a)
	tk := newTask("t1")
	tk.Deadline = time.Now().Add(20 * time.Millisecond)

	rec := r.Execute(context.Background(), tk, a)
	if rec.ErrorKind != KindExecutionTimeout {
		t.Errorf("expected task deadline to surface as execution_timeout, got %q (%s)", rec.ErrorKind, rec.Error)
	}
}

func TestExecute_CancelledWhileWaiting(t *testing.T) {
	var calls atomic.Int32
	a := newAgent("seo", 1, func(ctx context.Context, tk *task.Task) (agent.Result, error) {
		calls.Add(1)
		return agent.Result{}, nil
	})
	r, lim := newRunner(t, DefaultConfig(), a)
	tk := newTask("t1")
	_ = tk.Assign(a.Name)
	_ = tk.Transition(task.StatusCancelled)

	rec := r.Execute(context.Background(), tk, a)
	if rec.ErrorKind != KindCancelled || rec.Counted() {
		t.Errorf("expected uncounted cancelled record, got %+v", rec)
	}
	if calls.Load() != 0 {
		t.Error("cancelled task must not execute")
	}
	if lim.InFlight("seo") != 0 {
		t.Error("slot leaked")
	}
}

func TestExecute_CallerCancelDoesNotPreemptRunningCall(t *testing.T) {
	started := make(chan struct{})
	a := newAgent("seo", 1, func(ctx context.Context, tk *task.Task) (agent.Result, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		if ctx.Err() != nil {
			return agent.Result{}, ctx.Err()
		}
		return agent.Result{Improvement: 7}, nil
	})
	r, lim := newRunner(t, DefaultConfig(), a)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	rec := r.Execute(ctx, newTask("t1"), a)
	if !rec.Success || !rec.Counted() {
		t.Fatalf("expected the running call to complete and be counted, got %+v", rec)
	}
	if rec.Improvement != 7 {
		t.Errorf("expected improvement from the agent, got %v", rec.Improvement)
	}
	if lim.InFlight("seo") != 0 {
		t.Error("slot leaked")
	}
}

func TestExecute_CallerCancelWhileWaitingForSlot(t *testing.T) {
	release := make(chan struct{})
	a := newAgent("busy", 1, func(ctx context.Context, tk *task.Task) (agent.Result, error) {
		<-release
		return agent.Result{}, nil
	})
	r, lim := newRunner(t, DefaultConfig(), a)

	first := make(chan ExecutionRecord, 1)
	go func() { first <- r.Execute(context.Background(), newTask("t1"), a) }()
	for lim.InFlight("busy") != 1 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := r.Execute(ctx, newTask("t2"), a)
	if rec.ErrorKind != KindCancelled || rec.Counted() {
		t.Errorf("expected uncounted cancelled record, got %+v", rec)
	}

	close(release)
	if got := <-first; !got.Success {
		t.Errorf("first execution should succeed, got %+v", got)
	}
}

func TestExecute_ConcurrencyNeverExceedsLimit(t *testing.T) {
	const limit = 3
	var current, peak atomic.Int32
	a := newAgent("seo", limit, func(ctx context.Context, tk *task.Task) (agent.Result, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return agent.Result{}, nil
	})
	r, _ := newRunner(t, DefaultConfig(), a)

	done := make(chan ExecutionRecord, limit+5)
	for i := range limit + 5 {
		go func() { done <- r.Execute(context.Background(), newTask(string(rune('a'+i))), a) }()
	}
	for range limit + 5 {
		if rec := <-done; !rec.Success {
			t.Errorf("unexpected failure: %+v", rec)
		}
	}
	if peak.Load() > limit {
		t.Errorf("peak concurrency %d exceeded limit %d", peak.Load(), limit)
	}
}

func TestExecute_RetryRecoversTransientFailure(t *testing.T) {
	var calls atomic.Int32
	a := newAgent("flaky", 1, func(ctx context.Context, tk *task.Task) (agent.Result, error) {
		if calls.Add(1) < 3 {
			return agent.Result{}, errors.New("transient")
		}
		return agent.Result{Data: map[string]any{"ok": true}}, nil
	})
	cfg := DefaultConfig()
	cfg.Retry.MaxRetries = 3
	cfg.Retry.InitialInterval = time.Millisecond
	cfg.Retry.MaxInterval = 5 * time.Millisecond
	r, _ := newRunner(t, cfg, a)

	rec := r.Execute(context.Background(), newTask("t1"), a)
	if !rec.Success {
		t.Fatalf("expected success after retries, got %+v", rec)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestExecute_NoRetryByDefault(t *testing.T) {
	var calls atomic.Int32
	a := newAgent("flaky", 1, func(ctx context.Context, tk *task.Task) (agent.Result, error) {
		calls.Add(1)
		return agent.Result{}, errors.New("transient")
	})
	r, _ := newRunner(t, DefaultConfig(), a)

	_ = r.Execute(context.Background(), newTask("t1"), a)
	if calls.Load() != 1 {
		t.Errorf("expected exactly 1 call without retry, got %d", calls.Load())
	}
}

func TestExecute_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	a := newAgent("down", 1, func(ctx context.Context, tk *task.Task) (agent.Result, error) {
		calls.Add(1)
		return agent.Result{}, errors.New("connection refused")
	})
	cfg := DefaultConfig()
	cfg.Breaker = BreakerConfig{ConsecutiveFailures: 3, OpenTimeout: time.Minute, HalfOpenRequests: 1}
	r, _ := newRunner(t, cfg, a)

	for range 3 {
		_ = r.Execute(context.Background(), newTask("t"), a)
	}
	if r.Breakers().State("down") != gobreaker.StateOpen {
		t.Fatalf("expected open circuit, got %s", r.Breakers().State("down"))
	}

	rec := r.Execute(context.Background(), newTask("t"), a)
	if rec.ErrorKind != KindProvider || !strings.Contains(rec.Error, gobreaker.ErrOpenState.Error()) {
		t.Errorf("expected open-circuit provider error, got %+v", rec)
	}
	if calls.Load() != 3 {
		t.Errorf("open circuit must not reach the agent, got %d calls", calls.Load())
	}
	if r.Breakers().State("never-used") != gobreaker.StateClosed {
		t.Error("unknown agents report a closed circuit")
	}
}

func TestExecute_UnknownAgentSlot(t *testing.T) {
	a := newAgent("ghost", 1, func(ctx context.Context, tk *task.Task) (agent.Result, error) {
		return agent.Result{}, nil
	})
	r, _ := newRunner(t, DefaultConfig())

	rec := r.Execute(context.Background(), newTask("t1"), a)
	if rec.Success || rec.ErrorKind != KindProvider {
		t.Fatalf("expected failure for unregistered agent, got %+v", rec)
	}
	if !strings.Contains(rec.Error, scheduler.ErrUnknownAgent.Error()) {
		t.Errorf("expected unknown agent error, got %q", rec.Error)
	}
}
