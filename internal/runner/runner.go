package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/aristath/taskrouter/internal/agent"
	"github.com/aristath/taskrouter/internal/scheduler"
	"github.com/aristath/taskrouter/internal/task"
	"github.com/aristath/taskrouter/internal/telemetry"
)

// Config configures a Runner.
type Config struct {
	RateLimitTimeout time.Duration // Max wait for an agent slot (<= 0 waits for ctx only)
	ExecTimeout      time.Duration // Max duration of one agent call (<= 0 means no limit)
	Retry            RetryConfig
	Breaker          BreakerConfig
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		RateLimitTimeout: 30 * time.Second,
		ExecTimeout:      5 * time.Minute,
		Retry:            DefaultRetryConfig(),
		Breaker:          DefaultBreakerConfig(),
	}
}

// Runner executes tasks on agents under the per-agent rate limits.
type Runner struct {
	cfg      Config
	limiter  *scheduler.Limiter
	breakers *BreakerRegistry
	logger   *slog.Logger

	tracer     trace.Tracer
	executions metric.Int64Counter
	duration   metric.Float64Histogram
}

// New creates a Runner. Agents must be registered with limiter before they
// are executed.
func New(limiter *scheduler.Limiter, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	// Unset retry intervals fall back to the defaults; MaxRetries 0 is valid
	def := DefaultRetryConfig()
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = def.InitialInterval
	}
	if cfg.Retry.MaxInterval <= 0 {
		cfg.Retry.MaxInterval = def.MaxInterval
	}
	if cfg.Retry.Multiplier < 1 {
		cfg.Retry.Multiplier = def.Multiplier
	}

	meter := telemetry.Meter("taskrouter/runner")
	executions, _ := meter.Int64Counter("taskrouter.executions",
		metric.WithDescription("Agent executions by outcome"),
	)
	duration, _ := meter.Float64Histogram("taskrouter.execution.duration",
		metric.WithDescription("Wall-clock duration of agent executions (ms)"),
		metric.WithUnit("ms"),
	)

	return &Runner{
		cfg:        cfg,
		limiter:    limiter,
		breakers:   NewBreakerRegistry(cfg.Breaker, logger),
		logger:     logger,
		tracer:     telemetry.Tracer("taskrouter/runner"),
		executions: executions,
		duration:   duration,
	}
}

// Breakers exposes the per-agent circuit breakers.
func (r *Runner) Breakers() *BreakerRegistry {
	return r.breakers
}

// outcome is what the call goroutine hands back.
type outcome struct {
	res agent.Result
	err error
}

// Execute runs t on a and returns the resulting record. It never fails:
// rate-limit timeouts, execution timeouts, agent errors and panics all come
// back as a record with Success false.
//
// The task's deadline, if any, bounds both the slot wait and the call.
// Cancelling ctx only interrupts the slot wait: once the task is running the
// call runs to completion (or to its timeout) and its record is counted.
//
// On an execution timeout the record is returned immediately while the agent
// slot stays held until the abandoned call actually returns. An executor that
// ignores its context therefore pins the slot for as long as it keeps running;
// backend.CommandExecutor avoids this by killing the process group.
func (r *Runner) Execute(ctx context.Context, t *task.Task, a agent.Agent) ExecutionRecord {
	ctx, span := r.tracer.Start(ctx, "runner.execute", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.type", t.Type),
		attribute.String("task.domain", t.Domain),
		attribute.String("agent", a.Name),
	))
	defer span.End()

	if !t.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, t.Deadline)
		defer cancel()
	}

	// StartedAt is reset once the slot is held; until then it covers the wait
	rec := ExecutionRecord{
		TaskID:    t.ID,
		TaskType:  t.Type,
		Domain:    t.Domain,
		Agent:     a.Name,
		StartedAt: time.Now(),
	}

	// Step 1: a slot. Only the caller's own cancellation is uncounted
	if err := r.limiter.Acquire(ctx, a.Name, r.cfg.RateLimitTimeout); err != nil {
		kind := KindCancelled
		switch {
		case errors.Is(err, scheduler.ErrRateLimitTimeout), errors.Is(err, context.DeadlineExceeded):
			kind = KindRateLimitTimeout
		case errors.Is(err, scheduler.ErrUnknownAgent):
			kind = KindProvider
		}
		return r.finish(ctx, span, t, a, rec, outcome{err: err}, kind)
	}

	// The task may have been cancelled while waiting for the slot
	if err := t.Transition(task.StatusRunning); err != nil {
		r.limiter.Release(a.Name)
		return r.finish(ctx, span, t, a, rec, outcome{err: err}, KindCancelled)
	}
	rec.StartedAt = time.Now()

	// Once running, the call is not preempted by the caller's cancellation.
	// Only the task deadline and ExecTimeout bound it.
	execCtx := context.WithoutCancel(ctx)
	if !t.Deadline.IsZero() {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithDeadline(execCtx, t.Deadline)
		defer cancel()
	}
	if r.cfg.ExecTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(execCtx, r.cfg.ExecTimeout)
		defer cancel()
	}

	// Step 2: the call, in its own goroutine so a timeout can return early.
	// The goroutine owns the slot from here on and releases it when the call
	// really returns. done is buffered so an abandoned goroutine never blocks.
	done := make(chan outcome, 1)
	cb := r.breakers.Get(a.Name)
	go func() {
		defer r.limiter.Release(a.Name)
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("agent %q panicked: %v", a.Name, p)}
			}
		}()
		res, err := executeWithRetry(execCtx, a, t, cb, r.cfg.Retry)
		done <- outcome{res: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-execCtx.Done():
		// Prefer a result that raced the deadline
		select {
		case out = <-done:
		default:
			out = outcome{err: execCtx.Err()}
			r.logger.Warn("abandoning agent call", "task", t.ID, "agent", a.Name, "error", execCtx.Err())
		}
	}

	// Step 3: classify. Everything past the slot is a counted outcome
	kind := KindNone
	if out.err != nil {
		switch {
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			kind = KindExecutionTimeout
			out.err = fmt.Errorf("%w: %w", ErrExecutionTimeout, out.err)
		default:
			kind = KindProvider
			out.err = fmt.Errorf("%w: %w", ErrProvider, out.err)
		}
	}
	return r.finish(ctx, span, t, a, rec, out, kind)
}

// finish completes rec from the outcome and emits telemetry.
func (r *Runner) finish(ctx context.Context, span trace.Span, t *task.Task, a agent.Agent, rec ExecutionRecord, out outcome, kind ErrorKind) ExecutionRecord {
	rec.FinishedAt = time.Now()
	rec.Success = out.err == nil
	if out.err != nil {
		rec.Error = out.err.Error()
		rec.ErrorKind = kind
	} else {
		rec.Output = out.res.Data
		rec.Improvement = out.res.Improvement
	}

	// Cost and score apply to failures too; a failed call still consumed input
	rec.ResourceUsage = ResourceUsage(t.Payload, rec.Output)
	rec.Cost = float64(rec.ResourceUsage) * a.CostPerUnit
	rec.Score = Score(rec.Success, float64(rec.Duration().Milliseconds()), task.PayloadSize(t.Payload))

	// Uncounted records are still visible in telemetry, with kind "cancelled"
	attrs := metric.WithAttributes(
		attribute.String("agent", rec.Agent),
		attribute.Bool("success", rec.Success),
		attribute.String("error_kind", string(rec.ErrorKind)),
	)
	r.executions.Add(ctx, 1, attrs)
	r.duration.Record(ctx, float64(rec.Duration().Milliseconds()), attrs)

	if !rec.Success {
		span.SetStatus(codes.Error, rec.Error)
		r.logger.Warn("execution failed", "task", rec.TaskID, "agent", rec.Agent, "kind", rec.ErrorKind, "error", rec.Error)
	} else {
		span.SetAttributes(attribute.Float64("score", rec.Score))
	}
	return rec
}
