// Package orchestrator wires the task queue, agent selection, execution,
// performance tracking and fan-out into a running router.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskrouter/internal/agent"
	"github.com/aristath/taskrouter/internal/events"
	"github.com/aristath/taskrouter/internal/runner"
	"github.com/aristath/taskrouter/internal/scheduler"
	"github.com/aristath/taskrouter/internal/task"
	"github.com/aristath/taskrouter/internal/telemetry"
	"github.com/aristath/taskrouter/internal/tracker"
)

var (
	// ErrPersistence wraps failures of the persistence collaborator. They are
	// logged and never stop processing.
	ErrPersistence = errors.New("persistence error")
	// ErrDuplicateTask is returned when submitting an ID that is already known.
	ErrDuplicateTask = errors.New("duplicate task")
	// ErrTaskNotFound is returned for IDs that were never submitted.
	ErrTaskNotFound = errors.New("task not found")
)

const (
	// DefaultWorkers is the number of consumer loops when Config.Workers is unset.
	DefaultWorkers = 4

	persistTimeout = 5 * time.Second
	maxLoopBackoff = time.Second
)

// Recorder persists tasks and execution records.
// Implementations may also implement AlertRecorder.
type Recorder interface {
	RecordTask(ctx context.Context, t *task.Task) error
	RecordExecution(ctx context.Context, rec runner.ExecutionRecord) error
}

// AlertRecorder is implemented by recorders that also persist alerts.
type AlertRecorder interface {
	RecordAlert(ctx context.Context, a tracker.Alert) error
}

// Config configures an Orchestrator.
type Config struct {
	Workers       int // Consumer loops (default 4)
	FanOutEnabled bool
	FanOut        scheduler.FanOutConfig
	Runner        runner.Config
	Tracker       tracker.Config
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Workers:       DefaultWorkers,
		FanOutEnabled: true,
		FanOut:        scheduler.DefaultFanOutConfig(),
		Runner:        runner.DefaultConfig(),
		Tracker:       tracker.DefaultConfig(),
	}
}

// Deps are the external collaborators. All are optional.
type Deps struct {
	Recorder Recorder
	Bus      events.Publisher
	Logger   *slog.Logger
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, events.Event) {}

// Orchestrator accepts tasks, routes each to the best eligible agent, executes
// it under that agent's rate limit and folds the outcome into the agent's
// performance statistics.
type Orchestrator struct {
	cfg      Config
	recorder Recorder
	bus      events.Publisher
	logger   *slog.Logger

	queue    *scheduler.Queue
	limiter  *scheduler.Limiter
	registry *agent.Registry
	runner   *runner.Runner
	tracker  *tracker.Tracker
	fanout   *scheduler.FanOut // nil when fan-out is disabled

	mu          sync.Mutex
	tasks       map[string]*task.Task
	outstanding int
	idle        chan struct{} // Closed while outstanding == 0
	domains     map[string]DomainSummary

	taskCounter metric.Int64Counter
	now         func() time.Time
}

// New creates an Orchestrator. Agents must be registered before their tasks
// can be served; Run starts processing.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var bus events.Publisher = nopPublisher{}
	if deps.Bus != nil {
		bus = deps.Bus
	}

	// A bad fan-out table is a configuration error, caught here
	var fanout *scheduler.FanOut
	if cfg.FanOutEnabled {
		f, err := scheduler.NewFanOut(cfg.FanOut)
		if err != nil {
			return nil, fmt.Errorf("fan-out: %w", err)
		}
		fanout = f
	}

	registry := agent.NewRegistry()
	limiter := scheduler.NewLimiter()

	taskCounter, _ := telemetry.Meter("taskrouter/orchestrator").Int64Counter("taskrouter.tasks",
		metric.WithDescription("Tasks by final status"),
	)

	// Nothing is outstanding yet
	idle := make(chan struct{})
	close(idle)

	return &Orchestrator{
		cfg:         cfg,
		recorder:    deps.Recorder,
		bus:         bus,
		logger:      logger,
		queue:       scheduler.NewQueue(),
		limiter:     limiter,
		registry:    registry,
		runner:      runner.New(limiter, cfg.Runner, logger),
		tracker:     tracker.New(registry, cfg.Tracker, logger),
		fanout:      fanout,
		tasks:       make(map[string]*task.Task),
		idle:        idle,
		domains:     make(map[string]DomainSummary),
		taskCounter: taskCounter,
		now:         time.Now,
	}, nil
}

// RegisterAgent adds an agent to the registry and gives it its own rate limit.
func (o *Orchestrator) RegisterAgent(a agent.Agent) error {
	if err := o.registry.Register(a); err != nil {
		return err
	}
	// Registry first: it rejects duplicate names before the limiter sees them
	if err := o.limiter.Register(a.Name, a.ConcurrencyLimit); err != nil {
		return fmt.Errorf("register rate limit for agent %q: %w", a.Name, err)
	}
	o.logger.Info("agent registered", "agent", a.Name, "capabilities", a.Capabilities,
		"domain_focus", a.DomainFocus, "concurrency_limit", a.ConcurrencyLimit, "agents", o.registry.Len())
	return nil
}

// Submit validates t and enqueues it. An empty ID is replaced by a UUID.
// Returns the task ID.
func (o *Orchestrator) Submit(ctx context.Context, t *task.Task) (string, error) {
	if t == nil {
		return "", fmt.Errorf("%w: nil task", task.ErrValidation)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	// Submitted tasks are roots of their own fan-out cycle
	if t.CreatedAt.IsZero() {
		t.CreatedAt = o.now()
	}
	t.RootID = t.ID
	t.Depth = 0

	if err := task.Validate(t); err != nil {
		return "", err
	}
	// Resubmitting a task object that already ran is a caller error
	if s := t.Status(); s != task.StatusPending {
		return "", fmt.Errorf("%w: task %q is %s", task.ErrValidation, t.ID, s)
	}

	if err := o.admit(ctx, t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// admit registers, persists, enqueues and announces a task.
func (o *Orchestrator) admit(ctx context.Context, t *task.Task) error {
	o.mu.Lock()
	if _, exists := o.tasks[t.ID]; exists {
		o.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateTask, t.ID)
	}
	o.tasks[t.ID] = t
	o.openLocked()
	o.mu.Unlock()

	// Every task holds its cycle open until it is done
	if o.fanout != nil {
		o.fanout.Open(t.RootID)
	}

	o.persistTask(ctx, t)

	// Announce before enqueueing so task.submitted precedes task.started
	o.bus.Publish(events.TopicTask, events.TaskSubmittedEvent{
		ID:        t.ID,
		Type:      t.Type,
		Domain:    t.Domain,
		Priority:  t.Priority,
		RootID:    t.RootID,
		Depth:     t.Depth,
		Timestamp: o.now(),
	})

	// Only fails after Close: undo the registration and report it cancelled
	if err := o.queue.Enqueue(t); err != nil {
		o.mu.Lock()
		delete(o.tasks, t.ID)
		o.mu.Unlock()
		o.done(t)
		o.bus.Publish(events.TopicTask, events.TaskCancelledEvent{ID: t.ID, Timestamp: o.now()})
		return fmt.Errorf("enqueue task %q: %w", t.ID, err)
	}
	return nil
}

// Cancel cancels a task that has not started running. A running task is not
// preempted; Cancel returns task.ErrInvalidTransition for it.
func (o *Orchestrator) Cancel(id string) error {
	t, ok := o.Task(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, id)
	}
	if err := t.Transition(task.StatusCancelled); err != nil {
		return err
	}
	o.logger.Info("task cancelled", "task", id)
	o.persistTask(context.Background(), t)
	o.bus.Publish(events.TopicTask, events.TaskCancelledEvent{ID: id, Timestamp: o.now()})
	return nil
}

// Task returns the task with the given ID.
func (o *Orchestrator) Task(id string) (*task.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	return t, ok
}

// Alerts returns the ordered alert log.
func (o *Orchestrator) Alerts() []tracker.Alert {
	return o.tracker.Alerts()
}

// Run starts the consumer loops and blocks until ctx is cancelled or Close is
// called and the queue has drained. Returns ctx.Err() on cancellation.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range o.cfg.Workers {
		g.Go(func() error {
			return o.loop(gctx, i)
		})
	}
	return g.Wait()
}

// Close stops accepting tasks. Queued tasks are still processed.
func (o *Orchestrator) Close() {
	o.queue.Close()
}

// WaitIdle blocks until every submitted task and every task derived from it
// has finished processing, or ctx is done.
func (o *Orchestrator) WaitIdle(ctx context.Context) error {
	o.mu.Lock()
	idle := o.idle
	o.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loop is one consumer. A panic while processing a task is recovered and the
// loop backs off before taking the next task.
func (o *Orchestrator) loop(ctx context.Context, worker int) error {
	// Backoff only applies after a panic; it resets on the next clean task
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxLoopBackoff
	bo.MaxElapsedTime = 0

	logger := o.logger.With("worker", worker)
	for {
		// A closed and drained queue ends the loop cleanly
		t, err := o.queue.Dequeue(ctx)
		if errors.Is(err, scheduler.ErrQueueClosed) {
			return nil
		}
		if err != nil {
			return err
		}

		if o.safeProcess(ctx, logger, t) {
			bo.Reset()
			continue
		}

		wait := bo.NextBackOff()
		logger.Warn("backing off after panic", "delay", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// safeProcess processes t and reports false if processing panicked.
func (o *Orchestrator) safeProcess(ctx context.Context, logger *slog.Logger, t *task.Task) (ok bool) {
	defer o.done(t)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing task", "task", t.ID, "panic", r)
			if err := t.Transition(task.StatusFailed); err == nil {
				o.persistTask(ctx, t)
			}
			ok = false
		}
	}()
	o.process(ctx, logger, t)
	return true
}

// process runs one dequeued task through selection, execution, tracking and fan-out.
func (o *Orchestrator) process(ctx context.Context, logger *slog.Logger, t *task.Task) {
	if t.Status() == task.StatusCancelled {
		logger.Debug("skipping cancelled task", "task", t.ID)
		o.countTask(ctx, t)
		return
	}

	// No record is produced for an unroutable task, only the failed status
	a, err := o.registry.Select(t)
	if err != nil {
		logger.Warn("task unassigned", "task", t.ID, "type", t.Type, "domain", t.Domain, "error", err)
		if err := t.Transition(task.StatusFailed); err != nil {
			return
		}
		o.countTask(ctx, t)
		o.persistTask(ctx, t)
		o.bus.Publish(events.TopicTask, events.TaskUnassignedEvent{
			ID:        t.ID,
			Type:      t.Type,
			Domain:    t.Domain,
			Reason:    err.Error(),
			Timestamp: o.now(),
		})
		return
	}

	if err := t.Assign(a.Name); err != nil {
		// Cancelled between dequeue and assignment
		logger.Debug("task not assigned", "task", t.ID, "error", err)
		return
	}
	o.bus.Publish(events.TopicTask, events.TaskStartedEvent{ID: t.ID, Agent: a.Name, Timestamp: o.now()})

	// Blocks for the slot and the call; never fails, the outcome is in rec
	rec := o.runner.Execute(ctx, t, a)
	if !rec.Counted() {
		// The task never started: it was cancelled, or shutdown interrupted
		// the slot wait. Either way it ends cancelled.
		logger.Info("execution abandoned", "task", t.ID, "agent", a.Name, "error", rec.Error)
		if err := t.Transition(task.StatusCancelled); err == nil {
			o.persistTask(ctx, t)
			o.bus.Publish(events.TopicTask, events.TaskCancelledEvent{ID: t.ID, Timestamp: o.now()})
		}
		o.countTask(ctx, t)
		return
	}

	o.complete(ctx, t, rec)

	// Metrics before persistence so the selector sees the outcome as early as possible
	alerts, err := o.tracker.Record(rec)
	if err != nil {
		logger.Error("tracking failed", "task", t.ID, "agent", rec.Agent, "error", err)
	}

	o.persistTask(ctx, t)
	o.persistExecution(ctx, rec)
	for _, al := range alerts {
		o.persistAlert(ctx, al)
		o.bus.Publish(events.TopicAlert, events.AlertRaisedEvent{
			Agent:     al.Agent,
			Kind:      string(al.Kind),
			Severity:  string(al.Severity),
			Message:   al.Message,
			Timestamp: al.Timestamp,
		})
	}

	// Follow-up work only comes from successful optimizations
	if rec.Success {
		o.observeDomain(rec)
		o.fanOut(ctx, logger, t, rec)
	}
}

// complete moves t to its final status and announces the outcome.
func (o *Orchestrator) complete(ctx context.Context, t *task.Task, rec runner.ExecutionRecord) {
	if rec.Success {
		_ = t.Transition(task.StatusCompleted)
		o.bus.Publish(events.TopicTask, events.TaskCompletedEvent{
			ID:          t.ID,
			Agent:       rec.Agent,
			Score:       rec.Score,
			Improvement: rec.Improvement,
			Duration:    rec.Duration(),
			Timestamp:   rec.FinishedAt,
		})
	} else {
		_ = t.Transition(task.StatusFailed)
		o.bus.Publish(events.TopicTask, events.TaskFailedEvent{
			ID:        t.ID,
			Agent:     rec.Agent,
			Kind:      string(rec.ErrorKind),
			Err:       rec.Error,
			Duration:  rec.Duration(),
			Timestamp: rec.FinishedAt,
		})
	}
	o.countTask(ctx, t)
}

// fanOut enqueues the follow-up tasks derived from a successful execution.
func (o *Orchestrator) fanOut(ctx context.Context, logger *slog.Logger, parent *task.Task, rec runner.ExecutionRecord) {
	if o.fanout == nil {
		return
	}
	// The consumer loops are stopping; nothing would dequeue derived tasks
	if ctx.Err() != nil {
		logger.Info("fan-out skipped during shutdown", "task", parent.ID)
		return
	}
	for _, d := range o.fanout.Derive(parent, rec.Improvement, rec.Output, o.now()) {
		if err := o.admit(ctx, d); err != nil {
			logger.Warn("derived task dropped", "task", d.ID, "parent", parent.ID, "error", err)
			continue
		}
		logger.Info("derived task enqueued", "task", d.ID, "parent", parent.ID,
			"domain", d.Domain, "depth", d.Depth)
	}
}

// openLocked counts one more outstanding task. o.mu must be held.
func (o *Orchestrator) openLocked() {
	if o.outstanding == 0 {
		o.idle = make(chan struct{})
	}
	o.outstanding++
}

// done marks t as no longer outstanding.
func (o *Orchestrator) done(t *task.Task) {
	// Children were opened before this point, so a cycle only closes after
	// its last task
	if o.fanout != nil {
		o.fanout.Close(t.RootID)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outstanding--
	if o.outstanding == 0 {
		close(o.idle)
	}
}

// countTask adds t's final status to the tasks counter.
func (o *Orchestrator) countTask(ctx context.Context, t *task.Task) {
	o.taskCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", t.Status().String()),
		attribute.String("type", t.Type),
	))
}

func (o *Orchestrator) persistTask(ctx context.Context, t *task.Task) {
	if o.recorder == nil {
		return
	}
	pctx, cancel := persistContext(ctx)
	defer cancel()
	if err := o.recorder.RecordTask(pctx, t); err != nil {
		o.logger.Error("persist task", "task", t.ID, "error", fmt.Errorf("%w: %w", ErrPersistence, err))
	}
}

func (o *Orchestrator) persistExecution(ctx context.Context, rec runner.ExecutionRecord) {
	if o.recorder == nil {
		return
	}
	pctx, cancel := persistContext(ctx)
	defer cancel()
	if err := o.recorder.RecordExecution(pctx, rec); err != nil {
		o.logger.Error("persist execution", "task", rec.TaskID, "agent", rec.Agent,
			"error", fmt.Errorf("%w: %w", ErrPersistence, err))
	}
}

func (o *Orchestrator) persistAlert(ctx context.Context, a tracker.Alert) {
	// Alert persistence is optional for recorders; nil recorders fail this too
	ar, ok := o.recorder.(AlertRecorder)
	if !ok {
		return
	}
	pctx, cancel := persistContext(ctx)
	defer cancel()
	if err := ar.RecordAlert(pctx, a); err != nil {
		o.logger.Error("persist alert", "agent", a.Agent, "kind", a.Kind,
			"error", fmt.Errorf("%w: %w", ErrPersistence, err))
	}
}

// persistContext detaches from ctx's cancellation so outcomes reached during
// shutdown are still written, bounded by persistTimeout.
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}
