package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/taskrouter/internal/backend"
	"github.com/aristath/taskrouter/internal/config"
	"github.com/aristath/taskrouter/internal/events"
	"github.com/aristath/taskrouter/internal/orchestrator"
	"github.com/aristath/taskrouter/internal/persistence"
	"github.com/aristath/taskrouter/internal/task"
	"github.com/aristath/taskrouter/internal/telemetry"
	"github.com/aristath/taskrouter/internal/tui"
)

var (
	tasksPath  string
	runWorkers int
	runQuiet   bool
)

// shutdownTimeout bounds both draining the consumers and flushing telemetry.
const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the tasks in a file and print a performance report",
	Long: `Run loads the configuration, registers the configured agents, submits every
task from --tasks and waits until all of them, including derived cross-domain
tasks, have finished. It then prints the performance report and the alert log.

On SIGINT or SIGTERM, running agent commands are killed and the partial report
is printed.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&tasksPath, "tasks", "", "JSON file containing an array of tasks (required)")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Override the number of consumer loops")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Do not print task events as they happen")
	_ = runCmd.MarkFlagRequired("tasks")
}

// runRun sets up the process-wide collaborators and hands over to execute.
func runRun(cmd *cobra.Command, args []string) error {
	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cmd.ErrOrStderr(), verbose)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	// Flags override file settings
	if runWorkers > 0 {
		cfg.Workers = runWorkers
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// A malformed task file aborts before anything runs
	tasks, err := loadTasks(tasksPath)
	if err != nil {
		return err
	}

	// No-op providers when no endpoint is configured
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry.Endpoint, version, cfg.Telemetry.Insecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		// ctx may already be cancelled; flushing needs its own deadline
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	// Persistence is optional: an empty db_path keeps everything in memory
	var recorder orchestrator.Recorder
	if cfg.DBPath != "" {
		store, err := persistence.NewSQLiteStore(ctx, cfg.DBPath)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer store.Close()
		recorder = store
	}

	return execute(ctx, cmd.OutOrStdout(), cfg, tasks, recorder, logger)
}

// execute runs tasks to completion, or until ctx is cancelled, and prints the
// resulting report to out.
func execute(ctx context.Context, out io.Writer, cfg *config.RouterConfig, tasks []*task.Task, recorder orchestrator.Recorder, logger *slog.Logger) error {
	// One process manager for every agent command, so shutdown can kill them all
	pm := backend.NewProcessManager()
	bus := events.NewEventBus()
	defer bus.Close()

	o, err := buildOrchestrator(cfg, pm, recorder, bus, logger)
	if err != nil {
		return err
	}

	// Single consumer of the event feed; progress is only read after feedDone
	progress := tui.NewProgress()
	feed := bus.SubscribeAll(0)
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		for ev := range feed {
			progress.Apply(ev)
			if !runQuiet {
				fmt.Fprintln(out, tui.FormatEvent(ev))
			}
		}
	}()

	// Consumers start before submission so the queue drains while we submit
	runErr := make(chan error, 1)
	go func() { runErr <- o.Run(ctx) }()

	for _, t := range tasks {
		// A rejected task is reported and skipped; the rest still run
		if _, err := o.Submit(ctx, t); err != nil {
			logger.Warn("task rejected", "task", t.ID, "error", err)
		}
	}

	// WaitIdle only fails when ctx is cancelled
	interrupted := false
	if err := o.WaitIdle(ctx); err != nil {
		interrupted = true
		logger.Warn("shutdown signal received, cleaning up", "agent_commands", pm.Count())
		// Running executions are not preempted by ctx; killing the agent
		// commands makes them fail fast so Run can return
		if err := pm.KillAll(); err != nil {
			logger.Error("killing agent commands", "error", err)
		}
	}

	// Drain what is left, bounded by shutdownTimeout
	o.Close()
	select {
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timeout exceeded")
	}

	// Flush the feed so the progress view is complete
	bus.Close()
	<-feedDone

	// The report is printed even after an interrupt
	fmt.Fprintln(out)
	fmt.Fprintln(out, progress.View(60))
	fmt.Fprintln(out, tui.RenderReport(o.PerformanceReport()))
	fmt.Fprintln(out, tui.RenderAlerts(o.Alerts()))
	if dropped := bus.Dropped(); dropped > 0 {
		logger.Warn("event feed dropped events", "count", dropped)
	}

	if interrupted {
		return errors.New("interrupted")
	}
	return nil
}
