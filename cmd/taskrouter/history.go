package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/taskrouter/internal/config"
	"github.com/aristath/taskrouter/internal/persistence"
	"github.com/aristath/taskrouter/internal/tui"
)

var historyAgent string

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show stored tasks, alerts and executions",
	Long: `History reads the SQLite store configured by db_path and lists recorded tasks
with their final status and the alert log. With --agent it lists that
agent's execution records instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		// History only exists when run persisted it
		if cfg.DBPath == "" {
			return fmt.Errorf("persistence is disabled (db_path is empty)")
		}
		// Opening creates the schema, so an unused path shows empty history
		store, err := persistence.NewSQLiteStore(cmd.Context(), cfg.DBPath)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer store.Close()
		return printHistory(cmd.Context(), cmd.OutOrStdout(), store, cfg, historyAgent)
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyAgent, "agent", "", "List the execution records of one agent")
}

// printHistory writes either one agent's execution records or the task
// list followed by the alert log.
func printHistory(ctx context.Context, out io.Writer, store persistence.Store, cfg *config.RouterConfig, agentName string) error {
	if agentName != "" {
		recs, err := store.ListExecutionsByAgent(ctx, agentName)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, tui.StyleHeader.Render(fmt.Sprintf("Executions of %s (%d)", agentName, len(recs))))

		// History outlives configuration: an agent may have been removed since
		if a, ok := cfg.Agent(agentName); ok {
			fmt.Fprintf(out, "provider %s, capabilities %s, domain %s, limit %d\n",
				a.Provider, strings.Join(a.Capabilities, ","), a.DomainFocus, a.ConcurrencyLimit)
		} else {
			fmt.Fprintln(out, tui.StyleHelp.Render("(not in the current configuration)"))
		}
		// Failures show their error kind in place of "ok"
		for _, r := range recs {
			status := tui.StyleStatusComplete.Render("ok")
			if !r.Success {
				status = tui.StyleStatusFailed.Render(string(r.ErrorKind))
			}
			fmt.Fprintf(out, "%s  %-36s %-22s %-14s score %.2f  %s\n",
				r.StartedAt.Format("2006-01-02 15:04:05"), r.TaskID, r.Domain, status, r.Score, r.Duration())
		}
		return nil
	}

	// Without --agent: every task, then the alert log
	rows, err := store.ListTasks(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, tui.StyleHeader.Render(fmt.Sprintf("Tasks (%d)", len(rows))))
	for _, r := range rows {
		fmt.Fprintf(out, "%-36s %-22s %-22s %-10s %s\n", r.ID, r.Type, r.Domain, r.Status, r.AssignedAgent)
	}

	alerts, err := store.ListAlerts(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, tui.RenderAlerts(alerts))
	return nil
}
