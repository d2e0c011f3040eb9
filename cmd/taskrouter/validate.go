package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/taskrouter/internal/tui"
)

var validateTasksPath string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration and, optionally, a task file",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Load and Validate report different things: syntax versus content
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		// Counts give a quick sanity check of what was loaded
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s configuration valid: %d agents, %d providers, %d workers\n",
			tui.StyleStatusComplete.Render("✓"), len(cfg.Agents), len(cfg.Providers), cfg.Workers)

		// The task file is optional; decoding it checks every payload
		if validateTasksPath == "" {
			return nil
		}
		tasks, err := loadTasks(validateTasksPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s task file valid: %d tasks\n", tui.StyleStatusComplete.Render("✓"), len(tasks))
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateTasksPath, "tasks", "", "Task file to decode")
}
