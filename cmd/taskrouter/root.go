package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/taskrouter/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "taskrouter",
	Short: "Route tasks to the best available agent",
	Long: `taskrouter accepts SEO, content and analytics tasks, routes each one to the
best-performing eligible agent, executes it under that agent's concurrency
limit and tracks per-agent performance with alerting.

Agents are external commands declared in the configuration. Each invocation
receives the task as JSON on stdin and answers with JSON on stdout.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: ~/.taskrouter/config.json merged with .taskrouter/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	// Subcommands
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(historyCmd)
}

// loadConfig loads the file at path over the defaults, or the conventional
// global and project files when path is empty.
func loadConfig(path string) (*config.RouterConfig, error) {
	// An explicit path must exist; the conventional files are optional
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		return config.Load("", path)
	}
	return config.LoadDefault()
}

// newLogger returns a text logger at Info, or Debug when debug is set.
func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
