package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/aristath/taskrouter/internal/config"
	"github.com/aristath/taskrouter/internal/tui"
)

var (
	initForce   bool
	initExample bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	Long: `Init writes the default configuration to .taskrouter/config.json, or to the
path given with --config. With --example it also declares a sample provider
and agent to edit. An existing file is only replaced with --force.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// --config picks the target; otherwise the project file LoadDefault reads
		path := configPath
		if path == "" {
			path = config.ProjectPath
		}
		return writeConfig(cmd.OutOrStdout(), path, initForce, initExample)
	},
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing config file")
	initCmd.Flags().BoolVar(&initExample, "example", false, "Include a sample provider and agent")
}

// writeConfig writes the starter configuration to path. It refuses to
// replace an existing file unless force is set.
func writeConfig(out io.Writer, path string, force, example bool) error {
	cfg := config.DefaultConfig()
	if example {
		cfg = config.ExampleConfig()
	}
	// Create validates before touching the file
	if err := config.Create(cfg, path, force); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s wrote %s (%d agents, %d providers)\n",
		tui.StyleStatusComplete.Render("✓"), path, len(cfg.Agents), len(cfg.Providers))
	return nil
}
