package main

import (
	"github.com/spf13/cobra"

	"github.com/mstolin/foreman/internal/config"
)

var version = "dev"

type rootFlags struct {
	globalConfig  string
	projectConfig string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:          "foreman",
		Short:        "Autonomous coding-agent worker pool",
		Long:         "Foreman decomposes a goal into a task graph and drives a pool of coding-agent workers through it, with retries, heartbeat health checks, and queue-depth auto-scaling.",
		Version:      version,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&flags.globalConfig, "global-config", "", "Global config path (default ~/.foreman/config.json)")
	cmd.PersistentFlags().StringVar(&flags.projectConfig, "config", "", "Project config path (default .foreman/config.json)")

	cmd.AddCommand(newRunCmd(flags))
	cmd.AddCommand(newPlanCmd(flags))

	return cmd
}

// loadConfig resolves the merged configuration for a command invocation.
// Explicit paths override the conventional locations.
func loadConfig(flags *rootFlags) (*config.Config, error) {
	if flags.globalConfig == "" && flags.projectConfig == "" {
		return config.LoadDefault()
	}
	return config.Load(flags.globalConfig, flags.projectConfig)
}
