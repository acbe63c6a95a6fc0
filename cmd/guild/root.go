package main

import (
	"fmt"

	"guild/internal/version"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root guild command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "guild",
		Short:         "Guild multi-agent coordination hub",
		Long:          "guild coordinates a roster of specialized agents over a message bus.\nIt routes tasks, validates results, and keeps a tiered shared memory.",
		Version:       fmt.Sprintf("guild %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newInitCmd(),
		newHubCmd(),
		newAgentCmd(),
		newTasksCmd(),
		newStatusCmd(),
		newMemoriesCmd(),
		newLogsCmd(),
		newDashCmd(),
	)

	return cmd
}
