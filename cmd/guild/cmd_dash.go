package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// newDashCmd creates the "guild dash" subcommand.
func newDashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Launch the interactive dashboard",
		Long:  "Opens the guild dashboard TUI for monitoring tasks, agents, and\nthe delivery ledger.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !isatty.IsTerminal(os.Stdout.Fd()) {
				return fmt.Errorf("dash requires a terminal; use 'guild status' for scripted output")
			}

			dashCmd := exec.CommandContext(cmd.Context(), "guild-dash")
			dashCmd.Stdin = os.Stdin
			dashCmd.Stdout = os.Stdout
			dashCmd.Stderr = os.Stderr

			if err := dashCmd.Run(); err != nil {
				return fmt.Errorf("run guild-dash: %w", err)
			}

			return nil
		},
	}
}
