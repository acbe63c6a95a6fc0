package main

import (
	"fmt"
	"io"
	"os"

	"guild/pkg/config"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// newInitCmd creates the "guild init" subcommand.
func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the hub directory, config, roster, and database",
		Long: `Creates the guild home directory (~/.guild or GUILD_HOME) with:

  config.yaml   hub tunables (bus, memory, router, agent, llm)
  agents.toml   agent roster (one instance per well-known role)
  hub.db        SQLite database with the full schema applied

Existing config and roster files are left alone unless --force is given.
The database schema is idempotent and always safe to re-apply.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd.OutOrStdout(), force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config.yaml and agents.toml")

	return cmd
}

// runInit is the core logic for the init command, separated for testability.
func runInit(w io.Writer, force bool) error {
	paths, err := ResolvePaths()
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}

	slog := newStartupLog(w, isatty.IsTerminal(os.Stdout.Fd()))

	if err := os.MkdirAll(paths.GuildHome, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", paths.GuildHome, err)
	}
	slog.Step(fmt.Sprintf("hub directory %s", paths.GuildHome))

	if err := writeConfigFile(slog, paths, force); err != nil {
		return err
	}
	if err := writeRosterFile(slog, paths, force); err != nil {
		return err
	}

	db, err := openDB(paths.DBPath)
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	defer func() { _ = db.Close() }()
	slog.Step(fmt.Sprintf("database %s", paths.DBPath))

	fmt.Fprintln(w, "\nHub initialized. Start it with 'guild hub'.")
	return nil
}

// writeConfigFile writes the default config.yaml unless one exists and force is off.
func writeConfigFile(slog *startupLog, paths *Paths, force bool) error {
	if _, err := os.Stat(paths.ConfigPath); err == nil && !force {
		slog.Step(fmt.Sprintf("config %s (kept existing)", paths.ConfigPath))
		return nil
	}
	if err := config.Save(paths.GuildHome, config.Default()); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	slog.Step(fmt.Sprintf("config %s", paths.ConfigPath))
	return nil
}

// writeRosterFile writes the default agents.toml unless one exists and force is off.
func writeRosterFile(slog *startupLog, paths *Paths, force bool) error {
	if _, err := os.Stat(paths.RosterPath); err == nil && !force {
		slog.Step(fmt.Sprintf("roster %s (kept existing)", paths.RosterPath))
		return nil
	}
	if err := config.SaveRoster(paths.GuildHome, config.DefaultRoster()); err != nil {
		return fmt.Errorf("write roster: %w", err)
	}
	slog.Step(fmt.Sprintf("roster %s", paths.RosterPath))
	return nil
}
