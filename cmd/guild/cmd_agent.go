package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"guild/pkg/agent"
	"guild/pkg/bus"
	"guild/pkg/config"

	"github.com/spf13/cobra"
)

// agentCmdConfig holds flags for the agent command.
type agentCmdConfig struct {
	instanceID string
	redisURL   string
}

// newAgentCmd creates the "guild agent" subcommand.
func newAgentCmd() *cobra.Command {
	var cfg agentCmdConfig

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run one roster agent as a standalone process",
		Long: `Runs a single agent runtime loop outside the hub process. The
instance must appear in the roster, and the hub must be running with
the same --redis transport so deliveries reach this process.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.instanceID, "id", "", "roster instance id to run (required)")
	cmd.Flags().StringVar(&cfg.redisURL, "redis", "", "redis URL of the hub's bus transport (required)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("redis")

	return cmd
}

// runAgent wires one runtime loop to the shared store and transport.
func runAgent(ctx context.Context, w io.Writer, ac agentCmdConfig) error {
	paths, err := ResolvePaths()
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}

	cfg, err := config.Load(paths.GuildHome)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	roster, err := config.LoadRoster(paths.GuildHome)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	entry, ok := rosterEntry(roster, ac.instanceID)
	if !ok {
		return fmt.Errorf("instance %q not in roster %s", ac.instanceID, paths.RosterPath)
	}

	db, err := openDB(paths.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	transport, err := bus.DialRedis(ac.redisURL)
	if err != nil {
		return fmt.Errorf("dial redis: %w", err)
	}
	defer func() { _ = transport.Close() }()

	// The hub owns the dispatch loop; this Bus only publishes to the
	// shared ledger and consumes this instance's stream.
	b := bus.New(bus.Config{
		AckTimeout:    cfg.Bus.AckTimeout.Std(),
		RetryInterval: cfg.Bus.RetryInterval.Std(),
		MaxAttempts:   cfg.Bus.MaxAttempts,
		DefaultTTL:    cfg.Bus.MessageTTL.Std(),
	}, db, transport)

	store := newHubMemoryStore(db, cfg)
	a := agent.New(agentConfigFor(cfg, entry), b, store, providerFor(cfg))

	fmt.Fprintf(w, "Agent %s (%s) running. Ctrl-C to stop.\n", entry.InstanceID, entry.Role)
	return a.Run(ctx)
}

// rosterEntry finds one roster entry by instance id.
func rosterEntry(roster config.Roster, instanceID string) (config.AgentEntry, bool) {
	for _, e := range roster.Agents {
		if e.InstanceID == instanceID {
			return e, true
		}
	}
	return config.AgentEntry{}, false
}
