package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"guild/pkg/agent"
	"guild/pkg/bus"
	"guild/pkg/config"
	"guild/pkg/llm"
	"guild/pkg/memory"
	"guild/pkg/router"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// hubConfig holds flags for the hub command.
type hubConfig struct {
	redisURL string
	noAgents bool
}

// newHubCmd creates the "guild hub" subcommand.
func newHubCmd() *cobra.Command {
	var cfg hubConfig

	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the coordination hub",
		Long: `Runs the hub process: the bus dispatch loop, the task router,
the memory decay sweep, and (by default) every agent in the roster as
an in-process runtime loop.

With --redis the bus rides a Redis Streams transport, so agents may
also run as separate 'guild agent' processes against the same hub
directory. Use --no-agents to run only the hub side in that setup.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runHub(ctx, cmd.OutOrStdout(), cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.redisURL, "redis", "", "redis URL for the bus transport (default: in-process)")
	cmd.Flags().BoolVar(&cfg.noAgents, "no-agents", false, "do not start roster agents in this process")

	return cmd
}

// runHub wires the hub together and blocks until ctx is cancelled.
func runHub(ctx context.Context, w io.Writer, hc hubConfig) error {
	paths, err := ResolvePaths()
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}

	slog := newStartupLog(w, isatty.IsTerminal(os.Stdout.Fd()))

	cfg, err := config.Load(paths.GuildHome)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	roster, err := config.LoadRoster(paths.GuildHome)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	slog.Step(fmt.Sprintf("config loaded (%d roster agents)", len(roster.Agents)))

	db, err := openDB(paths.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	slog.Step(fmt.Sprintf("database %s", paths.DBPath))

	transport, transportName, err := buildTransport(hc.redisURL)
	if err != nil {
		return err
	}
	defer func() { _ = transport.Close() }()

	b := bus.New(bus.Config{
		AckTimeout:       cfg.Bus.AckTimeout.Std(),
		RetryInterval:    cfg.Bus.RetryInterval.Std(),
		MaxAttempts:      cfg.Bus.MaxAttempts,
		DispatchInterval: cfg.Bus.DispatchInterval.Std(),
		DefaultTTL:       cfg.Bus.MessageTTL.Std(),
	}, db, transport)
	slog.Step(fmt.Sprintf("bus ready (%s transport)", transportName))

	store := newHubMemoryStore(db, cfg)

	rt := router.New(router.Config{
		MaxRejections:    cfg.Router.MaxRejections,
		HeartbeatTimeout: cfg.Router.HeartbeatTimeout.Std(),
	}, db, b, store)

	var wg sync.WaitGroup
	runComponent(ctx, &wg, "bus", b.Run)
	runComponent(ctx, &wg, "router", rt.Run)
	runComponent(ctx, &wg, "decay", func(ctx context.Context) error {
		runDecayLoop(ctx, store, cfg.Memory.DecayInterval.Std())
		return nil
	})
	slog.Step("router and decay sweep running")

	if hc.noAgents {
		// Roster agents run elsewhere; the registry still needs their
		// bindings so capability routing can pick them.
		for _, entry := range roster.Agents {
			b.Bind(bus.Binding{
				InstanceID:   entry.InstanceID,
				Role:         entry.Role,
				Capabilities: entry.Capabilities,
				Projects:     entry.Projects,
			})
		}
		slog.Step(fmt.Sprintf("%d remote agents bound", len(roster.Agents)))
	} else {
		startRosterAgents(ctx, &wg, b, store, cfg, roster)
		slog.Step(fmt.Sprintf("%d agents started", len(roster.Agents)))
	}

	fmt.Fprintln(w, "\nHub running. Ctrl-C to stop.")
	<-ctx.Done()
	wg.Wait()
	fmt.Fprintln(w, "Hub stopped.")
	return nil
}

// buildTransport picks the bus transport from the --redis flag.
func buildTransport(redisURL string) (bus.Transport, string, error) {
	if redisURL == "" {
		return bus.NewInproc(), "inproc", nil
	}
	t, err := bus.DialRedis(redisURL)
	if err != nil {
		return nil, "", fmt.Errorf("dial redis: %w", err)
	}
	return t, "redis", nil
}

// runComponent runs fn on its own goroutine and logs a non-nil exit.
func runComponent(ctx context.Context, wg *sync.WaitGroup, name string, fn func(context.Context) error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fn(ctx); err != nil {
			log.Printf("hub: %s stopped: %v", name, err)
		}
	}()
}

// runDecayLoop fires the memory decay sweep on a fixed cadence.
func runDecayLoop(ctx context.Context, store *memory.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := store.Decay(ctx)
			if err != nil {
				log.Printf("hub: decay sweep: %v", err)
				continue
			}
			if report.Decayed+report.Demoted+report.Pruned+report.Overflow > 0 {
				log.Printf("hub: decay: %d decayed, %d demoted, %d pruned, %d overflow",
					report.Decayed, report.Demoted, report.Pruned, report.Overflow)
			}
		}
	}
}

// startRosterAgents launches one runtime loop per roster entry.
func startRosterAgents(ctx context.Context, wg *sync.WaitGroup, b *bus.Bus, store *memory.Store, cfg config.Config, roster config.Roster) {
	for _, entry := range roster.Agents {
		a := agent.New(agentConfigFor(cfg, entry), b, store, providerFor(cfg))
		runComponent(ctx, wg, "agent "+entry.InstanceID, a.Run)
	}
}

// agentConfigFor merges hub-level agent settings with one roster entry.
func agentConfigFor(cfg config.Config, entry config.AgentEntry) agent.Config {
	budget := cfg.Agent.ContextBudget
	if entry.ContextBudget > 0 {
		budget = entry.ContextBudget
	}
	return agent.Config{
		InstanceID:        entry.InstanceID,
		Role:              entry.Role,
		Capabilities:      entry.Capabilities,
		Projects:          entry.Projects,
		ContextBudget:     budget,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval.Std(),
	}
}

// newHubMemoryStore builds the shared memory store from the hub config.
func newHubMemoryStore(db *sql.DB, cfg config.Config) *memory.Store {
	return memory.NewStore(db, memory.Config{
		ImportanceFloor: cfg.Memory.ImportanceFloor,
		DemoteFactor:    cfg.Memory.DemoteFactor,
	})
}

// providerFor builds the LM provider from the hub config.
func providerFor(cfg config.Config) *llm.HTTPProvider {
	return llm.NewHTTPProvider(llm.HTTPConfig{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout.Std(),
	})
}
