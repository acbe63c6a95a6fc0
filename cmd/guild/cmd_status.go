package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"guild/pkg/eventlog"
	"guild/pkg/protocol"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the "guild status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show hub state at a glance",
		Long:  "Displays task counts by status, the agent registry with\nperformance counters, and delivery ledger totals.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reader, err := openEventlogReader()
			if err != nil {
				return err
			}
			defer func() { _ = reader.Close() }()

			return printStatus(cmd.Context(), cmd.OutOrStdout(), reader)
		},
	}
}

// printStatus writes the full status report.
func printStatus(ctx context.Context, w io.Writer, reader *eventlog.Reader) error {
	tasks, err := reader.Tasks(ctx, eventlog.TaskQueryOpts{})
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	fmt.Fprintln(w, "Tasks:")
	fmt.Fprint(w, formatTaskCounts(tasks))

	agents, err := reader.Agents(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	fmt.Fprintln(w, "\nAgents:")
	fmt.Fprint(w, formatAgentsTable(agents))

	stats, err := reader.Deliveries(ctx)
	if err != nil {
		return fmt.Errorf("load deliveries: %w", err)
	}
	fmt.Fprintln(w, "\nDeliveries:")
	fmt.Fprintf(w, "  pending %d, delivered %d, acked %d, dead %d\n",
		stats.Pending, stats.Delivered, stats.Acked, stats.Dead)
	return nil
}

// formatTaskCounts aggregates tasks by status in state-machine order.
func formatTaskCounts(tasks []eventlog.TaskRow) string {
	counts := make(map[protocol.TaskStatus]int)
	for _, t := range tasks {
		counts[t.Status]++
	}

	order := []protocol.TaskStatus{
		protocol.TaskPending, protocol.TaskAssigned, protocol.TaskInReview,
		protocol.TaskAccepted, protocol.TaskRejected, protocol.TaskEscalated,
		protocol.TaskCancelled,
	}

	var b strings.Builder
	total := 0
	for _, s := range order {
		if n := counts[s]; n > 0 {
			fmt.Fprintf(&b, "  %-10s %d\n", s, n)
			total += n
		}
	}
	if total == 0 {
		return "  none\n"
	}
	return b.String()
}

// formatAgentsTable formats the registry as a tabular string.
func formatAgentsTable(agents []eventlog.AgentRow) string {
	if len(agents) == 0 {
		return "  none registered\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "  %-14s %-10s %-12s %-10s %-12s %s\n",
		"INSTANCE", "ROLE", "STATE", "COMPLETED", "MEAN", "LAST SEEN")
	for _, a := range agents {
		mean := "-"
		if a.MeanHandling > 0 {
			mean = a.MeanHandling.Round(time.Second).String()
		}
		lastSeen := "-"
		if !a.LastSeen.IsZero() {
			lastSeen = a.LastSeen.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(&b, "  %-14s %-10s %-12s %-10d %-12s %s\n",
			a.InstanceID, a.Role, a.State, a.Completed, mean, lastSeen)
	}
	return b.String()
}
