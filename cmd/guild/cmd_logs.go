package main

import (
	"context"
	"fmt"
	"io"

	"guild/pkg/eventlog"

	"github.com/spf13/cobra"
)

// logsConfig holds flags for the logs command.
type logsConfig struct {
	tail int
	dead bool
}

// newLogsCmd creates the "guild logs" subcommand.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs [task-id]",
		Short: "Show task transition history and dead letters",
		Long: `Without arguments, shows the most recent task transitions across
the hub. With a task-id, shows that task's full history. With --dead,
shows the dead-letter queue instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reader, err := openEventlogReader()
			if err != nil {
				return err
			}
			defer func() { _ = reader.Close() }()

			w := cmd.OutOrStdout()
			ctx := cmd.Context()

			if cfg.dead {
				return printDeadLetters(ctx, w, reader, cfg.tail)
			}
			if len(args) == 1 {
				return printTaskEvents(ctx, w, reader, args[0])
			}
			return printRecentEvents(ctx, w, reader, cfg.tail)
		},
	}

	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent entries to show")
	cmd.Flags().BoolVar(&cfg.dead, "dead", false, "show the dead-letter queue")

	return cmd
}

// printRecentEvents shows the last N transitions across all tasks.
func printRecentEvents(ctx context.Context, w io.Writer, reader *eventlog.Reader, tail int) error {
	events, err := reader.Events(ctx, tail)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}
	for _, e := range events {
		formatTransition(w, e, true)
	}
	return nil
}

// printTaskEvents shows one task's full history.
func printTaskEvents(ctx context.Context, w io.Writer, reader *eventlog.Reader, taskID string) error {
	events, err := reader.TaskHistory(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(events) == 0 {
		fmt.Fprintf(w, "no events for task %s\n", taskID)
		return nil
	}
	for _, e := range events {
		formatTransition(w, e, false)
	}
	return nil
}

// formatTransition writes one transition line.
// Format: timestamp | task_id | from -> to | actor | note
func formatTransition(w io.Writer, e eventlog.TransitionEvent, withTask bool) {
	ts := e.CreatedAt.Format("2006-01-02 15:04:05")
	if withTask {
		fmt.Fprintf(w, "%s | %-36s | %-9s -> %-9s | %-12s | %s\n",
			ts, e.TaskID, e.From, e.To, e.Actor, e.Note)
		return
	}
	fmt.Fprintf(w, "%s | %-9s -> %-9s | %-12s | %s\n",
		ts, e.From, e.To, e.Actor, e.Note)
}

// printDeadLetters shows the dead-letter queue.
func printDeadLetters(ctx context.Context, w io.Writer, reader *eventlog.Reader, limit int) error {
	dls, err := reader.DeadLetters(ctx, limit)
	if err != nil {
		return fmt.Errorf("load dead letters: %w", err)
	}
	if len(dls) == 0 {
		fmt.Fprintln(w, "dead-letter queue is empty")
		return nil
	}
	for _, dl := range dls {
		fmt.Fprintf(w, "%s | %-36s | %-10s | %s -> %s | attempts %d | %s\n",
			dl.DeadAt.Format("2006-01-02 15:04:05"), dl.MessageID, dl.Kind,
			dl.Sender, dl.Recipient, dl.Attempts, dl.Reason)
	}
	return nil
}
