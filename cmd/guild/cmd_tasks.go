package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"guild/pkg/eventlog"
	"guild/pkg/protocol"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// newTasksCmd creates the "guild tasks" parent command with subcommands.
func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Create and inspect tasks",
		Long:  "Commands for creating, listing, and cancelling hub tasks.",
	}

	cmd.AddCommand(
		newTasksCreateCmd(),
		newTasksListCmd(),
		newTasksShowCmd(),
		newTasksCancelCmd(),
	)
	return cmd
}

// newTasksCreateCmd creates the "guild tasks create" subcommand.
func newTasksCreateCmd() *cobra.Command {
	var (
		project    string
		spec       string
		capability string
		criteria   []string
	)

	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task",
		Long: `Inserts a pending task. The running hub picks it up on its next
assignment sweep and routes it to a capable agent.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openHubDB()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			id, err := insertPendingTask(cmd.Context(), db, taskInput{
				ProjectID:       project,
				Title:           args[0],
				Spec:            spec,
				Capability:      capability,
				QualityCriteria: criteria,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created task %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "project id (required)")
	cmd.Flags().StringVar(&spec, "spec", "", "description of the work")
	cmd.Flags().StringVar(&capability, "capability", "", "capability the assignee must advertise (required)")
	cmd.Flags().StringSliceVar(&criteria, "criterion", nil, "named quality criterion (repeatable)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("capability")

	return cmd
}

// taskInput describes a task created from the CLI.
type taskInput struct {
	ProjectID       string
	Title           string
	Spec            string
	Capability      string
	QualityCriteria []string
}

// insertPendingTask writes a pending task row the hub's assignment
// sweep will route. Mirrors the router's create path so a CLI task is
// indistinguishable from one created in-process.
func insertPendingTask(ctx context.Context, db *sql.DB, in taskInput) (string, error) {
	criteria, err := json.Marshal(in.QualityCriteria)
	if err != nil {
		return "", fmt.Errorf("encode criteria: %w", err)
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := db.ExecContext(ctx,
		`INSERT INTO tasks (id, project_id, title, spec, capability, quality_criteria, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
		id, in.ProjectID, in.Title, in.Spec, in.Capability, string(criteria), now, now,
	); err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

// newTasksListCmd creates the "guild tasks list" subcommand.
func newTasksListCmd() *cobra.Command {
	var (
		project string
		status  string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Long:  "Lists tasks newest first, optionally filtered by project and status.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reader, err := openEventlogReader()
			if err != nil {
				return err
			}
			defer func() { _ = reader.Close() }()

			tasks, err := reader.Tasks(cmd.Context(), eventlog.TaskQueryOpts{
				ProjectID: project,
				Status:    protocol.TaskStatus(status),
				Limit:     limit,
			})
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), formatTasksTable(tasks))
			return nil
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "filter by project id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|assigned|in-review|accepted|rejected|escalated|cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of tasks to return")

	return cmd
}

// formatTasksTable formats a slice of task rows as a tabular string.
func formatTasksTable(tasks []eventlog.TaskRow) string {
	if len(tasks) == 0 {
		return "No tasks found.\n"
	}

	const maxTitle = 40

	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-12s %-10s %-42s %-12s %s\n",
		"ID", "PROJECT", "STATUS", "TITLE", "ASSIGNEE", "UPDATED")
	for _, t := range tasks {
		title := t.Title
		if len(title) > maxTitle {
			title = title[:maxTitle] + "..."
		}
		fmt.Fprintf(&b, "%-36s %-12s %-10s %-42s %-12s %s\n",
			t.ID, t.ProjectID, t.Status, title, t.Assignee, t.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return b.String()
}

// newTasksShowCmd creates the "guild tasks show" subcommand.
func newTasksShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task with its transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reader, err := openEventlogReader()
			if err != nil {
				return err
			}
			defer func() { _ = reader.Close() }()

			return printTaskDetail(cmd.Context(), cmd.OutOrStdout(), reader, args[0])
		},
	}
}

// printTaskDetail writes one task's snapshot and history.
func printTaskDetail(ctx context.Context, w io.Writer, reader *eventlog.Reader, taskID string) error {
	tasks, err := reader.Tasks(ctx, eventlog.TaskQueryOpts{})
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	var found *eventlog.TaskRow
	for i := range tasks {
		if tasks[i].ID == taskID {
			found = &tasks[i]
			break
		}
	}
	if found == nil {
		return fmt.Errorf("task %s not found", taskID)
	}

	fmt.Fprintf(w, "Task:       %s\n", found.ID)
	fmt.Fprintf(w, "Project:    %s\n", found.ProjectID)
	fmt.Fprintf(w, "Title:      %s\n", found.Title)
	fmt.Fprintf(w, "Capability: %s\n", found.Capability)
	fmt.Fprintf(w, "Status:     %s\n", found.Status)
	fmt.Fprintf(w, "Assignee:   %s\n", found.Assignee)
	fmt.Fprintf(w, "Rejections: %d\n", found.Rejections)

	history, err := reader.TaskHistory(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if len(history) == 0 {
		return nil
	}

	fmt.Fprintln(w, "\nHistory:")
	for _, e := range history {
		line := fmt.Sprintf("  %s  %s -> %s  by %s",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.From, e.To, e.Actor)
		if e.Note != "" {
			line += "  (" + e.Note + ")"
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

// newTasksCancelCmd creates the "guild tasks cancel" subcommand.
func newTasksCancelCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a non-terminal task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openHubDB()
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if err := cancelTask(cmd.Context(), db, args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled task %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "cancelled by operator", "note recorded in the task history")

	return cmd
}

// cancelTask moves a non-terminal task to cancelled and records the
// transition. The conditional UPDATE loses to the hub if the hub
// closes the task first.
func cancelTask(ctx context.Context, db *sql.DB, taskID, reason string) error {
	var status string
	err := db.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", taskID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return &protocol.TaskNotFoundError{TaskID: taskID}
	}
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	from := protocol.TaskStatus(status)
	if from.Terminal() {
		return &protocol.IllegalTransitionError{TaskID: taskID, From: from, To: protocol.TaskCancelled}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := db.ExecContext(ctx,
		"UPDATE tasks SET status = 'cancelled', updated_at = ? WHERE id = ? AND status = ?",
		now, taskID, status)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s changed state concurrently, not cancelled", taskID)
	}

	if _, err := db.ExecContext(ctx,
		`INSERT INTO task_events (task_id, from_status, to_status, actor, note, created_at)
		 VALUES (?, ?, 'cancelled', 'cli', ?, ?)`,
		taskID, status, reason, now); err != nil {
		return fmt.Errorf("record cancellation: %w", err)
	}
	return nil
}

// openHubDB opens the hub database at the resolved path.
func openHubDB() (*sql.DB, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, fmt.Errorf("resolve paths: %w", err)
	}
	return openDB(paths.DBPath)
}

// openEventlogReader opens the read-only query surface over the hub database.
func openEventlogReader() (*eventlog.Reader, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, fmt.Errorf("resolve paths: %w", err)
	}
	return eventlog.NewReader(paths.DBPath)
}
