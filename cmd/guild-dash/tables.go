package main

import (
	"fmt"
	"strings"
	"time"

	"guild/pkg/eventlog"
	"guild/pkg/protocol"
)

// truncate shortens s to max characters, appending "…" if truncated.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}

// renderTasksTable draws the task list with the cursor row marked.
func renderTasksTable(tasks []eventlog.TaskRow, cursor int, styles Styles) string {
	if len(tasks) == 0 {
		return styles.Muted.Render("No tasks yet. Create one with 'guild tasks create'.")
	}

	var b strings.Builder
	header := fmt.Sprintf("  %-10s %-12s %-40s %-12s %s",
		"STATUS", "PROJECT", "TITLE", "ASSIGNEE", "UPDATED")
	b.WriteString(styles.Header.Render(header))
	b.WriteString("\n")

	for i, t := range tasks {
		marker := "  "
		if i == cursor {
			marker = "> "
		}
		line := fmt.Sprintf("%s%-10s %-12s %-40s %-12s %s",
			marker,
			statusBadge(t.Status, styles),
			truncate(t.ProjectID, 12),
			truncate(t.Title, 40),
			truncate(t.Assignee, 12),
			t.UpdatedAt.Format("15:04:05"))
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// statusBadge colors a task status by outcome.
func statusBadge(status protocol.TaskStatus, styles Styles) string {
	padded := fmt.Sprintf("%-10s", status)
	switch status {
	case protocol.TaskAccepted:
		return styles.StatusOK.Render(padded)
	case protocol.TaskRejected, protocol.TaskEscalated:
		return styles.StatusBad.Render(padded)
	case protocol.TaskInReview:
		return styles.StatusWarn.Render(padded)
	default:
		return padded
	}
}

// renderAgentsTable draws the registry with a heartbeat health badge.
func renderAgentsTable(agents []eventlog.AgentRow, now time.Time, styles Styles) string {
	if len(agents) == 0 {
		return styles.Muted.Render("No agents registered.")
	}

	var b strings.Builder
	header := fmt.Sprintf("  %-14s %-10s %-12s %-10s %-10s %s",
		"INSTANCE", "ROLE", "STATE", "COMPLETED", "MEAN", "HEALTH")
	b.WriteString(styles.Header.Render(header))
	b.WriteString("\n")

	for _, a := range agents {
		mean := "-"
		if a.MeanHandling > 0 {
			mean = a.MeanHandling.Round(time.Second).String()
		}
		line := fmt.Sprintf("  %-14s %-10s %-12s %-10d %-10s %s",
			truncate(a.InstanceID, 14), truncate(a.Role, 10), a.State,
			a.Completed, mean, healthBadge(a.LastSeen, now, styles))
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// healthBadge colors a dot by heartbeat age.
// Green (<30s), amber (30-60s), red beyond that or never seen.
func healthBadge(lastSeen, now time.Time, styles Styles) string {
	if lastSeen.IsZero() {
		return styles.StatusBad.Render("●")
	}
	age := now.Sub(lastSeen)
	switch {
	case age < 30*time.Second:
		return styles.StatusOK.Render("●")
	case age <= time.Minute:
		return styles.StatusWarn.Render("●")
	default:
		return styles.StatusBad.Render("●")
	}
}

// renderDeadLettersTable draws the dead-letter queue.
func renderDeadLettersTable(dls []eventlog.DeadLetterRow, styles Styles) string {
	if len(dls) == 0 {
		return styles.StatusOK.Render("Dead-letter queue is empty.")
	}

	var b strings.Builder
	header := fmt.Sprintf("  %-19s %-12s %-14s %-8s %s",
		"DEAD AT", "KIND", "RECIPIENT", "ATTEMPTS", "REASON")
	b.WriteString(styles.Header.Render(header))
	b.WriteString("\n")

	for _, dl := range dls {
		line := fmt.Sprintf("  %-19s %-12s %-14s %-8d %s",
			dl.DeadAt.Format("2006-01-02 15:04:05"), truncate(dl.Kind, 12),
			truncate(dl.Recipient, 14), dl.Attempts, truncate(dl.Reason, 40))
		b.WriteString(styles.StatusBad.Render(line))
		b.WriteString("\n")
	}
	return b.String()
}
