package main

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"guild/pkg/protocol"
)

// newTestHub points GUILD_HOME at a temp dir and returns an open hub db.
func newTestHub(t *testing.T) *sql.DB {
	t.Helper()
	home := filepath.Join(t.TempDir(), "guild-home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir guild home: %v", err)
	}
	t.Setenv("GUILD_HOME", home)
	t.Setenv("GUILD_DB_PATH", "")

	db, err := openDB(filepath.Join(home, protocol.DBFileName))
	if err != nil {
		t.Fatalf("open hub db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestInsertPendingTask_RowVisibleToList(t *testing.T) {
	db := newTestHub(t)
	ctx := context.Background()

	id, err := insertPendingTask(ctx, db, taskInput{
		ProjectID:       "proj-1",
		Title:           "add retry budget",
		Spec:            "bound reassignments",
		Capability:      "code",
		QualityCriteria: []string{"includes-tests"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	var status, criteria string
	if err := db.QueryRow("SELECT status, quality_criteria FROM tasks WHERE id = ?", id).
		Scan(&status, &criteria); err != nil {
		t.Fatalf("load task: %v", err)
	}
	if status != "pending" {
		t.Errorf("status = %q, want pending", status)
	}
	if !strings.Contains(criteria, "includes-tests") {
		t.Errorf("criteria = %q", criteria)
	}

	cmd := newTasksListCmd()
	var out strings.Builder
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--project", "proj-1"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out.String(), id) {
		t.Errorf("list output missing task id:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "add retry budget") {
		t.Errorf("list output missing title:\n%s", out.String())
	}
}

func TestCancelTask_TransitionsAndRecordsEvent(t *testing.T) {
	db := newTestHub(t)
	ctx := context.Background()

	id, err := insertPendingTask(ctx, db, taskInput{
		ProjectID: "proj-1", Title: "x", Capability: "code",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := cancelTask(ctx, db, id, "no longer needed"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	var status string
	if err := db.QueryRow("SELECT status FROM tasks WHERE id = ?", id).Scan(&status); err != nil {
		t.Fatalf("load task: %v", err)
	}
	if status != "cancelled" {
		t.Errorf("status = %q, want cancelled", status)
	}

	var note string
	if err := db.QueryRow(
		"SELECT note FROM task_events WHERE task_id = ? AND to_status = 'cancelled'", id).
		Scan(&note); err != nil {
		t.Fatalf("load event: %v", err)
	}
	if note != "no longer needed" {
		t.Errorf("note = %q", note)
	}
}

func TestCancelTask_TerminalIsIllegal(t *testing.T) {
	db := newTestHub(t)
	ctx := context.Background()

	id, err := insertPendingTask(ctx, db, taskInput{
		ProjectID: "proj-1", Title: "x", Capability: "code",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := cancelTask(ctx, db, id, "first"); err != nil {
		t.Fatalf("first cancel: %v", err)
	}

	err = cancelTask(ctx, db, id, "second")
	var illegal *protocol.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("err = %v, want IllegalTransitionError", err)
	}
}

func TestCancelTask_MissingTask(t *testing.T) {
	db := newTestHub(t)

	err := cancelTask(context.Background(), db, "nope", "")
	var notFound *protocol.TaskNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("err = %v, want TaskNotFoundError", err)
	}
}

func TestTasksShow_PrintsHistory(t *testing.T) {
	db := newTestHub(t)
	ctx := context.Background()

	id, err := insertPendingTask(ctx, db, taskInput{
		ProjectID: "proj-1", Title: "wire the codec", Capability: "code",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := cancelTask(ctx, db, id, "descoped"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	cmd := newTasksShowCmd()
	var out strings.Builder
	cmd.SetOut(&out)
	cmd.SetArgs([]string{id})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("show: %v", err)
	}

	got := out.String()
	for _, want := range []string{"wire the codec", "cancelled", "descoped", "History:"} {
		if !strings.Contains(got, want) {
			t.Errorf("show output missing %q:\n%s", want, got)
		}
	}
}

func TestFormatTasksTable_Empty(t *testing.T) {
	if got := formatTasksTable(nil); got != "No tasks found.\n" {
		t.Errorf("output = %q", got)
	}
}
