package main

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"guild/pkg/protocol"

	_ "modernc.org/sqlite"
)

// newTestHubDB creates a schema-initialized hub database on disk, since
// the read-only snapshot path requires a real file.
func newTestHubDB(t *testing.T) (string, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hub.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("exec schema: %v", err)
	}
	return path, db
}

func TestFetchSnapshot_ReadsAllSections(t *testing.T) {
	path, db := newTestHubDB(t)
	ctx := context.Background()

	if _, err := db.Exec(
		`INSERT INTO tasks (id, project_id, title, capability, status, created_at, updated_at)
		 VALUES ('t1', 'proj-1', 'x', 'code', 'pending', '2026-05-10T08:00:00Z', '2026-05-10T08:00:00Z')`,
	); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	if _, err := db.Exec(
		`INSERT INTO agents (instance_id, role, state, last_seen, completed, handling_ms)
		 VALUES ('dev-1', 'developer', 'idle', '2026-05-10T08:00:00Z', 0, 0)`,
	); err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	snap, err := FetchSnapshot(ctx, path)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(snap.Tasks) != 1 || snap.Tasks[0].ID != "t1" {
		t.Errorf("tasks = %+v", snap.Tasks)
	}
	if len(snap.Agents) != 1 || snap.Agents[0].InstanceID != "dev-1" {
		t.Errorf("agents = %+v", snap.Agents)
	}
	if len(snap.DeadLetters) != 0 {
		t.Errorf("dead letters = %+v", snap.DeadLetters)
	}
}

func TestFetchSnapshot_MissingDatabase(t *testing.T) {
	if _, err := FetchSnapshot(context.Background(), filepath.Join(t.TempDir(), "nope.db")); err == nil {
		t.Fatal("expected error for missing database")
	}
}

func TestFetchHistory_ReturnsOrderedEvents(t *testing.T) {
	path, db := newTestHubDB(t)

	for _, edge := range [][2]string{{"pending", "assigned"}, {"assigned", "in-review"}} {
		if _, err := db.Exec(
			`INSERT INTO task_events (task_id, from_status, to_status, actor, note, created_at)
			 VALUES ('t1', ?, ?, 'router', '', '2026-05-10T08:00:00Z')`,
			edge[0], edge[1],
		); err != nil {
			t.Fatalf("seed event: %v", err)
		}
	}

	events, err := FetchHistory(context.Background(), path, "t1")
	if err != nil {
		t.Fatalf("fetch history: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].To != protocol.TaskAssigned {
		t.Errorf("first event = %+v", events[0])
	}
}

func TestDefaultDBPath_EnvOverride(t *testing.T) {
	t.Setenv("GUILD_DB_PATH", "/tmp/custom.db")
	if got := defaultDBPath(); got != "/tmp/custom.db" {
		t.Errorf("path = %q", got)
	}

	t.Setenv("GUILD_DB_PATH", "")
	t.Setenv("GUILD_HOME", "/tmp/guild-home")
	if got := defaultDBPath(); got != filepath.Join("/tmp/guild-home", protocol.DBFileName) {
		t.Errorf("path = %q", got)
	}
}
