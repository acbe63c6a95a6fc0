package main

import (
	"path/filepath"
	"testing"
)

func TestOpenDB_CreatesFileAndAppliesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.db")

	db, err := openDB(path)
	if err != nil {
		t.Fatalf("openDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	// Schema applied: the tasks table accepts a row.
	if _, err := db.Exec(
		`INSERT INTO tasks (id, project_id, title, capability, status, created_at, updated_at)
		 VALUES ('t1', 'p1', 'x', 'code', 'pending', '2026-05-10T08:00:00Z', '2026-05-10T08:00:00Z')`,
	); err != nil {
		t.Fatalf("schema not applied: %v", err)
	}

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("query journal mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestOpenDB_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.db")

	db, err := openDB(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	_ = db.Close()

	db, err = openDB(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	_ = db.Close()
}
