package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"guild/pkg/eventlog"
	"guild/pkg/protocol"
)

// Snapshot is one consistent read of everything the dashboard shows.
type Snapshot struct {
	Tasks       []eventlog.TaskRow
	Agents      []eventlog.AgentRow
	DeadLetters []eventlog.DeadLetterRow
	Deliveries  eventlog.DeliveryStats
}

// FetchSnapshot reads the hub database at dbPath. The reader opens
// read-only, so a running hub is never blocked.
func FetchSnapshot(ctx context.Context, dbPath string) (*Snapshot, error) {
	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open hub db: %w", err)
	}
	defer func() { _ = reader.Close() }()

	return fetchSnapshotFrom(ctx, reader)
}

// fetchSnapshotFrom runs the queries against an already-open reader.
func fetchSnapshotFrom(ctx context.Context, reader *eventlog.Reader) (*Snapshot, error) {
	var snap Snapshot
	var err error

	if snap.Tasks, err = reader.Tasks(ctx, eventlog.TaskQueryOpts{Limit: 200}); err != nil {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}
	if snap.Agents, err = reader.Agents(ctx); err != nil {
		return nil, fmt.Errorf("fetch agents: %w", err)
	}
	if snap.DeadLetters, err = reader.DeadLetters(ctx, 100); err != nil {
		return nil, fmt.Errorf("fetch dead letters: %w", err)
	}
	if snap.Deliveries, err = reader.Deliveries(ctx); err != nil {
		return nil, fmt.Errorf("fetch deliveries: %w", err)
	}
	return &snap, nil
}

// FetchHistory reads one task's transition history.
func FetchHistory(ctx context.Context, dbPath, taskID string) ([]eventlog.TransitionEvent, error) {
	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open hub db: %w", err)
	}
	defer func() { _ = reader.Close() }()

	return reader.TaskHistory(ctx, taskID)
}

// defaultDBPath returns the hub database path from env or ~/.guild/hub.db.
func defaultDBPath() string {
	if v := os.Getenv("GUILD_DB_PATH"); v != "" {
		return v
	}
	base := os.Getenv("GUILD_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, protocol.GuildDir)
	}
	return filepath.Join(base, protocol.DBFileName)
}
