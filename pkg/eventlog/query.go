// Package eventlog provides read-only access to a hub's SQLite
// database for the CLI and dashboard: task snapshots, transition
// history, dead letters, and per-agent counters. It never writes; the
// hub process owns all mutation.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"guild/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// TaskRow is a snapshot of one task.
type TaskRow struct {
	ID         string
	ProjectID  string
	Title      string
	Capability string
	Status     protocol.TaskStatus
	Assignee   string
	Rejections int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TransitionEvent is one step of a task's history.
type TransitionEvent struct {
	ID        int64
	TaskID    string
	From      protocol.TaskStatus
	To        protocol.TaskStatus
	Actor     string
	Note      string
	CreatedAt time.Time
}

// DeadLetterRow is one undeliverable message with its failure context.
type DeadLetterRow struct {
	MessageID string
	Recipient string
	Kind      string
	Sender    string
	Attempts  int
	Reason    string
	DeadAt    time.Time
}

// AgentRow is one registry entry with its performance counters.
type AgentRow struct {
	InstanceID   string
	Role         string
	State        protocol.AgentState
	LastSeen     time.Time
	Completed    int64
	MeanHandling time.Duration
}

// DeliveryStats aggregates the delivery ledger by state.
type DeliveryStats struct {
	Pending   int64
	Delivered int64
	Acked     int64
	Dead      int64
}

// TaskQueryOpts filters a task snapshot.
type TaskQueryOpts struct {
	ProjectID string
	Status    protocol.TaskStatus
	Assignee  string
	Limit     int // 0 = no limit
}

// Reader provides read-only access to a hub database.
type Reader struct {
	db *sql.DB
}

// NewReader opens the hub database in read-only mode with WAL so
// queries never block the hub's writers.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Reader{db: db}, nil
}

// NewReaderFromDB wraps an already-open handle. The caller keeps
// ownership of the connection.
func NewReaderFromDB(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// Close releases the database connection. Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Tasks returns a filtered task snapshot, newest first.
func (r *Reader) Tasks(ctx context.Context, opts TaskQueryOpts) ([]TaskRow, error) {
	query, args := buildTaskQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TaskRow
	for rows.Next() {
		var t TaskRow
		var status, createdAt, updatedAt string
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Capability, &status,
			&t.Assignee, &t.Rejections, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = protocol.TaskStatus(status)
		t.CreatedAt = parseTimestamp(createdAt)
		t.UpdatedAt = parseTimestamp(updatedAt)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func buildTaskQuery(opts TaskQueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := `SELECT id, project_id, title, capability, status,
	                 COALESCE(assignee, ''), rejections, created_at, updated_at
	          FROM tasks WHERE 1=1`

	if opts.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, opts.ProjectID)
	}
	if opts.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.Assignee != "" {
		conditions = append(conditions, "assignee = ?")
		args = append(args, opts.Assignee)
	}
	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY updated_at DESC, id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}

// TaskHistory returns a task's full transition history, oldest first.
func (r *Reader) TaskHistory(ctx context.Context, taskID string) ([]TransitionEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, task_id, from_status, to_status, actor, COALESCE(note, ''), created_at
		 FROM task_events WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TransitionEvent
	for rows.Next() {
		var e TransitionEvent
		var from, to, createdAt string
		if err := rows.Scan(&e.ID, &e.TaskID, &from, &to, &e.Actor, &e.Note, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.From = protocol.TaskStatus(from)
		e.To = protocol.TaskStatus(to)
		e.CreatedAt = parseTimestamp(createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Events returns the most recent transition events across all tasks,
// in chronological order.
func (r *Reader) Events(ctx context.Context, limit int) ([]TransitionEvent, error) {
	query := `SELECT id, task_id, from_status, to_status, actor, COALESCE(note, ''), created_at
	          FROM (SELECT * FROM task_events ORDER BY id DESC LIMIT ?)
	          ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TransitionEvent
	for rows.Next() {
		var e TransitionEvent
		var from, to, createdAt string
		if err := rows.Scan(&e.ID, &e.TaskID, &from, &to, &e.Actor, &e.Note, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.From = protocol.TaskStatus(from)
		e.To = protocol.TaskStatus(to)
		e.CreatedAt = parseTimestamp(createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// DeadLetters returns the dead-letter queue, newest first.
func (r *Reader) DeadLetters(ctx context.Context, limit int) ([]DeadLetterRow, error) {
	query := `SELECT d.message_id, d.recipient, m.kind, m.sender,
	                 d.attempts, COALESCE(d.dead_letter_reason, ''), COALESCE(d.dead_lettered_at, '')
	          FROM deliveries d JOIN messages m ON m.id = d.message_id
	          WHERE d.status = 'dead' ORDER BY d.dead_lettered_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DeadLetterRow
	for rows.Next() {
		var dl DeadLetterRow
		var deadAt string
		if err := rows.Scan(&dl.MessageID, &dl.Recipient, &dl.Kind, &dl.Sender,
			&dl.Attempts, &dl.Reason, &deadAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.DeadAt = parseTimestamp(deadAt)
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

// Agents returns the registry with derived mean handling time.
func (r *Reader) Agents(ctx context.Context) ([]AgentRow, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT instance_id, role, state, last_seen, completed, handling_ms
		 FROM agents ORDER BY instance_id`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AgentRow
	for rows.Next() {
		var a AgentRow
		var state, lastSeen string
		var handlingMS int64
		if err := rows.Scan(&a.InstanceID, &a.Role, &state, &lastSeen, &a.Completed, &handlingMS); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.State = protocol.AgentState(state)
		a.LastSeen = parseTimestamp(lastSeen)
		if a.Completed > 0 {
			a.MeanHandling = time.Duration(handlingMS/a.Completed) * time.Millisecond
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return out, nil
}

// Deliveries aggregates the ledger by state.
func (r *Reader) Deliveries(ctx context.Context) (DeliveryStats, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM deliveries GROUP BY status")
	if err != nil {
		return DeliveryStats{}, fmt.Errorf("query deliveries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats DeliveryStats
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return DeliveryStats{}, fmt.Errorf("scan delivery count: %w", err)
		}
		switch status {
		case protocol.DeliveryPending:
			stats.Pending = n
		case protocol.DeliveryDelivered:
			stats.Delivered = n
		case protocol.DeliveryAcked:
			stats.Acked = n
		case protocol.DeliveryDead:
			stats.Dead = n
		}
	}
	if err := rows.Err(); err != nil {
		return DeliveryStats{}, fmt.Errorf("iterate delivery counts: %w", err)
	}
	return stats, nil
}

// MemoryCounts returns item counts per tier for one project.
func (r *Reader) MemoryCounts(ctx context.Context, projectID string) (map[protocol.MemoryTier]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT tier, COUNT(*) FROM memories
		 WHERE project_id = ? AND superseded_by IS NULL GROUP BY tier`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query memory counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[protocol.MemoryTier]int64)
	for rows.Next() {
		var tier string
		var n int64
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, fmt.Errorf("scan memory count: %w", err)
		}
		out[protocol.MemoryTier(tier)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory counts: %w", err)
	}
	return out, nil
}

// parseTimestamp accepts both timestamp layouts the hub writes.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}
