package protocol_test

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"guild/pkg/protocol"
)

// openTestDB creates an in-memory SQLite database with schema applied.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(protocol.SchemaDDL)
	if err != nil {
		t.Fatalf("exec schema DDL: %v", err)
	}
	return db
}

func TestDeliveryFieldsMatchSchema(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.Exec(
		`INSERT INTO deliveries (message_id, recipient, correlation_id, seq, requires_ack, status, attempts, next_attempt_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		"msg-1", "dev-1", "msg-1", 1, 1, protocol.DeliveryPending, 0, now,
	)
	if err != nil {
		t.Fatalf("insert delivery: %v", err)
	}

	var d protocol.Delivery
	var deliveredAt, ackedAt, deadAt, deadReason sql.NullString
	err = db.QueryRow(
		`SELECT message_id, recipient, correlation_id, seq, requires_ack, status, attempts,
		        next_attempt_at, delivered_at, acked_at, dead_lettered_at, dead_letter_reason
		 FROM deliveries WHERE message_id = 'msg-1'`,
	).Scan(&d.MessageID, &d.Recipient, &d.CorrelationID, &d.Seq, &d.RequiresAck, &d.Status,
		&d.Attempts, &d.NextAttemptAt, &deliveredAt, &ackedAt, &deadAt, &deadReason)
	if err != nil {
		t.Fatalf("scan delivery: %v", err)
	}
	if d.Status != protocol.DeliveryPending {
		t.Errorf("status: want pending, got %q", d.Status)
	}
	if !d.RequiresAck {
		t.Error("requires_ack should scan as true")
	}
	if deliveredAt.Valid {
		t.Error("delivered_at should be NULL before first send")
	}
}

func TestTaskRowFieldsMatchSchema(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	_, err := db.Exec(
		`INSERT INTO tasks (id, project_id, title, spec, capability, quality_criteria, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"task-1", "proj-1", "implement login", "add a login form", "implement",
		`["includes-tests"]`, string(protocol.TaskPending),
	)
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}

	var row protocol.TaskRow
	var role, assignee, spec sql.NullString
	err = db.QueryRow(
		`SELECT id, project_id, title, spec, capability, quality_criteria, status,
		        assigned_role, assignee, rejections, created_at, updated_at
		 FROM tasks WHERE id = 'task-1'`,
	).Scan(&row.ID, &row.ProjectID, &row.Title, &spec, &row.Capability, &row.QualityCriteria,
		&row.Status, &role, &assignee, &row.Rejections, &row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		t.Fatalf("scan task: %v", err)
	}
	if row.Status != string(protocol.TaskPending) {
		t.Errorf("status: want pending, got %q", row.Status)
	}
	if row.Rejections != 0 {
		t.Errorf("rejections should default to 0, got %d", row.Rejections)
	}
	if row.CreatedAt == "" {
		t.Error("created_at should be populated by DEFAULT")
	}
}

func TestTaskEventAppendOnly(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	now := time.Now().UTC().Format(time.RFC3339)
	transitions := [][2]protocol.TaskStatus{
		{protocol.TaskPending, protocol.TaskAssigned},
		{protocol.TaskAssigned, protocol.TaskInReview},
		{protocol.TaskInReview, protocol.TaskAccepted},
	}
	for _, tr := range transitions {
		_, err := db.Exec(
			"INSERT INTO task_events (task_id, from_status, to_status, actor, created_at) VALUES (?, ?, ?, ?, ?)",
			"task-1", string(tr[0]), string(tr[1]), "hub", now,
		)
		if err != nil {
			t.Fatalf("insert task event: %v", err)
		}
	}

	rows, err := db.Query("SELECT id, from_status, to_status FROM task_events WHERE task_id = 'task-1' ORDER BY id")
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var prev int64
	count := 0
	for rows.Next() {
		var ev protocol.TaskEvent
		if err := rows.Scan(&ev.ID, &ev.FromStatus, &ev.ToStatus); err != nil {
			t.Fatalf("scan event: %v", err)
		}
		if ev.ID <= prev {
			t.Errorf("event ids must be monotonic, got %d after %d", ev.ID, prev)
		}
		prev = ev.ID
		count++
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	if count != len(transitions) {
		t.Errorf("want %d events, got %d", len(transitions), count)
	}
}

func TestAgentRowFieldsMatchSchema(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.Exec(
		"INSERT INTO agents (instance_id, role, capabilities, projects, state, last_seen) VALUES (?, ?, ?, ?, ?, ?)",
		"dev-1", protocol.RoleDeveloper, `["implement"]`, `["proj-1"]`, string(protocol.AgentIdle), now,
	)
	if err != nil {
		t.Fatalf("insert agent: %v", err)
	}

	var row protocol.AgentRow
	err = db.QueryRow(
		"SELECT instance_id, role, capabilities, projects, state, last_seen, completed, handling_ms FROM agents WHERE instance_id = 'dev-1'",
	).Scan(&row.InstanceID, &row.Role, &row.Capabilities, &row.Projects, &row.State, &row.LastSeen, &row.Completed, &row.HandlingMS)
	if err != nil {
		t.Fatalf("scan agent: %v", err)
	}
	if row.Completed != 0 || row.HandlingMS != 0 {
		t.Errorf("counters should default to 0, got completed=%d handling_ms=%d", row.Completed, row.HandlingMS)
	}
}

func TestMemoryRowFieldsMatchSchema(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.Exec(
		`INSERT INTO memories (project_id, agent_id, tier, content, importance, tokens, created_at, last_accessed_at, last_decayed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		"proj-1", "dev-1", string(protocol.TierWorking), "login uses session cookies", 0.8, 7, now, now, now,
	)
	if err != nil {
		t.Fatalf("insert memory: %v", err)
	}

	var row protocol.MemoryRow
	var superseded sql.NullInt64
	err = db.QueryRow(
		`SELECT id, project_id, tier, content, importance, tokens, summary, superseded_by
		 FROM memories WHERE project_id = 'proj-1'`,
	).Scan(&row.ID, &row.ProjectID, &row.Tier, &row.Content, &row.Importance, &row.Tokens, &row.Summary, &superseded)
	if err != nil {
		t.Fatalf("scan memory: %v", err)
	}
	if row.Summary {
		t.Error("summary should default to false")
	}
	if superseded.Valid {
		t.Error("superseded_by should be NULL for a fresh item")
	}
}
