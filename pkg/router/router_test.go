package router //nolint:testpackage // white-box tests drive assignment and sweeps directly

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"guild/pkg/bus"
	"guild/pkg/memory"
	"guild/pkg/protocol"

	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("exec schema: %v", err)
	}
	return db
}

// testRouter returns a router over a live bus with a controllable
// clock; tests drive assignment and sweeps themselves.
func testRouter(t *testing.T, cfg Config) (*Router, *bus.Bus, *sql.DB, *time.Time) {
	t.Helper()
	db := setupTestDB(t)

	transport := bus.NewInproc()
	t.Cleanup(func() { _ = transport.Close() })
	b := bus.New(bus.Config{}, db, transport)

	r := New(cfg, db, b, memory.NewStore(db, memory.Config{}))
	r.logf = t.Logf

	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	r.nowFunc = func() time.Time { return now }
	return r, b, db, &now
}

func subscribeDev(t *testing.T, b *bus.Bus, id string) *bus.Subscription {
	t.Helper()
	sub, err := b.Subscribe(bus.Binding{
		InstanceID:   id,
		Role:         protocol.RoleDeveloper,
		Capabilities: []string{"code"},
	})
	if err != nil {
		t.Fatalf("subscribe %s: %v", id, err)
	}
	t.Cleanup(sub.Close)
	return sub
}

func mustCreate(t *testing.T, r *Router, title string) *Task {
	t.Helper()
	task, err := r.CreateTask(context.Background(), CreateParams{
		ProjectID:  "proj-1",
		Title:      title,
		Spec:       "do the thing",
		Capability: "code",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func goodResult(task *Task, sender string) protocol.ResultPayload {
	return protocol.ResultPayload{
		TaskID:    task.ID,
		ProjectID: task.ProjectID,
		Output: "## Summary\nImplemented the parser rewrite with table-driven tests " +
			"covering every branch of the grammar. All checks pass.",
	}
}

func taskHistory(t *testing.T, db *sql.DB, taskID string) []string {
	t.Helper()
	rows, err := db.Query(
		"SELECT from_status || '>' || to_status FROM task_events WHERE task_id = ? ORDER BY id", taskID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var edge string
		if err := rows.Scan(&edge); err != nil {
			t.Fatalf("history scan: %v", err)
		}
		out = append(out, edge)
	}
	return out
}

func TestCreateTask_AssignsImmediately(t *testing.T) {
	r, b, db, _ := testRouter(t, Config{})
	subscribeDev(t, b, "dev-1")

	task := mustCreate(t, r, "Rewrite the parser")

	if task.Status != protocol.TaskAssigned {
		t.Fatalf("status = %s, want assigned", task.Status)
	}
	if task.Assignee != "dev-1" {
		t.Errorf("assignee = %q, want dev-1", task.Assignee)
	}
	if got := taskHistory(t, db, task.ID); len(got) != 1 || got[0] != "pending>assigned" {
		t.Errorf("history = %v", got)
	}
}

func TestCreateTask_NoEligibleInstanceStaysPending(t *testing.T) {
	r, b, _, _ := testRouter(t, Config{})
	ctx := context.Background()

	task := mustCreate(t, r, "Rewrite the parser")
	if task.Status != protocol.TaskPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}

	// An eligible instance registers; the next sweep picks the task up.
	subscribeDev(t, b, "dev-1")
	if err := r.AssignPending(ctx); err != nil {
		t.Fatalf("assign pending: %v", err)
	}

	task, err := r.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != protocol.TaskAssigned || task.Assignee != "dev-1" {
		t.Errorf("task = %s/%s, want assigned/dev-1", task.Status, task.Assignee)
	}
}

func TestAssign_LeastLoadedWinsTiesRotate(t *testing.T) {
	r, b, _, _ := testRouter(t, Config{})
	subscribeDev(t, b, "dev-1")
	subscribeDev(t, b, "dev-2")

	first := mustCreate(t, r, "Task one")
	second := mustCreate(t, r, "Task two")

	if first.Assignee == second.Assignee {
		t.Errorf("both tasks went to %s, want rotation across equals", first.Assignee)
	}

	// dev holding two tasks loses to the dev holding one.
	third := mustCreate(t, r, "Task three")
	fourth := mustCreate(t, r, "Task four")
	counts := map[string]int{}
	for _, task := range []*Task{first, second, third, fourth} {
		counts[task.Assignee]++
	}
	if counts["dev-1"] != 2 || counts["dev-2"] != 2 {
		t.Errorf("load spread = %v, want 2/2", counts)
	}
}

func TestHandleResult_AcceptFlow(t *testing.T) {
	r, b, db, now := testRouter(t, Config{})
	subscribeDev(t, b, "dev-1")
	ctx := context.Background()

	task := mustCreate(t, r, "Rewrite the parser")
	*now = now.Add(90 * time.Second)

	if err := r.HandleResult(ctx, "dev-1", goodResult(task, "dev-1")); err != nil {
		t.Fatalf("handle result: %v", err)
	}

	task, err := r.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != protocol.TaskAccepted {
		t.Fatalf("status = %s, want accepted", task.Status)
	}

	want := []string{"pending>assigned", "assigned>in-review", "in-review>accepted"}
	got := taskHistory(t, db, task.ID)
	if len(got) != len(want) {
		t.Fatalf("history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("history[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	var completed, handlingMS int64
	err = db.QueryRow("SELECT completed, handling_ms FROM agents WHERE instance_id = 'dev-1'").
		Scan(&completed, &handlingMS)
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	if completed != 1 {
		t.Errorf("completed = %d, want 1", completed)
	}
	if handlingMS != 90_000 {
		t.Errorf("handling_ms = %d, want 90000", handlingMS)
	}
}

func TestHandleResult_RejectAttachesCriterionThenReacceptCleanly(t *testing.T) {
	r, b, db, _ := testRouter(t, Config{})
	subscribeDev(t, b, "dev-1")
	ctx := context.Background()

	task, err := r.CreateTask(ctx, CreateParams{
		ProjectID:       "proj-1",
		Title:           "Document the migration",
		Capability:      "code",
		QualityCriteria: []string{"contains-required-sections"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// First result lacks the required sections.
	bad := protocol.ResultPayload{TaskID: task.ID, Output: "did it, trust me, everything works fine now"}
	if err := r.HandleResult(ctx, "dev-1", bad); err != nil {
		t.Fatalf("first result: %v", err)
	}

	task, _ = r.GetTask(ctx, task.ID)
	if task.Status != protocol.TaskAssigned {
		t.Fatalf("status after rejection = %s, want assigned (reassigned)", task.Status)
	}
	if task.Rejections != 1 {
		t.Errorf("rejections = %d, want 1", task.Rejections)
	}

	var note string
	err = db.QueryRow(
		"SELECT note FROM task_events WHERE task_id = ? AND to_status = 'rejected'", task.ID).Scan(&note)
	if err != nil {
		t.Fatalf("rejection note: %v", err)
	}
	if !strings.Contains(note, "contains-required-sections") {
		t.Errorf("rejection note %q does not name the failed criterion", note)
	}

	// Reworked result passes.
	good := protocol.ResultPayload{
		TaskID: task.ID,
		Output: "## Summary\nMigration steps documented section by section with rollback notes and tests.",
	}
	if err := r.HandleResult(ctx, "dev-1", good); err != nil {
		t.Fatalf("second result: %v", err)
	}
	task, _ = r.GetTask(ctx, task.ID)
	if task.Status != protocol.TaskAccepted {
		t.Errorf("status = %s, want accepted", task.Status)
	}

	// The retry loop never touched the dead-letter queue.
	dls, err := b.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dls) != 0 {
		t.Errorf("dead letters = %d, want 0", len(dls))
	}
}

func TestHandleResult_EscalatesAfterRejectionBudget(t *testing.T) {
	r, b, db, _ := testRouter(t, Config{MaxRejections: 2})
	subscribeDev(t, b, "dev-1")
	ctx := context.Background()

	task, err := r.CreateTask(ctx, CreateParams{
		ProjectID:       "proj-1",
		Title:           "Hard task",
		Capability:      "code",
		QualityCriteria: []string{"contains-required-sections"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	bad := protocol.ResultPayload{TaskID: task.ID, Output: "nope nope nope nope nope nope nope nope"}
	if err := r.HandleResult(ctx, "dev-1", bad); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := r.HandleResult(ctx, "dev-1", bad); err != nil {
		t.Fatalf("second: %v", err)
	}

	task, _ = r.GetTask(ctx, task.ID)
	if task.Status != protocol.TaskEscalated {
		t.Fatalf("status = %s, want escalated", task.Status)
	}

	var body string
	err = db.QueryRow(
		"SELECT payload FROM messages WHERE kind = 'NOTICE' ORDER BY rowid DESC LIMIT 1").Scan(&body)
	if err != nil {
		t.Fatalf("escalation notice: %v", err)
	}
	if !strings.Contains(body, "[GUILD-HUB] RETRIES_EXHAUSTED") {
		t.Errorf("notice payload missing structured escalation: %s", body)
	}
}

func TestHandleResult_AgentRejectionCountsAgainstBudget(t *testing.T) {
	r, b, _, _ := testRouter(t, Config{})
	subscribeDev(t, b, "dev-1")
	ctx := context.Background()

	task := mustCreate(t, r, "Rewrite the parser")
	res := protocol.ResultPayload{TaskID: task.ID, Rejected: true, Reason: "capability unavailable"}
	if err := r.HandleResult(ctx, "dev-1", res); err != nil {
		t.Fatalf("handle: %v", err)
	}

	task, _ = r.GetTask(ctx, task.ID)
	if task.Rejections != 1 {
		t.Errorf("rejections = %d, want 1", task.Rejections)
	}
	if task.Status != protocol.TaskAssigned {
		t.Errorf("status = %s, want reassigned", task.Status)
	}
}

func TestHandleResult_PersistsOutputMemory(t *testing.T) {
	r, b, db, _ := testRouter(t, Config{})
	subscribeDev(t, b, "dev-1")
	ctx := context.Background()

	task := mustCreate(t, r, "Rewrite the parser")
	if err := r.HandleResult(ctx, "dev-1", goodResult(task, "dev-1")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	var n int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM memories WHERE source_task = ? AND tier = 'episodic'", task.ID).Scan(&n)
	if err != nil {
		t.Fatalf("memories: %v", err)
	}
	if n != 1 {
		t.Errorf("memory records for task = %d, want 1", n)
	}
}

func TestCancel_PropagatesToAssignee(t *testing.T) {
	r, b, db, _ := testRouter(t, Config{})
	subscribeDev(t, b, "dev-1")
	ctx := context.Background()

	task := mustCreate(t, r, "Rewrite the parser")
	if err := r.Cancel(ctx, task.ID, "priorities changed"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	task, _ = r.GetTask(ctx, task.ID)
	if task.Status != protocol.TaskCancelled {
		t.Fatalf("status = %s, want cancelled", task.Status)
	}

	var n int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE kind = 'CANCEL' AND recipients = 'dev-1'").Scan(&n)
	if err != nil {
		t.Fatalf("cancel message: %v", err)
	}
	if n != 1 {
		t.Errorf("cancel messages = %d, want 1", n)
	}
}

func TestCancel_TerminalTaskIsIllegal(t *testing.T) {
	r, b, _, _ := testRouter(t, Config{})
	subscribeDev(t, b, "dev-1")
	ctx := context.Background()

	task := mustCreate(t, r, "Rewrite the parser")
	if err := r.HandleResult(ctx, "dev-1", goodResult(task, "dev-1")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	err := r.Cancel(ctx, task.ID, "too late")
	var illegal *protocol.IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
}

func TestHandleDeadLetter_ReroutesAssignment(t *testing.T) {
	r, b, _, _ := testRouter(t, Config{})
	subscribeDev(t, b, "dev-1")
	subscribeDev(t, b, "dev-2")
	ctx := context.Background()

	task := mustCreate(t, r, "Rewrite the parser")
	lost := task.Assignee

	msg := protocol.NewMessage(r.cfg.InstanceID, protocol.KindAssignment, protocol.ModeDirect,
		[]string{lost}, r.nowFunc())
	msg.Assignment = &protocol.AssignmentPayload{TaskID: task.ID}
	dl := bus.DeadLetter{Message: msg, Recipient: lost, Reason: "max attempts exceeded"}

	if err := r.HandleDeadLetter(ctx, dl); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	task, _ = r.GetTask(ctx, task.ID)
	if task.Status != protocol.TaskAssigned {
		t.Fatalf("status = %s, want reassigned", task.Status)
	}
	if task.Assignee == lost || task.Assignee == "" {
		t.Errorf("assignee = %q, want the other instance", task.Assignee)
	}
	if task.Rejections != 1 {
		t.Errorf("rejections = %d, want 1", task.Rejections)
	}
}

func TestReapSilent_DeregistersAndReassigns(t *testing.T) {
	r, b, db, now := testRouter(t, Config{})
	subscribeDev(t, b, "dev-1")
	subscribeDev(t, b, "dev-2")
	ctx := context.Background()

	task := mustCreate(t, r, "Rewrite the parser")
	lost := task.Assignee

	if err := r.RecordHeartbeat(ctx, protocol.HeartbeatPayload{
		InstanceID: lost, Role: protocol.RoleDeveloper, State: protocol.AgentBusy,
	}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	*now = now.Add(2 * time.Minute) // past the 45s timeout
	if err := r.ReapSilent(ctx); err != nil {
		t.Fatalf("reap: %v", err)
	}

	var state string
	if err := db.QueryRow(
		"SELECT state FROM agents WHERE instance_id = ?", lost).Scan(&state); err != nil {
		t.Fatalf("agent state: %v", err)
	}
	if state != string(protocol.AgentUnreachable) {
		t.Errorf("state = %s, want unreachable", state)
	}

	task, _ = r.GetTask(ctx, task.ID)
	if task.Status != protocol.TaskAssigned {
		t.Fatalf("status = %s, want reassigned", task.Status)
	}
	if task.Assignee == lost {
		t.Errorf("task still assigned to lost instance %s", lost)
	}
}

func TestRecordHeartbeat_KeepsInstanceFresh(t *testing.T) {
	r, b, db, now := testRouter(t, Config{})
	subscribeDev(t, b, "dev-1")
	ctx := context.Background()

	if err := r.RecordHeartbeat(ctx, protocol.HeartbeatPayload{
		InstanceID: "dev-1", Role: protocol.RoleDeveloper, State: protocol.AgentIdle,
	}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	*now = now.Add(30 * time.Second) // inside the timeout
	if err := r.ReapSilent(ctx); err != nil {
		t.Fatalf("reap: %v", err)
	}

	var state string
	if err := db.QueryRow(
		"SELECT state FROM agents WHERE instance_id = 'dev-1'").Scan(&state); err != nil {
		t.Fatalf("agent state: %v", err)
	}
	if state != string(protocol.AgentIdle) {
		t.Errorf("state = %s, want idle", state)
	}
}

func TestTransition_BroadcastsStatus(t *testing.T) {
	r, b, db, _ := testRouter(t, Config{})
	subscribeDev(t, b, "dev-1")

	mustCreate(t, r, "Rewrite the parser")

	var n int
	if err := db.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE kind = 'STATUS' AND mode = 'broadcast'").Scan(&n); err != nil {
		t.Fatalf("status messages: %v", err)
	}
	if n != 1 {
		t.Errorf("status broadcasts = %d, want 1", n)
	}
}

func TestHistory_MonotonicAndContiguous(t *testing.T) {
	r, b, db, _ := testRouter(t, Config{})
	subscribeDev(t, b, "dev-1")
	ctx := context.Background()

	task, err := r.CreateTask(ctx, CreateParams{
		ProjectID:       "proj-1",
		Title:           "Chained task",
		Capability:      "code",
		QualityCriteria: []string{"contains-required-sections"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	bad := protocol.ResultPayload{TaskID: task.ID, Output: "unstructured blob of text without sections"}
	if err := r.HandleResult(ctx, "dev-1", bad); err != nil {
		t.Fatalf("bad result: %v", err)
	}
	if err := r.HandleResult(ctx, "dev-1", goodResult(task, "dev-1")); err != nil {
		t.Fatalf("good result: %v", err)
	}

	rows, err := db.Query(
		"SELECT id, from_status, to_status FROM task_events WHERE task_id = ? ORDER BY id", task.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer func() { _ = rows.Close() }()

	lastID := int64(0)
	lastTo := ""
	for rows.Next() {
		var id int64
		var from, to string
		if err := rows.Scan(&id, &from, &to); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if id <= lastID {
			t.Errorf("event id %d not monotonic after %d", id, lastID)
		}
		if lastTo != "" && from != lastTo {
			t.Errorf("history gap: %s -> %s after %s", from, to, lastTo)
		}
		lastID, lastTo = id, to
	}
	if lastTo != "accepted" {
		t.Errorf("final status = %s, want accepted", lastTo)
	}
}
