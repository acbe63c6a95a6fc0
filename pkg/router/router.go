// Package router owns the task lifecycle: it creates tasks from project
// goals, assigns them to the least-loaded capable agent instance,
// validates returned results against each task's quality criteria, and
// arbitrates conflicting results. Every status transition is appended to
// the task's history and announced on the bus so dependent tasks can
// react. Tasks leave the router only through accepted, escalated, or
// cancelled.
package router

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"guild/pkg/bus"
	"guild/pkg/memory"
	"guild/pkg/protocol"
)

// Config tunes routing behavior. Zero values take the defaults.
type Config struct {
	InstanceID       string        // the router's own bus identity (default "router")
	MaxRejections    int           // rejections before a task escalates (default 3)
	HeartbeatTimeout time.Duration // silence before an instance is lost (default 45s)
	AssignInterval   time.Duration // pending-task retry cadence (default 2s)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.InstanceID == "" {
		out.InstanceID = "router"
	}
	if out.MaxRejections == 0 {
		out.MaxRejections = 3
	}
	if out.HeartbeatTimeout == 0 {
		out.HeartbeatTimeout = 45 * time.Second
	}
	if out.AssignInterval == 0 {
		out.AssignInterval = 2 * time.Second
	}
	return out
}

// Task is the router's view of one unit of work.
type Task struct {
	ID              string
	ProjectID       string
	Title           string
	Spec            string
	Capability      string
	QualityCriteria []string
	Status          protocol.TaskStatus
	AssignedRole    string
	Assignee        string
	Rejections      int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CreateParams describes a new task.
type CreateParams struct {
	ProjectID       string
	Title           string
	Spec            string
	Capability      string
	QualityCriteria []string
}

// candidate is a validated result held for conflict arbitration.
type candidate struct {
	Result     protocol.ResultPayload
	Sender     string
	SenderRole string
	Verdict    Verdict
	ReceivedAt time.Time
}

// Router coordinates tasks over the bus. One Router serves a hub.
type Router struct {
	cfg      Config
	db       *sql.DB
	bus      *bus.Bus
	memories *memory.Store // records result outputs the agent did not persist itself

	mu       sync.Mutex
	rrCursor map[string]int       // capability -> round-robin offset for load ties
	accepted map[string]candidate // taskID -> winning result, for conflict checks

	nowFunc func() time.Time
	logf    func(format string, args ...any)
}

// New creates a Router. It does not start processing — call Run, or
// drive HandleMessage and Sweep directly in tests.
func New(cfg Config, db *sql.DB, b *bus.Bus, memories *memory.Store) *Router {
	return &Router{
		cfg:      cfg.withDefaults(),
		db:       db,
		bus:      b,
		memories: memories,
		rrCursor: make(map[string]int),
		accepted: make(map[string]candidate),
		nowFunc:  time.Now,
		logf:     func(format string, args ...any) { log.Printf("[router] "+format, args...) },
	}
}

// Run subscribes the router to the bus and processes replies, dead
// letters, and the assignment/heartbeat cadence until ctx ends.
func (r *Router) Run(ctx context.Context) error {
	sub, err := r.bus.Subscribe(bus.Binding{InstanceID: r.cfg.InstanceID, Role: protocol.RoleManager})
	if err != nil {
		return fmt.Errorf("router subscribe: %w", err)
	}
	defer sub.Close()

	r.bus.OnDeadLetter(func(dl bus.DeadLetter) {
		if err := r.HandleDeadLetter(ctx, dl); err != nil {
			r.logf("dead letter %s: %v", dl.Message.ID, err)
		}
	})

	go func() {
		for {
			msg, err := sub.Receive(ctx)
			if err != nil {
				return
			}
			if err := r.HandleMessage(ctx, msg); err != nil {
				r.logf("handle %s %s: %v", msg.Kind, msg.ID, err)
			}
			if msg.Mode.RequiresAck() {
				if err := sub.Ack(ctx, msg); err != nil {
					r.logf("ack %s: %v", msg.ID, err)
				}
			}
		}
	}()

	ticker := time.NewTicker(r.cfg.AssignInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass: assign pending tasks, reap silent
// instances.
func (r *Router) Sweep(ctx context.Context) {
	if err := r.AssignPending(ctx); err != nil {
		r.logf("assign sweep: %v", err)
	}
	if err := r.ReapSilent(ctx); err != nil {
		r.logf("heartbeat sweep: %v", err)
	}
}

// HandleMessage processes one addressed message.
func (r *Router) HandleMessage(ctx context.Context, msg protocol.Message) error {
	switch msg.Kind {
	case protocol.KindResult:
		if msg.Result == nil {
			return errors.New("result message without payload")
		}
		return r.HandleResult(ctx, msg.Sender, *msg.Result)
	case protocol.KindConflict:
		if msg.Conflict == nil {
			return errors.New("conflict message without payload")
		}
		return r.HandleConflict(ctx, *msg.Conflict)
	case protocol.KindHeartbeat:
		if msg.Heartbeat == nil {
			return errors.New("heartbeat message without payload")
		}
		return r.RecordHeartbeat(ctx, *msg.Heartbeat)
	default:
		return nil
	}
}

// CreateTask registers a new task in pending and tries to assign it.
func (r *Router) CreateTask(ctx context.Context, p CreateParams) (*Task, error) {
	if p.ProjectID == "" {
		return nil, errors.New("create task: project id required")
	}
	if p.Title == "" {
		return nil, errors.New("create task: title required")
	}
	if p.Capability == "" {
		return nil, errors.New("create task: capability required")
	}

	criteria, err := json.Marshal(p.QualityCriteria)
	if err != nil {
		return nil, fmt.Errorf("create task criteria: %w", err)
	}
	id := uuid.NewString()
	now := r.timestamp()
	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO tasks (id, project_id, title, spec, capability, quality_criteria, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
		id, p.ProjectID, p.Title, p.Spec, p.Capability, string(criteria), now, now,
	); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	task, err := r.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.tryAssign(ctx, task, ""); err != nil {
		r.logf("initial assign %s: %v", id, err)
	}
	return r.GetTask(ctx, id)
}

// GetTask loads one task.
func (r *Router) GetTask(ctx context.Context, id string) (*Task, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, project_id, title, COALESCE(spec, ''), capability, quality_criteria, status,
		        COALESCE(assigned_role, ''), COALESCE(assignee, ''), rejections, created_at, updated_at
		 FROM tasks WHERE id = ?`, id)

	var t Task
	var criteria, status, createdAt, updatedAt string
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Spec, &t.Capability, &criteria,
		&status, &t.AssignedRole, &t.Assignee, &t.Rejections, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.TaskNotFoundError{TaskID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	t.Status = protocol.TaskStatus(status)
	_ = json.Unmarshal([]byte(criteria), &t.QualityCriteria)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// AssignPending retries assignment for every pending task; tasks stay
// pending until an eligible instance registers.
func (r *Router) AssignPending(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, "SELECT id FROM tasks WHERE status = 'pending' ORDER BY created_at, id")
	if err != nil {
		return fmt.Errorf("pending scan: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("pending scan row: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()

	for _, id := range ids {
		task, err := r.GetTask(ctx, id)
		if err != nil {
			continue
		}
		if err := r.tryAssign(ctx, task, ""); err != nil {
			r.logf("assign %s: %v", id, err)
		}
	}
	return nil
}

// tryAssign picks the least-loaded instance advertising the task's
// capability, ties broken round-robin, and sends the assignment. avoid
// names an instance that just failed this task; it is skipped so a
// re-route cannot land on the same dead end.
func (r *Router) tryAssign(ctx context.Context, task *Task, avoid string) error {
	if task.Status != protocol.TaskPending && task.Status != protocol.TaskRejected {
		return nil
	}

	instance, ok, err := r.pickInstance(ctx, task, avoid)
	if err != nil {
		return err
	}
	if !ok {
		return nil // stays pending until someone capable registers
	}

	if err := r.transition(ctx, task.ID, protocol.TaskAssigned, r.cfg.InstanceID,
		fmt.Sprintf("assigned to %s", instance.InstanceID)); err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx,
		"UPDATE tasks SET assignee = ?, assigned_role = ? WHERE id = ?",
		instance.InstanceID, instance.Role, task.ID,
	); err != nil {
		return fmt.Errorf("record assignee: %w", err)
	}

	msg := protocol.NewMessage(r.cfg.InstanceID, protocol.KindAssignment, protocol.ModeDirect,
		[]string{instance.InstanceID}, r.nowFunc())
	msg.ProjectID = task.ProjectID
	msg.Assignment = &protocol.AssignmentPayload{
		TaskID:          task.ID,
		ProjectID:       task.ProjectID,
		Title:           task.Title,
		Spec:            task.Spec,
		Capability:      task.Capability,
		QualityCriteria: task.QualityCriteria,
	}
	if _, err := r.bus.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish assignment: %w", err)
	}
	return nil
}

// pickInstance returns the least-loaded eligible binding. Load is the
// count of live tasks assigned to the instance; ties rotate through a
// per-capability cursor so equal instances share work.
func (r *Router) pickInstance(ctx context.Context, task *Task, avoid string) (bus.Binding, bool, error) {
	all := r.bus.InstancesByCapability(task.Capability)
	var eligible []bus.Binding
	for _, b := range all {
		if b.InstanceID == avoid {
			continue
		}
		if task.ProjectID != "" && len(b.Projects) > 0 && !containsString(b.Projects, task.ProjectID) {
			continue
		}
		eligible = append(eligible, b)
	}
	if len(eligible) == 0 {
		return bus.Binding{}, false, nil
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].InstanceID < eligible[j].InstanceID })

	loads := make(map[string]int, len(eligible))
	for _, b := range eligible {
		n, err := r.instanceLoad(ctx, b.InstanceID)
		if err != nil {
			return bus.Binding{}, false, err
		}
		loads[b.InstanceID] = n
	}

	minLoad := loads[eligible[0].InstanceID]
	for _, b := range eligible[1:] {
		if loads[b.InstanceID] < minLoad {
			minLoad = loads[b.InstanceID]
		}
	}
	var tied []bus.Binding
	for _, b := range eligible {
		if loads[b.InstanceID] == minLoad {
			tied = append(tied, b)
		}
	}

	r.mu.Lock()
	cursor := r.rrCursor[task.Capability]
	r.rrCursor[task.Capability] = cursor + 1
	r.mu.Unlock()

	return tied[cursor%len(tied)], true, nil
}

func (r *Router) instanceLoad(ctx context.Context, instanceID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks WHERE assignee = ? AND status IN ('assigned', 'in-review')",
		instanceID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("instance load: %w", err)
	}
	return n, nil
}

// HandleResult validates an agent's result. A second result for a task
// already settled goes through conflict arbitration instead.
func (r *Router) HandleResult(ctx context.Context, sender string, res protocol.ResultPayload) error {
	task, err := r.GetTask(ctx, res.TaskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		if task.Status == protocol.TaskAccepted {
			return r.arbitrate(ctx, task, r.newCandidate(sender, res))
		}
		return nil // late result for a cancelled or escalated task
	}

	if task.Status == protocol.TaskAssigned {
		if err := r.transition(ctx, task.ID, protocol.TaskInReview, sender, "result received"); err != nil {
			return err
		}
	}

	if err := r.ensureResultMemory(ctx, task, sender, &res); err != nil {
		r.logf("record result memory for %s: %v", task.ID, err)
	}

	cand := r.newCandidate(sender, res)

	// An agent-side rejection (capability failure, cancelled work) skips
	// scoring; the reason is the failing criterion.
	if res.Rejected {
		cand.Verdict = Verdict{Failed: []string{"agent-rejected: " + res.Reason}}
		return r.reject(ctx, task, cand)
	}

	cand.Verdict = Validate(task, res)
	if !cand.Verdict.Passed {
		return r.reject(ctx, task, cand)
	}
	return r.accept(ctx, task, cand)
}

func (r *Router) newCandidate(sender string, res protocol.ResultPayload) candidate {
	return candidate{
		Result:     res,
		Sender:     sender,
		SenderRole: r.senderRole(sender),
		ReceivedAt: r.nowFunc().UTC(),
	}
}

func (r *Router) senderRole(instanceID string) string {
	for _, b := range r.bus.Instances("") {
		if b.InstanceID == instanceID {
			return b.Role
		}
	}
	return ""
}

// ensureResultMemory guarantees every reviewed task leaves a memory
// record of its output. Agents normally persist before replying and
// send the item id; when the id is missing the router writes an
// episodic record itself.
func (r *Router) ensureResultMemory(ctx context.Context, task *Task, sender string, res *protocol.ResultPayload) error {
	if r.memories == nil || res.MemoryID != 0 {
		return nil
	}
	content := res.Output
	if res.Rejected {
		content = fmt.Sprintf("Task %q rejected by %s: %s", task.Title, sender, res.Reason)
	}
	if content == "" {
		content = fmt.Sprintf("Task %q returned an empty result from %s", task.Title, sender)
	}
	id, err := r.memories.Write(ctx, memory.WriteParams{
		ProjectID:  task.ProjectID,
		AgentID:    sender,
		Tier:       protocol.TierEpisodic,
		Content:    content,
		SourceTask: task.ID,
	})
	if err != nil {
		return err
	}
	res.MemoryID = id
	return nil
}

// accept settles the task, credits the assignee's counters, and
// remembers the winning result for later conflict checks.
func (r *Router) accept(ctx context.Context, task *Task, cand candidate) error {
	note := fmt.Sprintf("validated, score %.2f", cand.Verdict.Score)
	if err := r.transition(ctx, task.ID, protocol.TaskAccepted, cand.Sender, note); err != nil {
		return err
	}

	r.mu.Lock()
	r.accepted[task.ID] = cand
	r.mu.Unlock()

	if err := r.creditCompletion(ctx, task, cand.Sender); err != nil {
		r.logf("credit %s: %v", cand.Sender, err)
	}
	return nil
}

// reject attaches the failing criteria, then either reassigns or, once
// the rejection budget is spent, escalates.
func (r *Router) reject(ctx context.Context, task *Task, cand candidate) error {
	vErr := &protocol.ValidationFailureError{
		TaskID: task.ID,
		Failed: cand.Verdict.Failed,
		Score:  cand.Verdict.Score,
	}
	if err := r.transition(ctx, task.ID, protocol.TaskRejected, cand.Sender, vErr.Error()); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		"UPDATE tasks SET rejections = rejections + 1, assignee = '', assigned_role = '' WHERE id = ?", task.ID)
	if err != nil {
		return fmt.Errorf("count rejection: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("count rejection rows: %w", err)
	}

	task, err = r.GetTask(ctx, task.ID)
	if err != nil {
		return err
	}
	if task.Rejections >= r.cfg.MaxRejections {
		return r.escalate(ctx, task, protocol.EscRetriesExhausted,
			fmt.Sprintf("rejected %d times, last: %s", task.Rejections, vErr.Error()))
	}
	return r.tryAssign(ctx, task, "")
}

// escalate is terminal for automatic resolution: the task surfaces to
// the manager role for human-equivalent arbitration.
func (r *Router) escalate(ctx context.Context, task *Task, typ protocol.EscalationType, detail string) error {
	if err := r.transition(ctx, task.ID, protocol.TaskEscalated, r.cfg.InstanceID, detail); err != nil {
		return err
	}

	msg := protocol.NewMessage(r.cfg.InstanceID, protocol.KindNotice, protocol.ModeRoleGroup,
		[]string{protocol.RoleManager}, r.nowFunc())
	msg.ProjectID = task.ProjectID
	msg.Notice = &protocol.NoticePayload{
		Subject: string(typ),
		Body:    protocol.FormatEscalation(typ, task.ID, task.Title, detail),
	}
	if _, err := r.bus.Publish(ctx, msg); err != nil {
		r.logf("publish escalation for %s: %v", task.ID, err)
	}
	return nil
}

// Cancel aborts a non-terminal task and tells the holding instance to
// drop it.
func (r *Router) Cancel(ctx context.Context, taskID, reason string) error {
	task, err := r.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return &protocol.IllegalTransitionError{TaskID: taskID, From: task.Status, To: protocol.TaskCancelled}
	}
	if err := r.transition(ctx, taskID, protocol.TaskCancelled, r.cfg.InstanceID, reason); err != nil {
		return err
	}

	if task.Assignee != "" {
		msg := protocol.NewMessage(r.cfg.InstanceID, protocol.KindCancel, protocol.ModeDirect,
			[]string{task.Assignee}, r.nowFunc())
		msg.ProjectID = task.ProjectID
		msg.Cancel = &protocol.CancelPayload{TaskID: taskID, Reason: reason}
		if _, err := r.bus.Publish(ctx, msg); err != nil {
			return fmt.Errorf("publish cancel: %w", err)
		}
	}
	return nil
}

// HandleDeadLetter reacts to undeliverable traffic. A lost assignment
// or cancel means the work never reached the agent: re-route the task,
// or escalate when re-routing is exhausted too.
func (r *Router) HandleDeadLetter(ctx context.Context, dl bus.DeadLetter) error {
	var taskID string
	switch {
	case dl.Message.Kind == protocol.KindAssignment && dl.Message.Assignment != nil:
		taskID = dl.Message.Assignment.TaskID
	case dl.Message.Kind == protocol.KindCancel && dl.Message.Cancel != nil:
		taskID = dl.Message.Cancel.TaskID
	default:
		return nil
	}

	task, err := r.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	dErr := &protocol.DeliveryFailureError{
		MessageID: dl.Message.ID,
		Recipient: dl.Recipient,
		Attempts:  len(dl.Attempts),
		Reason:    dl.Reason,
	}
	if task.Status == protocol.TaskAssigned && task.Assignee == dl.Recipient {
		if err := r.transition(ctx, task.ID, protocol.TaskRejected, r.cfg.InstanceID, dErr.Error()); err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx,
			"UPDATE tasks SET rejections = rejections + 1, assignee = '', assigned_role = '' WHERE id = ?",
			task.ID); err != nil {
			return fmt.Errorf("dead letter rejection: %w", err)
		}
		task, err = r.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if task.Rejections >= r.cfg.MaxRejections {
			return r.escalate(ctx, task, protocol.EscDeliveryFailed, dErr.Error())
		}
		return r.tryAssign(ctx, task, dl.Recipient)
	}
	return nil
}

// RecordHeartbeat updates the registry row for a live instance.
func (r *Router) RecordHeartbeat(ctx context.Context, hb protocol.HeartbeatPayload) error {
	if hb.InstanceID == "" {
		return errors.New("heartbeat without instance id")
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO agents (instance_id, role, state, last_seen)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(instance_id) DO UPDATE SET role = excluded.role, state = excluded.state, last_seen = excluded.last_seen`,
		hb.InstanceID, hb.Role, string(hb.State), r.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

// ReapSilent deregisters instances silent past the heartbeat timeout
// and re-routes their in-flight tasks.
func (r *Router) ReapSilent(ctx context.Context) error {
	deadline := r.nowFunc().UTC().Add(-r.cfg.HeartbeatTimeout).Format(time.RFC3339)
	rows, err := r.db.QueryContext(ctx,
		"SELECT instance_id FROM agents WHERE state != ? AND last_seen < ?",
		string(protocol.AgentUnreachable), deadline,
	)
	if err != nil {
		return fmt.Errorf("silent scan: %w", err)
	}
	var silent []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("silent scan row: %w", err)
		}
		silent = append(silent, id)
	}
	_ = rows.Close()

	for _, id := range silent {
		if _, err := r.db.ExecContext(ctx,
			"UPDATE agents SET state = ? WHERE instance_id = ?",
			string(protocol.AgentUnreachable), id,
		); err != nil {
			return fmt.Errorf("mark unreachable: %w", err)
		}
		r.logf("instance %s lost: no heartbeat in %s", id, r.cfg.HeartbeatTimeout)
		if err := r.reassignFrom(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// reassignFrom re-routes the live tasks of a lost instance.
func (r *Router) reassignFrom(ctx context.Context, instanceID string) error {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id FROM tasks WHERE assignee = ? AND status IN ('assigned', 'in-review')", instanceID)
	if err != nil {
		return fmt.Errorf("orphan scan: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("orphan scan row: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()

	for _, id := range ids {
		note := fmt.Sprintf("assignee %s lost", instanceID)
		if err := r.transition(ctx, id, protocol.TaskRejected, r.cfg.InstanceID, note); err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx,
			"UPDATE tasks SET assignee = '', assigned_role = '' WHERE id = ?", id); err != nil {
			return fmt.Errorf("clear assignee: %w", err)
		}
		task, err := r.GetTask(ctx, id)
		if err != nil {
			continue
		}
		if err := r.tryAssign(ctx, task, instanceID); err != nil {
			r.logf("reassign %s: %v", id, err)
		}
	}
	return nil
}

// transition applies one legal status edge: update the task row, append
// to the history, and broadcast the change.
func (r *Router) transition(ctx context.Context, taskID string, to protocol.TaskStatus, actor, note string) error {
	task, err := r.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Status.CanTransition(to) {
		return &protocol.IllegalTransitionError{TaskID: taskID, From: task.Status, To: to}
	}

	now := r.timestamp()
	res, err := r.db.ExecContext(ctx,
		"UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(to), now, taskID, string(task.Status),
	)
	if err != nil {
		return fmt.Errorf("transition update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows: %w", err)
	}
	if n == 0 {
		// Lost the race to a concurrent transition; re-check the edge.
		return r.transition(ctx, taskID, to, actor, note)
	}

	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO task_events (task_id, from_status, to_status, actor, note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		taskID, string(task.Status), string(to), actor, note, now,
	); err != nil {
		return fmt.Errorf("append history: %w", err)
	}

	msg := protocol.NewMessage(r.cfg.InstanceID, protocol.KindStatus, protocol.ModeBroadcast, nil, r.nowFunc())
	msg.ProjectID = task.ProjectID
	msg.Status = &protocol.StatusPayload{
		TaskID: taskID,
		From:   task.Status,
		To:     to,
		Actor:  actor,
		Note:   note,
	}
	if _, err := r.bus.Publish(ctx, msg); err != nil {
		r.logf("broadcast transition %s: %v", taskID, err)
	}
	return nil
}

// creditCompletion bumps the assignee's completed count and adds the
// handling time since the task was last assigned.
func (r *Router) creditCompletion(ctx context.Context, task *Task, instanceID string) error {
	var assignedAt string
	err := r.db.QueryRowContext(ctx,
		`SELECT created_at FROM task_events
		 WHERE task_id = ? AND to_status = 'assigned'
		 ORDER BY id DESC LIMIT 1`, task.ID,
	).Scan(&assignedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("assignment time: %w", err)
	}

	var elapsed time.Duration
	if t := parseTime(assignedAt); !t.IsZero() {
		elapsed = r.nowFunc().UTC().Sub(t)
		if elapsed < 0 {
			elapsed = 0
		}
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO agents (instance_id, role, state, last_seen, completed, handling_ms)
		 VALUES (?, '', 'idle', ?, 1, ?)
		 ON CONFLICT(instance_id) DO UPDATE SET
		   completed = completed + 1, handling_ms = handling_ms + excluded.handling_ms`,
		instanceID, r.timestamp(), elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("credit completion: %w", err)
	}
	return nil
}

func (r *Router) heldCandidate(taskID string) (candidate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.accepted[taskID]
	return c, ok
}

func (r *Router) timestamp() string {
	return r.nowFunc().UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
