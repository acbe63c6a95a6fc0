// Package bus moves envelope messages between agent instances. Every
// publish writes the message and one delivery-ledger row per resolved
// recipient; a dispatch loop drains the ledger through a Transport,
// retries unacked deliveries with exponential backoff, and dead-letters
// what cannot be delivered. The ledger is the source of truth: a
// delivery that requires an ack ends acked or dead-lettered, never
// both, and messages sharing a correlation id reach each recipient in
// publish order.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"guild/pkg/protocol"
)

// timeLayout is fixed-width so TEXT comparisons in SQL order
// chronologically even at sub-second precision.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Config tunes delivery behavior. Zero values take the defaults.
type Config struct {
	AckTimeout       time.Duration // ack deadline per delivery (default 30s)
	RetryInterval    time.Duration // first retry delay, doubles each attempt (default 2s)
	MaxAttempts      int           // attempts before dead-lettering (default 3)
	DispatchInterval time.Duration // ledger sweep cadence (default 1s)
	DefaultTTL       time.Duration // expiry applied when a message has none (default 1h)
	InboxBuffer      int           // per-subscription inbox depth
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.AckTimeout == 0 {
		out.AckTimeout = 30 * time.Second
	}
	if out.RetryInterval == 0 {
		out.RetryInterval = 2 * time.Second
	}
	if out.MaxAttempts == 0 {
		out.MaxAttempts = 3
	}
	if out.DispatchInterval == 0 {
		out.DispatchInterval = time.Second
	}
	if out.DefaultTTL == 0 {
		out.DefaultTTL = time.Hour
	}
	if out.InboxBuffer == 0 {
		out.InboxBuffer = defaultInboxBuffer
	}
	return out
}

// Binding describes an agent instance to the bus: who it is, what role
// it plays, which task capabilities it advertises, and which projects
// it is bound to.
type Binding struct {
	InstanceID   string
	Role         string
	Capabilities []string
	Projects     []string
}

// Receipt reports what a publish resolved to.
type Receipt struct {
	MessageID  string
	Recipients int
}

// AttemptRecord is one entry of a delivery's attempt history.
type AttemptRecord struct {
	Attempt int
	Error   string
	At      time.Time
}

// DeadLetter is an undeliverable message with its full attempt history.
type DeadLetter struct {
	Message   protocol.Message
	Recipient string
	Reason    string
	DeadAt    time.Time
	Attempts  []AttemptRecord
}

// Stats are cumulative bus counters.
type Stats struct {
	Published    int64
	Delivered    int64
	Acked        int64
	Retried      int64
	DeadLettered int64 // every dead-lettered delivery, expiries included
	Expired      int64 // the TTL-expired subset of DeadLettered
}

// Ack outcomes that callers branch on.
var (
	ErrUnknownDelivery = errors.New("no delivery for message and recipient")
	ErrAlreadyDead     = errors.New("delivery already dead-lettered")
)

// Bus is the coordination fabric. One Bus serves a whole hub process;
// agents talk to it through Subscriptions.
type Bus struct {
	cfg       Config
	db        *sql.DB
	transport Transport

	mu        sync.Mutex
	instances map[string]Binding
	onDead    []func(DeadLetter)

	published    atomic.Int64
	delivered    atomic.Int64
	acked        atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	expired      atomic.Int64

	// wake nudges the dispatch loop after a publish so direct sends
	// do not wait out a full tick.
	wake chan struct{}

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
	logf    func(format string, args ...any)
}

// New creates a Bus. It does not start dispatching — call Run.
func New(cfg Config, db *sql.DB, transport Transport) *Bus {
	return &Bus{
		cfg:       cfg.withDefaults(),
		db:        db,
		transport: transport,
		instances: make(map[string]Binding),
		wake:      make(chan struct{}, 1),
		nowFunc:   time.Now,
		logf:      func(format string, args ...any) { log.Printf("[bus] "+format, args...) },
	}
}

// Run applies the schema and drains the delivery ledger until ctx ends.
func (b *Bus) Run(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	ticker := time.NewTicker(b.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.sweep(ctx)
		case <-b.wake:
			b.sweep(ctx)
		}
	}
}

// Publish validates msg, resolves its recipients, writes the message
// and its delivery rows, and triggers dispatch.
func (b *Bus) Publish(ctx context.Context, msg protocol.Message) (Receipt, error) {
	if err := b.validate(msg); err != nil {
		return Receipt{}, err
	}

	now := b.nowFunc().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.ExpiresAt.IsZero() && b.cfg.DefaultTTL > 0 {
		msg.ExpiresAt = msg.CreatedAt.Add(b.cfg.DefaultTTL)
	}

	recipients := b.resolveRecipients(msg)

	payload, err := json.Marshal(msg)
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal message: %w", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return Receipt{}, fmt.Errorf("publish begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, correlation_id, sender, recipients, kind, mode, project_id, payload, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.CorrelationID, msg.Sender, joinRecipients(recipients), string(msg.Kind),
		string(msg.Mode), msg.ProjectID, string(payload),
		msg.CreatedAt.UTC().Format(timeLayout), formatNullable(msg.ExpiresAt),
	)
	if err != nil {
		return Receipt{}, fmt.Errorf("insert message: %w", err)
	}

	// The messages rowid is monotonic in publish order; delivery rows
	// inherit it as the chain sequence.
	seq, err := res.LastInsertId()
	if err != nil {
		return Receipt{}, fmt.Errorf("message seq: %w", err)
	}

	requiresAck := msg.Mode.RequiresAck()
	nowStr := now.Format(timeLayout)
	for _, r := range recipients {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deliveries (message_id, recipient, correlation_id, seq, requires_ack, status, attempts, next_attempt_at)
			 VALUES (?, ?, ?, ?, ?, 'pending', 0, ?)`,
			msg.ID, r, msg.CorrelationID, seq, requiresAck, nowStr,
		); err != nil {
			return Receipt{}, fmt.Errorf("insert delivery %s: %w", r, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Receipt{}, fmt.Errorf("publish commit: %w", err)
	}

	b.published.Add(1)
	b.nudge()
	return Receipt{MessageID: msg.ID, Recipients: len(recipients)}, nil
}

func (b *Bus) validate(msg protocol.Message) error {
	if msg.ID == "" {
		return errors.New("publish: message id required")
	}
	if msg.Sender == "" {
		return errors.New("publish: sender required")
	}
	if msg.Kind == "" {
		return errors.New("publish: kind required")
	}
	if !msg.Mode.Valid() {
		return fmt.Errorf("publish: invalid mode %q", msg.Mode)
	}
	switch msg.Mode {
	case protocol.ModeDirect:
		if len(msg.Recipients) != 1 || msg.Recipients[0] == "" || msg.Recipients[0] == protocol.Broadcast {
			return errors.New("publish: direct mode needs exactly one recipient")
		}
	case protocol.ModeRoleGroup:
		if len(msg.Recipients) != 1 || msg.Recipients[0] == "" {
			return errors.New("publish: role-group mode needs exactly one role")
		}
	case protocol.ModeProject:
		if msg.ProjectID == "" {
			return errors.New("publish: project-scoped mode needs a project id")
		}
	}
	return nil
}

// resolveRecipients expands the addressing mode against the live
// registry. Fanout is decided at publish time; instances joining later
// do not receive earlier messages.
func (b *Bus) resolveRecipients(msg protocol.Message) []string {
	if msg.Mode == protocol.ModeDirect {
		return []string{msg.Recipients[0]}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var out []string
	for id, binding := range b.instances {
		switch msg.Mode {
		case protocol.ModeBroadcast:
			out = append(out, id)
		case protocol.ModeRoleGroup:
			if binding.Role == msg.Recipients[0] {
				out = append(out, id)
			}
		case protocol.ModeProject:
			if containsString(binding.Projects, msg.ProjectID) {
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Subscribe registers an instance and opens its inbox.
func (b *Bus) Subscribe(binding Binding) (*Subscription, error) {
	if binding.InstanceID == "" {
		return nil, errors.New("subscribe: instance id required")
	}
	if binding.Role == "" {
		return nil, errors.New("subscribe: role required")
	}

	inbox, err := b.transport.Register(binding.InstanceID, b.cfg.InboxBuffer)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", binding.InstanceID, err)
	}

	b.mu.Lock()
	b.instances[binding.InstanceID] = binding
	b.mu.Unlock()

	b.nudge()
	return &Subscription{bus: b, binding: binding, inbox: inbox}, nil
}

// Bind registers an instance with the recipient registry without
// opening an inbox. The hub uses it for roster agents that consume
// their deliveries in another process over a shared transport.
func (b *Bus) Bind(binding Binding) {
	b.mu.Lock()
	b.instances[binding.InstanceID] = binding
	b.mu.Unlock()
}

func (b *Bus) unsubscribe(instanceID string) {
	b.mu.Lock()
	delete(b.instances, instanceID)
	b.mu.Unlock()
	b.transport.Unregister(instanceID)
}

// Acknowledge records the terminal ack for a delivered message. Acking
// twice is a no-op; acking a dead-lettered delivery fails.
func (b *Bus) Acknowledge(ctx context.Context, messageID, instanceID string) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE deliveries SET status = 'acked', acked_at = ?
		 WHERE message_id = ? AND recipient = ? AND status = 'delivered'`,
		b.nowFunc().UTC().Format(timeLayout), messageID, instanceID,
	)
	if err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ack rows: %w", err)
	}
	if n == 1 {
		b.acked.Add(1)
		return nil
	}

	var status string
	err = b.db.QueryRowContext(ctx,
		"SELECT status FROM deliveries WHERE message_id = ? AND recipient = ?",
		messageID, instanceID,
	).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("ack %s for %s: %w", messageID, instanceID, ErrUnknownDelivery)
	case err != nil:
		return fmt.Errorf("ack status: %w", err)
	case status == protocol.DeliveryAcked:
		return nil
	case status == protocol.DeliveryDead:
		return fmt.Errorf("ack %s for %s: %w", messageID, instanceID, ErrAlreadyDead)
	default:
		// Still pending: the recipient saw the message through an
		// earlier attempt the ledger has already rescheduled. Take the
		// ack; it is the terminal state either way.
		res, err := b.db.ExecContext(ctx,
			`UPDATE deliveries SET status = 'acked', acked_at = ?
			 WHERE message_id = ? AND recipient = ? AND status = 'pending'`,
			b.nowFunc().UTC().Format(timeLayout), messageID, instanceID,
		)
		if err != nil {
			return fmt.Errorf("ack pending: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			b.acked.Add(1)
			return nil
		}
		return b.Acknowledge(ctx, messageID, instanceID)
	}
}

// OnDeadLetter registers a callback fired for every dead-lettered
// delivery. Callbacks run on the dispatch goroutine and must not block.
func (b *Bus) OnDeadLetter(fn func(DeadLetter)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDead = append(b.onDead, fn)
}

// Instances returns registered bindings, all of them when role is
// empty, sorted by instance id.
func (b *Bus) Instances(role string) []Binding {
	return b.selectInstances(func(bd Binding) bool {
		return role == "" || bd.Role == role
	})
}

// InstancesByCapability returns bindings advertising the capability.
func (b *Bus) InstancesByCapability(capability string) []Binding {
	return b.selectInstances(func(bd Binding) bool {
		return containsString(bd.Capabilities, capability)
	})
}

// InstancesByProject returns bindings bound to the project.
func (b *Bus) InstancesByProject(projectID string) []Binding {
	return b.selectInstances(func(bd Binding) bool {
		return containsString(bd.Projects, projectID)
	})
}

func (b *Bus) selectInstances(keep func(Binding) bool) []Binding {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Binding
	for _, bd := range b.instances {
		if keep(bd) {
			out = append(out, bd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Stats returns a snapshot of the cumulative counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published:    b.published.Load(),
		Delivered:    b.delivered.Load(),
		Acked:        b.acked.Load(),
		Retried:      b.retried.Load(),
		DeadLettered: b.deadLettered.Load(),
		Expired:      b.expired.Load(),
	}
}

// DeadLetters returns the dead-letter queue, oldest first, each with
// its full attempt history.
func (b *Bus) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT m.payload, d.recipient, COALESCE(d.dead_letter_reason, ''), COALESCE(d.dead_lettered_at, '')
		 FROM deliveries d JOIN messages m ON m.id = d.message_id
		 WHERE d.status = 'dead'
		 ORDER BY d.dead_lettered_at, d.seq, d.recipient`,
	)
	if err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var payload, recipient, reason, deadAt string
		if err := rows.Scan(&payload, &recipient, &reason, &deadAt); err != nil {
			return nil, fmt.Errorf("dead letter scan: %w", err)
		}
		var msg protocol.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("dead letter payload: %w", err)
		}
		dl := DeadLetter{Message: msg, Recipient: recipient, Reason: reason, DeadAt: parseBusTime(deadAt)}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dead letter rows: %w", err)
	}

	for i := range out {
		attempts, err := b.attemptHistory(ctx, out[i].Message.ID, out[i].Recipient)
		if err != nil {
			return nil, err
		}
		out[i].Attempts = attempts
	}
	return out, nil
}

func (b *Bus) attemptHistory(ctx context.Context, messageID, recipient string) ([]AttemptRecord, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT attempt, COALESCE(error, ''), created_at FROM delivery_attempts
		 WHERE message_id = ? AND recipient = ? ORDER BY attempt`,
		messageID, recipient,
	)
	if err != nil {
		return nil, fmt.Errorf("attempt history: %w", err)
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var rec AttemptRecord
		var at string
		if err := rows.Scan(&rec.Attempt, &rec.Error, &at); err != nil {
			return nil, fmt.Errorf("attempt scan: %w", err)
		}
		rec.At = parseBusTime(at)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- dispatch ---

// sweep runs one dispatch pass: expire, reschedule overdue acks,
// deliver what is due.
func (b *Bus) sweep(ctx context.Context) {
	b.expireOverdue(ctx)
	b.rescheduleOverdueAcks(ctx)
	b.deliverDue(ctx)
}

// expireOverdue dead-letters pending deliveries whose message TTL has
// passed. Expiry beats delivery; a stale assignment must not reach an
// agent late.
func (b *Bus) expireOverdue(ctx context.Context) {
	now := b.nowFunc().UTC().Format(timeLayout)
	rows, err := b.db.QueryContext(ctx,
		`SELECT d.message_id, d.recipient FROM deliveries d
		 JOIN messages m ON m.id = d.message_id
		 WHERE d.status = 'pending' AND m.expires_at IS NOT NULL AND m.expires_at != '' AND m.expires_at <= ?`,
		now,
	)
	if err != nil {
		b.logf("expire scan: %v", err)
		return
	}
	type key struct{ id, recipient string }
	var overdue []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.id, &k.recipient); err != nil {
			_ = rows.Close()
			return
		}
		overdue = append(overdue, k)
	}
	_ = rows.Close()

	for _, k := range overdue {
		if b.markDead(ctx, k.id, k.recipient, "expired") {
			b.expired.Add(1)
		}
	}
}

// rescheduleOverdueAcks turns delivered-but-unacked rows past the ack
// deadline back into pending retries, or dead-letters them once the
// attempt budget is spent.
func (b *Bus) rescheduleOverdueAcks(ctx context.Context) {
	now := b.nowFunc().UTC()
	deadline := now.Add(-b.cfg.AckTimeout).Format(timeLayout)

	rows, err := b.db.QueryContext(ctx,
		`SELECT message_id, recipient, attempts FROM deliveries
		 WHERE status = 'delivered' AND requires_ack = 1 AND acked_at IS NULL AND delivered_at <= ?`,
		deadline,
	)
	if err != nil {
		b.logf("ack sweep: %v", err)
		return
	}
	type overdue struct {
		id, recipient string
		attempts      int
	}
	var due []overdue
	for rows.Next() {
		var o overdue
		if err := rows.Scan(&o.id, &o.recipient, &o.attempts); err != nil {
			_ = rows.Close()
			return
		}
		due = append(due, o)
	}
	_ = rows.Close()

	for _, o := range due {
		if o.attempts >= b.cfg.MaxAttempts {
			b.markDead(ctx, o.id, o.recipient,
				fmt.Sprintf("no ack after %d attempts", o.attempts))
			continue
		}
		res, err := b.db.ExecContext(ctx,
			`UPDATE deliveries SET status = 'pending', next_attempt_at = ?
			 WHERE message_id = ? AND recipient = ? AND status = 'delivered'`,
			now.Add(b.backoff(o.attempts)).Format(timeLayout), o.id, o.recipient,
		)
		if err != nil {
			b.logf("reschedule %s/%s: %v", o.id, o.recipient, err)
			continue
		}
		if n, _ := res.RowsAffected(); n == 1 {
			b.retried.Add(1)
		}
	}
}

// deliverDue sends every due pending delivery whose correlation chain
// has no earlier undelivered message for the same recipient.
func (b *Bus) deliverDue(ctx context.Context) {
	now := b.nowFunc().UTC().Format(timeLayout)
	rows, err := b.db.QueryContext(ctx,
		`SELECT d.message_id, d.recipient, d.attempts, d.requires_ack, m.payload
		 FROM deliveries d
		 JOIN messages m ON m.id = d.message_id
		 WHERE d.status = 'pending' AND d.next_attempt_at <= ?
		   AND NOT EXISTS (
		     SELECT 1 FROM deliveries e
		     WHERE e.recipient = d.recipient
		       AND e.correlation_id = d.correlation_id
		       AND e.seq < d.seq
		       AND e.status = 'pending'
		   )
		 ORDER BY d.seq, d.recipient`,
		now,
	)
	if err != nil {
		b.logf("dispatch scan: %v", err)
		return
	}
	type job struct {
		id, recipient string
		attempts      int
		requiresAck   bool
		payload       string
	}
	var jobs []job
	for rows.Next() {
		var j job
		if err := rows.Scan(&j.id, &j.recipient, &j.attempts, &j.requiresAck, &j.payload); err != nil {
			_ = rows.Close()
			return
		}
		jobs = append(jobs, j)
	}
	_ = rows.Close()

	for _, j := range jobs {
		b.attemptDelivery(ctx, j.id, j.recipient, j.attempts, j.requiresAck, j.payload)
	}
}

func (b *Bus) attemptDelivery(ctx context.Context, messageID, recipient string, attempts int, requiresAck bool, payload string) {
	var msg protocol.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.markDead(ctx, messageID, recipient, fmt.Sprintf("corrupt payload: %v", err))
		return
	}

	attempt := attempts + 1
	msg.Attempt = attempt
	sendErr := b.transport.Send(ctx, recipient, msg)
	b.recordAttempt(ctx, messageID, recipient, attempt, sendErr)

	now := b.nowFunc().UTC()
	if sendErr == nil {
		if _, err := b.db.ExecContext(ctx,
			`UPDATE deliveries SET status = 'delivered', attempts = ?, delivered_at = ?
			 WHERE message_id = ? AND recipient = ? AND status = 'pending'`,
			attempt, now.Format(timeLayout), messageID, recipient,
		); err == nil {
			b.delivered.Add(1)
		}
		return
	}

	if attempt >= b.cfg.MaxAttempts {
		b.markDead(ctx, messageID, recipient, sendErr.Error())
		return
	}
	if _, err := b.db.ExecContext(ctx,
		`UPDATE deliveries SET attempts = ?, next_attempt_at = ?
		 WHERE message_id = ? AND recipient = ? AND status = 'pending'`,
		attempt, now.Add(b.backoff(attempt)).Format(timeLayout), messageID, recipient,
	); err == nil {
		b.retried.Add(1)
	}
}

func (b *Bus) recordAttempt(ctx context.Context, messageID, recipient string, attempt int, sendErr error) {
	errText := ""
	if sendErr != nil {
		errText = sendErr.Error()
	}
	_, _ = b.db.ExecContext(ctx,
		`INSERT INTO delivery_attempts (message_id, recipient, attempt, error, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		messageID, recipient, attempt, errText, b.nowFunc().UTC().Format(timeLayout),
	)
}

// markDead moves a delivery to the dead state and notifies listeners.
// The conditional update is what keeps acked and dead mutually
// exclusive: whichever terminal transition lands first wins.
func (b *Bus) markDead(ctx context.Context, messageID, recipient, reason string) bool {
	res, err := b.db.ExecContext(ctx,
		`UPDATE deliveries SET status = 'dead', dead_lettered_at = ?, dead_letter_reason = ?
		 WHERE message_id = ? AND recipient = ? AND status IN ('pending', 'delivered')`,
		b.nowFunc().UTC().Format(timeLayout), reason, messageID, recipient,
	)
	if err != nil {
		b.logf("dead letter %s/%s: %v", messageID, recipient, err)
		return false
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false
	}
	b.deadLettered.Add(1)

	dl, err := b.loadDeadLetter(ctx, messageID, recipient)
	if err != nil {
		return true
	}
	b.mu.Lock()
	callbacks := make([]func(DeadLetter), len(b.onDead))
	copy(callbacks, b.onDead)
	b.mu.Unlock()
	for _, fn := range callbacks {
		fn(dl)
	}
	return true
}

func (b *Bus) loadDeadLetter(ctx context.Context, messageID, recipient string) (DeadLetter, error) {
	var payload, reason, deadAt string
	err := b.db.QueryRowContext(ctx,
		`SELECT m.payload, COALESCE(d.dead_letter_reason, ''), COALESCE(d.dead_lettered_at, '')
		 FROM deliveries d JOIN messages m ON m.id = d.message_id
		 WHERE d.message_id = ? AND d.recipient = ?`,
		messageID, recipient,
	).Scan(&payload, &reason, &deadAt)
	if err != nil {
		return DeadLetter{}, fmt.Errorf("load dead letter: %w", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return DeadLetter{}, fmt.Errorf("dead letter payload: %w", err)
	}
	attempts, err := b.attemptHistory(ctx, messageID, recipient)
	if err != nil {
		return DeadLetter{}, err
	}
	return DeadLetter{
		Message: msg, Recipient: recipient, Reason: reason,
		DeadAt: parseBusTime(deadAt), Attempts: attempts,
	}, nil
}

// backoff returns the delay before the next attempt: RetryInterval
// doubling per attempt already made.
func (b *Bus) backoff(attempts int) time.Duration {
	d := b.cfg.RetryInterval
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

func (b *Bus) nudge() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func joinRecipients(recipients []string) string {
	data, _ := json.Marshal(recipients)
	return string(data)
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func formatNullable(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseBusTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Subscription is one instance's attachment to the bus.
type Subscription struct {
	bus     *Bus
	binding Binding
	inbox   <-chan protocol.Message
	once    sync.Once
}

// Binding returns the binding this subscription registered.
func (s *Subscription) Binding() Binding {
	return s.binding
}

// Receive blocks for the next delivered message.
func (s *Subscription) Receive(ctx context.Context) (protocol.Message, error) {
	select {
	case msg, ok := <-s.inbox:
		if !ok {
			return protocol.Message{}, errors.New("subscription closed")
		}
		return msg, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// Ack acknowledges a received message for this instance.
func (s *Subscription) Ack(ctx context.Context, msg protocol.Message) error {
	return s.bus.Acknowledge(ctx, msg.ID, s.binding.InstanceID)
}

// Close unregisters the instance. Undelivered messages addressed to it
// retry and eventually dead-letter.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.binding.InstanceID)
	})
}
