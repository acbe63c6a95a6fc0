package protocol

// Delivery represents a row in the deliveries SQLite table: the
// per-recipient ledger entry whose status is the message's outcome.
type Delivery struct {
	MessageID        string `json:"message_id"`
	Recipient        string `json:"recipient"`
	CorrelationID    string `json:"correlation_id"`
	Seq              int64  `json:"seq"`
	RequiresAck      bool   `json:"requires_ack"`
	Status           string `json:"status"` // pending, delivered, acked, dead
	Attempts         int    `json:"attempts"`
	NextAttemptAt    string `json:"next_attempt_at"`
	DeliveredAt      string `json:"delivered_at"`
	AckedAt          string `json:"acked_at"`
	DeadLetteredAt   string `json:"dead_lettered_at"`
	DeadLetterReason string `json:"dead_letter_reason"`
}

// Delivery status constants.
const (
	DeliveryPending   = "pending"   // awaiting first or retried send
	DeliveryDelivered = "delivered" // sent, awaiting ack
	DeliveryAcked     = "acked"     // terminal success
	DeliveryDead      = "dead"      // terminal failure, in the dead-letter queue
)

// DeliveryAttempt represents a row in the delivery_attempts table: one
// send attempt, kept as audit history for the dead-letter record.
type DeliveryAttempt struct {
	ID        int64  `json:"id"`
	MessageID string `json:"message_id"`
	Recipient string `json:"recipient"`
	Attempt   int    `json:"attempt"`
	Error     string `json:"error"`
	CreatedAt string `json:"created_at"`
}

// TaskRow represents a row in the tasks SQLite table.
type TaskRow struct {
	ID              string `json:"id"`
	ProjectID       string `json:"project_id"`
	Title           string `json:"title"`
	Spec            string `json:"spec"`
	Capability      string `json:"capability"`
	QualityCriteria string `json:"quality_criteria"` // JSON array of predicate names
	Status          string `json:"status"`
	AssignedRole    string `json:"assigned_role"`
	Assignee        string `json:"assignee"`
	Rejections      int    `json:"rejections"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// TaskEvent represents a row in the task_events table: one status
// transition in a task's append-only history.
type TaskEvent struct {
	ID         int64  `json:"id"`
	TaskID     string `json:"task_id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	Actor      string `json:"actor"`
	Note       string `json:"note"`
	CreatedAt  string `json:"created_at"`
}

// AgentRow represents a row in the agents SQLite table: the persisted
// registry entry with liveness and performance counters.
type AgentRow struct {
	InstanceID   string `json:"instance_id"`
	Role         string `json:"role"`
	Capabilities string `json:"capabilities"` // JSON array
	Projects     string `json:"projects"`     // JSON array
	State        string `json:"state"`
	LastSeen     string `json:"last_seen"`
	Completed    int64  `json:"completed"`
	HandlingMS   int64  `json:"handling_ms"`
}

// MemoryRow represents a row in the memories SQLite table.
type MemoryRow struct {
	ID             int64   `json:"id"`
	ProjectID      string  `json:"project_id"`
	AgentID        string  `json:"agent_id"`
	Tier           string  `json:"tier"`
	Content        string  `json:"content"`
	Importance     float64 `json:"importance"`
	Tokens         int     `json:"tokens"`
	Summary        bool    `json:"summary"`
	SupersededBy   int64   `json:"superseded_by"`
	SourceTask     string  `json:"source_task"`
	Embedding      []byte  `json:"embedding"`
	CreatedAt      string  `json:"created_at"`
	LastAccessedAt string  `json:"last_accessed_at"`
	LastDecayedAt  string  `json:"last_decayed_at"`
}

// Project represents a row in the projects SQLite table.
type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Goal      string `json:"goal"`
	CreatedAt string `json:"created_at"`
}
