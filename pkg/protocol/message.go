package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Message is the envelope every bus exchange travels in. Exactly one
// payload pointer matching Kind is non-nil. Envelopes are immutable
// after publish; a retry re-sends the same envelope with Attempt
// incremented by the bus, never a field edit.
type Message struct {
	ID            string       `json:"id"`
	CorrelationID string       `json:"correlation_id"`
	Sender        string       `json:"sender"`
	Recipients    []string     `json:"recipients"` // instance ids, role names, or the broadcast wildcard
	Kind          MessageKind  `json:"kind"`
	Mode          DeliveryMode `json:"mode"`
	ProjectID     string       `json:"project_id,omitempty"`
	Attempt       int          `json:"attempt"`
	CreatedAt     time.Time    `json:"created_at"`
	ExpiresAt     time.Time    `json:"expires_at,omitzero"`

	Assignment *AssignmentPayload `json:"assignment,omitempty"`
	Status     *StatusPayload     `json:"status,omitempty"`
	Result     *ResultPayload     `json:"result,omitempty"`
	Conflict   *ConflictPayload   `json:"conflict,omitempty"`
	Notice     *NoticePayload     `json:"notice,omitempty"`
	Cancel     *CancelPayload     `json:"cancel,omitempty"`
	Heartbeat  *HeartbeatPayload  `json:"heartbeat,omitempty"`
}

// AssignmentPayload hands a task to an agent instance.
type AssignmentPayload struct {
	TaskID          string   `json:"task_id"`
	ProjectID       string   `json:"project_id"`
	Title           string   `json:"title"`
	Spec            string   `json:"spec"`
	Capability      string   `json:"capability"`
	QualityCriteria []string `json:"quality_criteria,omitempty"`
}

// StatusPayload announces a task status transition.
type StatusPayload struct {
	TaskID string     `json:"task_id"`
	From   TaskStatus `json:"from"`
	To     TaskStatus `json:"to"`
	Actor  string     `json:"actor"`
	Note   string     `json:"note,omitempty"`
}

// ResultPayload carries an agent's output for a task back to the
// router. Rejected results (capability failure, cancelled work) set
// Rejected with a reason instead of Output.
type ResultPayload struct {
	TaskID    string   `json:"task_id"`
	ProjectID string   `json:"project_id"`
	Output    string   `json:"output,omitempty"`
	Rejected  bool     `json:"rejected,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"` // task ids this result builds on
	MemoryID  int64    `json:"memory_id,omitempty"`  // persisted output item
}

// ConflictPayload flags two disagreeing results for one task.
type ConflictPayload struct {
	TaskID string        `json:"task_id"`
	Topic  ConflictTopic `json:"topic"`
	Detail string        `json:"detail,omitempty"`
}

// NoticePayload is a free-form broadcast announcement.
type NoticePayload struct {
	Subject string `json:"subject"`
	Body    string `json:"body,omitempty"`
}

// CancelPayload tells the holding instance to abandon a task.
type CancelPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// HeartbeatPayload reports instance liveness and load.
type HeartbeatPayload struct {
	InstanceID string     `json:"instance_id"`
	Role       string     `json:"role"`
	State      AgentState `json:"state"`
	ActiveTask string     `json:"active_task,omitempty"`
	Load       int        `json:"load"`
}

// NewMessage builds an envelope with a fresh id and correlation id.
// CreatedAt is stamped by the caller's clock via now so tests can pin
// time.
func NewMessage(sender string, kind MessageKind, mode DeliveryMode, recipients []string, now time.Time) Message {
	id := uuid.NewString()
	return Message{
		ID:            id,
		CorrelationID: id,
		Sender:        sender,
		Recipients:    recipients,
		Kind:          kind,
		Mode:          mode,
		CreatedAt:     now,
	}
}

// Reply builds a direct envelope back to m's sender, preserving the
// correlation id so the chain stays ordered per recipient.
func (m Message) Reply(sender string, kind MessageKind, now time.Time) Message {
	return Message{
		ID:            uuid.NewString(),
		CorrelationID: m.CorrelationID,
		Sender:        sender,
		Recipients:    []string{m.Sender},
		Kind:          kind,
		Mode:          ModeDirect,
		ProjectID:     m.ProjectID,
		CreatedAt:     now,
	}
}

// Expired reports whether the envelope's TTL has passed at now. A zero
// ExpiresAt never expires.
func (m Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}
