package protocol

import "fmt"

// MessageKind identifies the payload carried by a Message.
type MessageKind string

// Message kind constants.
const (
	KindAssignment MessageKind = "ASSIGNMENT"
	KindStatus     MessageKind = "STATUS"
	KindResult     MessageKind = "RESULT"
	KindConflict   MessageKind = "CONFLICT"
	KindNotice     MessageKind = "NOTICE"
	KindCancel     MessageKind = "CANCEL"
	KindHeartbeat  MessageKind = "HEARTBEAT"
)

// DeliveryMode selects how the bus resolves a message's recipients and
// whether acknowledgment is required.
type DeliveryMode string

const (
	// ModeDirect targets a single instance; acked or retried, then dead-lettered.
	ModeDirect DeliveryMode = "direct"
	// ModeBroadcast targets every subscribed instance; best-effort, never retried.
	ModeBroadcast DeliveryMode = "broadcast"
	// ModeRoleGroup targets every instance registered under a role; each acks independently.
	ModeRoleGroup DeliveryMode = "role-group"
	// ModeProject targets instances bound to the message's project.
	ModeProject DeliveryMode = "project-scoped"
)

// Valid reports whether m is one of the four known delivery modes.
func (m DeliveryMode) Valid() bool {
	switch m {
	case ModeDirect, ModeBroadcast, ModeRoleGroup, ModeProject:
		return true
	default:
		return false
	}
}

// RequiresAck reports whether deliveries in this mode must be
// acknowledged by the recipient. Broadcast is fire-and-forget.
func (m DeliveryMode) RequiresAck() bool {
	return m != ModeBroadcast
}

// TaskStatus represents a task's position in the routing lifecycle.
type TaskStatus string

// Task status constants.
const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskInReview  TaskStatus = "in-review"
	TaskAccepted  TaskStatus = "accepted"
	TaskRejected  TaskStatus = "rejected"
	TaskEscalated TaskStatus = "escalated"
	TaskCancelled TaskStatus = "cancelled"
)

// legalEdges enumerates the allowed status transitions. Cancellation is
// legal from any non-terminal status. assigned -> rejected covers an
// assignment that never produced a result (dead-lettered delivery,
// assignee lost); it counts against the rejection budget like a failed
// review.
var legalEdges = map[TaskStatus][]TaskStatus{
	TaskPending:  {TaskAssigned, TaskCancelled},
	TaskAssigned: {TaskInReview, TaskRejected, TaskCancelled},
	TaskInReview: {TaskAccepted, TaskRejected, TaskEscalated, TaskCancelled},
	TaskRejected: {TaskAssigned, TaskEscalated, TaskCancelled},
}

// Terminal reports whether s admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskAccepted, TaskEscalated, TaskCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the edge s -> to is legal.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, next := range legalEdges[s] {
		if next == to {
			return true
		}
	}
	return false
}

// AgentState represents the registry's view of an agent instance.
type AgentState string

// Agent state constants.
const (
	AgentIdle        AgentState = "idle"
	AgentBusy        AgentState = "busy"
	AgentUnreachable AgentState = "unreachable" // heartbeat timeout exceeded, pending deregistration
)

// Well-known role names. Rosters may define additional roles; these are
// the ones the conflict-resolution authority rules reference.
const (
	RoleManager   = "manager"
	RoleArchitect = "architect"
	RoleDeveloper = "developer"
	RoleQA        = "qa"
	RolePM        = "pm"
)

// Broadcast is the recipient wildcard matching every subscribed instance.
const Broadcast = "*"

// ConflictTopic classifies a reported conflict for the authority rule.
type ConflictTopic string

const (
	ConflictPriority  ConflictTopic = "priority"  // scheduling or ordering disagreement
	ConflictTechnical ConflictTopic = "technical" // design or implementation disagreement
	ConflictOther     ConflictTopic = "other"
)

// EscalationType classifies a structured escalation message.
type EscalationType string

// Escalation type constants for [GUILD-HUB] messages.
const (
	EscConflictUnresolved EscalationType = "CONFLICT_UNRESOLVED"
	EscRetriesExhausted   EscalationType = "RETRIES_EXHAUSTED"
	EscDeliveryFailed     EscalationType = "DELIVERY_FAILED"
	EscAgentLost          EscalationType = "AGENT_LOST"
	EscNoEligibleAgent    EscalationType = "NO_ELIGIBLE_AGENT"
)

// FormatEscalation produces a structured escalation message in the form:
//
//	[GUILD-HUB] <TYPE>: <task-id> — <summary>. <details>.
//
// If details is empty the trailing details clause is omitted.
func FormatEscalation(typ EscalationType, taskID, summary, details string) string {
	if details != "" {
		return fmt.Sprintf("[GUILD-HUB] %s: %s — %s. %s.", typ, taskID, summary, details)
	}
	return fmt.Sprintf("[GUILD-HUB] %s: %s — %s.", typ, taskID, summary)
}

// MemoryTier identifies which retention policy governs a memory item.
type MemoryTier string

// Memory tier constants.
const (
	TierCore     MemoryTier = "core"     // identity and goal facts, never decays or evicts
	TierWorking  MemoryTier = "working"  // active context, decays, demoted to episodic on eviction
	TierEpisodic MemoryTier = "episodic" // timestamped event records, decays, hard-deleted on overflow
	TierSemantic MemoryTier = "semantic" // durable knowledge, append-and-supersede only
)

// Valid reports whether t is one of the four known tiers.
func (t MemoryTier) Valid() bool {
	switch t {
	case TierCore, TierWorking, TierEpisodic, TierSemantic:
		return true
	default:
		return false
	}
}

// Decays reports whether importance decay applies to this tier.
func (t MemoryTier) Decays() bool {
	return t == TierWorking || t == TierEpisodic
}
