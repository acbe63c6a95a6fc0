package protocol

import (
	"fmt"
	"strings"
)

// DeliveryFailureError represents a direct delivery that exhausted its
// retries and was dead-lettered. It enables typed error discrimination
// via errors.As so the router can re-route or escalate the task.
type DeliveryFailureError struct {
	MessageID string
	Recipient string
	Attempts  int
	Reason    string
}

func (e *DeliveryFailureError) Error() string {
	return fmt.Sprintf("delivery of %s to %s failed after %d attempts: %s",
		e.MessageID, e.Recipient, e.Attempts, e.Reason)
}

// ValidationFailureError represents a result that failed one or more
// quality criteria. Failed carries the names of the failing predicates.
type ValidationFailureError struct {
	TaskID string
	Failed []string
	Score  float64
}

func (e *ValidationFailureError) Error() string {
	return fmt.Sprintf("task %s failed validation (score %.2f): %s",
		e.TaskID, e.Score, strings.Join(e.Failed, ", "))
}

// ConflictUnresolvedError represents conflicting results the
// deterministic rules could not settle in one pass. Terminal for
// automatic resolution; the task escalates.
type ConflictUnresolvedError struct {
	TaskID string
	Topic  ConflictTopic
	Detail string
}

func (e *ConflictUnresolvedError) Error() string {
	return fmt.Sprintf("%s conflict on task %s unresolved by rules: %s", e.Topic, e.TaskID, e.Detail)
}

// CapacityExceededError represents a memory tier whose eviction floor
// was reached, forcing hard deletion of its least-important items.
// Logged, never fatal.
type CapacityExceededError struct {
	Tier    MemoryTier
	Deleted int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("%s tier over capacity: hard-deleted %d items", e.Tier, e.Deleted)
}

// AgentUnreachableError represents an instance that cannot take
// deliveries (buffer overflow or heartbeat loss).
type AgentUnreachableError struct {
	InstanceID string
	MessageID  string
	Reason     string
}

func (e *AgentUnreachableError) Error() string {
	return fmt.Sprintf("agent %s unreachable (message %s): %s",
		e.InstanceID, e.MessageID, e.Reason)
}

// IllegalTransitionError represents a task status edge outside the
// state machine.
type IllegalTransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s -> %s", e.TaskID, e.From, e.To)
}

// TaskNotFoundError represents a task lookup failure.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

// ItemNotFoundError represents a memory item lookup failure. Readers
// racing the decay sweep treat this as a cache miss, not a fault.
type ItemNotFoundError struct {
	ID int64
}

func (e *ItemNotFoundError) Error() string {
	return fmt.Sprintf("memory item %d not found", e.ID)
}
