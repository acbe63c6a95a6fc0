package protocol_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"guild/pkg/protocol"
)

func TestDeliveryFailureError_ErrorsAs(t *testing.T) {
	dfErr := &protocol.DeliveryFailureError{
		MessageID: "msg-1",
		Recipient: "dev-1",
		Attempts:  3,
		Reason:    "ack timeout",
	}

	// Wrapped once, errors.As must still extract the typed error.
	wrapped := fmt.Errorf("dispatch: %w", dfErr)

	var target *protocol.DeliveryFailureError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed to extract DeliveryFailureError")
	}
	if target.Attempts != 3 {
		t.Errorf("expected Attempts 3, got %d", target.Attempts)
	}
	if target.Recipient != "dev-1" {
		t.Errorf("expected Recipient 'dev-1', got %q", target.Recipient)
	}
	if !strings.Contains(target.Error(), "after 3 attempts") {
		t.Errorf("message should carry the attempt count: %q", target.Error())
	}
}

func TestValidationFailureError_CarriesFailedCriteria(t *testing.T) {
	vErr := &protocol.ValidationFailureError{
		TaskID: "task-1",
		Failed: []string{"includes-tests", "matches-requested-scope"},
		Score:  0.55,
	}

	var target *protocol.ValidationFailureError
	if !errors.As(fmt.Errorf("review: %w", vErr), &target) {
		t.Fatal("errors.As failed to extract ValidationFailureError")
	}
	if len(target.Failed) != 2 {
		t.Fatalf("expected 2 failed criteria, got %d", len(target.Failed))
	}
	msg := target.Error()
	if !strings.Contains(msg, "includes-tests") {
		t.Errorf("message should name the failing predicate: %q", msg)
	}
	if !strings.Contains(msg, "0.55") {
		t.Errorf("message should carry the score: %q", msg)
	}
}

func TestIllegalTransitionError_Message(t *testing.T) {
	trErr := &protocol.IllegalTransitionError{
		TaskID: "task-2",
		From:   protocol.TaskPending,
		To:     protocol.TaskAccepted,
	}
	if !strings.Contains(trErr.Error(), "pending -> accepted") {
		t.Errorf("message should show the rejected edge: %q", trErr.Error())
	}
}

func TestNotFoundErrors(t *testing.T) {
	var taskTarget *protocol.TaskNotFoundError
	if !errors.As(&protocol.TaskNotFoundError{TaskID: "task-9"}, &taskTarget) {
		t.Fatal("errors.As failed for TaskNotFoundError")
	}

	var itemTarget *protocol.ItemNotFoundError
	err := fmt.Errorf("recall: %w", &protocol.ItemNotFoundError{ID: 41})
	if !errors.As(err, &itemTarget) {
		t.Fatal("errors.As failed for ItemNotFoundError")
	}
	if itemTarget.ID != 41 {
		t.Errorf("expected ID 41, got %d", itemTarget.ID)
	}
}

func TestAgentUnreachableError_ErrorsAs(t *testing.T) {
	auErr := &protocol.AgentUnreachableError{
		InstanceID: "qa-2",
		MessageID:  "msg-5",
		Reason:     "delivery buffer full",
	}

	var target *protocol.AgentUnreachableError
	if !errors.As(auErr, &target) {
		t.Fatal("errors.As failed to extract AgentUnreachableError")
	}
	if target.Reason != "delivery buffer full" {
		t.Errorf("expected buffer-full reason, got %q", target.Reason)
	}
}

func TestCapacityExceededError_Message(t *testing.T) {
	capErr := &protocol.CapacityExceededError{Tier: protocol.TierEpisodic, Deleted: 4}
	if !strings.Contains(capErr.Error(), "episodic") || !strings.Contains(capErr.Error(), "4") {
		t.Errorf("message should name tier and count: %q", capErr.Error())
	}
}
