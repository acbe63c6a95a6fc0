package protocol_test

import (
	"encoding/json"
	"testing"
	"time"

	"guild/pkg/protocol"
)

func TestMessageKinds(t *testing.T) {
	t.Parallel()

	// All expected message kind constants must be defined.
	kinds := []protocol.MessageKind{
		protocol.KindAssignment,
		protocol.KindStatus,
		protocol.KindResult,
		protocol.KindConflict,
		protocol.KindNotice,
		protocol.KindCancel,
		protocol.KindHeartbeat,
	}

	expected := []string{
		"ASSIGNMENT",
		"STATUS",
		"RESULT",
		"CONFLICT",
		"NOTICE",
		"CANCEL",
		"HEARTBEAT",
	}

	for i, k := range kinds {
		if string(k) != expected[i] {
			t.Errorf("expected %q, got %q", expected[i], k)
		}
	}
}

func TestMessageJSON(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		msg  protocol.Message
	}{
		{
			name: "ASSIGNMENT",
			msg: protocol.Message{
				ID: "m-1", CorrelationID: "m-1", Sender: "hub",
				Recipients: []string{"dev-1"}, Kind: protocol.KindAssignment,
				Mode: protocol.ModeDirect, CreatedAt: now,
				Assignment: &protocol.AssignmentPayload{
					TaskID:     "task-123",
					ProjectID:  "proj-1",
					Title:      "implement login",
					Capability: "implement",
				},
			},
		},
		{
			name: "RESULT",
			msg: protocol.Message{
				ID: "m-2", CorrelationID: "m-1", Sender: "dev-1",
				Recipients: []string{"hub"}, Kind: protocol.KindResult,
				Mode: protocol.ModeDirect, CreatedAt: now,
				Result: &protocol.ResultPayload{
					TaskID:    "task-123",
					ProjectID: "proj-1",
					Output:    "done",
					MemoryID:  42,
				},
			},
		},
		{
			name: "STATUS",
			msg: protocol.Message{
				ID: "m-3", CorrelationID: "m-3", Sender: "hub",
				Recipients: []string{protocol.Broadcast}, Kind: protocol.KindStatus,
				Mode: protocol.ModeBroadcast, CreatedAt: now,
				Status: &protocol.StatusPayload{
					TaskID: "task-123",
					From:   protocol.TaskAssigned,
					To:     protocol.TaskInReview,
					Actor:  "hub",
				},
			},
		},
		{
			name: "CONFLICT",
			msg: protocol.Message{
				ID: "m-4", CorrelationID: "m-4", Sender: "qa-1",
				Recipients: []string{"hub"}, Kind: protocol.KindConflict,
				Mode: protocol.ModeDirect, CreatedAt: now,
				Conflict: &protocol.ConflictPayload{
					TaskID: "task-123",
					Topic:  protocol.ConflictTechnical,
					Detail: "review and rework disagree",
				},
			},
		},
		{
			name: "CANCEL",
			msg: protocol.Message{
				ID: "m-5", CorrelationID: "m-5", Sender: "hub",
				Recipients: []string{"dev-1"}, Kind: protocol.KindCancel,
				Mode: protocol.ModeDirect, CreatedAt: now,
				Cancel: &protocol.CancelPayload{TaskID: "task-123", Reason: "project closed"},
			},
		},
		{
			name: "HEARTBEAT",
			msg: protocol.Message{
				ID: "m-6", CorrelationID: "m-6", Sender: "dev-1",
				Recipients: []string{protocol.Broadcast}, Kind: protocol.KindHeartbeat,
				Mode: protocol.ModeBroadcast, CreatedAt: now,
				Heartbeat: &protocol.HeartbeatPayload{
					InstanceID: "dev-1",
					Role:       protocol.RoleDeveloper,
					State:      protocol.AgentBusy,
					ActiveTask: "task-123",
					Load:       1,
				},
			},
		},
		{
			name: "NOTICE",
			msg: protocol.Message{
				ID: "m-7", CorrelationID: "m-7", Sender: "hub",
				Recipients: []string{protocol.Broadcast}, Kind: protocol.KindNotice,
				Mode: protocol.ModeBroadcast, CreatedAt: now,
				Notice: &protocol.NoticePayload{Subject: "sprint start"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			data, err := json.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var got protocol.Message
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Kind != tt.msg.Kind {
				t.Errorf("kind: want %q, got %q", tt.msg.Kind, got.Kind)
			}
			if got.CorrelationID != tt.msg.CorrelationID {
				t.Errorf("correlation: want %q, got %q", tt.msg.CorrelationID, got.CorrelationID)
			}
			if !got.CreatedAt.Equal(tt.msg.CreatedAt) {
				t.Errorf("created_at: want %v, got %v", tt.msg.CreatedAt, got.CreatedAt)
			}
		})
	}
}

func TestNewMessage(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := protocol.NewMessage("hub", protocol.KindAssignment, protocol.ModeDirect, []string{"dev-1"}, now)

	if m.ID == "" {
		t.Fatal("NewMessage must assign an id")
	}
	if m.CorrelationID != m.ID {
		t.Errorf("a fresh message starts its own chain: correlation %q != id %q", m.CorrelationID, m.ID)
	}
	if m.Attempt != 0 {
		t.Errorf("attempt should start at 0, got %d", m.Attempt)
	}

	other := protocol.NewMessage("hub", protocol.KindAssignment, protocol.ModeDirect, []string{"dev-1"}, now)
	if other.ID == m.ID {
		t.Error("ids must be unique")
	}
}

func TestReplyPreservesCorrelation(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req := protocol.NewMessage("hub", protocol.KindAssignment, protocol.ModeDirect, []string{"dev-1"}, now)
	req.ProjectID = "proj-1"

	rep := req.Reply("dev-1", protocol.KindResult, now.Add(time.Minute))

	if rep.CorrelationID != req.CorrelationID {
		t.Errorf("reply must preserve correlation: want %q, got %q", req.CorrelationID, rep.CorrelationID)
	}
	if rep.ID == req.ID {
		t.Error("reply must have a fresh id")
	}
	if len(rep.Recipients) != 1 || rep.Recipients[0] != "hub" {
		t.Errorf("reply must target the original sender, got %v", rep.Recipients)
	}
	if rep.Mode != protocol.ModeDirect {
		t.Errorf("reply mode: want direct, got %q", rep.Mode)
	}
	if rep.ProjectID != "proj-1" {
		t.Errorf("reply must carry the project scope, got %q", rep.ProjectID)
	}
}

func TestMessageExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := protocol.NewMessage("hub", protocol.KindNotice, protocol.ModeBroadcast, []string{protocol.Broadcast}, now)

	if m.Expired(now.Add(24 * time.Hour)) {
		t.Error("zero ExpiresAt must never expire")
	}

	m.ExpiresAt = now.Add(time.Hour)
	if m.Expired(now.Add(59 * time.Minute)) {
		t.Error("not yet expired")
	}
	if !m.Expired(now.Add(61 * time.Minute)) {
		t.Error("should be expired after the deadline")
	}
}
