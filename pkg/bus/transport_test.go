package bus //nolint:testpackage // white-box access to inbox internals

import (
	"context"
	"strings"
	"testing"
	"time"

	"guild/pkg/protocol"
)

func TestInproc_RegisterSendReceive(t *testing.T) {
	tr := NewInproc()
	t.Cleanup(func() { _ = tr.Close() })

	inbox, err := tr.Register("dev-1", 4)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	msg := protocol.NewMessage("router", protocol.KindNotice, protocol.ModeDirect, []string{"dev-1"}, time.Now())
	if err := tr.Send(context.Background(), "dev-1", msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := <-inbox
	if got.ID != msg.ID {
		t.Errorf("got %s, want %s", got.ID, msg.ID)
	}
}

func TestInproc_SendNoInbox(t *testing.T) {
	tr := NewInproc()
	t.Cleanup(func() { _ = tr.Close() })

	msg := protocol.NewMessage("router", protocol.KindNotice, protocol.ModeDirect, []string{"ghost"}, time.Now())
	err := tr.Send(context.Background(), "ghost", msg)
	if err == nil || !strings.Contains(err.Error(), "no inbox") {
		t.Errorf("expected no-inbox error, got %v", err)
	}
}

func TestInproc_SendFullInbox(t *testing.T) {
	tr := NewInproc()
	t.Cleanup(func() { _ = tr.Close() })

	if _, err := tr.Register("dev-1", 1); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx := context.Background()
	msg := protocol.NewMessage("router", protocol.KindNotice, protocol.ModeDirect, []string{"dev-1"}, time.Now())
	if err := tr.Send(ctx, "dev-1", msg); err != nil {
		t.Fatalf("first send: %v", err)
	}
	err := tr.Send(ctx, "dev-1", msg)
	if err == nil || !strings.Contains(err.Error(), "inbox full") {
		t.Errorf("expected inbox-full error, got %v", err)
	}
}

func TestInproc_DuplicateRegister(t *testing.T) {
	tr := NewInproc()
	t.Cleanup(func() { _ = tr.Close() })

	if _, err := tr.Register("dev-1", 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := tr.Register("dev-1", 1); err == nil {
		t.Error("expected error for duplicate register")
	}
}

func TestInproc_UnregisterClosesInbox(t *testing.T) {
	tr := NewInproc()
	t.Cleanup(func() { _ = tr.Close() })

	inbox, err := tr.Register("dev-1", 1)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	tr.Unregister("dev-1")

	if _, ok := <-inbox; ok {
		t.Error("inbox should be closed after unregister")
	}

	msg := protocol.NewMessage("router", protocol.KindNotice, protocol.ModeDirect, []string{"dev-1"}, time.Now())
	if err := tr.Send(context.Background(), "dev-1", msg); err == nil {
		t.Error("send after unregister should fail")
	}
}

func TestInproc_CloseRejectsNewRegisters(t *testing.T) {
	tr := NewInproc()
	if _, err := tr.Register("dev-1", 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := tr.Register("dev-2", 1); err == nil {
		t.Error("register after close should fail")
	}
}
