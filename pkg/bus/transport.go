package bus

import (
	"context"
	"fmt"
	"sync"

	"guild/pkg/protocol"
)

// defaultInboxBuffer is the per-instance inbox depth when a binding
// does not pick its own.
const defaultInboxBuffer = 64

// Transport moves envelopes into per-instance inboxes. Delivery
// guarantees (retry, ordering, exactly-once accounting) live in the
// ledger, not here; a Transport only has to hand a message to a named
// inbox or say why it could not.
type Transport interface {
	// Register creates the inbox for an instance and returns its
	// receive channel.
	Register(instanceID string, buffer int) (<-chan protocol.Message, error)

	// Unregister tears the inbox down. Pending sends to it start
	// failing, which the retry machinery turns into dead letters.
	Unregister(instanceID string)

	// Send places msg in the instance inbox. A returned error is a
	// retryable delivery failure.
	Send(ctx context.Context, instanceID string, msg protocol.Message) error

	// Close releases all inboxes.
	Close() error
}

// Inproc is the in-process Transport: one buffered channel per
// instance. It backs tests and single-process deployments.
type Inproc struct {
	mu     sync.RWMutex
	boxes  map[string]chan protocol.Message
	closed bool
}

// NewInproc creates an empty in-process transport.
func NewInproc() *Inproc {
	return &Inproc{boxes: make(map[string]chan protocol.Message)}
}

func (t *Inproc) Register(instanceID string, buffer int) (<-chan protocol.Message, error) {
	if buffer <= 0 {
		buffer = defaultInboxBuffer
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transport closed")
	}
	if _, ok := t.boxes[instanceID]; ok {
		return nil, fmt.Errorf("inbox already registered for %s", instanceID)
	}
	ch := make(chan protocol.Message, buffer)
	t.boxes[instanceID] = ch
	return ch, nil
}

func (t *Inproc) Unregister(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.boxes[instanceID]; ok {
		delete(t.boxes, instanceID)
		close(ch)
	}
}

func (t *Inproc) Send(ctx context.Context, instanceID string, msg protocol.Message) error {
	// Hold the lock across the send so Unregister cannot close the
	// channel mid-send. The send never blocks; default catches a full
	// inbox.
	t.mu.RLock()
	defer t.mu.RUnlock()

	ch, ok := t.boxes[instanceID]
	if !ok {
		return fmt.Errorf("no inbox for %s", instanceID)
	}

	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("inbox full for %s", instanceID)
	}
}

func (t *Inproc) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.boxes {
		delete(t.boxes, id)
		close(ch)
	}
	t.closed = true
	return nil
}
