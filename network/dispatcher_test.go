package network

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegisterHandlerDuplicate(t *testing.T) {
	d := NewDispatcher("node-1", nil)

	first := HandlerFunc(func(from NodeID, msg *NetworkMessage) (*NetworkMessage, error) {
		return NewMessage("reply", "node-1", []byte(`"first"`)), nil
	})
	second := HandlerFunc(func(from NodeID, msg *NetworkMessage) (*NetworkMessage, error) {
		return NewMessage("reply", "node-1", []byte(`"second"`)), nil
	})

	if err := d.RegisterHandler("test", first); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := d.RegisterHandler("test", second); err != ErrDuplicateRegistration {
		t.Errorf("Expected ErrDuplicateRegistration, got %v", err)
	}

	// The original binding must keep serving.
	reply, err := d.Dispatch("peer-1", NewMessage("test", "peer-1", []byte(`{}`)))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if string(reply.Payload) != `"first"` {
		t.Errorf("Expected first handler's reply, got %s", reply.Payload)
	}
}

func TestDispatchUnknownType(t *testing.T) {
	d := NewDispatcher("node-1", nil)

	_, err := d.Dispatch("peer-1", NewMessage("nobody-home", "peer-1", []byte(`{}`)))
	if err != ErrUnknownMessageType {
		t.Errorf("Expected ErrUnknownMessageType, got %v", err)
	}

	stats := d.GetStats()
	if stats.Unknown != 1 {
		t.Errorf("Expected 1 unknown, got %d", stats.Unknown)
	}
	if stats.Dispatched != 0 {
		t.Errorf("Expected 0 dispatched, got %d", stats.Dispatched)
	}
}

func TestDispatchHandlerErrorBecomesErrorReply(t *testing.T) {
	d := NewDispatcher("node-1", nil)

	d.RegisterHandler("test", HandlerFunc(func(from NodeID, msg *NetworkMessage) (*NetworkMessage, error) {
		return nil, errors.New("boom")
	}))

	msg := NewMessage("test", "peer-1", []byte(`{}`))
	reply, err := d.Dispatch("peer-1", msg)
	if err != nil {
		t.Fatalf("Dispatch should not fail on handler error, got %v", err)
	}
	if reply == nil || reply.Type != TypeError {
		t.Fatalf("Expected error reply, got %v", reply)
	}

	var p errorPayload
	if err := json.Unmarshal(reply.Payload, &p); err != nil {
		t.Fatalf("Failed to decode error payload: %v", err)
	}
	if p.RequestID != msg.ID {
		t.Errorf("Expected request id %s, got %s", msg.ID, p.RequestID)
	}
	if p.Error != "boom" {
		t.Errorf("Expected error 'boom', got %q", p.Error)
	}
}

func TestDispatchHandlerPanicRecovered(t *testing.T) {
	d := NewDispatcher("node-1", nil)

	d.RegisterHandler("test", HandlerFunc(func(from NodeID, msg *NetworkMessage) (*NetworkMessage, error) {
		panic("kaboom")
	}))

	reply, err := d.Dispatch("peer-1", NewMessage("test", "peer-1", []byte(`{}`)))
	if err != nil {
		t.Fatalf("Dispatch should not fail on panic, got %v", err)
	}
	if reply == nil || reply.Type != TypeError {
		t.Fatalf("Expected error reply, got %v", reply)
	}

	stats := d.GetStats()
	if stats.Failed != 1 {
		t.Errorf("Expected 1 failed, got %d", stats.Failed)
	}
}

func TestEnqueuePerPeerOrdering(t *testing.T) {
	d := NewDispatcher("node-1", nil)
	defer d.Stop(time.Second)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	d.RegisterHandler("test", HandlerFunc(func(from NodeID, msg *NetworkMessage) (*NetworkMessage, error) {
		mu.Lock()
		got = append(got, string(msg.Payload))
		if len(got) == 10 {
			close(done)
		}
		mu.Unlock()
		return nil, nil
	}))

	want := make([]string, 10)
	for i := 0; i < 10; i++ {
		payload := []byte{byte('0' + i)}
		want[i] = string(payload)
		if err := d.Enqueue("peer-1", NewMessage("test", "peer-1", payload)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for dispatches")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Out of order delivery at %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestEnqueueRepliesCarryPeerAddress(t *testing.T) {
	d := NewDispatcher("node-1", nil)
	defer d.Stop(time.Second)

	d.RegisterHandler("test", HandlerFunc(func(from NodeID, msg *NetworkMessage) (*NetworkMessage, error) {
		return NewMessage("test", "node-1", []byte(`"pong"`)), nil
	}))

	if err := d.Enqueue("peer-1", NewMessage("test", "peer-1", []byte(`"ping"`))); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case reply := <-d.Replies():
		if reply.To != "peer-1" {
			t.Errorf("Expected reply addressed to peer-1, got %s", reply.To)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for reply")
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	d := NewDispatcher("node-1", nil)
	d.Stop(time.Second)

	err := d.Enqueue("peer-1", NewMessage("test", "peer-1", []byte(`{}`)))
	if err != ErrDispatcherStopped {
		t.Errorf("Expected ErrDispatcherStopped, got %v", err)
	}
}
