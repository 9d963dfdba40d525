package network

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// memBus wires in-process links together by address.
type memBus struct {
	links map[string]*memLink
	mu    sync.Mutex
}

func newMemBus() *memBus {
	return &memBus{links: make(map[string]*memLink)}
}

func (b *memBus) attach(id NodeID, address string) *memLink {
	l := &memLink{
		id:      id,
		address: address,
		bus:     b,
		inbox:   make(chan *NetworkMessage, 100),
		dialed:  make(map[string]bool),
	}
	b.mu.Lock()
	b.links[address] = l
	b.mu.Unlock()
	return l
}

// memLink is an in-process Link used to exercise the transport adapter
// without sockets.
type memLink struct {
	id      NodeID
	address string
	bus     *memBus
	inbox   chan *NetworkMessage
	dialed  map[string]bool
	stopped bool
	mu      sync.Mutex
}

func (l *memLink) NodeID() NodeID  { return l.id }
func (l *memLink) Address() string { return l.address }
func (l *memLink) Start() error    { return nil }

func (l *memLink) Stop() {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		close(l.inbox)
	}
	l.mu.Unlock()
}

func (l *memLink) Dial(address string) error {
	l.bus.mu.Lock()
	_, ok := l.bus.links[address]
	l.bus.mu.Unlock()
	if !ok {
		return ErrConnectionFailed
	}
	l.mu.Lock()
	l.dialed[address] = true
	l.mu.Unlock()
	return nil
}

func (l *memLink) Hangup(address string) {
	l.mu.Lock()
	delete(l.dialed, address)
	l.mu.Unlock()
}

func (l *memLink) Send(address string, msg *NetworkMessage) error {
	l.mu.Lock()
	ok := l.dialed[address]
	l.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}

	l.bus.mu.Lock()
	target, exists := l.bus.links[address]
	l.bus.mu.Unlock()
	if !exists {
		return ErrSendFailed
	}

	// Round-trip through JSON the way the wire would.
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var delivered NetworkMessage
	if err := json.Unmarshal(data, &delivered); err != nil {
		return err
	}
	delivered.ReceivedAt = time.Now().UnixMilli()

	target.mu.Lock()
	if !target.stopped {
		target.inbox <- &delivered
	}
	target.mu.Unlock()
	return nil
}

func (l *memLink) Messages() <-chan *NetworkMessage { return l.inbox }

func startTransport(t *testing.T, bus *memBus, id NodeID, address string) *Transport {
	t.Helper()
	tr := NewTransport(bus.attach(id, address), nil)
	if err := tr.Start(); err != nil {
		t.Fatalf("transport start failed: %v", err)
	}
	t.Cleanup(tr.Stop)
	return tr
}

func waitEvent(t *testing.T, tr *Transport) PeerEvent {
	t.Helper()
	select {
	case ev := <-tr.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for peer event")
		return PeerEvent{}
	}
}

func TestConnectExchangesIdentity(t *testing.T) {
	bus := newMemBus()
	ta := startTransport(t, bus, "node-a", "mem://a")
	tb := startTransport(t, bus, "node-b", "mem://b")

	id, err := ta.Connect("mem://b")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if id != "node-b" {
		t.Errorf("Expected node-b, got %s", id)
	}

	evA := waitEvent(t, ta)
	if evA.Type != EventNewPeer || evA.Peer != "node-b" {
		t.Errorf("Expected NewPeer node-b on dialer, got %+v", evA)
	}
	evB := waitEvent(t, tb)
	if evB.Type != EventNewPeer || evB.Peer != "node-a" {
		t.Errorf("Expected NewPeer node-a on listener, got %+v", evB)
	}

	// Exactly one event per side.
	time.Sleep(50 * time.Millisecond)
	select {
	case ev := <-ta.Events():
		t.Errorf("Unexpected extra event: %+v", ev)
	default:
	}
}

func TestConnectAlreadyConnected(t *testing.T) {
	bus := newMemBus()
	ta := startTransport(t, bus, "node-a", "mem://a")
	startTransport(t, bus, "node-b", "mem://b")

	if _, err := ta.Connect("mem://b"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if _, err := ta.Connect("mem://b"); err != ErrAlreadyConnected {
		t.Errorf("Expected ErrAlreadyConnected, got %v", err)
	}
}

func TestConnectUnknownAddress(t *testing.T) {
	bus := newMemBus()
	ta := startTransport(t, bus, "node-a", "mem://a")

	if _, err := ta.Connect("mem://nowhere"); err != ErrConnectionFailed {
		t.Errorf("Expected ErrConnectionFailed, got %v", err)
	}
}

func TestConnectTimeout(t *testing.T) {
	bus := newMemBus()
	ta := startTransport(t, bus, "node-a", "mem://a")
	ta.connectTimeout = 100 * time.Millisecond

	// A bare link with no transport never answers the hello.
	bus.attach("node-mute", "mem://mute")

	if _, err := ta.Connect("mem://mute"); err != ErrTimeout {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}

func TestSendDeliversToPeer(t *testing.T) {
	bus := newMemBus()
	ta := startTransport(t, bus, "node-a", "mem://a")
	tb := startTransport(t, bus, "node-b", "mem://b")

	id, err := ta.Connect("mem://b")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	sent := NewMessage(TypeChat, "node-a", []byte(`{"event":"text_message"}`))
	if _, err := ta.Send(id, sent); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case got := <-tb.Inbound():
		if got.ID != sent.ID {
			t.Errorf("Expected message %s, got %s", sent.ID, got.ID)
		}
		if got.Sender != "node-a" {
			t.Errorf("Expected sender node-a, got %s", got.Sender)
		}
		if got.ReceivedAt == 0 {
			t.Error("Expected receive timestamp to be stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for delivery")
	}
}

func TestSendNotConnected(t *testing.T) {
	bus := newMemBus()
	ta := startTransport(t, bus, "node-a", "mem://a")

	_, err := ta.Send("stranger", NewMessage(TypeChat, "node-a", []byte(`{}`)))
	if err != ErrNotConnected {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestDisconnectEmitsLostPeerOnce(t *testing.T) {
	bus := newMemBus()
	ta := startTransport(t, bus, "node-a", "mem://a")
	startTransport(t, bus, "node-b", "mem://b")

	id, err := ta.Connect("mem://b")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitEvent(t, ta) // NewPeer

	if err := ta.Disconnect(id); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	ev := waitEvent(t, ta)
	if ev.Type != EventLostPeer || ev.Peer != id {
		t.Errorf("Expected LostPeer %s, got %+v", id, ev)
	}
	if ev.Reason != "disconnect requested" {
		t.Errorf("Unexpected reason %q", ev.Reason)
	}

	if err := ta.Disconnect(id); err != ErrNotConnected {
		t.Errorf("Expected ErrNotConnected on second disconnect, got %v", err)
	}
}

func TestBroadcastExcludes(t *testing.T) {
	bus := newMemBus()
	ta := startTransport(t, bus, "node-a", "mem://a")
	tb := startTransport(t, bus, "node-b", "mem://b")
	tc := startTransport(t, bus, "node-c", "mem://c")

	if _, err := ta.Connect("mem://b"); err != nil {
		t.Fatalf("Connect b failed: %v", err)
	}
	idC, err := ta.Connect("mem://c")
	if err != nil {
		t.Fatalf("Connect c failed: %v", err)
	}

	msg := NewMessage(TypeChat, "node-a", []byte(`{"event":"text_message"}`))
	opts := &BroadcastOptions{Exclude: []NodeID{idC}}
	if _, err := ta.Broadcast(msg, opts); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	select {
	case got := <-tb.Inbound():
		if got.ID != msg.ID {
			t.Errorf("Expected message %s, got %s", msg.ID, got.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for broadcast delivery")
	}

	select {
	case got := <-tc.Inbound():
		t.Errorf("Excluded peer received message %s", got.ID)
	case <-time.After(100 * time.Millisecond):
	}
}
