package network

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	peerEventQueueSize    = 256
	defaultConnectTimeout = 5 * time.Second
)

// Link is the minimal contract the adapter needs from a concrete transport.
// ZmqNode is the production implementation; tests use an in-process link.
type Link interface {
	NodeID() NodeID
	Address() string
	Start() error
	Stop()
	Dial(address string) error
	Hangup(address string)
	Send(address string, msg *NetworkMessage) error
	Messages() <-chan *NetworkMessage
}

// systemPayload is the payload of TypeSystem messages used to exchange peer
// identity over an already-authenticated channel.
type systemPayload struct {
	Action  string `json:"action"` // "hello" or "welcome"
	NodeID  NodeID `json:"node_id"`
	Address string `json:"address"`
}

// Transport adapts a concrete point-to-point link into the peer-addressed
// connect/send/broadcast surface the rest of the core uses. Every successful
// connect or disconnect emits exactly one PeerEvent.
type Transport struct {
	link           Link
	connectTimeout time.Duration

	// Connected peers and their dial addresses.
	peers map[NodeID]string
	mu    sync.RWMutex

	// Connects awaiting a welcome, keyed by dialed address.
	pending   map[string]chan NodeID
	pendingMu sync.Mutex

	events  chan PeerEvent
	inbound chan *NetworkMessage

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup

	log *zap.Logger
}

// NewTransport creates a transport adapter over the given link.
func NewTransport(link Link, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Transport{
		link:           link,
		connectTimeout: defaultConnectTimeout,
		peers:          make(map[NodeID]string),
		pending:        make(map[string]chan NodeID),
		events:         make(chan PeerEvent, peerEventQueueSize),
		inbound:        make(chan *NetworkMessage, inboundQueueSize),
		ctx:            ctx,
		cancel:         cancel,
		log:            log,
	}
}

// NodeID returns the local node identifier.
func (t *Transport) NodeID() NodeID { return t.link.NodeID() }

// Start starts the underlying link and the receive loop.
func (t *Transport) Start() error {
	if err := t.link.Start(); err != nil {
		return err
	}

	t.mu.Lock()
	t.running = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.recvLoop()
	return nil
}

// Stop shuts down the link and closes the event and inbound streams.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()

	t.cancel()
	t.link.Stop()
	t.wg.Wait()
	close(t.events)
	close(t.inbound)
}

// Events returns the stream of peer connectivity events. It is consumed by
// exactly one task, the PeerRegistry.
func (t *Transport) Events() <-chan PeerEvent { return t.events }

// Inbound returns the stream of non-system inbound messages.
func (t *Transport) Inbound() <-chan *NetworkMessage { return t.inbound }

// Connect dials the peer at address and waits for it to identify itself.
// On success the peer's NodeID is returned and a NewPeer event is emitted.
func (t *Transport) Connect(address string) (NodeID, error) {
	t.mu.RLock()
	if !t.running {
		t.mu.RUnlock()
		return "", ErrNodeNotRunning
	}
	for id, addr := range t.peers {
		if addr == address {
			t.mu.RUnlock()
			return id, ErrAlreadyConnected
		}
	}
	t.mu.RUnlock()

	t.pendingMu.Lock()
	if _, ok := t.pending[address]; ok {
		t.pendingMu.Unlock()
		return "", ErrAlreadyConnected
	}
	wait := make(chan NodeID, 1)
	t.pending[address] = wait
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, address)
		t.pendingMu.Unlock()
	}()

	if err := t.link.Dial(address); err != nil {
		return "", err
	}

	if err := t.sendSystem(address, "hello"); err != nil {
		t.link.Hangup(address)
		return "", err
	}

	select {
	case id := <-wait:
		return id, nil
	case <-time.After(t.connectTimeout):
		t.link.Hangup(address)
		return "", ErrTimeout
	case <-t.ctx.Done():
		return "", ErrNodeNotRunning
	}
}

// Disconnect drops the connection to a peer and emits a LostPeer event.
func (t *Transport) Disconnect(id NodeID) error {
	return t.DisconnectWithReason(id, "disconnect requested")
}

// DisconnectWithReason drops a peer with an explicit loss reason.
func (t *Transport) DisconnectWithReason(id NodeID, reason string) error {
	t.mu.Lock()
	addr, ok := t.peers[id]
	if !ok {
		t.mu.Unlock()
		return ErrNotConnected
	}
	delete(t.peers, id)
	t.mu.Unlock()

	t.link.Hangup(addr)
	t.emit(PeerEvent{Type: EventLostPeer, Peer: id, Address: addr, Reason: reason})
	return nil
}

// Send unicasts a message to a connected peer.
func (t *Transport) Send(id NodeID, msg *NetworkMessage) (MessageID, error) {
	t.mu.RLock()
	if !t.running {
		t.mu.RUnlock()
		return msg.ID, ErrNodeNotRunning
	}
	addr, ok := t.peers[id]
	t.mu.RUnlock()

	if !ok {
		return msg.ID, ErrNotConnected
	}

	msg.To = id
	if err := t.link.Send(addr, msg); err != nil {
		return msg.ID, err
	}
	return msg.ID, nil
}

// Broadcast sends a message to every peer connected at call time.
// Delivery is best-effort: per-peer failures are aggregated, not retried,
// and peers connecting concurrently may be skipped.
func (t *Transport) Broadcast(msg *NetworkMessage, opts *BroadcastOptions) (MessageID, error) {
	t.mu.RLock()
	if !t.running {
		t.mu.RUnlock()
		return msg.ID, ErrNodeNotRunning
	}
	targets := make(map[NodeID]string, len(t.peers))
	for id, addr := range t.peers {
		targets[id] = addr
	}
	t.mu.RUnlock()

	exclude := make(map[NodeID]bool)
	if opts != nil {
		for _, id := range opts.Exclude {
			exclude[id] = true
		}
	}

	var errs error
	for id, addr := range targets {
		if exclude[id] {
			continue
		}
		if err := t.link.Send(addr, msg); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return msg.ID, errs
}

// recvLoop demultiplexes link traffic: system messages establish peer
// identity, everything else is forwarded to the inbound stream.
func (t *Transport) recvLoop() {
	defer t.wg.Done()

	for msg := range t.link.Messages() {
		if msg.Type == TypeSystem {
			t.handleSystem(msg)
			continue
		}

		select {
		case t.inbound <- msg:
		case <-t.ctx.Done():
			return
		}
	}
}

// handleSystem processes hello/welcome identity exchanges.
func (t *Transport) handleSystem(msg *NetworkMessage) {
	var p systemPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		t.log.Debug("dropping malformed system message", zap.Error(err))
		return
	}

	switch p.Action {
	case "hello":
		// Dial back so replies and unicasts can reach the peer.
		if err := t.link.Dial(p.Address); err != nil {
			t.log.Warn("failed to dial back peer",
				zap.String("peer", string(p.NodeID)),
				zap.String("address", p.Address),
				zap.Error(err))
			return
		}
		t.addPeer(p.NodeID, p.Address)
		if err := t.sendSystem(p.Address, "welcome"); err != nil {
			t.log.Warn("failed to send welcome",
				zap.String("peer", string(p.NodeID)),
				zap.Error(err))
		}

	case "welcome":
		t.addPeer(p.NodeID, p.Address)
		t.pendingMu.Lock()
		if wait, ok := t.pending[p.Address]; ok {
			select {
			case wait <- p.NodeID:
			default:
			}
		}
		t.pendingMu.Unlock()

	default:
		t.log.Debug("unknown system action", zap.String("action", p.Action))
	}
}

// addPeer records a connected peer, emitting NewPeer exactly once.
func (t *Transport) addPeer(id NodeID, address string) {
	t.mu.Lock()
	if _, known := t.peers[id]; known {
		t.mu.Unlock()
		return
	}
	t.peers[id] = address
	t.mu.Unlock()

	t.emit(PeerEvent{Type: EventNewPeer, Peer: id, Address: address})
}

// sendSystem sends a hello or welcome carrying the local identity.
func (t *Transport) sendSystem(address string, action string) error {
	payload, err := json.Marshal(systemPayload{
		Action:  action,
		NodeID:  t.link.NodeID(),
		Address: t.link.Address(),
	})
	if err != nil {
		return err
	}
	return t.link.Send(address, NewMessage(TypeSystem, t.link.NodeID(), payload))
}

func (t *Transport) emit(ev PeerEvent) {
	select {
	case t.events <- ev:
	default:
		t.log.Warn("peer event queue full, dropping event",
			zap.String("peer", string(ev.Peer)))
	}
}
