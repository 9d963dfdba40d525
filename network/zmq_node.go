package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	inboundQueueSize = 1000
	replayCacheSize  = 4096
	replayTolerance  = 60 * time.Second
)

// ZmqNode is the concrete ZeroMQ transport underneath the Transport adapter.
// It binds a ROUTER socket for inbound traffic and keeps one DEALER socket
// per peer for outbound traffic. The secure-channel handshake is assumed to
// be provided by the deployment; ZmqNode moves already-authenticated frames.
type ZmqNode struct {
	nodeID  NodeID
	address string

	ctx    context.Context
	cancel context.CancelFunc

	router  zmq4.Socket            // ROUTER socket for receiving
	dealers map[string]zmq4.Socket // DEALER sockets for sending (per peer address)

	// Message ID replay/dedup cache; entries expire after replayTolerance.
	seen *lru.LRU[MessageID, struct{}]

	msgChan chan *NetworkMessage

	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup

	log *zap.Logger
}

// NewZmqNode creates a node bound to the given tcp address once started.
func NewZmqNode(nodeID NodeID, address string, log *zap.Logger) *ZmqNode {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &ZmqNode{
		nodeID:  nodeID,
		address: address,
		ctx:     ctx,
		cancel:  cancel,
		dealers: make(map[string]zmq4.Socket),
		seen:    lru.NewLRU[MessageID, struct{}](replayCacheSize, nil, replayTolerance),
		msgChan: make(chan *NetworkMessage, inboundQueueSize),
		log:     log,
	}
}

// NodeID returns the local node identifier.
func (n *ZmqNode) NodeID() NodeID { return n.nodeID }

// Address returns the bind address.
func (n *ZmqNode) Address() string { return n.address }

// Start binds the ROUTER socket and begins receiving.
func (n *ZmqNode) Start() error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return errors.New("node already running")
	}

	n.router = zmq4.NewRouter(n.ctx, zmq4.WithID(zmq4.SocketIdentity(string(n.nodeID))))

	if err := n.router.Listen(n.address); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("%w: bind %s: %v", ErrConnectionFailed, n.address, err)
	}

	n.running = true
	n.mu.Unlock()

	n.wg.Add(1)
	go n.receiverLoop()

	n.log.Info("zmq node started",
		zap.String("node_id", string(n.nodeID)),
		zap.String("address", n.address))
	return nil
}

// Stop shuts the node down and waits for the receiver to exit.
func (n *ZmqNode) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	dealers := n.dealers
	n.dealers = make(map[string]zmq4.Socket)
	n.mu.Unlock()

	n.cancel()

	// Socket close errors during shutdown are expected.
	if n.router != nil {
		_ = n.router.Close()
	}
	for _, dealer := range dealers {
		_ = dealer.Close()
	}

	n.wg.Wait()
	close(n.msgChan)

	n.log.Info("zmq node stopped", zap.String("node_id", string(n.nodeID)))
}

// Dial opens (or reuses) the DEALER socket toward the given address.
func (n *ZmqNode) Dial(address string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return ErrNodeNotRunning
	}
	if _, ok := n.dealers[address]; ok {
		return nil
	}

	dealer := zmq4.NewDealer(n.ctx, zmq4.WithID(zmq4.SocketIdentity(string(n.nodeID))))
	if err := dealer.Dial(address); err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrConnectionFailed, address, err)
	}

	n.dealers[address] = dealer
	return nil
}

// Hangup closes the DEALER socket toward the given address, if any.
func (n *ZmqNode) Hangup(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if dealer, ok := n.dealers[address]; ok {
		_ = dealer.Close()
		delete(n.dealers, address)
	}
}

// Dialed reports whether a DEALER socket toward the address exists.
func (n *ZmqNode) Dialed(address string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.dealers[address]
	return ok
}

// Send serializes and sends a message to a dialed address.
func (n *ZmqNode) Send(address string, msg *NetworkMessage) error {
	n.mu.RLock()
	if !n.running {
		n.mu.RUnlock()
		return ErrNodeNotRunning
	}
	dealer, ok := n.dealers[address]
	n.mu.RUnlock()

	if !ok {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := dealer.Send(zmq4.NewMsg(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// Messages returns the channel of inbound messages.
func (n *ZmqNode) Messages() <-chan *NetworkMessage {
	return n.msgChan
}

// receiverLoop continuously receives messages from the ROUTER socket.
func (n *ZmqNode) receiverLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		default:
			raw, err := n.router.Recv()
			if err != nil {
				select {
				case <-n.ctx.Done():
					return
				default:
					continue
				}
			}

			var msg NetworkMessage
			if err := json.Unmarshal(raw.Bytes(), &msg); err != nil {
				n.log.Debug("dropping undecodable frame", zap.Error(err))
				continue
			}

			if !n.firstDelivery(&msg) {
				continue
			}

			msg.ReceivedAt = time.Now().UnixMilli()

			// Non-blocking: drop on overflow rather than stall the socket.
			select {
			case n.msgChan <- &msg:
			default:
				n.log.Warn("inbound queue full, dropping message",
					zap.String("type", msg.Type),
					zap.String("from", string(msg.Sender)))
			}
		}
	}
}

// firstDelivery checks the replay cache and records the message ID.
func (n *ZmqNode) firstDelivery(msg *NetworkMessage) bool {
	if _, dup := n.seen.Get(msg.ID); dup {
		return false
	}
	if msg.SentAt > 0 && time.Since(time.UnixMilli(msg.SentAt)) > replayTolerance {
		return false
	}
	n.seen.Add(msg.ID, struct{}{})
	return true
}

// NodeStats contains transport-level statistics.
type NodeStats struct {
	NodeID    NodeID `json:"node_id"`
	Address   string `json:"address"`
	PeerCount int    `json:"peer_count"`
	IsRunning bool   `json:"is_running"`
	QueueSize int    `json:"queue_size"`
}

// GetStats returns current transport statistics.
func (n *ZmqNode) GetStats() NodeStats {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return NodeStats{
		NodeID:    n.nodeID,
		Address:   n.address,
		PeerCount: len(n.dealers),
		IsRunning: n.running,
		QueueSize: len(n.msgChan),
	}
}
