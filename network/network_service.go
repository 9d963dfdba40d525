package network

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/VanDung-dev/ChronoMesh-Engine/api"
)

// ServiceConfig defines configuration for the network service.
type ServiceConfig struct {
	NodeID        NodeID        `json:"node_id"`
	BindAddress   string        `json:"bind_address"`
	SeedNodes     []string      `json:"seed_nodes"`
	DispatchGrace time.Duration `json:"dispatch_grace"`
}

// DefaultServiceConfig returns a configuration with sensible defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		NodeID:        "node-1",
		BindAddress:   "tcp://127.0.0.1:5555",
		SeedNodes:     []string{},
		DispatchGrace: 3 * time.Second,
	}
}

// NetworkStatus represents the current status of the network service.
type NetworkStatus struct {
	NodeID    NodeID          `json:"node_id"`
	Address   string          `json:"address"`
	IsRunning bool            `json:"is_running"`
	PeerCount int             `json:"peer_count"`
	Dispatch  DispatcherStats `json:"dispatch"`
}

// NetworkService orchestrates the transport adapter, peer registry, and
// message dispatcher, and moves inbound messages between them.
type NetworkService struct {
	config     ServiceConfig
	transport  *Transport
	registry   *PeerRegistry
	dispatcher *Dispatcher

	// inboundHook observes every inbound message sender; the heartbeat
	// scheduler uses it to reset miss counters on any traffic.
	inboundHook func(NodeID)

	metrics *api.Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup

	log *zap.Logger
}

// NewNetworkService creates a service backed by a ZeroMQ node.
func NewNetworkService(config ServiceConfig, log *zap.Logger) *NetworkService {
	if log == nil {
		log = zap.NewNop()
	}
	node := NewZmqNode(config.NodeID, config.BindAddress, log)
	return NewNetworkServiceWithLink(config, node, log)
}

// NewNetworkServiceWithLink creates a service over an explicit link.
// Tests use this with an in-process link pair.
func NewNetworkServiceWithLink(config ServiceConfig, link Link, log *zap.Logger) *NetworkService {
	if log == nil {
		log = zap.NewNop()
	}
	if config.DispatchGrace <= 0 {
		config.DispatchGrace = 3 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &NetworkService{
		config:     config,
		transport:  NewTransport(link, log),
		registry:   NewPeerRegistry(log),
		dispatcher: NewDispatcher(config.NodeID, log),
		ctx:        ctx,
		cancel:     cancel,
		log:        log,
	}
}

// Transport returns the transport adapter.
func (ns *NetworkService) Transport() *Transport { return ns.transport }

// Registry returns the peer registry.
func (ns *NetworkService) Registry() *PeerRegistry { return ns.registry }

// Dispatcher returns the message dispatcher.
func (ns *NetworkService) Dispatcher() *Dispatcher { return ns.dispatcher }

// NodeID returns the local node identifier.
func (ns *NetworkService) NodeID() NodeID { return ns.config.NodeID }

// RegisterHandler binds a message type to a handler on the dispatcher.
func (ns *NetworkService) RegisterHandler(msgType string, h Handler) error {
	return ns.dispatcher.RegisterHandler(msgType, h)
}

// SetInboundHook installs the per-message sender observer. Must be called
// before Start.
func (ns *NetworkService) SetInboundHook(hook func(NodeID)) {
	ns.inboundHook = hook
}

// SetMetrics attaches Prometheus metrics. Must be called before Start.
func (ns *NetworkService) SetMetrics(m *api.Metrics) {
	ns.metrics = m
	ns.registry.SetCountHook(func(n int) {
		m.PeersConnected.Set(float64(n))
	})
}

// Send unicasts a message to a connected peer.
func (ns *NetworkService) Send(to NodeID, msg *NetworkMessage) (MessageID, error) {
	id, err := ns.transport.Send(to, msg)
	if err == nil && ns.metrics != nil {
		ns.metrics.MessagesSent.Inc()
	}
	return id, err
}

// Broadcast sends a message to all currently connected peers.
func (ns *NetworkService) Broadcast(msg *NetworkMessage, opts *BroadcastOptions) (MessageID, error) {
	return ns.transport.Broadcast(msg, opts)
}

// Connect dials a peer by address.
func (ns *NetworkService) Connect(address string) (NodeID, error) {
	return ns.transport.Connect(address)
}

// Disconnect drops a connected peer.
func (ns *NetworkService) Disconnect(id NodeID) error {
	return ns.transport.Disconnect(id)
}

// Start initializes and starts the network service.
func (ns *NetworkService) Start() error {
	ns.mu.Lock()
	if ns.running {
		ns.mu.Unlock()
		return nil
	}

	if err := ns.transport.Start(); err != nil {
		ns.mu.Unlock()
		return err
	}
	ns.running = true
	ns.mu.Unlock()

	ns.registry.Run(ns.transport.Events())

	ns.wg.Add(2)
	go ns.recvLoop()
	go ns.replyLoop()

	// Dial seed nodes; failures are retried externally, never fatal.
	for _, seed := range ns.config.SeedNodes {
		if _, err := ns.transport.Connect(seed); err != nil {
			ns.log.Warn("seed connect failed",
				zap.String("address", seed),
				zap.Error(err))
		}
	}

	ns.log.Info("network service started",
		zap.String("node_id", string(ns.config.NodeID)),
		zap.String("address", ns.config.BindAddress))
	return nil
}

// Stop gracefully shuts down the network service.
func (ns *NetworkService) Stop() {
	ns.mu.Lock()
	if !ns.running {
		ns.mu.Unlock()
		return
	}
	ns.running = false
	ns.mu.Unlock()

	ns.dispatcher.Stop(ns.config.DispatchGrace)
	ns.transport.Stop()
	ns.registry.Wait()
	ns.cancel()
	ns.wg.Wait()

	ns.log.Info("network service stopped")
}

// IsRunning reports whether the service is started.
func (ns *NetworkService) IsRunning() bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.running
}

// GetStatus returns a point-in-time status snapshot.
func (ns *NetworkService) GetStatus() NetworkStatus {
	ns.mu.RLock()
	running := ns.running
	ns.mu.RUnlock()

	return NetworkStatus{
		NodeID:    ns.config.NodeID,
		Address:   ns.config.BindAddress,
		IsRunning: running,
		PeerCount: ns.registry.Count(),
		Dispatch:  ns.dispatcher.GetStats(),
	}
}

// recvLoop feeds inbound messages into the dispatcher, refreshing peer
// activity on the way through.
func (ns *NetworkService) recvLoop() {
	defer ns.wg.Done()

	for msg := range ns.transport.Inbound() {
		if ns.metrics != nil {
			ns.metrics.MessagesReceived.Inc()
		}
		ns.registry.Touch(msg.Sender)
		if ns.inboundHook != nil {
			ns.inboundHook(msg.Sender)
		}
		if err := ns.dispatcher.Enqueue(msg.Sender, msg); err != nil {
			ns.log.Debug("enqueue failed", zap.Error(err))
		}
	}
}

// replyLoop sends handler replies back through the transport.
func (ns *NetworkService) replyLoop() {
	defer ns.wg.Done()

	for {
		select {
		case <-ns.ctx.Done():
			return
		case reply := <-ns.dispatcher.Replies():
			if reply == nil {
				continue
			}
			if _, err := ns.transport.Send(reply.To, reply); err != nil {
				ns.log.Debug("reply send failed",
					zap.String("to", string(reply.To)),
					zap.Error(err))
			}
		}
	}
}
