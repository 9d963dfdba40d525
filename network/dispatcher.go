package network

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const peerQueueSize = 128

// errorPayload is the payload of TypeError replies produced when a handler
// fails or panics.
type errorPayload struct {
	RequestID MessageID `json:"request_id"`
	Type      string    `json:"type"`
	Error     string    `json:"error"`
}

// Dispatcher routes inbound messages to the handler registered for their
// type. Messages from different peers dispatch concurrently; messages from
// the same peer are delivered in arrival order, one in flight at a time.
type Dispatcher struct {
	nodeID NodeID

	handlers   map[string]Handler
	handlersMu sync.RWMutex

	queues   map[NodeID]chan *NetworkMessage
	queuesMu sync.Mutex

	// Replies produced by queued dispatches, consumed by the service.
	replies chan *NetworkMessage

	// Atomic counters for thread-safe statistics
	dispatched int64
	failed     int64
	unknown    int64

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
	wg      sync.WaitGroup

	log *zap.Logger
}

// NewDispatcher creates a dispatcher for the given local node.
func NewDispatcher(nodeID NodeID, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		nodeID:   nodeID,
		handlers: make(map[string]Handler),
		queues:   make(map[NodeID]chan *NetworkMessage),
		replies:  make(chan *NetworkMessage, inboundQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		running:  true,
		log:      log,
	}
}

// RegisterHandler binds a message type to a handler. Binding an already
// bound type fails and leaves the existing binding untouched.
func (d *Dispatcher) RegisterHandler(msgType string, h Handler) error {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()

	if _, bound := d.handlers[msgType]; bound {
		return ErrDuplicateRegistration
	}
	d.handlers[msgType] = h
	return nil
}

// Dispatch looks up the handler for the message type and invokes it.
// A handler error or panic is converted into an error-carrying reply
// rather than propagated as a fault; only an unregistered type is an error.
func (d *Dispatcher) Dispatch(from NodeID, msg *NetworkMessage) (*NetworkMessage, error) {
	d.handlersMu.RLock()
	h, ok := d.handlers[msg.Type]
	d.handlersMu.RUnlock()

	if !ok {
		atomic.AddInt64(&d.unknown, 1)
		return nil, ErrUnknownMessageType
	}

	reply, err := d.invoke(h, from, msg)
	atomic.AddInt64(&d.dispatched, 1)
	if err != nil {
		atomic.AddInt64(&d.failed, 1)
		d.log.Warn("handler failed",
			zap.String("type", msg.Type),
			zap.String("from", string(from)),
			zap.Error(err))
		return d.errorReply(msg, err), nil
	}
	return reply, nil
}

// invoke runs the handler with panic recovery so one misbehaving handler
// cannot take down the dispatch loop.
func (d *Dispatcher) invoke(h Handler, from NodeID, msg *NetworkMessage) (reply *NetworkMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply = nil
			err = &handlerPanic{value: r}
		}
	}()
	return h.HandleMessage(from, msg)
}

// Enqueue queues a message on the sender's ordered queue. The first message
// from a peer lazily starts its dispatch worker.
func (d *Dispatcher) Enqueue(from NodeID, msg *NetworkMessage) error {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if !running {
		return ErrDispatcherStopped
	}

	q := d.queue(from)
	select {
	case q <- msg:
		return nil
	default:
		d.log.Warn("peer dispatch queue full, dropping message",
			zap.String("from", string(from)),
			zap.String("type", msg.Type))
		return nil
	}
}

// Replies returns the stream of replies produced by queued dispatches.
func (d *Dispatcher) Replies() <-chan *NetworkMessage { return d.replies }

// queue returns the peer's queue, creating it and its worker on first use.
func (d *Dispatcher) queue(from NodeID) chan *NetworkMessage {
	d.queuesMu.Lock()
	defer d.queuesMu.Unlock()

	q, ok := d.queues[from]
	if !ok {
		q = make(chan *NetworkMessage, peerQueueSize)
		d.queues[from] = q
		d.wg.Add(1)
		go d.peerWorker(from, q)
	}
	return q
}

// peerWorker drains one peer's queue, keeping a single dispatch in flight.
func (d *Dispatcher) peerWorker(from NodeID, q chan *NetworkMessage) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case msg := <-q:
			reply, err := d.Dispatch(from, msg)
			if err != nil {
				d.log.Debug("message not dispatched",
					zap.String("type", msg.Type),
					zap.String("from", string(from)),
					zap.Error(err))
				continue
			}
			if reply == nil {
				continue
			}
			reply.To = from
			select {
			case d.replies <- reply:
			case <-d.ctx.Done():
				return
			}
		}
	}
}

// errorReply wraps a handler failure in a TypeError message.
func (d *Dispatcher) errorReply(msg *NetworkMessage, err error) *NetworkMessage {
	payload, marshalErr := json.Marshal(errorPayload{
		RequestID: msg.ID,
		Type:      msg.Type,
		Error:     err.Error(),
	})
	if marshalErr != nil {
		return nil
	}
	return NewMessage(TypeError, d.nodeID, payload)
}

// Stop stops accepting messages and gives in-flight handlers a bounded
// grace period before abandoning them.
func (d *Dispatcher) Stop(grace time.Duration) {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		d.log.Warn("dispatcher stopped with handlers still in flight")
	}
}

// DispatcherStats contains dispatch statistics.
type DispatcherStats struct {
	Dispatched int64 `json:"dispatched"`
	Failed     int64 `json:"failed"`
	Unknown    int64 `json:"unknown"`
	PeerQueues int   `json:"peer_queues"`
}

// GetStats returns current dispatch statistics.
func (d *Dispatcher) GetStats() DispatcherStats {
	d.queuesMu.Lock()
	queues := len(d.queues)
	d.queuesMu.Unlock()

	return DispatcherStats{
		Dispatched: atomic.LoadInt64(&d.dispatched),
		Failed:     atomic.LoadInt64(&d.failed),
		Unknown:    atomic.LoadInt64(&d.unknown),
		PeerQueues: queues,
	}
}

// handlerPanic adapts a recovered panic value to the error interface.
type handlerPanic struct {
	value interface{}
}

func (p *handlerPanic) Error() string {
	switch v := p.value.(type) {
	case string:
		return "handler panic: " + v
	case error:
		return "handler panic: " + v.Error()
	default:
		return "handler panic"
	}
}
