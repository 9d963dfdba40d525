package timesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VanDung-dev/ChronoMesh-Engine/api"
	"github.com/VanDung-dev/ChronoMesh-Engine/network"
)

// Sender unicasts messages to connected peers.
type Sender interface {
	Send(to network.NodeID, msg *network.NetworkMessage) (network.MessageID, error)
}

// PeerLister returns the currently connected peer set.
type PeerLister interface {
	Snapshot() []network.NodeID
}

// EngineConfig holds time synchronization engine settings.
type EngineConfig struct {
	// SyncInterval is how often every connected peer is probed.
	SyncInterval time.Duration
	// SyncTimeout is how long an outstanding request waits for its response.
	SyncTimeout time.Duration
	// MaxClockSkew bounds the accepted distance between a request's client
	// timestamp and the local clock.
	MaxClockSkew time.Duration
}

// DefaultEngineConfig returns engine settings with sensible defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		SyncInterval: 10 * time.Second,
		SyncTimeout:  5 * time.Second,
		MaxClockSkew: time.Hour,
	}
}

// pendingRequest is one outstanding sync request awaiting its response.
type pendingRequest struct {
	peer  network.NodeID
	t1    int64
	timer *clock.Timer
}

// EngineStats counts the engine's protocol outcomes.
type EngineStats struct {
	RequestsSent    int64 `json:"requests_sent"`
	SamplesAccepted int64 `json:"samples_accepted"`
	Timeouts        int64 `json:"timeouts"`
	Mismatched      int64 `json:"mismatched"`
	NegativeDelay   int64 `json:"negative_delay"`
	Retries         int64 `json:"retries"`
	Outstanding     int   `json:"outstanding"`
}

// Engine implements the four-timestamp clock synchronization exchange.
//
// As a client it issues SyncRequests to every connected peer on a fixed
// schedule, matches responses against an outstanding-request table with
// per-request deadline timers, and pushes accepted samples to the
// StatsAggregator. As a server it answers SyncRequests with receive and
// transmit timestamps. It also answers heartbeat probes; it is the single
// handler bound to the timesync message type.
type Engine struct {
	nodeID network.NodeID
	sender Sender
	peers  PeerLister
	stats  *StatsAggregator
	config EngineConfig
	clk    clock.Clock

	outstanding map[uuid.UUID]*pendingRequest
	counters    EngineStats
	mu          sync.Mutex

	metrics *api.Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	runMu   sync.RWMutex
	wg      sync.WaitGroup

	log *zap.Logger
}

// NewEngine creates a synchronization engine. The clock is injectable so
// tests can drive timers deterministically.
func NewEngine(nodeID network.NodeID, sender Sender, peers PeerLister, stats *StatsAggregator, config EngineConfig, clk clock.Clock, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = 10 * time.Second
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = 5 * time.Second
	}
	if config.MaxClockSkew <= 0 {
		config.MaxClockSkew = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		nodeID:      nodeID,
		sender:      sender,
		peers:       peers,
		stats:       stats,
		config:      config,
		clk:         clk,
		outstanding: make(map[uuid.UUID]*pendingRequest),
		ctx:         ctx,
		cancel:      cancel,
		log:         log,
	}
}

// SetMetrics attaches Prometheus metrics. Must be called before Start.
func (e *Engine) SetMetrics(m *api.Metrics) { e.metrics = m }

// Start begins the periodic sync schedule.
func (e *Engine) Start() {
	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return
	}
	e.running = true
	e.runMu.Unlock()

	e.wg.Add(1)
	go e.syncLoop()
}

// Stop cancels the schedule and every outstanding request. No partial
// sample is recorded for a cancelled request.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.running = false
	e.runMu.Unlock()

	e.cancel()

	e.mu.Lock()
	for id, p := range e.outstanding {
		p.timer.Stop()
		delete(e.outstanding, id)
	}
	e.mu.Unlock()

	e.wg.Wait()
}

// syncLoop probes every connected peer once per interval.
func (e *Engine) syncLoop() {
	defer e.wg.Done()

	ticker := e.clk.Ticker(e.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			for _, peer := range e.peers.Snapshot() {
				if _, err := e.RequestSync(peer); err != nil {
					e.log.Debug("sync request failed",
						zap.String("peer", string(peer)),
						zap.Error(err))
				}
			}
		}
	}
}

// RequestSync sends one sync request to the peer and registers it in the
// outstanding table with a deadline timer.
func (e *Engine) RequestSync(peer network.NodeID) (uuid.UUID, error) {
	id := uuid.New()
	t1 := e.clk.Now().UnixMilli()

	msg, err := SyncPayload{
		Kind:             KindSyncRequest,
		RequestID:        id,
		ClientTransmitTS: uint64(t1),
	}.Encode(e.nodeID)
	if err != nil {
		return uuid.Nil, err
	}

	e.mu.Lock()
	e.outstanding[id] = &pendingRequest{
		peer:  peer,
		t1:    t1,
		timer: e.clk.AfterFunc(e.config.SyncTimeout, func() { e.expire(id) }),
	}
	e.counters.RequestsSent++
	e.mu.Unlock()

	if _, err := e.sender.Send(peer, msg); err != nil {
		e.mu.Lock()
		if p, ok := e.outstanding[id]; ok {
			p.timer.Stop()
			delete(e.outstanding, id)
			e.counters.RequestsSent--
		}
		e.mu.Unlock()
		return uuid.Nil, err
	}
	return id, nil
}

// expire abandons an unanswered request: it is discarded, the retry counter
// increments, and no sample is produced.
func (e *Engine) expire(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.outstanding[id]; !ok {
		return
	}
	delete(e.outstanding, id)
	e.counters.Timeouts++
	e.counters.Retries++

	if e.metrics != nil {
		e.metrics.SyncSamplesRejected.WithLabelValues("timeout").Inc()
	}
}

// HandleMessage routes timesync payloads. It implements network.Handler.
func (e *Engine) HandleMessage(from network.NodeID, msg *network.NetworkMessage) (*network.NetworkMessage, error) {
	p, err := DecodePayload(msg)
	if err != nil {
		return nil, err
	}

	switch p.Kind {
	case KindSyncRequest:
		return e.answerSyncRequest(from, msg, p)
	case KindSyncResponse:
		e.applySyncResponse(from, msg, p)
		return nil, nil
	case KindHeartbeat:
		reply, err := SyncPayload{
			Kind:      KindHeartbeatAck,
			Sequence:  p.Sequence,
			Timestamp: e.clk.Now().UnixMilli(),
		}.Encode(e.nodeID)
		if err != nil {
			return nil, err
		}
		return reply, nil
	case KindHeartbeatAck:
		// Activity tracking already reset the peer's miss counter.
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown timesync payload kind %q", p.Kind)
	}
}

// answerSyncRequest stamps the server receive and transmit timestamps.
func (e *Engine) answerSyncRequest(from network.NodeID, msg *network.NetworkMessage, p SyncPayload) (*network.NetworkMessage, error) {
	now := e.clk.Now().UnixMilli()

	skew := now - int64(p.ClientTransmitTS)
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Millisecond > e.config.MaxClockSkew {
		return nil, fmt.Errorf("client timestamp %d outside accepted skew", p.ClientTransmitTS)
	}

	t2 := msg.ReceivedAt
	if t2 == 0 {
		t2 = now
	}

	reply, err := SyncPayload{
		Kind:             KindSyncResponse,
		RequestID:        p.RequestID,
		ClientTransmitTS: p.ClientTransmitTS,
		ServerReceiveTS:  uint64(t2),
		ServerTransmitTS: uint64(e.clk.Now().UnixMilli()),
	}.Encode(e.nodeID)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// applySyncResponse matches a response against the outstanding table and,
// if it matches, computes the offset/delay sample.
func (e *Engine) applySyncResponse(from network.NodeID, msg *network.NetworkMessage, p SyncPayload) {
	t4 := msg.ReceivedAt
	if t4 == 0 {
		t4 = e.clk.Now().UnixMilli()
	}

	e.mu.Lock()
	pending, ok := e.outstanding[p.RequestID]
	if ok && pending.peer != from {
		ok = false
	}
	if !ok {
		// Unmatched or late response: discarded, never applied.
		e.counters.Mismatched++
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.SyncSamplesRejected.WithLabelValues("mismatched").Inc()
		}
		return
	}
	delete(e.outstanding, p.RequestID)
	pending.timer.Stop()

	t1 := pending.t1
	t2 := int64(p.ServerReceiveTS)
	t3 := int64(p.ServerTransmitTS)

	offset := (float64(t2-t1) + float64(t3-t4)) / 2
	delay := (t4 - t1) - (t3 - t2)

	if delay < 0 {
		// Inconsistent clock read; reject rather than average in.
		e.counters.NegativeDelay++
		e.mu.Unlock()
		if e.metrics != nil {
			e.metrics.SyncSamplesRejected.WithLabelValues("negative_delay").Inc()
		}
		e.log.Warn("rejecting sample with negative delay",
			zap.String("peer", string(from)),
			zap.Int64("delay_ms", delay))
		return
	}

	e.counters.SamplesAccepted++
	e.mu.Unlock()

	sample := SyncSample{
		Peer:       from,
		OffsetMs:   offset,
		DelayMs:    float64(delay),
		ObservedAt: e.clk.Now(),
	}
	e.stats.Record(sample)

	if e.metrics != nil {
		e.metrics.SyncSamplesAccepted.Inc()
		e.metrics.SyncOffsetMs.WithLabelValues(string(from)).Set(offset)
		e.metrics.SyncDelayMs.Observe(float64(delay))
	}

	e.log.Debug("sync sample accepted",
		zap.String("peer", string(from)),
		zap.Float64("offset_ms", offset),
		zap.Int64("delay_ms", delay))
}

// GetStats returns a snapshot of the engine's protocol counters.
func (e *Engine) GetStats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := e.counters
	stats.Outstanding = len(e.outstanding)
	return stats
}
