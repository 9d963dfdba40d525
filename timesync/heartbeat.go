package timesync

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/VanDung-dev/ChronoMesh-Engine/api"
	"github.com/VanDung-dev/ChronoMesh-Engine/network"
)

// Disconnector drops a peer connection with a loss reason.
type Disconnector interface {
	DisconnectWithReason(id network.NodeID, reason string) error
}

// HeartbeatConfig holds liveness probing settings.
type HeartbeatConfig struct {
	// Interval between probes, measured on a monotonic clock.
	Interval time.Duration
	// MissThreshold is the consecutive missed-tick count that declares a
	// peer lost.
	MissThreshold int
}

// DefaultHeartbeatConfig returns heartbeat settings with sensible defaults.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:      2 * time.Second,
		MissThreshold: 3,
	}
}

// HeartbeatRecord is the liveness bookkeeping for one peer.
type HeartbeatRecord struct {
	Peer        network.NodeID `json:"peer"`
	MissedCount int            `json:"missed_count"`
	LastAckAt   time.Time      `json:"last_ack_at"`
	Sequence    uint64         `json:"sequence"`
}

// Scheduler probes every connected peer at a fixed interval and declares a
// peer lost after MissThreshold consecutive ticks without inbound traffic.
// Any inbound message from a peer resets its miss counter, not only
// heartbeat acks. The interval runs on a monotonic clock so wall-clock
// adjustments made while synchronizing never perturb the schedule.
type Scheduler struct {
	nodeID     network.NodeID
	sender     Sender
	peers      PeerLister
	disconnect Disconnector
	config     HeartbeatConfig
	clk        clock.Clock

	records map[network.NodeID]*HeartbeatRecord
	mu      sync.Mutex

	// onLost notifies interested collaborators after the disconnection
	// path has fired.
	onLost func(network.NodeID)

	metrics *api.Metrics

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	runMu   sync.RWMutex
	wg      sync.WaitGroup

	log *zap.Logger
}

// NewScheduler creates a heartbeat scheduler.
func NewScheduler(nodeID network.NodeID, sender Sender, peers PeerLister, disconnect Disconnector, config HeartbeatConfig, clk clock.Clock, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	if config.Interval <= 0 {
		config.Interval = 2 * time.Second
	}
	if config.MissThreshold <= 0 {
		config.MissThreshold = 3
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		nodeID:     nodeID,
		sender:     sender,
		peers:      peers,
		disconnect: disconnect,
		config:     config,
		clk:        clk,
		records:    make(map[network.NodeID]*HeartbeatRecord),
		ctx:        ctx,
		cancel:     cancel,
		log:        log,
	}
}

// SetMetrics attaches Prometheus metrics. Must be called before Start.
func (s *Scheduler) SetMetrics(m *api.Metrics) { s.metrics = m }

// SetLostFunc installs the peer-lost notification callback. Must be called
// before Start.
func (s *Scheduler) SetLostFunc(fn func(network.NodeID)) { s.onLost = fn }

// MarkActivity records inbound traffic from a peer, resetting its miss
// counter. The network service calls this for every inbound message.
func (s *Scheduler) MarkActivity(peer network.NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[peer]
	if !ok {
		rec = &HeartbeatRecord{Peer: peer}
		s.records[peer] = rec
	}
	rec.MissedCount = 0
	rec.LastAckAt = s.clk.Now()
}

// Record returns the heartbeat record for a peer, if tracked.
func (s *Scheduler) Record(peer network.NodeID) (HeartbeatRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[peer]
	if !ok {
		return HeartbeatRecord{}, false
	}
	return *rec, true
}

// Start begins the probe schedule.
func (s *Scheduler) Start() {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return
	}
	s.running = true
	s.runMu.Unlock()

	s.wg.Add(1)
	go s.loop()
}

// Stop cancels the probe schedule.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	s.runMu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := s.clk.Ticker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick advances every tracked peer's miss counter, probes the live ones,
// and disconnects the ones that crossed the threshold.
func (s *Scheduler) tick() {
	connected := s.peers.Snapshot()

	var probe, lost []network.NodeID

	s.mu.Lock()
	current := make(map[network.NodeID]bool, len(connected))
	for _, peer := range connected {
		current[peer] = true

		rec, ok := s.records[peer]
		if !ok {
			rec = &HeartbeatRecord{Peer: peer, LastAckAt: s.clk.Now()}
			s.records[peer] = rec
			probe = append(probe, peer)
			continue
		}

		rec.MissedCount++
		if rec.MissedCount >= s.config.MissThreshold {
			// Drop the record so the disconnection path fires exactly
			// once even if the peer lingers in a later snapshot.
			delete(s.records, peer)
			lost = append(lost, peer)
			continue
		}
		probe = append(probe, peer)
	}

	// Forget peers that left the registry through other paths.
	for peer := range s.records {
		if !current[peer] {
			delete(s.records, peer)
		}
	}
	s.mu.Unlock()

	for _, peer := range probe {
		s.sendProbe(peer)
	}
	for _, peer := range lost {
		s.declareLost(peer)
	}
}

// sendProbe sends one liveness probe with the peer's next sequence number.
func (s *Scheduler) sendProbe(peer network.NodeID) {
	s.mu.Lock()
	rec, ok := s.records[peer]
	if !ok {
		s.mu.Unlock()
		return
	}
	rec.Sequence++
	seq := rec.Sequence
	s.mu.Unlock()

	msg, err := SyncPayload{
		Kind:      KindHeartbeat,
		Sequence:  seq,
		Timestamp: s.clk.Now().UnixMilli(),
	}.Encode(s.nodeID)
	if err != nil {
		s.log.Warn("failed to encode heartbeat", zap.Error(err))
		return
	}

	if _, err := s.sender.Send(peer, msg); err != nil {
		s.log.Debug("heartbeat send failed",
			zap.String("peer", string(peer)),
			zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.HeartbeatProbes.Inc()
	}
}

// declareLost runs the disconnection path for a peer that missed too many
// consecutive ticks.
func (s *Scheduler) declareLost(peer network.NodeID) {
	s.log.Info("peer missed heartbeat threshold",
		zap.String("peer", string(peer)),
		zap.Int("threshold", s.config.MissThreshold))

	if err := s.disconnect.DisconnectWithReason(peer, "heartbeat timeout"); err != nil {
		s.log.Debug("disconnect failed",
			zap.String("peer", string(peer)),
			zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.PeersLost.Inc()
	}
	if s.onLost != nil {
		s.onLost(peer)
	}
}
