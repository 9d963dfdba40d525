package network

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// PeerRegistry owns the canonical peer map, built solely from the transport's
// event stream. Exactly one goroutine consumes the stream; derived state is
// republished through the synchronous read API.
type PeerRegistry struct {
	peers map[NodeID]*Peer
	mu    sync.RWMutex

	wg sync.WaitGroup

	// onCount observes the peer count after every change.
	onCount func(int)

	log *zap.Logger
}

// NewPeerRegistry creates an empty registry.
func NewPeerRegistry(log *zap.Logger) *PeerRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &PeerRegistry{
		peers: make(map[NodeID]*Peer),
		log:   log,
	}
}

// SetCountHook installs the peer count observer. Must be called before Run.
func (r *PeerRegistry) SetCountHook(fn func(int)) {
	r.onCount = fn
}

// Run consumes the event stream until it is closed. Call in its own goroutine.
func (r *PeerRegistry) Run(events <-chan PeerEvent) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for ev := range events {
			r.apply(ev)
		}
	}()
}

// Wait blocks until the event stream has been fully drained.
func (r *PeerRegistry) Wait() {
	r.wg.Wait()
}

// apply folds one event into the peer map. Updates are idempotent: a
// duplicate NewPeer is a no-op, a LostPeer for an unknown id is ignored.
func (r *PeerRegistry) apply(ev PeerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() {
		if r.onCount != nil {
			r.onCount(len(r.peers))
		}
	}()

	switch ev.Type {
	case EventNewPeer:
		if p, ok := r.peers[ev.Peer]; ok && p.State == PeerConnected {
			return
		}
		r.peers[ev.Peer] = &Peer{
			ID:       ev.Peer,
			Address:  ev.Address,
			State:    PeerConnected,
			LastSeen: time.Now(),
		}
		r.log.Info("peer connected",
			zap.String("peer", string(ev.Peer)),
			zap.String("address", ev.Address))

	case EventLostPeer:
		if _, ok := r.peers[ev.Peer]; !ok {
			return
		}
		delete(r.peers, ev.Peer)
		r.log.Info("peer lost",
			zap.String("peer", string(ev.Peer)),
			zap.String("reason", ev.Reason))
	}
}

// Snapshot returns the currently Connected peer ids.
func (r *PeerRegistry) Snapshot() []NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]NodeID, 0, len(r.peers))
	for id, p := range r.peers {
		if p.State == PeerConnected {
			ids = append(ids, id)
		}
	}
	return ids
}

// Get returns a copy of the peer record, if known.
func (r *PeerRegistry) Get(id NodeID) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Touch records inbound traffic from a peer, refreshing its LastSeen.
func (r *PeerRegistry) Touch(id NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.peers[id]; ok {
		p.LastSeen = time.Now()
	}
}

// Count returns the number of known peers.
func (r *PeerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
