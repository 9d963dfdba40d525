package timesync

import (
	"math"
	"sync"
	"time"

	"github.com/VanDung-dev/ChronoMesh-Engine/network"
)

// SyncSample is one accepted offset/delay measurement for a peer.
type SyncSample struct {
	Peer       network.NodeID `json:"peer"`
	OffsetMs   float64        `json:"offset_ms"`
	DelayMs    float64        `json:"delay_ms"`
	ObservedAt time.Time      `json:"observed_at"`
}

// SyncStatistics summarizes the current rolling window for one peer.
type SyncStatistics struct {
	Samples     int     `json:"samples"`
	MeanOffset  float64 `json:"mean_offset_ms"`
	MeanDelay   float64 `json:"mean_delay_ms"`
	JitterMs    float64 `json:"jitter_ms"`
	LastUpdated int64   `json:"last_updated_ms"`
}

// window is a fixed-capacity FIFO ring of samples.
type window struct {
	samples []SyncSample
	next    int
	count   int
}

func (w *window) push(s SyncSample) {
	w.samples[w.next] = s
	w.next = (w.next + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
}

// StatsAggregator maintains per-peer rolling windows of sync samples.
// On overflow the oldest sample is evicted.
type StatsAggregator struct {
	windowSize int
	windows    map[network.NodeID]*window
	mu         sync.RWMutex
}

// NewStatsAggregator creates an aggregator with the given window size K.
func NewStatsAggregator(windowSize int) *StatsAggregator {
	if windowSize <= 0 {
		windowSize = 16
	}
	return &StatsAggregator{
		windowSize: windowSize,
		windows:    make(map[network.NodeID]*window),
	}
}

// Record appends a sample to the peer's window.
func (a *StatsAggregator) Record(s SyncSample) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.windows[s.Peer]
	if !ok {
		w = &window{samples: make([]SyncSample, a.windowSize)}
		a.windows[s.Peer] = w
	}
	w.push(s)
}

// Remove drops the peer's window, typically after the peer is lost.
func (a *StatsAggregator) Remove(peer network.NodeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.windows, peer)
}

// Snapshot computes statistics over the peer's current window. A peer with
// no samples yields the zero statistics value, never an error.
func (a *StatsAggregator) Snapshot(peer network.NodeID) SyncStatistics {
	a.mu.RLock()
	defer a.mu.RUnlock()

	w, ok := a.windows[peer]
	if !ok || w.count == 0 {
		return SyncStatistics{}
	}

	var sumOffset, sumDelay float64
	var last time.Time
	for i := 0; i < w.count; i++ {
		s := w.samples[i]
		sumOffset += s.OffsetMs
		sumDelay += s.DelayMs
		if s.ObservedAt.After(last) {
			last = s.ObservedAt
		}
	}
	n := float64(w.count)
	meanOffset := sumOffset / n
	meanDelay := sumDelay / n

	// Jitter as mean absolute deviation of delay.
	var dev float64
	for i := 0; i < w.count; i++ {
		dev += math.Abs(w.samples[i].DelayMs - meanDelay)
	}

	return SyncStatistics{
		Samples:     w.count,
		MeanOffset:  meanOffset,
		MeanDelay:   meanDelay,
		JitterMs:    dev / n,
		LastUpdated: last.UnixMilli(),
	}
}

// Peers returns the peers that currently have at least one sample.
func (a *StatsAggregator) Peers() []network.NodeID {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]network.NodeID, 0, len(a.windows))
	for id := range a.windows {
		ids = append(ids, id)
	}
	return ids
}
