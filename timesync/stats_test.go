package timesync

import (
	"testing"
	"time"
)

func sampleAt(delay float64, at time.Time) SyncSample {
	return SyncSample{Peer: "peer-b", OffsetMs: delay / 2, DelayMs: delay, ObservedAt: at}
}

func TestStatsEmptyPeerYieldsZero(t *testing.T) {
	a := NewStatsAggregator(4)

	snap := a.Snapshot("stranger")
	if snap.Samples != 0 || snap.MeanOffset != 0 || snap.JitterMs != 0 {
		t.Errorf("Expected zero statistics, got %+v", snap)
	}
}

func TestStatsWindowEvictsOldest(t *testing.T) {
	a := NewStatsAggregator(4)
	base := time.Unix(1000, 0)

	for i := 1; i <= 6; i++ {
		a.Record(sampleAt(float64(i), base.Add(time.Duration(i)*time.Second)))
	}

	snap := a.Snapshot("peer-b")
	if snap.Samples != 4 {
		t.Fatalf("Expected window of 4, got %d", snap.Samples)
	}
	// Delays 3, 4, 5, 6 remain after the two oldest are evicted.
	if snap.MeanDelay != 4.5 {
		t.Errorf("Expected mean delay 4.5, got %f", snap.MeanDelay)
	}
	if want := base.Add(6 * time.Second).UnixMilli(); snap.LastUpdated != want {
		t.Errorf("Expected last updated %d, got %d", want, snap.LastUpdated)
	}
}

func TestStatsJitterIsMeanAbsoluteDeviation(t *testing.T) {
	a := NewStatsAggregator(8)
	base := time.Unix(1000, 0)

	a.Record(sampleAt(10, base))
	a.Record(sampleAt(20, base.Add(time.Second)))

	snap := a.Snapshot("peer-b")
	if snap.MeanDelay != 15 {
		t.Errorf("Expected mean delay 15, got %f", snap.MeanDelay)
	}
	if snap.JitterMs != 5 {
		t.Errorf("Expected jitter 5, got %f", snap.JitterMs)
	}
}

func TestStatsRemovePeer(t *testing.T) {
	a := NewStatsAggregator(4)

	a.Record(sampleAt(10, time.Unix(1000, 0)))
	if len(a.Peers()) != 1 {
		t.Fatal("Expected one tracked peer")
	}

	a.Remove("peer-b")
	if len(a.Peers()) != 0 {
		t.Error("Expected no tracked peers after Remove")
	}
	if snap := a.Snapshot("peer-b"); snap.Samples != 0 {
		t.Errorf("Expected zero statistics after Remove, got %d samples", snap.Samples)
	}
}

func TestStatsMeanOffsetAveragesWindow(t *testing.T) {
	a := NewStatsAggregator(4)
	base := time.Unix(1000, 0)

	a.Record(SyncSample{Peer: "peer-b", OffsetMs: -2, DelayMs: 8, ObservedAt: base})
	a.Record(SyncSample{Peer: "peer-b", OffsetMs: 4, DelayMs: 12, ObservedAt: base.Add(time.Second)})

	snap := a.Snapshot("peer-b")
	if snap.MeanOffset != 1 {
		t.Errorf("Expected mean offset 1, got %f", snap.MeanOffset)
	}
}
