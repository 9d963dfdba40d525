// Package timesync implements NTP-style clock synchronization between
// connected peers.
//
// The package provides:
//   - Engine: four-timestamp offset/delay measurement with per-request
//     deadline tracking
//   - Scheduler: periodic heartbeat probes with miss-count based peer
//     loss detection
//   - StatsAggregator: sliding-window offset, delay, and jitter
//     statistics per peer
//
// Each sync exchange carries four timestamps. The client stamps T1 when
// the request leaves, the server stamps T2 on receipt and T3 when the
// response leaves, and the client stamps T4 on receipt. Offset and
// round-trip delay follow the standard NTP formulas. Samples with a
// negative computed delay and responses that match no outstanding
// request are discarded.
package timesync
