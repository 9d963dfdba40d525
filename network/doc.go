// Package network provides transport-agnostic P2P messaging for ChronoMesh.
// This package implements:
// - ZeroMQ transport layer
// - Transport adapter with peer connectivity events
// - Peer registry and typed message dispatch
package network
