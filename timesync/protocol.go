package timesync

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/VanDung-dev/ChronoMesh-Engine/network"
)

// Payload kinds carried inside TypeTimeSync messages.
const (
	KindSyncRequest  = "sync_request"
	KindSyncResponse = "sync_response"
	KindHeartbeat    = "heartbeat"
	KindHeartbeatAck = "heartbeat_ack"
)

// SyncPayload is the wire payload for all time synchronization traffic.
// Timestamps are milliseconds since the Unix epoch.
type SyncPayload struct {
	Kind      string    `json:"kind"`
	RequestID uuid.UUID `json:"request_id,omitempty"`

	// Four-timestamp exchange fields.
	ClientTransmitTS uint64 `json:"client_transmit_ts,omitempty"` // T1
	ServerReceiveTS  uint64 `json:"server_receive_ts,omitempty"`  // T2
	ServerTransmitTS uint64 `json:"server_transmit_ts,omitempty"` // T3

	// Heartbeat fields.
	Sequence  uint64 `json:"sequence,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Encode wraps the payload in a TypeTimeSync network message.
func (p SyncPayload) Encode(sender network.NodeID) (*network.NetworkMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sync payload: %w", err)
	}
	return network.NewMessage(network.TypeTimeSync, sender, data), nil
}

// DecodePayload extracts a SyncPayload from a network message.
func DecodePayload(msg *network.NetworkMessage) (SyncPayload, error) {
	var p SyncPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return SyncPayload{}, fmt.Errorf("failed to unmarshal sync payload: %w", err)
	}
	return p, nil
}
