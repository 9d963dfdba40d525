package network

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NodeID identifies a network participant for the lifetime of a session.
type NodeID string

// MessageID uniquely identifies a single network message.
type MessageID = uuid.UUID

// DeriveNodeID derives a stable node identifier from public key material.
func DeriveNodeID(publicKey []byte) NodeID {
	sum := sha256.Sum256(publicKey)
	return NodeID(hex.EncodeToString(sum[:20]))
}

// Well-known message types handled by the core.
const (
	TypeSystem   = "system"
	TypeTimeSync = "timesync"
	TypeChat     = "chat"
	TypeError    = "error"
)

// NetworkMessage is the transport-independent message envelope.
// The payload encoding is opaque to the core; handlers decode it.
type NetworkMessage struct {
	ID      MessageID       `json:"id"`
	Type    string          `json:"type"`
	Sender  NodeID          `json:"sender"`
	To      NodeID          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload"`

	// SentAt is the sender's wall clock in milliseconds since epoch.
	SentAt int64 `json:"sent_at"`

	// ReceivedAt is stamped locally when the message arrives off the wire.
	// It never crosses the wire.
	ReceivedAt int64 `json:"-"`
}

// NewMessage creates a message envelope with a fresh ID and timestamp.
func NewMessage(msgType string, sender NodeID, payload []byte) *NetworkMessage {
	return &NetworkMessage{
		ID:      uuid.New(),
		Type:    msgType,
		Sender:  sender,
		Payload: payload,
		SentAt:  time.Now().UnixMilli(),
	}
}

// PeerState represents the lifecycle state of a peer.
type PeerState int

const (
	PeerConnecting PeerState = iota
	PeerConnected
	PeerDisconnected
)

// String returns a human-readable state name.
func (s PeerState) String() string {
	switch s {
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Peer holds the registry's view of a network peer.
type Peer struct {
	ID       NodeID    `json:"id"`
	Address  string    `json:"address"`
	State    PeerState `json:"state"`
	LastSeen time.Time `json:"last_seen"`
}

// PeerEventType distinguishes peer arrival from peer loss.
type PeerEventType int

const (
	EventNewPeer PeerEventType = iota
	EventLostPeer
)

// PeerEvent notifies of a peer connectivity change.
type PeerEvent struct {
	Type    PeerEventType
	Peer    NodeID
	Address string
	Reason  string
}

// BroadcastOptions controls broadcast fan-out.
type BroadcastOptions struct {
	// Exclude lists peers to skip.
	Exclude []NodeID
}

// Handler processes a single inbound message and may produce a reply.
type Handler interface {
	HandleMessage(from NodeID, msg *NetworkMessage) (*NetworkMessage, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(from NodeID, msg *NetworkMessage) (*NetworkMessage, error)

// HandleMessage calls f(from, msg).
func (f HandlerFunc) HandleMessage(from NodeID, msg *NetworkMessage) (*NetworkMessage, error) {
	return f(from, msg)
}
