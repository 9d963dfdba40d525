package network

import "errors"

// Connection errors, surfaced to callers of Connect/Send and subject to
// externally-driven retry. Never fatal to the process.
var (
	ErrNodeNotRunning   = errors.New("node is not running")
	ErrConnectionFailed = errors.New("connection failed")
	ErrTimeout          = errors.New("operation timed out")
	ErrNotConnected     = errors.New("peer is not connected")
	ErrAlreadyConnected = errors.New("peer is already connected")
	ErrSendFailed       = errors.New("failed to send message")
)

// Dispatch errors. Handler failures are converted into error replies and do
// not surface here.
var (
	ErrUnknownMessageType    = errors.New("no handler registered for message type")
	ErrDuplicateRegistration = errors.New("handler already registered for message type")
	ErrDispatcherStopped     = errors.New("dispatcher is stopped")
)
