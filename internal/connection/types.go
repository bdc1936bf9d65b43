package connection

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected       = errors.New("not connected")
	ErrAlreadyClosed      = errors.New("already closed")
	ErrNotOpen            = errors.New("connection not open")
	ErrClosed             = errors.New("connection closed")
	ErrKeepaliveTimeout   = errors.New("keepalive timeout")
	ErrReconnectRequested = errors.New("server requested reconnect")

	// ErrPermanent marks a handshake failure that reconnecting cannot fix.
	// Auto-reconnect stops with a gave-up event.
	ErrPermanent = errors.New("permanent failure")
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Message is one read from a transport.
type Message struct {
	Data       []byte    // raw bytes as read
	ReceivedAt time.Time // local time the read returned
}
