package connection

import "context"

// Transport is a single network link. A Transport is used for one
// connection; reconnecting creates a new one.
type Transport interface {
	// Connect dials the remote end.
	Connect(ctx context.Context) error

	// Close tears the link down. It does not wait for the read goroutine.
	Close() error

	// Send writes one frame.
	Send(data []byte) error

	// Messages returns reads in arrival order.
	Messages() <-chan Message

	// Errors receives at most one read error.
	Errors() <-chan error

	// IsConnected reports whether the link is up.
	IsConnected() bool
}

// TransportFactory creates a fresh, unconnected Transport.
type TransportFactory func() Transport
