package transport

import (
	"errors"
)

var (
	// ErrDisconnected is returned when the remote side has closed the
	// connection, including mid-frame.
	ErrDisconnected = errors.New("transport: connection disconnected")

	// ErrListenerClosed is returned by Accept after the listener is closed.
	ErrListenerClosed = errors.New("transport: listener closed")

	// ErrUnsupportedEndpoint is returned by Connect and Listen when the
	// endpoint scheme does not belong to the transport.
	ErrUnsupportedEndpoint = errors.New("transport: unsupported endpoint")
)

// Connection is a bidirectional, message-oriented link to a single remote
// node. Messages are framed with a 4-byte big-endian length prefix followed by
// that many raw bytes.
//
// Send and Recv are safe for use by one writer and one reader concurrently.
type Connection interface {
	// Send writes one framed message. It blocks until the full frame has
	// been handed to the underlying stream.
	Send(payload []byte) error

	// Recv reads the next framed message. It blocks until a full frame is
	// available. A remote close mid-frame returns ErrDisconnected.
	Recv() ([]byte, error)

	// Endpoint returns the remote endpoint this connection is bound to.
	Endpoint() string

	// PeerID returns the remote node's identity, established during the
	// connection handshake.
	PeerID() string

	Close() error
}

// Listener accepts inbound connections on a bound endpoint.
type Listener interface {
	Accept() (Connection, error)

	// Endpoint returns the concrete endpoint the listener is bound to. This
	// may differ from the requested endpoint, eg. when binding port 0.
	Endpoint() string

	Close() error
}

// Transport creates outbound connections and listeners for endpoints of a
// given scheme, eg. tcp://host:port.
type Transport interface {
	Connect(endpoint string) (Connection, error)
	Listen(endpoint string) (Listener, error)

	// Accepts reports whether the endpoint's scheme belongs to this
	// transport.
	Accepts(endpoint string) bool
}
