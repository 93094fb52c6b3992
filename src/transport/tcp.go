package transport

import (
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

const tcpScheme = "tcp://"

// maximum frame size accepted from the wire; a larger header is treated as a
// protocol violation rather than an allocation request
const maxFrameSize = 1 << 26

// TCPTransport implements Transport over plain TCP connections. Every
// connection performs an identity handshake: each side writes its own id as
// the first frame and reads the remote's id before the connection is handed
// to the caller.
type TCPTransport struct {
	localID     string
	dialTimeout time.Duration
}

// NewTCPTransport creates a TCPTransport that advertises localID during
// handshakes and applies dialTimeout to outbound connection attempts.
func NewTCPTransport(localID string, dialTimeout time.Duration) *TCPTransport {
	return &TCPTransport{
		localID:     localID,
		dialTimeout: dialTimeout,
	}
}

// Accepts implements the Transport interface.
func (t *TCPTransport) Accepts(endpoint string) bool {
	return strings.HasPrefix(endpoint, tcpScheme)
}

// Connect implements the Transport interface.
func (t *TCPTransport) Connect(endpoint string) (Connection, error) {
	if !t.Accepts(endpoint) {
		return nil, ErrUnsupportedEndpoint
	}

	address := strings.TrimPrefix(endpoint, tcpScheme)

	conn, err := net.DialTimeout("tcp", address, t.dialTimeout)
	if err != nil {
		return nil, err
	}

	framed := newFramedConn(conn, endpoint)

	if err := framed.handshake(t.localID); err != nil {
		conn.Close()
		return nil, err
	}

	return framed, nil
}

// Listen implements the Transport interface.
func (t *TCPTransport) Listen(endpoint string) (Listener, error) {
	if !t.Accepts(endpoint) {
		return nil, ErrUnsupportedEndpoint
	}

	address := strings.TrimPrefix(endpoint, tcpScheme)

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}

	return &tcpListener{
		localID:  t.localID,
		listener: ln,
	}, nil
}

type tcpListener struct {
	localID  string
	listener net.Listener
}

func (l *tcpListener) Accept() (Connection, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, ErrListenerClosed
	}

	framed := newFramedConn(conn, tcpScheme+conn.RemoteAddr().String())

	if err := framed.handshake(l.localID); err != nil {
		conn.Close()
		return nil, err
	}

	return framed, nil
}

func (l *tcpListener) Endpoint() string {
	return tcpScheme + l.listener.Addr().String()
}

func (l *tcpListener) Close() error {
	return l.listener.Close()
}

// framedConn wraps a net.Conn with 4-byte big-endian length-prefix framing.
type framedConn struct {
	conn     net.Conn
	endpoint string
	peerID   string

	sendLock sync.Mutex
	recvLock sync.Mutex
}

func newFramedConn(conn net.Conn, endpoint string) *framedConn {
	return &framedConn{
		conn:     conn,
		endpoint: endpoint,
	}
}

// handshake exchanges identity frames. Both sides write first, then read, so
// neither blocks on the other's read.
func (c *framedConn) handshake(localID string) error {
	if err := c.Send([]byte(localID)); err != nil {
		return err
	}

	remote, err := c.Recv()
	if err != nil {
		return err
	}

	c.peerID = string(remote)

	return nil
}

func (c *framedConn) Send(payload []byte) error {
	c.sendLock.Lock()
	defer c.sendLock.Unlock()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	if _, err := c.conn.Write(header[:]); err != nil {
		return ErrDisconnected
	}
	if _, err := c.conn.Write(payload); err != nil {
		return ErrDisconnected
	}

	return nil
}

func (c *framedConn) Recv() ([]byte, error) {
	c.recvLock.Lock()
	defer c.recvLock.Unlock()

	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		// a clean close before the header and a close mid-header are
		// both a disconnect
		return nil, ErrDisconnected
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameSize {
		return nil, ErrDisconnected
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return nil, ErrDisconnected
	}

	return payload, nil
}

func (c *framedConn) Endpoint() string {
	return c.endpoint
}

func (c *framedConn) PeerID() string {
	return c.peerID
}

func (c *framedConn) Close() error {
	return c.conn.Close()
}
