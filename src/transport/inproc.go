package transport

import (
	"strings"
	"sync"
)

const inprocScheme = "inproc://"

const inprocBufferSize = 64

// InprocNetwork is a process-local registry of inproc listeners. Transports
// created from the same network can connect to each other's endpoints. This
// allows the stack to be tested without going over a network.
type InprocNetwork struct {
	lock      sync.Mutex
	listeners map[string]*inprocListener
}

// NewInprocNetwork creates an empty inproc network.
func NewInprocNetwork() *InprocNetwork {
	return &InprocNetwork{
		listeners: make(map[string]*inprocListener),
	}
}

// Transport returns a Transport whose connections identify themselves as
// localID and which resolves endpoints against this network.
func (n *InprocNetwork) Transport(localID string) *InprocTransport {
	return &InprocTransport{
		localID: localID,
		network: n,
	}
}

// InprocTransport implements Transport over in-memory channel pairs.
type InprocTransport struct {
	localID string
	network *InprocNetwork
}

// Accepts implements the Transport interface.
func (t *InprocTransport) Accepts(endpoint string) bool {
	return strings.HasPrefix(endpoint, inprocScheme)
}

// Connect implements the Transport interface.
func (t *InprocTransport) Connect(endpoint string) (Connection, error) {
	if !t.Accepts(endpoint) {
		return nil, ErrUnsupportedEndpoint
	}

	t.network.lock.Lock()
	listener, ok := t.network.listeners[endpoint]
	t.network.lock.Unlock()

	if !ok {
		return nil, ErrDisconnected
	}

	client, server := newInprocPair(endpoint, listener.localID, t.localID)

	select {
	case listener.acceptCh <- server:
	case <-listener.closed:
		return nil, ErrDisconnected
	}

	return client, nil
}

// Listen implements the Transport interface.
func (t *InprocTransport) Listen(endpoint string) (Listener, error) {
	if !t.Accepts(endpoint) {
		return nil, ErrUnsupportedEndpoint
	}

	listener := &inprocListener{
		endpoint: endpoint,
		localID:  t.localID,
		acceptCh: make(chan Connection),
		closed:   make(chan struct{}),
		network:  t.network,
	}

	t.network.lock.Lock()
	t.network.listeners[endpoint] = listener
	t.network.lock.Unlock()

	return listener, nil
}

type inprocListener struct {
	endpoint  string
	localID   string
	acceptCh  chan Connection
	closed    chan struct{}
	closeOnce sync.Once
	network   *InprocNetwork
}

func (l *inprocListener) Accept() (Connection, error) {
	select {
	case conn := <-l.acceptCh:
		return conn, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	}
}

func (l *inprocListener) Endpoint() string {
	return l.endpoint
}

func (l *inprocListener) Close() error {
	l.closeOnce.Do(func() {
		l.network.lock.Lock()
		delete(l.network.listeners, l.endpoint)
		l.network.lock.Unlock()

		close(l.closed)
	})
	return nil
}

// newInprocPair creates the two ends of an in-memory connection. The client
// end reports listenerID as its peer; the server end reports dialerID.
func newInprocPair(endpoint, listenerID, dialerID string) (Connection, Connection) {
	clientToServer := make(chan []byte, inprocBufferSize)
	serverToClient := make(chan []byte, inprocBufferSize)

	clientClosed := make(chan struct{})
	serverClosed := make(chan struct{})

	client := &inprocConn{
		endpoint:     endpoint,
		peerID:       listenerID,
		in:           serverToClient,
		out:          clientToServer,
		localClosed:  clientClosed,
		remoteClosed: serverClosed,
	}

	server := &inprocConn{
		endpoint:     endpoint,
		peerID:       dialerID,
		in:           clientToServer,
		out:          serverToClient,
		localClosed:  serverClosed,
		remoteClosed: clientClosed,
	}

	return client, server
}

type inprocConn struct {
	endpoint string
	peerID   string

	in  chan []byte
	out chan []byte

	localClosed  chan struct{}
	remoteClosed chan struct{}
	closeOnce    sync.Once
}

func (c *inprocConn) Send(payload []byte) error {
	// copy so the receiver doesn't share the caller's buffer
	dup := make([]byte, len(payload))
	copy(dup, payload)

	select {
	case <-c.localClosed:
		return ErrDisconnected
	case <-c.remoteClosed:
		return ErrDisconnected
	case c.out <- dup:
		return nil
	}
}

func (c *inprocConn) Recv() ([]byte, error) {
	// drain buffered messages before reporting a remote close
	select {
	case payload := <-c.in:
		return payload, nil
	default:
	}

	select {
	case payload := <-c.in:
		return payload, nil
	case <-c.localClosed:
		return nil, ErrDisconnected
	case <-c.remoteClosed:
		return nil, ErrDisconnected
	}
}

func (c *inprocConn) Endpoint() string {
	return c.endpoint
}

func (c *inprocConn) PeerID() string {
	return c.peerID
}

func (c *inprocConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.localClosed)
	})
	return nil
}
