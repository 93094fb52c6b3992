package mesh

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trellisnet/trellis/src/telemetry"
	"github.com/trellisnet/trellis/src/transport"
)

var (
	// ErrNotFound is returned when the connection id is not registered.
	ErrNotFound = errors.New("mesh: connection not found")

	// ErrDisconnected is returned by Send when the connection's writer has
	// failed or the connection was removed.
	ErrDisconnected = errors.New("mesh: connection disconnected")

	// ErrShutdown is returned once the mesh has been shut down. Consumers
	// must stop calling Recv.
	ErrShutdown = errors.New("mesh: shut down")

	// ErrQueueFull is returned by Send when the connection's outbound queue
	// has no room. The payload is not enqueued.
	ErrQueueFull = errors.New("mesh: outbound queue full")

	// ErrTimeout is returned by RecvTimeout when no envelope arrived within
	// the given duration.
	ErrTimeout = errors.New("mesh: receive timed out")
)

// Envelope is the unit exchanged between the mesh and its consumers. It pairs
// a payload with the identity of the connection it arrived on.
type Envelope struct {
	// ConnectionID is the mesh-local numeric id of the connection.
	ConnectionID int

	// PeerID is the remote node's identity, as established by the
	// transport handshake.
	PeerID string

	Payload []byte
}

/*
Mesh multiplexes many connections into a single stream of envelopes, so that
message-level code never touches raw connections. Every added connection gets
a dedicated reader goroutine pushing onto one shared incoming channel, and a
dedicated writer goroutine draining a per-connection outgoing channel. Per
connection, envelopes are received in the order the peer wrote them; across
connections there is no ordering guarantee.
*/
type Mesh struct {
	lock        sync.RWMutex
	connections map[int]*meshConnection
	nextID      int

	incoming         chan Envelope
	outgoingCapacity int

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	logger *logrus.Entry
}

type meshConnection struct {
	id       int
	conn     transport.Connection
	outgoing chan []byte

	// closed by Remove; stops the reader and writer
	done chan struct{}

	// closed by the writer when a send fails; subsequent Sends return
	// ErrDisconnected, which is how heartbeat failures are detected
	broken chan struct{}

	writerDone chan struct{}
}

// New creates a Mesh. incomingCapacity bounds the shared inbound queue and
// outgoingCapacity bounds each connection's outbound queue.
func New(incomingCapacity, outgoingCapacity int, logger *logrus.Entry) *Mesh {
	return &Mesh{
		connections:      make(map[int]*meshConnection),
		incoming:         make(chan Envelope, incomingCapacity),
		outgoingCapacity: outgoingCapacity,
		shutdownCh:       make(chan struct{}),
		logger:           logger,
	}
}

// Add registers a connection with the mesh and returns its id. Ids increase
// monotonically and are never reissued, so no two simultaneously registered
// connections can share one.
func (m *Mesh) Add(conn transport.Connection) (int, error) {
	select {
	case <-m.shutdownCh:
		return 0, ErrShutdown
	default:
	}

	m.lock.Lock()

	id := m.nextID
	m.nextID++

	mc := &meshConnection{
		id:         id,
		conn:       conn,
		outgoing:   make(chan []byte, m.outgoingCapacity),
		done:       make(chan struct{}),
		broken:     make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	m.connections[id] = mc

	m.lock.Unlock()

	go m.readLoop(mc)
	go m.writeLoop(mc)

	telemetry.ConnectionsLive.Inc()

	return id, nil
}

// Remove unregisters the connection, stops its reader and writer, discards
// any queued outbound messages, and returns the underlying connection.
// Ownership returns to the caller, who is responsible for closing it; closing
// it is also what unblocks a reader waiting in Recv on the raw connection.
func (m *Mesh) Remove(id int) (transport.Connection, error) {
	m.lock.Lock()

	mc, ok := m.connections[id]
	if !ok {
		m.lock.Unlock()
		return nil, ErrNotFound
	}

	delete(m.connections, id)

	m.lock.Unlock()

	close(mc.done)
	<-mc.writerDone

	// drain anything the writer never got to
	for {
		select {
		case <-mc.outgoing:
		default:
			telemetry.ConnectionsLive.Dec()
			return mc.conn, nil
		}
	}
}

// Send enqueues a payload on the connection's outbound queue. It never
// blocks: a full queue fails the send with ErrQueueFull, so a stalled peer
// cannot stall its callers.
func (m *Mesh) Send(id int, payload []byte) error {
	m.lock.RLock()
	mc, ok := m.connections[id]
	m.lock.RUnlock()

	if !ok {
		return ErrNotFound
	}

	select {
	case <-mc.done:
		return ErrDisconnected
	case <-mc.broken:
		return ErrDisconnected
	case <-m.shutdownCh:
		return ErrShutdown
	case mc.outgoing <- payload:
		return nil
	default:
		return ErrQueueFull
	}
}

// Recv pulls the next available envelope across all connections, in arrival
// order. It blocks until an envelope is available or the mesh is shut down.
func (m *Mesh) Recv() (Envelope, error) {
	select {
	case envelope := <-m.incoming:
		return envelope, nil
	case <-m.shutdownCh:
		return Envelope{}, ErrShutdown
	}
}

// RecvTimeout is Recv with a deadline.
func (m *Mesh) RecvTimeout(timeout time.Duration) (Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case envelope := <-m.incoming:
		return envelope, nil
	case <-m.shutdownCh:
		return Envelope{}, ErrShutdown
	case <-timer.C:
		return Envelope{}, ErrTimeout
	}
}

// Ids returns the currently registered connection ids.
func (m *Mesh) Ids() []int {
	m.lock.RLock()
	defer m.lock.RUnlock()

	ids := make([]int, 0, len(m.connections))
	for id := range m.connections {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops the mesh. Blocked Recv calls return ErrShutdown. Registered
// connections are not closed; callers should Remove and close them first.
func (m *Mesh) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownCh)
	})
}

func (m *Mesh) readLoop(mc *meshConnection) {
	for {
		payload, err := mc.conn.Recv()
		if err != nil {
			select {
			case <-mc.done:
			case <-m.shutdownCh:
			default:
				m.logger.WithFields(logrus.Fields{
					"id":    mc.id,
					"error": err,
				}).Debug("mesh connection read failed")
			}
			return
		}

		telemetry.EnvelopesReceived.Inc()

		select {
		case m.incoming <- Envelope{
			ConnectionID: mc.id,
			PeerID:       mc.conn.PeerID(),
			Payload:      payload,
		}:
		case <-mc.done:
			return
		case <-m.shutdownCh:
			return
		}
	}
}

func (m *Mesh) writeLoop(mc *meshConnection) {
	defer close(mc.writerDone)

	for {
		select {
		case payload := <-mc.outgoing:
			if err := mc.conn.Send(payload); err != nil {
				m.logger.WithFields(logrus.Fields{
					"id":    mc.id,
					"error": err,
				}).Debug("mesh connection write failed")
				close(mc.broken)
				return
			}
		case <-mc.done:
			return
		case <-m.shutdownCh:
			return
		}
	}
}
