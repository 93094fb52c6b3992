package network

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trellisnet/trellis/src/mesh"
	"github.com/trellisnet/trellis/src/telemetry"
	"github.com/trellisnet/trellis/src/transport"
	"github.com/trellisnet/trellis/src/wire"
)

const (
	// DefaultHeartbeatInterval is how often heartbeats are sent and
	// reconnection backoff is evaluated.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultInitialRetryFrequency is the delay before the second
	// reconnection attempt. It doubles on each failure.
	DefaultInitialRetryFrequency = 10 * time.Second

	// DefaultMaxRetryFrequency caps the reconnection backoff.
	DefaultMaxRetryFrequency = 300 * time.Second

	// subscriberBuffer is the per-subscriber notification queue. A
	// subscriber that falls this far behind is dropped.
	subscriberBuffer = 32
)

var (
	// ErrManagerStopped is returned by Connector calls after the manager
	// has shut down.
	ErrManagerStopped = errors.New("network: connection manager stopped")

	// ErrConnectionNotFound is returned when no managed connection matches
	// the given endpoint or peer.
	ErrConnectionNotFound = errors.New("network: connection not found")

	// ErrNoTransport is returned when no configured transport accepts the
	// endpoint's scheme.
	ErrNoTransport = errors.New("network: no transport for endpoint")
)

// connectionMeta is the manager's bookkeeping for one connection. It is only
// touched from the control loop, so it needs no locking.
type connectionMeta struct {
	key      string
	endpoint string
	peerID   string
	meshID   int
	outbound bool

	// refCount tracks how many times the endpoint was requested. The
	// connection is only torn down when it drops to zero.
	refCount int

	reconnecting   bool
	retryFrequency time.Duration
	attempts       int
	lastAttempt    time.Time
}

/*
ConnectionManager owns the lifecycle of every connection: establishing them,
reference-counting repeated requests, heartbeating them, detecting failures,
and reconnecting with capped exponential backoff. All state lives in a single
control goroutine; the Connector and the Pacemaker talk to it exclusively
through the request channel, so there is no shared-state locking anywhere in
the manager.
*/
type ConnectionManager struct {
	mesh       *mesh.Mesh
	transports []transport.Transport

	heartbeatInterval time.Duration
	initialRetry      time.Duration
	maxRetry          time.Duration

	requestCh chan cmRequest
	pacemaker *Pacemaker

	// control-loop state
	connections map[string]*connectionMeta
	byPeer      map[string]string
	subscribers []chan Notification

	started      bool
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	doneCh       chan struct{}

	logger *logrus.Entry
}

// ManagerOptions tunes a ConnectionManager. Zero values fall back to the
// package defaults.
type ManagerOptions struct {
	HeartbeatInterval     time.Duration
	InitialRetryFrequency time.Duration
	MaxRetryFrequency     time.Duration
}

// NewConnectionManager creates a manager over the given mesh and transports.
// Endpoints are matched against the transports in order.
func NewConnectionManager(
	m *mesh.Mesh,
	transports []transport.Transport,
	opts ManagerOptions,
	logger *logrus.Entry,
) *ConnectionManager {

	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.InitialRetryFrequency == 0 {
		opts.InitialRetryFrequency = DefaultInitialRetryFrequency
	}
	if opts.MaxRetryFrequency == 0 {
		opts.MaxRetryFrequency = DefaultMaxRetryFrequency
	}

	cm := &ConnectionManager{
		mesh:              m,
		transports:        transports,
		heartbeatInterval: opts.HeartbeatInterval,
		initialRetry:      opts.InitialRetryFrequency,
		maxRetry:          opts.MaxRetryFrequency,
		requestCh:         make(chan cmRequest),
		connections:       make(map[string]*connectionMeta),
		byPeer:            make(map[string]string),
		shutdownCh:        make(chan struct{}),
		doneCh:            make(chan struct{}),
		logger:            logger,
	}

	cm.pacemaker = NewPacemaker(cm.heartbeatInterval, cm.requestCh)

	return cm
}

// Start launches the control loop and the pacemaker.
func (cm *ConnectionManager) Start() {
	cm.started = true
	go cm.run()
	cm.pacemaker.Start()
}

// Connector returns a handle for interacting with the manager. Connectors are
// cheap; callers may hold as many as they like.
func (cm *ConnectionManager) Connector() *Connector {
	return &Connector{
		requestCh: cm.requestCh,
		doneCh:    cm.doneCh,
	}
}

// SignalShutdown asks the control loop to stop without waiting for it.
func (cm *ConnectionManager) SignalShutdown() {
	cm.shutdownOnce.Do(func() {
		close(cm.shutdownCh)
	})
}

// WaitForShutdown blocks until the control loop has torn down all
// connections and exited.
func (cm *ConnectionManager) WaitForShutdown() {
	cm.pacemaker.Stop()
	if cm.started {
		<-cm.doneCh
	}
}

// Shutdown stops the manager and waits for teardown to complete.
func (cm *ConnectionManager) Shutdown() {
	cm.SignalShutdown()
	cm.WaitForShutdown()
}

func (cm *ConnectionManager) run() {
	defer close(cm.doneCh)

	for {
		select {
		case req := <-cm.requestCh:
			cm.handle(req)
		case <-cm.shutdownCh:
			cm.teardown()
			return
		}
	}
}

func (cm *ConnectionManager) handle(req cmRequest) {
	switch req.kind {
	case cmRequestConnection:
		req.replyCh <- cm.handleRequestConnection(req.endpoint)
	case cmAddInbound:
		req.replyCh <- cm.handleAddInbound(req.conn)
	case cmRemoveConnection:
		req.replyCh <- cm.handleRemoveConnection(req.endpoint)
	case cmListConnections:
		req.replyCh <- cm.handleListConnections()
	case cmSendTo:
		req.replyCh <- cm.handleSendTo(req.peerID, req.payload)
	case cmSubscribe:
		req.replyCh <- cm.handleSubscribe()
	case cmSendHeartbeats:
		cm.handleSendHeartbeats()
	}
}

func (cm *ConnectionManager) handleRequestConnection(endpoint string) cmReply {
	if meta, ok := cm.connections[endpoint]; ok {
		// a repeat request is not an error; the connection is shared
		// and reference counted
		meta.refCount++
		return cmReply{peerID: meta.peerID}
	}

	t := cm.transportFor(endpoint)
	if t == nil {
		return cmReply{err: ErrNoTransport}
	}

	conn, err := t.Connect(endpoint)
	if err != nil {
		return cmReply{err: err}
	}

	meshID, err := cm.mesh.Add(conn)
	if err != nil {
		conn.Close()
		return cmReply{err: err}
	}

	meta := &connectionMeta{
		key:            endpoint,
		endpoint:       endpoint,
		peerID:         conn.PeerID(),
		meshID:         meshID,
		outbound:       true,
		refCount:       1,
		retryFrequency: cm.initialRetry,
	}
	cm.connections[endpoint] = meta
	cm.byPeer[meta.peerID] = endpoint

	cm.logger.WithFields(logrus.Fields{
		"endpoint": endpoint,
		"peer":     meta.peerID,
	}).Debug("connection established")

	cm.notify(Notification{
		Kind:     NotificationConnected,
		Endpoint: endpoint,
		PeerID:   meta.peerID,
	})

	return cmReply{peerID: meta.peerID}
}

func (cm *ConnectionManager) handleAddInbound(conn transport.Connection) cmReply {
	meshID, err := cm.mesh.Add(conn)
	if err != nil {
		conn.Close()
		return cmReply{err: err}
	}

	// inbound connections are keyed by peer so several peers dialing the
	// same listen endpoint don't collide
	key := "inbound:" + conn.PeerID()

	meta := &connectionMeta{
		key:      key,
		endpoint: conn.Endpoint(),
		peerID:   conn.PeerID(),
		meshID:   meshID,
		refCount: 1,
	}
	cm.connections[key] = meta
	cm.byPeer[meta.peerID] = key

	cm.notify(Notification{
		Kind:     NotificationConnected,
		Endpoint: meta.endpoint,
		PeerID:   meta.peerID,
	})

	return cmReply{peerID: meta.peerID}
}

func (cm *ConnectionManager) handleRemoveConnection(endpoint string) cmReply {
	meta, ok := cm.connections[endpoint]
	if !ok {
		return cmReply{err: ErrConnectionNotFound}
	}

	meta.refCount--
	if meta.refCount > 0 {
		return cmReply{peerID: meta.peerID}
	}

	cm.dropConnection(meta)

	return cmReply{peerID: meta.peerID}
}

func (cm *ConnectionManager) handleListConnections() cmReply {
	infos := make([]ConnectionInfo, 0, len(cm.connections))
	for _, meta := range cm.connections {
		infos = append(infos, ConnectionInfo{
			Endpoint:     meta.endpoint,
			PeerID:       meta.peerID,
			Outbound:     meta.outbound,
			RefCount:     meta.refCount,
			Reconnecting: meta.reconnecting,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Endpoint < infos[j].Endpoint
	})

	return cmReply{connections: infos}
}

func (cm *ConnectionManager) handleSendTo(peerID string, payload []byte) cmReply {
	key, ok := cm.byPeer[peerID]
	if !ok {
		return cmReply{err: ErrConnectionNotFound}
	}

	meta := cm.connections[key]
	if meta.reconnecting {
		return cmReply{err: ErrConnectionNotFound}
	}

	if err := cm.mesh.Send(meta.meshID, payload); err != nil {
		return cmReply{err: err}
	}

	return cmReply{}
}

func (cm *ConnectionManager) handleSubscribe() cmReply {
	ch := make(chan Notification, subscriberBuffer)
	cm.subscribers = append(cm.subscribers, ch)
	return cmReply{iter: &NotificationIter{ch: ch}}
}

// handleSendHeartbeats runs on every pacemaker tick. Live connections get a
// heartbeat; broken outbound connections whose backoff has elapsed get a
// reconnection attempt. A heartbeat that cannot even be enqueued, because the
// peer has not drained its queue since the last tick, counts as a failure.
func (cm *ConnectionManager) handleSendHeartbeats() {
	heartbeat := wire.HeartbeatBytes()
	now := time.Now()

	for _, meta := range cm.connections {
		if meta.reconnecting {
			if now.Sub(meta.lastAttempt) >= meta.retryFrequency {
				cm.attemptReconnect(meta)
			}
			continue
		}

		if err := cm.mesh.Send(meta.meshID, heartbeat); err != nil {
			telemetry.HeartbeatsFailed.Inc()

			cm.logger.WithFields(logrus.Fields{
				"endpoint": meta.endpoint,
				"peer":     meta.peerID,
				"error":    err,
			}).Warn("heartbeat failed")

			cm.notify(Notification{
				Kind:     NotificationHeartbeatFailed,
				Endpoint: meta.endpoint,
				PeerID:   meta.peerID,
				Err:      err,
			})

			cm.markBroken(meta)
			continue
		}

		telemetry.HeartbeatsSent.Inc()

		cm.notify(Notification{
			Kind:     NotificationHeartbeatSent,
			Endpoint: meta.endpoint,
			PeerID:   meta.peerID,
		})
	}
}

// markBroken removes the dead connection from the mesh and either starts the
// reconnection cycle (outbound) or forgets the connection (inbound, where the
// remote is responsible for dialing back).
func (cm *ConnectionManager) markBroken(meta *connectionMeta) {
	if conn, err := cm.mesh.Remove(meta.meshID); err == nil {
		conn.Close()
	}

	cm.notify(Notification{
		Kind:     NotificationDisconnected,
		Endpoint: meta.endpoint,
		PeerID:   meta.peerID,
	})

	if !meta.outbound {
		delete(cm.connections, meta.key)
		delete(cm.byPeer, meta.peerID)
		return
	}

	meta.reconnecting = true
	meta.retryFrequency = cm.initialRetry
	meta.attempts = 0

	cm.attemptReconnect(meta)
}

func (cm *ConnectionManager) attemptReconnect(meta *connectionMeta) {
	meta.lastAttempt = time.Now()
	meta.attempts++
	telemetry.ReconnectAttempts.Inc()

	t := cm.transportFor(meta.endpoint)
	if t == nil {
		cm.reconnectFailed(meta, ErrNoTransport)
		return
	}

	conn, err := t.Connect(meta.endpoint)
	if err != nil {
		cm.reconnectFailed(meta, err)
		return
	}

	meshID, err := cm.mesh.Add(conn)
	if err != nil {
		conn.Close()
		cm.reconnectFailed(meta, err)
		return
	}

	delete(cm.byPeer, meta.peerID)

	meta.meshID = meshID
	meta.peerID = conn.PeerID()
	meta.reconnecting = false
	meta.retryFrequency = cm.initialRetry
	meta.attempts = 0

	cm.byPeer[meta.peerID] = meta.key

	telemetry.ReconnectSuccesses.Inc()

	cm.logger.WithField("endpoint", meta.endpoint).Debug("reconnected")

	cm.notify(Notification{
		Kind:     NotificationConnected,
		Endpoint: meta.endpoint,
		PeerID:   meta.peerID,
	})
}

func (cm *ConnectionManager) reconnectFailed(meta *connectionMeta, err error) {
	cm.logger.WithFields(logrus.Fields{
		"endpoint": meta.endpoint,
		"attempts": meta.attempts,
		"retry_in": meta.retryFrequency,
		"error":    err,
	}).Debug("reconnection attempt failed")

	cm.notify(Notification{
		Kind:     NotificationReconnectFailed,
		Endpoint: meta.endpoint,
		PeerID:   meta.peerID,
		Attempts: meta.attempts,
		Err:      err,
	})

	meta.retryFrequency *= 2
	if meta.retryFrequency > cm.maxRetry {
		meta.retryFrequency = cm.maxRetry
	}
}

// dropConnection deliberately removes a connection, whether live or waiting
// to reconnect.
func (cm *ConnectionManager) dropConnection(meta *connectionMeta) {
	if !meta.reconnecting {
		if conn, err := cm.mesh.Remove(meta.meshID); err == nil {
			conn.Close()
		}
	}

	delete(cm.connections, meta.key)
	delete(cm.byPeer, meta.peerID)

	cm.notify(Notification{
		Kind:     NotificationDisconnected,
		Endpoint: meta.endpoint,
		PeerID:   meta.peerID,
	})
}

func (cm *ConnectionManager) teardown() {
	for _, meta := range cm.connections {
		if !meta.reconnecting {
			if conn, err := cm.mesh.Remove(meta.meshID); err == nil {
				conn.Close()
			}
		}
	}
	cm.connections = make(map[string]*connectionMeta)
	cm.byPeer = make(map[string]string)

	for _, ch := range cm.subscribers {
		close(ch)
	}
	cm.subscribers = nil

	cm.logger.Debug("connection manager stopped")
}

func (cm *ConnectionManager) transportFor(endpoint string) transport.Transport {
	for _, t := range cm.transports {
		if t.Accepts(endpoint) {
			return t
		}
	}
	return nil
}

// notify fans a notification out to all subscribers. A subscriber whose
// buffer is full is dropped rather than allowed to stall the control loop.
func (cm *ConnectionManager) notify(n Notification) {
	kept := cm.subscribers[:0]
	for _, ch := range cm.subscribers {
		select {
		case ch <- n:
			kept = append(kept, ch)
		default:
			cm.logger.Warn("dropping slow notification subscriber")
			close(ch)
		}
	}
	cm.subscribers = kept
}

// Connector is the thread-safe handle through which the rest of the system
// talks to the ConnectionManager.
type Connector struct {
	requestCh chan<- cmRequest
	doneCh    <-chan struct{}
}

func (c *Connector) call(req cmRequest) (cmReply, error) {
	req.replyCh = make(chan cmReply, 1)

	select {
	case c.requestCh <- req:
	case <-c.doneCh:
		return cmReply{}, ErrManagerStopped
	}

	select {
	case reply := <-req.replyCh:
		return reply, nil
	case <-c.doneCh:
		return cmReply{}, ErrManagerStopped
	}
}

// RequestConnection ensures a connection to endpoint exists, establishing it
// if needed, and returns the remote peer's id. Repeat requests for the same
// endpoint share the connection.
func (c *Connector) RequestConnection(endpoint string) (string, error) {
	reply, err := c.call(cmRequest{kind: cmRequestConnection, endpoint: endpoint})
	if err != nil {
		return "", err
	}
	return reply.peerID, reply.err
}

// AddInboundConnection hands an accepted connection over to the manager.
func (c *Connector) AddInboundConnection(conn transport.Connection) (string, error) {
	reply, err := c.call(cmRequest{kind: cmAddInbound, conn: conn})
	if err != nil {
		return "", err
	}
	return reply.peerID, reply.err
}

// RemoveConnection releases one reference to the endpoint's connection,
// closing it when no references remain.
func (c *Connector) RemoveConnection(endpoint string) error {
	reply, err := c.call(cmRequest{kind: cmRemoveConnection, endpoint: endpoint})
	if err != nil {
		return err
	}
	return reply.err
}

// ListConnections snapshots all managed connections.
func (c *Connector) ListConnections() ([]ConnectionInfo, error) {
	reply, err := c.call(cmRequest{kind: cmListConnections})
	if err != nil {
		return nil, err
	}
	return reply.connections, reply.err
}

// SendTo sends a raw message to the connection belonging to peerID. It
// implements the sender interface the dispatcher hands to message handlers.
func (c *Connector) SendTo(peerID string, payload []byte) error {
	reply, err := c.call(cmRequest{kind: cmSendTo, peerID: peerID, payload: payload})
	if err != nil {
		return err
	}
	return reply.err
}

// Subscribe registers for connection lifecycle notifications.
func (c *Connector) Subscribe() (*NotificationIter, error) {
	reply, err := c.call(cmRequest{kind: cmSubscribe})
	if err != nil {
		return nil, err
	}
	return reply.iter, reply.err
}
