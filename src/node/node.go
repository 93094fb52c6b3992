package node

import (
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trellisnet/trellis/src/admin"
	"github.com/trellisnet/trellis/src/config"
	"github.com/trellisnet/trellis/src/consensus"
	"github.com/trellisnet/trellis/src/crypto/keys"
	"github.com/trellisnet/trellis/src/dispatch"
	"github.com/trellisnet/trellis/src/mesh"
	"github.com/trellisnet/trellis/src/network"
	"github.com/trellisnet/trellis/src/peers"
	"github.com/trellisnet/trellis/src/transport"
	"github.com/trellisnet/trellis/src/wire"
)

/*
Node assembles the full stack: transports feeding a mesh, the connection
manager heartbeating and repairing connections, the dispatcher routing
received messages, the two-phase engine agreeing on circuit proposals, and
the admin manager persisting the results. Node owns the lifecycle of all of
these; Start brings them up and Shutdown tears them down in reverse order.
*/
type Node struct {
	conf *config.Config

	id      string
	moniker string

	peerSet    *peers.PeerSet
	transports []transport.Transport

	mesh       *mesh.Mesh
	manager    *network.ConnectionManager
	connector  *network.Connector
	dispatcher *dispatch.Dispatcher
	engine     *consensus.TwoPhaseEngine
	store      *admin.BadgerCircuitStore
	admin      *admin.Manager

	listener  transport.Listener
	startTime time.Time

	logger *logrus.Entry
}

// NewNode builds a node from its configuration. The caller provides the
// transports; the node picks among them by endpoint scheme.
func NewNode(
	conf *config.Config,
	peerSet *peers.PeerSet,
	transports []transport.Transport,
) (*Node, error) {

	if conf.Key == nil {
		return nil, fmt.Errorf("node: no private key in configuration")
	}

	id := keys.PublicKeyHex(&conf.Key.PublicKey)
	logger := conf.Logger()

	m := mesh.New(conf.IncomingCapacity, conf.OutgoingCapacity, logger)

	manager := network.NewConnectionManager(
		m,
		transports,
		network.ManagerOptions{
			HeartbeatInterval: conf.HeartbeatInterval,
			MaxRetryFrequency: conf.MaxRetryFrequency,
		},
		logger,
	)
	connector := manager.Connector()

	store, err := admin.NewBadgerCircuitStore(conf.DatabaseDir)
	if err != nil {
		return nil, err
	}

	adminManager := admin.NewManager(id, store, logger)

	dispatcher := dispatch.NewDispatcher(connector, logger)

	engine := consensus.NewTwoPhaseEngine(id, connector, adminManager, conf.VoteWindow, logger)
	engine.Register(dispatcher)

	// heartbeats carry no content; receiving one is the whole point
	dispatcher.SetHandler(wire.HeartbeatMessage, dispatch.HandlerFunc(
		func([]byte, *dispatch.MessageContext, dispatch.NetworkSender) error {
			return nil
		}))

	node := &Node{
		conf:       conf,
		id:         id,
		moniker:    conf.Moniker,
		peerSet:    peerSet,
		transports: transports,
		mesh:       m,
		manager:    manager,
		connector:  connector,
		dispatcher: dispatcher,
		engine:     engine,
		store:      store,
		admin:      adminManager,
		logger:     logger,
	}

	return node, nil
}

// ID returns the node's identity: its public key in hex form.
func (n *Node) ID() string {
	return n.id
}

// Connector exposes the connection manager handle, mainly for the service.
func (n *Node) Connector() *network.Connector {
	return n.connector
}

// Admin exposes the admin manager, mainly for the service.
func (n *Node) Admin() *admin.Manager {
	return n.admin
}

// Engine exposes the agreement engine, mainly for the service.
func (n *Node) Engine() *consensus.TwoPhaseEngine {
	return n.engine
}

// Start brings the stack up: listen for inbound connections, start the
// connection manager and agreement engine, and begin dispatching received
// messages. bindEndpoint carries the transport scheme, eg tcp://host:port.
func (n *Node) Start(bindEndpoint string) error {
	n.startTime = time.Now()

	var listenTransport transport.Transport
	for _, t := range n.transports {
		if t.Accepts(bindEndpoint) {
			listenTransport = t
			break
		}
	}
	if listenTransport == nil {
		return transport.ErrUnsupportedEndpoint
	}

	listener, err := listenTransport.Listen(bindEndpoint)
	if err != nil {
		return err
	}
	n.listener = listener

	n.manager.Start()
	n.engine.Start()

	go n.acceptLoop()
	go n.dispatcher.DispatchLoop(meshReceiver{n.mesh})

	n.logger.WithFields(logrus.Fields{
		"id":       n.id,
		"endpoint": bindEndpoint,
	}).Info("node started")

	return nil
}

// ConnectToPeers dials every known peer except ourselves. Failures are
// logged, not fatal; an unreachable peer can still dial us later.
func (n *Node) ConnectToPeers() {
	for _, peer := range n.peerSet.Peers() {
		if peer.ID == n.id {
			continue
		}

		if _, err := n.connector.RequestConnection(peer.Endpoint); err != nil {
			n.logger.WithFields(logrus.Fields{
				"peer":     peer.ID,
				"endpoint": peer.Endpoint,
				"error":    err,
			}).Warn("failed to connect to peer")
		}
	}
}

// ProposeCircuit starts a voting round for a new circuit among members. It
// returns the proposal id.
func (n *Node) ProposeCircuit(circuitID string, members []string, summary []byte) (string, error) {
	proposal, err := n.admin.NewProposal(circuitID, members, summary)
	if err != nil {
		return "", err
	}

	if err := n.engine.Propose(proposal); err != nil {
		return "", err
	}

	return proposal.ProposalID, nil
}

// Stats returns a point-in-time summary of the node.
func (n *Node) Stats() map[string]string {
	numConnections := 0
	if infos, err := n.connector.ListConnections(); err == nil {
		numConnections = len(infos)
	}

	numCircuits := 0
	if circuits, err := n.admin.Circuits(); err == nil {
		numCircuits = len(circuits)
	}

	return map[string]string{
		"id":              n.id,
		"moniker":         n.moniker,
		"num_peers":       strconv.Itoa(n.peerSet.Len()),
		"num_connections": strconv.Itoa(numConnections),
		"num_circuits":    strconv.Itoa(numCircuits),
		"num_proposals":   strconv.Itoa(len(n.engine.Proposals())),
		"uptime":          time.Since(n.startTime).String(),
	}
}

// Shutdown tears the stack down. Every component is signalled before any is
// waited on. It is safe to call more than once.
func (n *Node) Shutdown() {
	n.logger.Debug("node shutting down")

	if n.listener != nil {
		n.listener.Close()
	}

	n.engine.SignalShutdown()
	n.manager.SignalShutdown()
	n.mesh.Shutdown()

	n.engine.WaitForShutdown()
	n.manager.WaitForShutdown()

	n.admin.Shutdown()
	n.store.Close()
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			if err != transport.ErrListenerClosed {
				n.logger.WithError(err).Error("accept failed")
			}
			return
		}

		if _, err := n.connector.AddInboundConnection(conn); err != nil {
			n.logger.WithError(err).Warn("failed to register inbound connection")
			conn.Close()
		}
	}
}

// meshReceiver adapts the mesh to the dispatcher's Receiver interface.
type meshReceiver struct {
	m *mesh.Mesh
}

func (r meshReceiver) Recv() ([]byte, string, error) {
	envelope, err := r.m.Recv()
	if err != nil {
		return nil, "", err
	}
	return envelope.Payload, envelope.PeerID, nil
}
