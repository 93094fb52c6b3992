package network

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trellisnet/trellis/src/common"
	"github.com/trellisnet/trellis/src/mesh"
	"github.com/trellisnet/trellis/src/transport"
	"github.com/trellisnet/trellis/src/wire"
)

// testManager wires a manager to a fresh mesh over the given inproc network.
func testManager(t *testing.T, network *transport.InprocNetwork, opts ManagerOptions) (*ConnectionManager, *Connector) {
	logger := common.NewTestEntry(t, logrus.DebugLevel)

	m := mesh.New(16, 16, logger)
	tr := network.Transport("local-id")

	cm := NewConnectionManager(m, []transport.Transport{tr}, opts, logger)
	cm.Start()

	return cm, cm.Connector()
}

// acceptLoop keeps accepting connections on listener and forwards them on
// the returned channel.
func acceptLoop(listener transport.Listener) <-chan transport.Connection {
	connCh := make(chan transport.Connection, 8)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				close(connCh)
				return
			}
			connCh <- conn
		}
	}()
	return connCh
}

func TestStartShutdown(t *testing.T) {
	network := transport.NewInprocNetwork()
	cm, _ := testManager(t, network, ManagerOptions{})
	cm.Shutdown()
}

func TestRequestConnection(t *testing.T) {
	network := transport.NewInprocNetwork()

	remote := network.Transport("remote-id")
	listener, err := remote.Listen("inproc://remote")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	acceptLoop(listener)

	cm, connector := testManager(t, network, ManagerOptions{})
	defer cm.Shutdown()

	peerID, err := connector.RequestConnection("inproc://remote")
	if err != nil {
		t.Fatal(err)
	}
	if peerID != "remote-id" {
		t.Fatalf("expected peer remote-id, got %s", peerID)
	}

	infos, err := connector.ListConnections()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(infos))
	}
	if infos[0].Endpoint != "inproc://remote" || !infos[0].Outbound {
		t.Fatalf("unexpected connection info: %+v", infos[0])
	}
}

func TestRequestConnectionShared(t *testing.T) {
	network := transport.NewInprocNetwork()

	remote := network.Transport("remote-id")
	listener, err := remote.Listen("inproc://remote")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	acceptLoop(listener)

	cm, connector := testManager(t, network, ManagerOptions{})
	defer cm.Shutdown()

	if _, err := connector.RequestConnection("inproc://remote"); err != nil {
		t.Fatal(err)
	}
	if _, err := connector.RequestConnection("inproc://remote"); err != nil {
		t.Fatal(err)
	}

	infos, err := connector.ListConnections()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Fatalf("repeat requests must share a connection, got %d", len(infos))
	}
	if infos[0].RefCount != 2 {
		t.Fatalf("expected ref count 2, got %d", infos[0].RefCount)
	}

	// the first release keeps the connection alive
	if err := connector.RemoveConnection("inproc://remote"); err != nil {
		t.Fatal(err)
	}
	infos, _ = connector.ListConnections()
	if len(infos) != 1 {
		t.Fatal("connection dropped while still referenced")
	}

	// the second release tears it down
	if err := connector.RemoveConnection("inproc://remote"); err != nil {
		t.Fatal(err)
	}
	infos, _ = connector.ListConnections()
	if len(infos) != 0 {
		t.Fatal("connection not removed after final release")
	}
}

func TestRemoveUnknownConnection(t *testing.T) {
	network := transport.NewInprocNetwork()
	cm, connector := testManager(t, network, ManagerOptions{})
	defer cm.Shutdown()

	if err := connector.RemoveConnection("inproc://nobody"); err != ErrConnectionNotFound {
		t.Fatalf("expected ErrConnectionNotFound, got %v", err)
	}
}

func TestRequestConnectionNoTransport(t *testing.T) {
	network := transport.NewInprocNetwork()
	cm, connector := testManager(t, network, ManagerOptions{})
	defer cm.Shutdown()

	if _, err := connector.RequestConnection("udp://127.0.0.1:1"); err != ErrNoTransport {
		t.Fatalf("expected ErrNoTransport, got %v", err)
	}
}

func TestHeartbeatsDelivered(t *testing.T) {
	network := transport.NewInprocNetwork()

	remote := network.Transport("remote-id")
	listener, err := remote.Listen("inproc://remote")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	connCh := acceptLoop(listener)

	cm, connector := testManager(t, network, ManagerOptions{
		HeartbeatInterval: 20 * time.Millisecond,
	})
	defer cm.Shutdown()

	if _, err := connector.RequestConnection("inproc://remote"); err != nil {
		t.Fatal(err)
	}

	conn := <-connCh
	defer conn.Close()

	raw, err := conn.Recv()
	if err != nil {
		t.Fatal(err)
	}

	var msg wire.Message
	if err := msg.Unmarshal(raw); err != nil {
		t.Fatal(err)
	}
	if msg.Type != wire.HeartbeatMessage {
		t.Fatalf("expected heartbeat, got %v", msg.Type)
	}
}

func TestSendTo(t *testing.T) {
	network := transport.NewInprocNetwork()

	remote := network.Transport("remote-id")
	listener, err := remote.Listen("inproc://remote")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	connCh := acceptLoop(listener)

	cm, connector := testManager(t, network, ManagerOptions{})
	defer cm.Shutdown()

	peerID, err := connector.RequestConnection("inproc://remote")
	if err != nil {
		t.Fatal(err)
	}

	if err := connector.SendTo(peerID, []byte("direct")); err != nil {
		t.Fatal(err)
	}

	conn := <-connCh
	defer conn.Close()

	raw, err := conn.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "direct" {
		t.Fatalf("expected direct, got %s", raw)
	}

	if err := connector.SendTo("stranger", nil); err != ErrConnectionNotFound {
		t.Fatalf("expected ErrConnectionNotFound, got %v", err)
	}
}

func TestReconnectAfterFailure(t *testing.T) {
	network := transport.NewInprocNetwork()

	remote := network.Transport("remote-id")
	listener, err := remote.Listen("inproc://remote")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	connCh := acceptLoop(listener)

	cm, connector := testManager(t, network, ManagerOptions{
		HeartbeatInterval:     20 * time.Millisecond,
		InitialRetryFrequency: time.Millisecond,
	})
	defer cm.Shutdown()

	iter, err := connector.Subscribe()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := connector.RequestConnection("inproc://remote"); err != nil {
		t.Fatal(err)
	}

	// kill the remote end; heartbeats start failing and the manager must
	// dial back in
	first := <-connCh
	first.Close()

	deadline := time.Now().Add(5 * time.Second)
	sawHeartbeatFailure := false
	sawDisconnect := false
	for {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for reconnection")
		}

		n, ok, err := iter.TryNext()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		switch n.Kind {
		case NotificationHeartbeatFailed:
			sawHeartbeatFailure = true
		case NotificationDisconnected:
			sawDisconnect = true
		case NotificationConnected:
			if sawDisconnect {
				// reconnected
				if !sawHeartbeatFailure {
					t.Fatal("reconnected without a heartbeat failure")
				}
				return
			}
		}
	}
}

func TestHeartbeatSentNotification(t *testing.T) {
	network := transport.NewInprocNetwork()

	remote := network.Transport("remote-id")
	listener, err := remote.Listen("inproc://remote")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	acceptLoop(listener)

	cm, connector := testManager(t, network, ManagerOptions{
		HeartbeatInterval: 20 * time.Millisecond,
	})
	defer cm.Shutdown()

	iter, err := connector.Subscribe()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := connector.RequestConnection("inproc://remote"); err != nil {
		t.Fatal(err)
	}

	for {
		n, ok := iter.Next()
		if !ok {
			t.Fatal("subscription ended before a heartbeat was reported")
		}
		if n.Kind == NotificationHeartbeatSent {
			if n.PeerID != "remote-id" || n.Endpoint != "inproc://remote" {
				t.Fatalf("unexpected notification: %+v", n)
			}
			return
		}
	}
}

func TestTryNextAfterShutdown(t *testing.T) {
	network := transport.NewInprocNetwork()
	cm, connector := testManager(t, network, ManagerOptions{})

	iter, err := connector.Subscribe()
	if err != nil {
		t.Fatal(err)
	}

	cm.Shutdown()

	// drain whatever was queued, then the closed subscription must surface
	// as an error rather than look like an empty queue
	for {
		_, ok, err := iter.TryNext()
		if ok {
			continue
		}
		if err != ErrManagerStopped {
			t.Fatalf("expected ErrManagerStopped, got %v", err)
		}
		return
	}
}

func TestSubscriptionEndsOnShutdown(t *testing.T) {
	network := transport.NewInprocNetwork()
	cm, connector := testManager(t, network, ManagerOptions{})

	iter, err := connector.Subscribe()
	if err != nil {
		t.Fatal(err)
	}

	cm.Shutdown()

	for {
		if _, ok := iter.Next(); !ok {
			return
		}
	}
}

func TestConnectorAfterShutdown(t *testing.T) {
	network := transport.NewInprocNetwork()
	cm, connector := testManager(t, network, ManagerOptions{})
	cm.Shutdown()

	if _, err := connector.RequestConnection("inproc://remote"); err != ErrManagerStopped {
		t.Fatalf("expected ErrManagerStopped, got %v", err)
	}
}
