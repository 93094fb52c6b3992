package network

import (
	"fmt"

	"github.com/trellisnet/trellis/src/transport"
)

// NotificationKind discriminates connection lifecycle notifications.
type NotificationKind int

const (
	// NotificationConnected fires when a connection is established,
	// initially or after a successful reconnection.
	NotificationConnected NotificationKind = iota

	// NotificationDisconnected fires when a connection is detected broken.
	NotificationDisconnected

	// NotificationHeartbeatSent fires after each heartbeat successfully
	// handed to a connection.
	NotificationHeartbeatSent

	// NotificationHeartbeatFailed fires when a heartbeat send fails. It is
	// always followed by NotificationDisconnected.
	NotificationHeartbeatFailed

	// NotificationReconnectFailed fires after each failed reconnection
	// attempt. Attempts carries the running count.
	NotificationReconnectFailed

	// NotificationFatalError fires when the manager hits an unrecoverable
	// error and is shutting down.
	NotificationFatalError
)

// String implements the Stringer interface.
func (k NotificationKind) String() string {
	switch k {
	case NotificationConnected:
		return "Connected"
	case NotificationDisconnected:
		return "Disconnected"
	case NotificationHeartbeatSent:
		return "HeartbeatSent"
	case NotificationHeartbeatFailed:
		return "HeartbeatFailed"
	case NotificationReconnectFailed:
		return "ReconnectFailed"
	case NotificationFatalError:
		return "FatalError"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Notification reports a connection lifecycle event to subscribers.
type Notification struct {
	Kind     NotificationKind
	Endpoint string
	PeerID   string

	// Attempts is the reconnection attempt count; only meaningful for
	// NotificationReconnectFailed.
	Attempts int

	Err error
}

// NotificationIter consumes notifications from a subscription. When the
// manager shuts down, or the subscriber falls too far behind and is dropped,
// Next returns ok=false.
type NotificationIter struct {
	ch <-chan Notification
}

// Next blocks for the next notification. ok is false once the subscription
// has ended.
func (it *NotificationIter) Next() (n Notification, ok bool) {
	n, ok = <-it.ch
	return
}

// TryNext returns a pending notification without blocking. ok is false when
// nothing is queued; a non-nil error means the manager side has gone away and
// no further notifications will arrive.
func (it *NotificationIter) TryNext() (Notification, bool, error) {
	select {
	case n, ok := <-it.ch:
		if !ok {
			return Notification{}, false, ErrManagerStopped
		}
		return n, true, nil
	default:
		return Notification{}, false, nil
	}
}

type cmMessageKind int

const (
	cmRequestConnection cmMessageKind = iota
	cmAddInbound
	cmRemoveConnection
	cmListConnections
	cmSendTo
	cmSubscribe
	cmSendHeartbeats
)

// ConnectionInfo is a point-in-time snapshot of one managed connection.
type ConnectionInfo struct {
	Endpoint     string `json:"endpoint"`
	PeerID       string `json:"peer_id"`
	Outbound     bool   `json:"outbound"`
	RefCount     int    `json:"ref_count"`
	Reconnecting bool   `json:"reconnecting"`
}

type cmRequest struct {
	kind cmMessageKind

	endpoint string
	conn     transport.Connection
	peerID   string
	payload  []byte

	replyCh chan cmReply
}

type cmReply struct {
	err         error
	peerID      string
	connections []ConnectionInfo
	iter        *NotificationIter
}
