package wire

import (
	"bytes"
	"fmt"

	"github.com/ugorji/go/codec"
)

// MessageType identifies the handler a message is routed to. Exactly one
// handler may be registered per type.
type MessageType uint8

const (
	// HeartbeatMessage carries no payload; it only proves the connection
	// is alive.
	HeartbeatMessage MessageType = iota

	// ProposalMessage carries a CircuitProposal from a coordinator to a
	// verifier.
	ProposalMessage

	// VoteMessage carries a ProposalVote from a verifier back to the
	// coordinator.
	VoteMessage

	// ResultMessage carries the coordinator's final ProposalResult to all
	// members.
	ResultMessage

	// AdminMessage carries administrative payloads outside the agreement
	// protocol.
	AdminMessage
)

// String implements the Stringer interface.
func (t MessageType) String() string {
	switch t {
	case HeartbeatMessage:
		return "Heartbeat"
	case ProposalMessage:
		return "Proposal"
	case VoteMessage:
		return "Vote"
	case ResultMessage:
		return "Result"
	case AdminMessage:
		return "Admin"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Message is the envelope put on the wire between nodes. The Payload is an
// opaque byte string interpreted by the handler registered for Type.
type Message struct {
	Type    MessageType
	Payload []byte
}

// Marshal - json encoding of Message
func (m *Message) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(m); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (m *Message) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	if err := dec.Decode(m); err != nil {
		return err
	}

	return nil
}

// HeartbeatBytes returns the marshalled form of a heartbeat message. It
// cannot fail, so send paths don't have to thread an error through.
func HeartbeatBytes() []byte {
	msg := Message{Type: HeartbeatMessage}
	raw, err := msg.Marshal()
	if err != nil {
		panic(err)
	}
	return raw
}
