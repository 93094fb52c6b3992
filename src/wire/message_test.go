package wire

import (
	"bytes"
	"reflect"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{
		Type:    ProposalMessage,
		Payload: []byte("raw proposal"),
	}

	raw, err := msg.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	var decoded Message
	if err := decoded.Unmarshal(raw); err != nil {
		t.Fatal(err)
	}

	if decoded.Type != msg.Type {
		t.Fatalf("expected type %v, got %v", msg.Type, decoded.Type)
	}
	if !bytes.Equal(decoded.Payload, msg.Payload) {
		t.Fatalf("expected payload %q, got %q", msg.Payload, decoded.Payload)
	}
}

func TestCanonicalEncoding(t *testing.T) {
	msg := Message{Type: VoteMessage, Payload: []byte{1, 2, 3}}

	first, err := msg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	second, err := msg.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(first, second) {
		t.Fatal("encoding is not deterministic")
	}
}

func TestHeartbeatBytes(t *testing.T) {
	var decoded Message
	if err := decoded.Unmarshal(HeartbeatBytes()); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != HeartbeatMessage {
		t.Fatalf("expected heartbeat, got %v", decoded.Type)
	}
}

func TestCircuitProposalRoundTrip(t *testing.T) {
	proposal := CircuitProposal{
		ProposalID:    "prop-1",
		CircuitID:     "circuit-ab",
		CoordinatorID: "alpha",
		Members:       []string{"alpha", "beta", "gamma"},
		Summary:       []byte("two-org data sharing"),
	}

	raw, err := proposal.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	var decoded CircuitProposal
	if err := decoded.Unmarshal(raw); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(decoded, proposal) {
		t.Fatalf("expected %+v, got %+v", proposal, decoded)
	}
}
