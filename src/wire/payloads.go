package wire

import (
	"bytes"

	"github.com/ugorji/go/codec"
)

// CircuitProposal is the coordinator's request that every named member agree
// to a new circuit. Members holds the peer ids of all participants, including
// the coordinator itself.
type CircuitProposal struct {
	ProposalID    string
	CircuitID     string
	CoordinatorID string
	Members       []string
	Summary       []byte
}

// Marshal - json encoding of CircuitProposal
func (p *CircuitProposal) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(p); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (p *CircuitProposal) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	if err := dec.Decode(p); err != nil {
		return err
	}

	return nil
}

// ProposalVote is a verifier's answer to a CircuitProposal.
type ProposalVote struct {
	ProposalID string
	VoterID    string
	Accept     bool
}

// Marshal - json encoding of ProposalVote
func (v *ProposalVote) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (v *ProposalVote) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	if err := dec.Decode(v); err != nil {
		return err
	}

	return nil
}

// ProposalResult is the coordinator's terminal decision, broadcast to every
// member once the vote completes or times out.
type ProposalResult struct {
	ProposalID string
	Commit     bool
}

// Marshal - json encoding of ProposalResult
func (r *ProposalResult) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(r); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (r *ProposalResult) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	if err := dec.Decode(r); err != nil {
		return err
	}

	return nil
}
