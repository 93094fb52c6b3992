package admin

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trellisnet/trellis/src/wire"
)

// eventBuffer is the per-subscriber event queue. A subscriber that falls
// this far behind is dropped.
const eventBuffer = 32

// Event reports the terminal outcome of a proposal to subscribers, such as
// the websocket notification relay.
type Event struct {
	Type       string `json:"type"`
	ProposalID string `json:"proposal_id"`
	CircuitID  string `json:"circuit_id"`
}

const (
	// EventCircuitCommitted fires when a proposal commits and the circuit
	// has been persisted.
	EventCircuitCommitted = "circuit_committed"

	// EventProposalRejected fires when a proposal aborts.
	EventProposalRejected = "proposal_rejected"
)

// Manager validates circuit proposals against local state and applies the
// agreement outcome: committed circuits are persisted, rejected proposals are
// discarded, and both outcomes are published to subscribers.
type Manager struct {
	localID string
	store   *BadgerCircuitStore

	lock        sync.Mutex
	subscribers []chan Event

	logger *logrus.Entry
}

// NewManager creates a Manager for the given local node over the given store.
func NewManager(localID string, store *BadgerCircuitStore, logger *logrus.Entry) *Manager {
	return &Manager{
		localID: localID,
		store:   store,
		logger:  logger,
	}
}

// NewProposal builds a circuit proposal coordinated by the local node. The
// proposal id is random so retries of the same circuit are distinct rounds.
func (m *Manager) NewProposal(circuitID string, members []string, summary []byte) (*wire.CircuitProposal, error) {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return &wire.CircuitProposal{
		ProposalID:    circuitID + "-" + hex.EncodeToString(nonce),
		CircuitID:     circuitID,
		CoordinatorID: m.localID,
		Members:       members,
		Summary:       summary,
	}, nil
}

// CheckProposal implements the validation half of the agreement protocol.
func (m *Manager) CheckProposal(proposal *wire.CircuitProposal) error {
	if proposal.CircuitID == "" {
		return fmt.Errorf("admin: proposal %s has no circuit id", proposal.ProposalID)
	}

	if len(proposal.Members) == 0 {
		return fmt.Errorf("admin: circuit %s has no members", proposal.CircuitID)
	}

	member := false
	for _, id := range proposal.Members {
		if id == m.localID {
			member = true
			break
		}
	}
	if !member {
		return fmt.Errorf("admin: local node is not a member of circuit %s",
			proposal.CircuitID)
	}

	if _, err := m.store.Get(proposal.CircuitID); err == nil {
		return fmt.Errorf("admin: circuit %s already exists", proposal.CircuitID)
	} else if err != ErrCircuitNotFound {
		return err
	}

	return nil
}

// Accept persists the committed circuit.
func (m *Manager) Accept(proposal *wire.CircuitProposal) {
	circuit := &Circuit{
		ID:        proposal.CircuitID,
		Members:   proposal.Members,
		Summary:   proposal.Summary,
		CreatedAt: time.Now().UTC(),
	}

	if err := m.store.Add(circuit); err != nil {
		m.logger.WithFields(logrus.Fields{
			"circuit": circuit.ID,
			"error":   err,
		}).Error("failed to persist committed circuit")
		return
	}

	m.logger.WithField("circuit", circuit.ID).Info("circuit committed")

	m.publish(Event{
		Type:       EventCircuitCommitted,
		ProposalID: proposal.ProposalID,
		CircuitID:  proposal.CircuitID,
	})
}

// Reject discards the proposal.
func (m *Manager) Reject(proposal *wire.CircuitProposal) {
	m.logger.WithFields(logrus.Fields{
		"proposal": proposal.ProposalID,
		"circuit":  proposal.CircuitID,
	}).Info("proposal rejected")

	m.publish(Event{
		Type:       EventProposalRejected,
		ProposalID: proposal.ProposalID,
		CircuitID:  proposal.CircuitID,
	})
}

// Circuits lists all committed circuits.
func (m *Manager) Circuits() ([]*Circuit, error) {
	return m.store.List()
}

// Circuit retrieves one committed circuit by id.
func (m *Manager) Circuit(id string) (*Circuit, error) {
	return m.store.Get(id)
}

// Subscribe registers for proposal outcome events. The returned channel is
// closed when the manager shuts down or the subscriber falls behind.
func (m *Manager) Subscribe() <-chan Event {
	m.lock.Lock()
	defer m.lock.Unlock()

	ch := make(chan Event, eventBuffer)
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Shutdown ends all subscriptions.
func (m *Manager) Shutdown() {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil
}

func (m *Manager) publish(event Event) {
	m.lock.Lock()
	defer m.lock.Unlock()

	kept := m.subscribers[:0]
	for _, ch := range m.subscribers {
		select {
		case ch <- event:
			kept = append(kept, ch)
		default:
			m.logger.Warn("dropping slow admin event subscriber")
			close(ch)
		}
	}
	m.subscribers = kept
}
