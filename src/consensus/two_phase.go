package consensus

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trellisnet/trellis/src/dispatch"
	"github.com/trellisnet/trellis/src/telemetry"
	"github.com/trellisnet/trellis/src/wire"
)

const (
	// DefaultVoteWindow is how long a proposal may sit in the voting phase
	// before it is abandoned.
	DefaultVoteWindow = 30 * time.Second

	// expiryPollInterval is how often the engine sweeps voting proposals
	// for expired timeouts.
	expiryPollInterval = 100 * time.Millisecond
)

var (
	// ErrDuplicateProposal is returned when a proposal id is already being
	// voted on or has already reached a terminal state.
	ErrDuplicateProposal = errors.New("consensus: duplicate proposal")

	// ErrNotCoordinator is returned by Propose when the local node is not
	// the proposal's coordinator.
	ErrNotCoordinator = errors.New("consensus: local node is not the coordinator")
)

// ProposalStatus is the lifecycle of one proposal. Committed and Aborted are
// terminal; a proposal never leaves either.
type ProposalStatus int

const (
	StatusVoting ProposalStatus = iota
	StatusCommitted
	StatusAborted
)

// String implements the Stringer interface.
func (s ProposalStatus) String() string {
	switch s {
	case StatusVoting:
		return "Voting"
	case StatusCommitted:
		return "Committed"
	case StatusAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// ProposalManager is the application half of the agreement protocol: it
// validates incoming proposals and applies terminal outcomes.
type ProposalManager interface {
	// CheckProposal decides whether this node approves the proposal. A
	// non-nil error is a rejection vote.
	CheckProposal(proposal *wire.CircuitProposal) error

	// Accept is called exactly once when a proposal commits.
	Accept(proposal *wire.CircuitProposal)

	// Reject is called exactly once when a proposal aborts.
	Reject(proposal *wire.CircuitProposal)
}

// ProposalInfo is a read-only snapshot of one tracked proposal.
type ProposalInfo struct {
	ProposalID  string `json:"proposal_id"`
	CircuitID   string `json:"circuit_id"`
	Coordinator string `json:"coordinator"`
	Status      string `json:"status"`
}

type proposalState struct {
	proposal    wire.CircuitProposal
	coordinator bool
	status      ProposalStatus
	timeout     *Timeout

	// approvals collects accept votes by voter id; coordinator side only
	approvals map[string]bool
}

/*
TwoPhaseEngine implements single-decree agreement over circuit proposals. The
coordinator sends the proposal to every other member and waits for votes: all
members approving commits the proposal, any rejection or an expired vote
window aborts it. Either way the coordinator broadcasts the result so every
member reaches the same terminal state. Verifiers run their own timeout as a
backstop against a coordinator that never reports back.
*/
type TwoPhaseEngine struct {
	localID    string
	sender     dispatch.NetworkSender
	manager    ProposalManager
	voteWindow time.Duration

	lock      sync.Mutex
	proposals map[string]*proposalState

	// newTimeout is replaceable for tests
	newTimeout func() *Timeout

	started      bool
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	doneCh       chan struct{}

	logger *logrus.Entry
}

// NewTwoPhaseEngine creates an engine for the given local node. A zero
// voteWindow falls back to DefaultVoteWindow.
func NewTwoPhaseEngine(
	localID string,
	sender dispatch.NetworkSender,
	manager ProposalManager,
	voteWindow time.Duration,
	logger *logrus.Entry,
) *TwoPhaseEngine {

	if voteWindow == 0 {
		voteWindow = DefaultVoteWindow
	}

	e := &TwoPhaseEngine{
		localID:    localID,
		sender:     sender,
		manager:    manager,
		voteWindow: voteWindow,
		proposals:  make(map[string]*proposalState),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
		logger:     logger,
	}

	e.newTimeout = func() *Timeout { return NewTimeout(e.voteWindow) }

	return e
}

// Start launches the expiry sweeper.
func (e *TwoPhaseEngine) Start() {
	e.started = true
	go e.sweepLoop()
}

// SignalShutdown asks the expiry sweeper to stop without waiting for it.
func (e *TwoPhaseEngine) SignalShutdown() {
	e.shutdownOnce.Do(func() {
		close(e.shutdownCh)
	})
}

// WaitForShutdown blocks until the sweeper has exited.
func (e *TwoPhaseEngine) WaitForShutdown() {
	if e.started {
		<-e.doneCh
	}
}

// Shutdown stops the expiry sweeper and waits for it. Proposals still voting
// are left in place; a restarted engine would abort them on timeout.
func (e *TwoPhaseEngine) Shutdown() {
	e.SignalShutdown()
	e.WaitForShutdown()
}

// Register installs the engine's message handlers on the dispatcher.
func (e *TwoPhaseEngine) Register(d *dispatch.Dispatcher) {
	d.SetHandler(wire.ProposalMessage, dispatch.HandlerFunc(e.handleProposalMessage))
	d.SetHandler(wire.VoteMessage, dispatch.HandlerFunc(e.handleVoteMessage))
	d.SetHandler(wire.ResultMessage, dispatch.HandlerFunc(e.handleResultMessage))
}

// Propose starts the agreement protocol for a proposal coordinated by the
// local node. The coordinator's own approval is implicit.
func (e *TwoPhaseEngine) Propose(proposal *wire.CircuitProposal) error {
	if proposal.CoordinatorID != e.localID {
		return ErrNotCoordinator
	}

	e.lock.Lock()

	if _, ok := e.proposals[proposal.ProposalID]; ok {
		e.lock.Unlock()
		return ErrDuplicateProposal
	}

	state := &proposalState{
		proposal:    *proposal,
		coordinator: true,
		status:      StatusVoting,
		timeout:     e.newTimeout(),
		approvals:   make(map[string]bool),
	}
	state.timeout.Start()
	e.proposals[proposal.ProposalID] = state

	// a single-member circuit has nobody to ask
	if e.votesComplete(state) {
		e.decideLocked(state, true)
		e.lock.Unlock()
		return nil
	}

	e.lock.Unlock()

	raw, err := proposal.Marshal()
	if err != nil {
		return err
	}
	msg := wire.Message{Type: wire.ProposalMessage, Payload: raw}
	wireBytes, err := msg.Marshal()
	if err != nil {
		return err
	}

	for _, member := range proposal.Members {
		if member == e.localID {
			continue
		}
		if err := e.sender.SendTo(member, wireBytes); err != nil {
			e.logger.WithFields(logrus.Fields{
				"proposal": proposal.ProposalID,
				"member":   member,
				"error":    err,
			}).Warn("failed to send proposal to member")
		}
	}

	return nil
}

// Proposals snapshots all tracked proposals, sorted by id.
func (e *TwoPhaseEngine) Proposals() []ProposalInfo {
	e.lock.Lock()
	defer e.lock.Unlock()

	infos := make([]ProposalInfo, 0, len(e.proposals))
	for _, state := range e.proposals {
		infos = append(infos, ProposalInfo{
			ProposalID:  state.proposal.ProposalID,
			CircuitID:   state.proposal.CircuitID,
			Coordinator: state.proposal.CoordinatorID,
			Status:      state.status.String(),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ProposalID < infos[j].ProposalID
	})

	return infos
}

func (e *TwoPhaseEngine) handleProposalMessage(payload []byte, ctx *dispatch.MessageContext, sender dispatch.NetworkSender) error {
	var proposal wire.CircuitProposal
	if err := proposal.Unmarshal(payload); err != nil {
		return err
	}

	if ctx.SourcePeerID != proposal.CoordinatorID {
		return fmt.Errorf("proposal %s relayed by %s, not its coordinator",
			proposal.ProposalID, ctx.SourcePeerID)
	}

	e.lock.Lock()
	if _, ok := e.proposals[proposal.ProposalID]; ok {
		e.lock.Unlock()
		e.logger.WithField("proposal", proposal.ProposalID).
			Debug("ignoring duplicate proposal")
		return nil
	}

	state := &proposalState{
		proposal: proposal,
		status:   StatusVoting,
		timeout:  e.newTimeout(),
	}
	state.timeout.Start()
	e.proposals[proposal.ProposalID] = state
	e.lock.Unlock()

	accept := true
	if err := e.manager.CheckProposal(&proposal); err != nil {
		e.logger.WithFields(logrus.Fields{
			"proposal": proposal.ProposalID,
			"error":    err,
		}).Debug("voting to reject proposal")
		accept = false
	}

	vote := wire.ProposalVote{
		ProposalID: proposal.ProposalID,
		VoterID:    e.localID,
		Accept:     accept,
	}
	raw, err := vote.Marshal()
	if err != nil {
		return err
	}
	msg := wire.Message{Type: wire.VoteMessage, Payload: raw}
	wireBytes, err := msg.Marshal()
	if err != nil {
		return err
	}

	return sender.SendTo(proposal.CoordinatorID, wireBytes)
}

func (e *TwoPhaseEngine) handleVoteMessage(payload []byte, ctx *dispatch.MessageContext, sender dispatch.NetworkSender) error {
	var vote wire.ProposalVote
	if err := vote.Unmarshal(payload); err != nil {
		return err
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	state, ok := e.proposals[vote.ProposalID]
	if !ok || !state.coordinator || state.status != StatusVoting {
		// late, duplicate, or misdirected; the protocol has moved on
		e.logger.WithFields(logrus.Fields{
			"proposal": vote.ProposalID,
			"voter":    ctx.SourcePeerID,
		}).Debug("ignoring stale vote")
		return nil
	}

	if !e.isMember(state, vote.VoterID) || vote.VoterID != ctx.SourcePeerID {
		e.logger.WithFields(logrus.Fields{
			"proposal": vote.ProposalID,
			"voter":    vote.VoterID,
			"source":   ctx.SourcePeerID,
		}).Warn("ignoring vote from non-member")
		return nil
	}

	if !vote.Accept {
		e.decideLocked(state, false)
		return nil
	}

	state.approvals[vote.VoterID] = true

	if e.votesComplete(state) {
		e.decideLocked(state, true)
	}

	return nil
}

func (e *TwoPhaseEngine) handleResultMessage(payload []byte, ctx *dispatch.MessageContext, sender dispatch.NetworkSender) error {
	var result wire.ProposalResult
	if err := result.Unmarshal(payload); err != nil {
		return err
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	state, ok := e.proposals[result.ProposalID]
	if !ok || state.coordinator || state.status != StatusVoting {
		e.logger.WithField("proposal", result.ProposalID).
			Debug("ignoring stale result")
		return nil
	}

	if ctx.SourcePeerID != state.proposal.CoordinatorID {
		e.logger.WithFields(logrus.Fields{
			"proposal": result.ProposalID,
			"source":   ctx.SourcePeerID,
		}).Warn("ignoring result from non-coordinator")
		return nil
	}

	e.finishLocked(state, result.Commit)

	return nil
}

// votesComplete reports whether every member other than the coordinator has
// approved. Call with the lock held.
func (e *TwoPhaseEngine) votesComplete(state *proposalState) bool {
	for _, member := range state.proposal.Members {
		if member == e.localID {
			continue
		}
		if !state.approvals[member] {
			return false
		}
	}
	return true
}

func (e *TwoPhaseEngine) isMember(state *proposalState, id string) bool {
	for _, member := range state.proposal.Members {
		if member == id {
			return true
		}
	}
	return false
}

// decideLocked settles a coordinated proposal and broadcasts the result to
// the other members. Call with the lock held.
func (e *TwoPhaseEngine) decideLocked(state *proposalState, commit bool) {
	e.finishLocked(state, commit)

	result := wire.ProposalResult{
		ProposalID: state.proposal.ProposalID,
		Commit:     commit,
	}
	raw, err := result.Marshal()
	if err != nil {
		e.logger.WithError(err).Error("failed to marshal proposal result")
		return
	}
	msg := wire.Message{Type: wire.ResultMessage, Payload: raw}
	wireBytes, err := msg.Marshal()
	if err != nil {
		e.logger.WithError(err).Error("failed to marshal proposal result")
		return
	}

	for _, member := range state.proposal.Members {
		if member == e.localID {
			continue
		}
		if err := e.sender.SendTo(member, wireBytes); err != nil {
			e.logger.WithFields(logrus.Fields{
				"proposal": state.proposal.ProposalID,
				"member":   member,
				"error":    err,
			}).Warn("failed to send result to member")
		}
	}
}

// finishLocked moves a proposal to its terminal state and fires the
// application callback. Call with the lock held.
func (e *TwoPhaseEngine) finishLocked(state *proposalState, commit bool) {
	state.timeout.Stop()

	if commit {
		state.status = StatusCommitted
		telemetry.ProposalsTotal.WithLabelValues("commit").Inc()
		e.manager.Accept(&state.proposal)
	} else {
		state.status = StatusAborted
		telemetry.ProposalsTotal.WithLabelValues("abort").Inc()
		e.manager.Reject(&state.proposal)
	}

	e.logger.WithFields(logrus.Fields{
		"proposal": state.proposal.ProposalID,
		"status":   state.status,
	}).Debug("proposal settled")
}

func (e *TwoPhaseEngine) sweepLoop() {
	defer close(e.doneCh)

	ticker := time.NewTicker(expiryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.sweepExpired()
		case <-e.shutdownCh:
			return
		}
	}
}

// sweepExpired aborts every voting proposal whose window has run out.
func (e *TwoPhaseEngine) sweepExpired() {
	e.lock.Lock()
	defer e.lock.Unlock()

	for _, state := range e.proposals {
		if state.status != StatusVoting || !state.timeout.CheckExpired() {
			continue
		}

		e.logger.WithField("proposal", state.proposal.ProposalID).
			Warn("vote window expired")

		if state.coordinator {
			e.decideLocked(state, false)
		} else {
			e.finishLocked(state, false)
		}
	}
}
