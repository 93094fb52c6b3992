package consensus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/trellisnet/trellis/src/common"
	"github.com/trellisnet/trellis/src/dispatch"
	"github.com/trellisnet/trellis/src/wire"
)

// recordingManager counts terminal callbacks and optionally rejects
// proposals during validation.
type recordingManager struct {
	lock     sync.Mutex
	checkErr error
	accepted []string
	rejected []string
}

func (m *recordingManager) CheckProposal(proposal *wire.CircuitProposal) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.checkErr
}

func (m *recordingManager) Accept(proposal *wire.CircuitProposal) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.accepted = append(m.accepted, proposal.ProposalID)
}

func (m *recordingManager) Reject(proposal *wire.CircuitProposal) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.rejected = append(m.rejected, proposal.ProposalID)
}

func (m *recordingManager) counts() (int, int) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.accepted), len(m.rejected)
}

type testNode struct {
	id         string
	dispatcher *dispatch.Dispatcher
	engine     *TwoPhaseEngine
	manager    *recordingManager
}

// testNetwork routes messages between engines synchronously, standing in for
// the mesh and connection manager.
type testNetwork struct {
	lock  sync.Mutex
	nodes map[string]*testNode

	// unreachable peers swallow sends with an error
	unreachable map[string]bool
}

func newTestNetwork() *testNetwork {
	return &testNetwork{
		nodes:       make(map[string]*testNode),
		unreachable: make(map[string]bool),
	}
}

type testSender struct {
	from    string
	network *testNetwork
}

func (s *testSender) SendTo(peerID string, msg []byte) error {
	s.network.lock.Lock()
	node, ok := s.network.nodes[peerID]
	down := s.network.unreachable[peerID]
	s.network.lock.Unlock()

	if !ok || down {
		return errors.New("peer unreachable")
	}
	return node.dispatcher.DispatchRaw(msg, s.from)
}

func (n *testNetwork) addNode(t *testing.T, id string, voteWindow time.Duration) *testNode {
	logger := common.NewTestEntry(t, logrus.DebugLevel)

	sender := &testSender{from: id, network: n}
	dispatcher := dispatch.NewDispatcher(sender, logger)
	manager := &recordingManager{}
	engine := NewTwoPhaseEngine(id, sender, manager, voteWindow, logger)
	engine.Register(dispatcher)

	node := &testNode{
		id:         id,
		dispatcher: dispatcher,
		engine:     engine,
		manager:    manager,
	}

	n.lock.Lock()
	n.nodes[id] = node
	n.lock.Unlock()

	return node
}

func proposalFor(coordinator string, members ...string) *wire.CircuitProposal {
	return &wire.CircuitProposal{
		ProposalID:    "prop-1",
		CircuitID:     "circuit-1",
		CoordinatorID: coordinator,
		Members:       members,
	}
}

func statusOf(node *testNode, proposalID string) string {
	for _, info := range node.engine.Proposals() {
		if info.ProposalID == proposalID {
			return info.Status
		}
	}
	return ""
}

func waitForStatus(t *testing.T, node *testNode, proposalID, want string) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if statusOf(node, proposalID) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("node %s: proposal %s never reached %s (now %s)",
		node.id, proposalID, want, statusOf(node, proposalID))
}

func TestCommitPath(t *testing.T) {
	network := newTestNetwork()
	alpha := network.addNode(t, "alpha", 0)
	beta := network.addNode(t, "beta", 0)
	gamma := network.addNode(t, "gamma", 0)

	if err := alpha.engine.Propose(proposalFor("alpha", "alpha", "beta", "gamma")); err != nil {
		t.Fatal(err)
	}

	for _, node := range []*testNode{alpha, beta, gamma} {
		if got := statusOf(node, "prop-1"); got != "Committed" {
			t.Fatalf("node %s: expected Committed, got %s", node.id, got)
		}
		accepted, rejected := node.manager.counts()
		if accepted != 1 || rejected != 0 {
			t.Fatalf("node %s: expected 1 accept / 0 rejects, got %d/%d",
				node.id, accepted, rejected)
		}
	}
}

func TestRejectionAborts(t *testing.T) {
	network := newTestNetwork()
	alpha := network.addNode(t, "alpha", 0)
	beta := network.addNode(t, "beta", 0)
	gamma := network.addNode(t, "gamma", 0)

	beta.manager.checkErr = errors.New("conflicting circuit id")

	if err := alpha.engine.Propose(proposalFor("alpha", "alpha", "beta", "gamma")); err != nil {
		t.Fatal(err)
	}

	for _, node := range []*testNode{alpha, beta, gamma} {
		if got := statusOf(node, "prop-1"); got != "Aborted" {
			t.Fatalf("node %s: expected Aborted, got %s", node.id, got)
		}
		accepted, rejected := node.manager.counts()
		if accepted != 0 || rejected != 1 {
			t.Fatalf("node %s: expected 0 accepts / 1 reject, got %d/%d",
				node.id, accepted, rejected)
		}
	}
}

func TestCoordinatorTimeout(t *testing.T) {
	network := newTestNetwork()
	alpha := network.addNode(t, "alpha", 50*time.Millisecond)
	beta := network.addNode(t, "beta", 50*time.Millisecond)

	// gamma never answers
	network.unreachable["gamma"] = true

	alpha.engine.Start()
	defer alpha.engine.Shutdown()

	if err := alpha.engine.Propose(proposalFor("alpha", "alpha", "beta", "gamma")); err != nil {
		t.Fatal(err)
	}

	waitForStatus(t, alpha, "prop-1", "Aborted")

	// the members that did answer learn the outcome from the result
	// broadcast
	waitForStatus(t, beta, "prop-1", "Aborted")

	accepted, rejected := beta.manager.counts()
	if accepted != 0 || rejected != 1 {
		t.Fatalf("beta: expected 0 accepts / 1 reject, got %d/%d", accepted, rejected)
	}
}

func TestVerifierTimeout(t *testing.T) {
	network := newTestNetwork()
	beta := network.addNode(t, "beta", 50*time.Millisecond)

	beta.engine.Start()
	defer beta.engine.Shutdown()

	// a proposal arrives from a coordinator that then vanishes; the vote
	// cannot be delivered and no result ever comes back
	proposal := proposalFor("ghost", "ghost", "beta")
	raw, err := proposal.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	msg, err := (&wire.Message{Type: wire.ProposalMessage, Payload: raw}).Marshal()
	if err != nil {
		t.Fatal(err)
	}

	// the vote send fails, which surfaces as a dispatch error; the engine
	// still tracks the proposal
	beta.dispatcher.DispatchRaw(msg, "ghost")

	waitForStatus(t, beta, "prop-1", "Aborted")

	accepted, rejected := beta.manager.counts()
	if accepted != 0 || rejected != 1 {
		t.Fatalf("expected 0 accepts / 1 reject, got %d/%d", accepted, rejected)
	}
}

func TestDuplicateProposalIgnored(t *testing.T) {
	network := newTestNetwork()
	alpha := network.addNode(t, "alpha", 0)
	beta := network.addNode(t, "beta", 0)

	if err := alpha.engine.Propose(proposalFor("alpha", "alpha", "beta")); err != nil {
		t.Fatal(err)
	}

	// replaying the proposal after commit changes nothing
	proposal := proposalFor("alpha", "alpha", "beta")
	raw, _ := proposal.Marshal()
	msg, _ := (&wire.Message{Type: wire.ProposalMessage, Payload: raw}).Marshal()
	if err := beta.dispatcher.DispatchRaw(msg, "alpha"); err != nil {
		t.Fatal(err)
	}

	if got := statusOf(beta, "prop-1"); got != "Committed" {
		t.Fatalf("expected Committed, got %s", got)
	}
	accepted, _ := beta.manager.counts()
	if accepted != 1 {
		t.Fatalf("expected exactly 1 accept, got %d", accepted)
	}
}

func TestLateVoteIgnored(t *testing.T) {
	network := newTestNetwork()
	alpha := network.addNode(t, "alpha", 0)
	network.addNode(t, "beta", 0)

	if err := alpha.engine.Propose(proposalFor("alpha", "alpha", "beta")); err != nil {
		t.Fatal(err)
	}
	if got := statusOf(alpha, "prop-1"); got != "Committed" {
		t.Fatalf("expected Committed, got %s", got)
	}

	// a rejection arriving after the decision must not flip it
	vote := wire.ProposalVote{ProposalID: "prop-1", VoterID: "beta", Accept: false}
	raw, _ := vote.Marshal()
	msg, _ := (&wire.Message{Type: wire.VoteMessage, Payload: raw}).Marshal()
	if err := alpha.dispatcher.DispatchRaw(msg, "beta"); err != nil {
		t.Fatal(err)
	}

	if got := statusOf(alpha, "prop-1"); got != "Committed" {
		t.Fatalf("late vote flipped the decision to %s", got)
	}
}

func TestVoteFromNonMemberIgnored(t *testing.T) {
	network := newTestNetwork()
	alpha := network.addNode(t, "alpha", 0)

	// beta withholds its vote so the proposal stays open
	network.unreachable["beta"] = true

	if err := alpha.engine.Propose(proposalFor("alpha", "alpha", "beta")); err != nil {
		t.Fatal(err)
	}

	vote := wire.ProposalVote{ProposalID: "prop-1", VoterID: "mallory", Accept: true}
	raw, _ := vote.Marshal()
	msg, _ := (&wire.Message{Type: wire.VoteMessage, Payload: raw}).Marshal()
	if err := alpha.dispatcher.DispatchRaw(msg, "mallory"); err != nil {
		t.Fatal(err)
	}

	if got := statusOf(alpha, "prop-1"); got != "Voting" {
		t.Fatalf("a non-member vote settled the proposal: %s", got)
	}
}

func TestSingleMemberCommitsImmediately(t *testing.T) {
	network := newTestNetwork()
	alpha := network.addNode(t, "alpha", 0)

	if err := alpha.engine.Propose(proposalFor("alpha", "alpha")); err != nil {
		t.Fatal(err)
	}

	if got := statusOf(alpha, "prop-1"); got != "Committed" {
		t.Fatalf("expected Committed, got %s", got)
	}
}

func TestProposeErrors(t *testing.T) {
	network := newTestNetwork()
	alpha := network.addNode(t, "alpha", 0)

	if err := alpha.engine.Propose(proposalFor("beta", "alpha", "beta")); err != ErrNotCoordinator {
		t.Fatalf("expected ErrNotCoordinator, got %v", err)
	}

	if err := alpha.engine.Propose(proposalFor("alpha", "alpha")); err != nil {
		t.Fatal(err)
	}
	if err := alpha.engine.Propose(proposalFor("alpha", "alpha")); err != ErrDuplicateProposal {
		t.Fatalf("expected ErrDuplicateProposal, got %v", err)
	}
}

func TestEngineSignalThenWait(t *testing.T) {
	network := newTestNetwork()
	alpha := network.addNode(t, "alpha", 0)

	alpha.engine.Start()

	// shutdown in two phases, the way the node does it; neither call may
	// hang, and repeating the combined form must be a no-op
	alpha.engine.SignalShutdown()
	alpha.engine.WaitForShutdown()
	alpha.engine.Shutdown()
}

func TestEngineShutdownWithoutStart(t *testing.T) {
	network := newTestNetwork()
	alpha := network.addNode(t, "alpha", 0)

	alpha.engine.Shutdown()
}
