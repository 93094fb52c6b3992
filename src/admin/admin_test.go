package admin

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/trellisnet/trellis/src/common"
	"github.com/trellisnet/trellis/src/wire"
)

func testStore(t *testing.T) (*BadgerCircuitStore, func()) {
	dir, err := ioutil.TempDir("", "circuits")
	if err != nil {
		t.Fatal(err)
	}

	store, err := NewBadgerCircuitStore(dir)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}

	return store, func() {
		store.Close()
		os.RemoveAll(dir)
	}
}

func TestStoreAddGetList(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()

	if _, err := store.Get("nope"); err != ErrCircuitNotFound {
		t.Fatalf("expected ErrCircuitNotFound, got %v", err)
	}

	circuits := []*Circuit{
		{ID: "circuit-b", Members: []string{"alpha", "beta"}},
		{ID: "circuit-a", Members: []string{"alpha", "gamma"}},
	}
	for _, c := range circuits {
		if err := store.Add(c); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.Get("circuit-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Members) != 2 || got.Members[1] != "gamma" {
		t.Fatalf("unexpected circuit: %+v", got)
	}

	all, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 circuits, got %d", len(all))
	}
	if all[0].ID != "circuit-a" || all[1].ID != "circuit-b" {
		t.Fatalf("listing not sorted by id: %s, %s", all[0].ID, all[1].ID)
	}
}

func TestCheckProposal(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()

	logger := common.NewTestEntry(t, logrus.DebugLevel)
	manager := NewManager("alpha", store, logger)

	proposal := &wire.CircuitProposal{
		ProposalID: "prop-1",
		CircuitID:  "circuit-1",
		Members:    []string{"alpha", "beta"},
	}
	if err := manager.CheckProposal(proposal); err != nil {
		t.Fatal(err)
	}

	// not a member
	outsider := &wire.CircuitProposal{
		ProposalID: "prop-2",
		CircuitID:  "circuit-2",
		Members:    []string{"beta", "gamma"},
	}
	if err := manager.CheckProposal(outsider); err == nil {
		t.Fatal("expected rejection for a circuit the node is not in")
	}

	// missing circuit id
	anonymous := &wire.CircuitProposal{ProposalID: "prop-3", Members: []string{"alpha"}}
	if err := manager.CheckProposal(anonymous); err == nil {
		t.Fatal("expected rejection for a proposal without a circuit id")
	}

	// existing circuit
	manager.Accept(proposal)
	if err := manager.CheckProposal(proposal); err == nil {
		t.Fatal("expected rejection for an already committed circuit")
	}
}

func TestAcceptPersistsAndPublishes(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()

	logger := common.NewTestEntry(t, logrus.DebugLevel)
	manager := NewManager("alpha", store, logger)
	defer manager.Shutdown()

	events := manager.Subscribe()

	proposal := &wire.CircuitProposal{
		ProposalID: "prop-1",
		CircuitID:  "circuit-1",
		Members:    []string{"alpha", "beta"},
		Summary:    []byte("shared ledger"),
	}
	manager.Accept(proposal)

	circuit, err := manager.Circuit("circuit-1")
	if err != nil {
		t.Fatal(err)
	}
	if string(circuit.Summary) != "shared ledger" {
		t.Fatalf("unexpected summary: %s", circuit.Summary)
	}

	event := <-events
	if event.Type != EventCircuitCommitted || event.CircuitID != "circuit-1" {
		t.Fatalf("unexpected event: %+v", event)
	}

	manager.Reject(&wire.CircuitProposal{ProposalID: "prop-2", CircuitID: "circuit-2"})
	event = <-events
	if event.Type != EventProposalRejected || event.ProposalID != "prop-2" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestNewProposalIDsDistinct(t *testing.T) {
	store, cleanup := testStore(t)
	defer cleanup()

	logger := common.NewTestEntry(t, logrus.DebugLevel)
	manager := NewManager("alpha", store, logger)

	first, err := manager.NewProposal("circuit-1", []string{"alpha", "beta"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := manager.NewProposal("circuit-1", []string{"alpha", "beta"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if first.ProposalID == second.ProposalID {
		t.Fatal("proposal ids must be distinct across rounds")
	}
	if first.CoordinatorID != "alpha" {
		t.Fatalf("expected coordinator alpha, got %s", first.CoordinatorID)
	}
}
