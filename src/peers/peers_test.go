package peers

import (
	"io/ioutil"
	"os"
	"testing"
)

func TestJSONPeersRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "peers")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store := NewJSONPeers(dir)

	// the store is empty to start
	if _, err := store.Peers(); err == nil {
		t.Fatal("expected an error on a missing peer file")
	}

	keys := []string{"0XAA", "0XBB", "0XCC"}
	peerSlice := []*Peer{}
	for i, k := range keys {
		peerSlice = append(peerSlice, NewPeer(k, "tcp://127.0.0.1:900"+string(rune('0'+i)), ""))
	}

	if err := store.SetPeers(peerSlice); err != nil {
		t.Fatal(err)
	}

	set, err := store.Peers()
	if err != nil {
		t.Fatal(err)
	}

	if set.Len() != len(keys) {
		t.Fatalf("expected %d peers, got %d", len(keys), set.Len())
	}

	for _, k := range keys {
		if _, ok := set.ByID(k); !ok {
			t.Fatalf("peer %s missing from set", k)
		}
	}
}

func TestJSONPeersRejectsBadID(t *testing.T) {
	dir, err := ioutil.TempDir("", "peers")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store := NewJSONPeers(dir)

	if err := store.SetPeers([]*Peer{NewPeer("not-a-key", "tcp://127.0.0.1:9000", "")}); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Peers(); err == nil {
		t.Fatal("expected an error loading a peer whose id is not 0X-hex")
	}
}

func TestPeerSetAdd(t *testing.T) {
	set := NewPeerSet(nil)

	set.Add(NewPeer("0XAA", "tcp://127.0.0.1:9000", "alpha"))
	set.Add(NewPeer("0XAA", "tcp://127.0.0.1:9001", "alpha"))

	if set.Len() != 1 {
		t.Fatalf("expected replacement, got %d peers", set.Len())
	}

	p, _ := set.ByID("0XAA")
	if p.Endpoint != "tcp://127.0.0.1:9001" {
		t.Fatalf("expected replaced endpoint, got %s", p.Endpoint)
	}
}
