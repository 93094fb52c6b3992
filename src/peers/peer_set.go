package peers

import "sync"

// PeerSet is a read-mostly collection of peers indexed by id. It is safe for
// concurrent use.
type PeerSet struct {
	lock  sync.RWMutex
	peers map[string]*Peer
}

// NewPeerSet creates a PeerSet from a slice of peers.
func NewPeerSet(peers []*Peer) *PeerSet {
	set := &PeerSet{
		peers: make(map[string]*Peer, len(peers)),
	}
	for _, p := range peers {
		set.peers[p.ID] = p
	}
	return set
}

// ByID returns the peer with the given id.
func (s *PeerSet) ByID(id string) (*Peer, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	p, ok := s.peers[id]
	return p, ok
}

// Add inserts or replaces a peer.
func (s *PeerSet) Add(p *Peer) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.peers[p.ID] = p
}

// Peers returns a snapshot of all peers.
func (s *PeerSet) Peers() []*Peer {
	s.lock.RLock()
	defer s.lock.RUnlock()

	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Len returns the number of peers in the set.
func (s *PeerSet) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()

	return len(s.peers)
}
