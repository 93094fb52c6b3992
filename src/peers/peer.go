package peers

// Peer identifies a remote node: its public key in hex form, the endpoint
// it listens on, and an optional human-readable moniker.
type Peer struct {
	ID       string
	Endpoint string
	Moniker  string
}

// NewPeer creates a Peer.
func NewPeer(id, endpoint, moniker string) *Peer {
	return &Peer{
		ID:       id,
		Endpoint: endpoint,
		Moniker:  moniker,
	}
}
