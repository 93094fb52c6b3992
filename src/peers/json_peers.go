package peers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"sync"

	"github.com/trellisnet/trellis/src/common"
)

const jsonPeerPath = "peers.json"

// JSONPeers provides peer persistence on disk in the form of a JSON file,
// so human operators can manipulate it directly.
type JSONPeers struct {
	l    sync.Mutex
	path string
}

// NewJSONPeers creates a JSONPeers store rooted at base.
func NewJSONPeers(base string) *JSONPeers {
	return &JSONPeers{
		path: filepath.Join(base, jsonPeerPath),
	}
}

// Peers reads the peer file and returns its contents as a PeerSet.
func (j *JSONPeers) Peers() (*PeerSet, error) {
	j.l.Lock()
	defer j.l.Unlock()

	buf, err := ioutil.ReadFile(j.path)
	if err != nil {
		return nil, err
	}

	if len(buf) == 0 {
		return NewPeerSet(nil), nil
	}

	var peerSlice []*Peer
	dec := json.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&peerSlice); err != nil {
		return nil, err
	}

	// the file is hand-editable, so check that every id is a public key in
	// the 0X-hex form before letting it into the set
	for _, peer := range peerSlice {
		if _, err := common.DecodeFromString(peer.ID); err != nil {
			return nil, fmt.Errorf("peers: invalid peer id %q: %v", peer.ID, err)
		}
	}

	return NewPeerSet(peerSlice), nil
}

// SetPeers writes the peers out as JSON.
func (j *JSONPeers) SetPeers(peers []*Peer) error {
	j.l.Lock()
	defer j.l.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "\t")
	if err := enc.Encode(peers); err != nil {
		return err
	}

	return ioutil.WriteFile(j.path, buf.Bytes(), 0755)
}
