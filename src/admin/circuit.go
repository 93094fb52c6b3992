package admin

import (
	"bytes"
	"time"

	"github.com/ugorji/go/codec"
)

// Circuit is a committed agreement between a set of members. Only circuits
// that survived the full voting round are ever stored.
type Circuit struct {
	ID        string    `json:"id"`
	Members   []string  `json:"members"`
	Summary   []byte    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// Marshal - json encoding of Circuit
func (c *Circuit) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(c); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (c *Circuit) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	if err := dec.Decode(c); err != nil {
		return err
	}

	return nil
}
