package admin

import (
	"errors"
	"sort"

	"github.com/dgraph-io/badger"
)

const circuitPrefix = "circuit:"

// ErrCircuitNotFound is returned when no circuit has the requested id.
var ErrCircuitNotFound = errors.New("admin: circuit not found")

// BadgerCircuitStore persists committed circuits in a badger database so they
// survive restarts.
type BadgerCircuitStore struct {
	db   *badger.DB
	path string
}

// NewBadgerCircuitStore opens (or creates) the circuit database at path.
func NewBadgerCircuitStore(path string) (*BadgerCircuitStore, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerCircuitStore{
		db:   handle,
		path: path,
	}, nil
}

// Add persists a circuit, overwriting any previous circuit with the same id.
func (s *BadgerCircuitStore) Add(circuit *Circuit) error {
	raw, err := circuit.Marshal()
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(circuitKey(circuit.ID), raw)
	})
}

// Get retrieves the circuit with the given id.
func (s *BadgerCircuitStore) Get(id string) (*Circuit, error) {
	var circuit Circuit

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(circuitKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrCircuitNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return circuit.Unmarshal(val)
		})
	})
	if err != nil {
		return nil, err
	}

	return &circuit, nil
}

// List returns all stored circuits sorted by id.
func (s *BadgerCircuitStore) List() ([]*Circuit, error) {
	var circuits []*Circuit

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(circuitPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var circuit Circuit
			err := it.Item().Value(func(val []byte) error {
				return circuit.Unmarshal(val)
			})
			if err != nil {
				return err
			}
			circuits = append(circuits, &circuit)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(circuits, func(i, j int) bool {
		return circuits[i].ID < circuits[j].ID
	})

	return circuits, nil
}

// Close releases the database.
func (s *BadgerCircuitStore) Close() error {
	return s.db.Close()
}

func circuitKey(id string) []byte {
	return []byte(circuitPrefix + id)
}
