// Package state implements the versioned key-value state the fee engine
// mutates: a committed database overlaid by a queue of speculative layers,
// one per uncommitted batch.
//
// Begin opens a layer on top of the queue and all writes land in the newest
// layer. Revert drops the newest layer. Commit folds the oldest layer into
// the database in one atomic write batch. Reads walk the layers newest to
// oldest and fall through to the database.
package state

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Klingon-tech/klingnet-fees/internal/storage"
	"github.com/Klingon-tech/klingnet-fees/pkg/crypto"
	"github.com/Klingon-tech/klingnet-fees/pkg/types"
)

// ErrNoBatch is returned when a layer operation runs with no open batch.
var ErrNoBatch = errors.New("no uncommitted batch")

// entry is one write in a layer. A deleted entry masks lower layers.
type entry struct {
	value   []byte
	deleted bool
}

type layer struct {
	writes map[string]entry
}

func newLayer() *layer {
	return &layer{writes: make(map[string]entry)}
}

// Store is a versioned key-value state.
type Store struct {
	mu     sync.RWMutex
	db     storage.DB
	layers []*layer // oldest first
}

// New creates a Store over db with no open layers.
func New(db storage.DB) *Store {
	return &Store{db: db}
}

// Begin opens a new speculative layer.
func (s *Store) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layers = append(s.layers, newLayer())
}

// Revert discards the newest layer and every write in it.
func (s *Store) Revert() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.layers) == 0 {
		return ErrNoBatch
	}
	s.layers[len(s.layers)-1] = nil
	s.layers = s.layers[:len(s.layers)-1]
	return nil
}

// Commit folds the oldest layer into the database atomically. On a write
// failure the layer stays queued.
func (s *Store) Commit() error {
	batch := storage.NewBatch(s.db)
	if err := s.Stage(batch); err != nil {
		batch.Cancel()
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("commit layer: %w", err)
	}
	return s.Advance()
}

// Stage writes the oldest layer into b, bound to the store's key
// namespace. b must be a batch on storage.Base of the store's database.
// The layer stays queued until Advance.
func (s *Store) Stage(b storage.Batch) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.layers) == 0 {
		return ErrNoBatch
	}
	oldest := s.layers[0]
	batch := storage.Bind(s.db, b)
	for _, k := range sortedKeys(oldest.writes) {
		e := oldest.writes[k]
		var err error
		if e.deleted {
			err = batch.Delete([]byte(k))
		} else {
			err = batch.Put([]byte(k), e.value)
		}
		if err != nil {
			return fmt.Errorf("stage %q: %w", k, err)
		}
	}
	return nil
}

// Advance drops the oldest layer once the batch it was staged into has
// committed.
func (s *Store) Advance() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.layers) == 0 {
		return ErrNoBatch
	}
	s.layers[0] = nil
	s.layers = s.layers[1:]
	return nil
}

// DB returns the database committed layers are written to.
func (s *Store) DB() storage.DB {
	return s.db
}

// Depth returns the number of open layers.
func (s *Store) Depth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.layers)
}

// Get returns the value for key as seen through all open layers.
// Returns storage.ErrNotFound when the key is absent or deleted.
func (s *Store) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(key)
}

func (s *Store) get(key []byte) ([]byte, error) {
	k := string(key)
	for i := len(s.layers) - 1; i >= 0; i-- {
		if e, ok := s.layers[i].writes[k]; ok {
			if e.deleted {
				return nil, storage.ErrNotFound
			}
			return bytes.Clone(e.value), nil
		}
	}
	return s.db.Get(key)
}

// GetCommitted reads key from the database only, ignoring open layers.
func (s *Store) GetCommitted(key []byte) ([]byte, error) {
	return s.db.Get(key)
}

// Has reports whether key is present through all open layers.
func (s *Store) Has(key []byte) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Put writes key into the newest layer.
func (s *Store) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.layers) == 0 {
		return ErrNoBatch
	}
	s.layers[len(s.layers)-1].writes[string(key)] = entry{value: bytes.Clone(value)}
	return nil
}

// Delete masks key in the newest layer.
func (s *Store) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.layers) == 0 {
		return ErrNoBatch
	}
	s.layers[len(s.layers)-1].writes[string(key)] = entry{deleted: true}
	return nil
}

// ForEach iterates in key order over every live key with the given prefix,
// merging the database with all open layers.
func (s *Store) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	s.mu.RLock()
	merged := make(map[string][]byte)
	err := s.db.ForEach(prefix, func(key, value []byte) error {
		merged[string(key)] = bytes.Clone(value)
		return nil
	})
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	for _, l := range s.layers {
		for k, e := range l.writes {
			if !bytes.HasPrefix([]byte(k), prefix) {
				continue
			}
			if e.deleted {
				delete(merged, k)
			} else {
				merged[k] = bytes.Clone(e.value)
			}
		}
	}
	s.mu.RUnlock()

	for _, k := range sortedKeys(merged) {
		if err := fn([]byte(k), merged[k]); err != nil {
			return err
		}
	}
	return nil
}

// Root returns a digest over every live key/value with the given prefix.
// Two stores with the same logical content under prefix have equal roots.
func (s *Store) Root(prefix []byte) (types.Hash, error) {
	var parts [][]byte
	err := s.ForEach(prefix, func(key, value []byte) error {
		parts = append(parts, key, value)
		return nil
	})
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.HashParts(parts...), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
