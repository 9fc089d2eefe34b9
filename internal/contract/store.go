// Package contract holds the values peers store and serve for content keys.
//
// The node treats values and parameters as opaque bytes; validating or
// merging them is left to whatever runs the contract.
package contract

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/Operative-001/ringnet/internal/ring"
)

// ErrNotFound is returned by Params for a key the store has never seen.
var ErrNotFound = errors.New("contract: not found")

// Key names a contract. Its ring location decides which peers hold it.
type Key string

// Location returns where k lives on the ring.
func (k Key) Location() ring.Location { return ring.LocationFromBytes([]byte(k)) }

func (k Key) String() string { return string(k) }

type (
	Value  []byte
	Params []byte
)

// Store is what the operation engine needs from contract storage.
type Store interface {
	Get(ctx context.Context, key Key) (Value, bool, error)
	Put(ctx context.Context, key Key, value Value, params Params) error
	Params(ctx context.Context, key Key) (Params, error)
}

type entry struct {
	value  Value
	params Params
}

// MemoryStore keeps everything in a map. Useful for tests and ephemeral
// nodes.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[Key]entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[Key]entry)}
}

func (s *MemoryStore) Get(_ context.Context, key Key) (Value, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append(Value(nil), e.value...), true, nil
}

// Put stores value under key. Nil params keep whatever params were stored
// before.
func (s *MemoryStore) Put(_ context.Context, key Key, value Value, params Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	e.value = append(Value(nil), value...)
	if params != nil {
		e.params = append(Params(nil), params...)
	}
	s.entries[key] = e
	return nil
}

func (s *MemoryStore) Params(_ context.Context, key Key) (Params, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append(Params(nil), e.params...), nil
}

// Keys lists stored keys in order.
func (s *MemoryStore) Keys(context.Context) ([]Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}
