package contract

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var bucketContracts = []byte("contracts")

// record is the on-disk form of one contract.
type record struct {
	Value   []byte `msgpack:"v"`
	Params  []byte `msgpack:"p,omitempty"`
	Updated int64  `msgpack:"t"` // unix nanos of the last Put
}

// BoltStore is a persistent Store backed by bbolt.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) contracts.db inside dir.
func OpenBoltStore(dir string) (*BoltStore, error) {
	db, err := bolt.Open(filepath.Join(dir, "contracts.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("contract: open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketContracts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("contract: init store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) load(key Key) (*record, error) {
	var rec *record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContracts).Get([]byte(key))
		if data == nil {
			return nil
		}
		rec = new(record)
		return msgpack.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("contract: read %q: %w", key, err)
	}
	return rec, nil
}

func (s *BoltStore) Get(_ context.Context, key Key) (Value, bool, error) {
	rec, err := s.load(key)
	if err != nil || rec == nil {
		return nil, false, err
	}
	return rec.Value, true, nil
}

// Put stores value under key. Nil params keep whatever params were stored
// before.
func (s *BoltStore) Put(_ context.Context, key Key, value Value, params Params) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketContracts)
		rec := record{Value: value, Params: params, Updated: time.Now().UnixNano()}

		if params == nil {
			if existing := bkt.Get([]byte(key)); existing != nil {
				var old record
				if msgpack.Unmarshal(existing, &old) == nil {
					rec.Params = old.Params
				}
			}
		}

		data, err := msgpack.Marshal(&rec)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(key), data)
	})
}

func (s *BoltStore) Params(_ context.Context, key Key) (Params, error) {
	rec, err := s.load(key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec.Params, nil
}

// Keys lists stored keys in byte order.
func (s *BoltStore) Keys(context.Context) ([]Key, error) {
	var keys []Key
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContracts).ForEach(func(k, _ []byte) error {
			keys = append(keys, Key(k))
			return nil
		})
	})
	return keys, err
}

// Delete removes key. Deleting a missing key is not an error.
func (s *BoltStore) Delete(_ context.Context, key Key) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContracts).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("contract: delete %q: %w", key, err)
	}
	return nil
}
