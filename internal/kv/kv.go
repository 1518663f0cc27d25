// Package kv provides the shared coordination store backing rate-limit
// counters, concurrency leases, the billing buffer, cancellation tombstones,
// and distributed locks. Backed by BadgerDB so a single-node deployment
// needs no external service; all operations are transactional.
package kv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrKeyNotFound is returned when a key is not present in the store.
var ErrKeyNotFound = errors.New("kv: key not found")

// Store wraps a Badger database with the primitives the service needs.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a store at dir. An empty dir opens an in-memory
// store, which is what tests use.
func Open(dir string) (*Store, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// maxTxnRetries bounds optimistic-concurrency retries on ErrConflict.
const maxTxnRetries = 8

func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxTxnRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Set stores value at key with an optional TTL (0 = no expiry).
func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	return s.update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// Get returns the value at key, or ErrKeyNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrKeyNotFound
			}
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

// Has reports whether key exists and has not expired.
func (s *Store) Has(key string) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	return s.update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Incr atomically increments the counter at key and returns the new value.
// The TTL is applied when the counter is created, so a windowed counter
// expires relative to its first increment.
func (s *Store) Incr(key string, ttl time.Duration) (int64, error) {
	var n int64
	err := s.update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			n = 1
			e := badger.NewEntry([]byte(key), encodeInt64(1))
			if ttl > 0 {
				e = e.WithTTL(ttl)
			}
			return txn.SetEntry(e)
		case err != nil:
			return err
		}

		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		n = decodeInt64(val) + 1

		// Preserve the remaining TTL so the window does not slide forward
		// on every increment.
		e := badger.NewEntry([]byte(key), encodeInt64(n))
		if exp := item.ExpiresAt(); exp > 0 {
			remaining := time.Until(time.Unix(int64(exp), 0))
			if remaining <= 0 {
				n = 1
				e = badger.NewEntry([]byte(key), encodeInt64(1))
				if ttl > 0 {
					e = e.WithTTL(ttl)
				}
				return txn.SetEntry(e)
			}
			e = e.WithTTL(remaining)
		}
		return txn.SetEntry(e)
	})
	return n, err
}

// GetInt64 returns the counter at key, or 0 when absent.
func (s *Store) GetInt64(key string) (int64, error) {
	val, err := s.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeInt64(val), nil
}

// SetNX stores value at key only if the key is absent. Returns true when
// the write happened. Used for distributed locks and tombstone markers.
func (s *Store) SetNX(key string, value []byte, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		e := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		if err := txn.SetEntry(e); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func encodeInt64(n int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}

func decodeInt64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
