package kv

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Durable FIFO lists over sequence-numbered keys:
//
//	l:{list}:seq              -> next sequence number
//	l:{list}:i:{seq:020d}     -> payload
//
// The billing buffer uses this to survive restarts between flushes.

func listSeqKey(list string) []byte {
	return []byte(fmt.Sprintf("l:%s:seq", list))
}

func listItemKey(list string, seq int64) []byte {
	return []byte(fmt.Sprintf("l:%s:i:%020d", list, seq))
}

func listItemPrefix(list string) []byte {
	return []byte(fmt.Sprintf("l:%s:i:", list))
}

// RPush appends value to the tail of the list.
func (s *Store) RPush(list string, value []byte) error {
	return s.update(func(txn *badger.Txn) error {
		var seq int64
		if item, err := txn.Get(listSeqKey(list)); err == nil {
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			seq = decodeInt64(val)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(listItemKey(list, seq), value); err != nil {
			return err
		}
		return txn.Set(listSeqKey(list), encodeInt64(seq+1))
	})
}

// LPopN removes and returns up to n values from the head of the list.
// Pop and read happen in one transaction so a crash cannot drop items
// without also keeping them.
func (s *Store) LPopN(list string, n int) ([][]byte, error) {
	var out [][]byte
	err := s.update(func(txn *badger.Txn) error {
		out = nil
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := listItemPrefix(list)
		var doomed [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(out) < n; it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, val)
			doomed = append(doomed, item.KeyCopy(nil))
		}
		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LLen returns the number of items in the list.
func (s *Store) LLen(list string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := listItemPrefix(list)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}
