package kv

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Sorted sets over prefixed keys. Each member is stored twice:
//
//	zm:{set}:{member}                -> score (for O(1) membership)
//	zs:{set}:{score:020d}:{member}   -> empty (for ordered scans)
//
// The score-ordered form lets expiry sweeps stop at the first future score,
// the same layout the queue visibility index uses.

func zMemberKey(set, member string) []byte {
	return []byte(fmt.Sprintf("zm:%s:%s", set, member))
}

func zScoreKey(set string, score int64, member string) []byte {
	return []byte(fmt.Sprintf("zs:%s:%020d:%s", set, score, member))
}

func zScorePrefix(set string) []byte {
	return []byte(fmt.Sprintf("zs:%s:", set))
}

// ZAdd inserts or updates member with the given score.
func (s *Store) ZAdd(set, member string, score int64) error {
	return s.update(func(txn *badger.Txn) error {
		mk := zMemberKey(set, member)
		if item, err := txn.Get(mk); err == nil {
			old, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Delete(zScoreKey(set, decodeInt64(old), member)); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(mk, encodeInt64(score)); err != nil {
			return err
		}
		return txn.Set(zScoreKey(set, score, member), []byte{})
	})
}

// ZRem removes member from the set. Removing a missing member is not an error.
func (s *Store) ZRem(set, member string) error {
	return s.update(func(txn *badger.Txn) error {
		mk := zMemberKey(set, member)
		item, err := txn.Get(mk)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		score, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(zScoreKey(set, decodeInt64(score), member)); err != nil {
			return err
		}
		return txn.Delete(mk)
	})
}

// ZRemRangeByScore removes all members with score <= max and returns how
// many were removed. Used to sweep expired concurrency leases.
func (s *Store) ZRemRangeByScore(set string, max int64) (int, error) {
	removed := 0
	err := s.update(func(txn *badger.Txn) error {
		removed = 0
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := zScorePrefix(set)
		var doomedScore [][]byte
		var doomedMember [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			score, member, err := parseScoreKey(set, key)
			if err != nil {
				continue
			}
			if score > max {
				break
			}
			doomedScore = append(doomedScore, key)
			doomedMember = append(doomedMember, zMemberKey(set, member))
		}
		for i := range doomedScore {
			if err := txn.Delete(doomedScore[i]); err != nil {
				return err
			}
			if err := txn.Delete(doomedMember[i]); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// ZAddUnderCap sweeps members with score <= sweepMax, then inserts member
// with the given score only if the surviving cardinality is under limit.
// Sweep, count, and insert share one transaction, so two concurrent calls
// cannot both slip under the cap. A member already present has its score
// updated without consuming a slot.
//
// Returns whether the member was admitted, the resulting cardinality, and
// the lowest surviving score (0 when the set came out empty).
func (s *Store) ZAddUnderCap(set, member string, score, sweepMax int64, limit int) (bool, int, int64, error) {
	var admitted bool
	var card int
	var oldest int64
	err := s.update(func(txn *badger.Txn) error {
		admitted, card, oldest = false, 0, 0

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := zScorePrefix(set)
		var doomedScore [][]byte
		var doomedMember [][]byte
		present := int64(-1)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			sc, m, err := parseScoreKey(set, key)
			if err != nil {
				continue
			}
			if sc <= sweepMax {
				doomedScore = append(doomedScore, key)
				doomedMember = append(doomedMember, zMemberKey(set, m))
				continue
			}
			if m == member {
				present = sc
			}
			if card == 0 || sc < oldest {
				oldest = sc
			}
			card++
		}
		for i := range doomedScore {
			if err := txn.Delete(doomedScore[i]); err != nil {
				return err
			}
			if err := txn.Delete(doomedMember[i]); err != nil {
				return err
			}
		}

		if present >= 0 {
			if err := txn.Delete(zScoreKey(set, present, member)); err != nil {
				return err
			}
		} else if card >= limit {
			return nil
		} else {
			card++
		}
		if err := txn.Set(zMemberKey(set, member), encodeInt64(score)); err != nil {
			return err
		}
		if err := txn.Set(zScoreKey(set, score, member), []byte{}); err != nil {
			return err
		}
		admitted = true
		if card == 1 || score < oldest {
			oldest = score
		}
		return nil
	})
	return admitted, card, oldest, err
}

// ZCard returns the number of members in the set.
func (s *Store) ZCard(set string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := zScorePrefix(set)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// ZMembers returns all members ordered by score ascending.
func (s *Store) ZMembers(set string) ([]string, error) {
	var members []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := zScorePrefix(set)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			_, member, err := parseScoreKey(set, it.Item().KeyCopy(nil))
			if err != nil {
				continue
			}
			members = append(members, member)
		}
		return nil
	})
	return members, err
}

func parseScoreKey(set string, key []byte) (int64, string, error) {
	prefix := zScorePrefix(set)
	if len(key) < len(prefix)+21 {
		return 0, "", fmt.Errorf("kv: malformed score key %q", key)
	}
	suffix := string(key[len(prefix):])
	var score int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &score); err != nil {
		return 0, "", err
	}
	return score, suffix[21:], nil
}

// ScoreNow returns the epoch-millisecond score for t, the convention all
// lease sets use.
func ScoreNow(t time.Time) int64 {
	return t.UnixMilli()
}
