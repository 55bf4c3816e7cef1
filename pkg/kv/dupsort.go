package kv

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cuemby/dozer/pkg/dozererr"
)

const dupSeqWidth = 8

// dupStoredKey appends an 8-byte big-endian sequence number to key, so that
// every (key, seq) pair is unique even when the same logical key holds
// several values. Sorting by the composite key keeps all values for a given
// key contiguous and in the order they were inserted (bigger seq, further
// along), which is what ForEachDup relies on for a prefix scan.
func dupStoredKey(key []byte, seq uint64) []byte {
	out := make([]byte, len(key)+dupSeqWidth)
	copy(out, key)
	binary.BigEndian.PutUint64(out[len(key):], seq)
	return out
}

// DupLogicalKey strips the 8-byte sequence suffix a DupSort database
// appends to every stored key, returning the logical key callers inserted
// with PutDup. It is exported for callers (secondary indexes) that need to
// run their own cursor-based range scans across dup-sorted keys rather than
// going through ForEachDup's exact-key lookup.
func DupLogicalKey(stored []byte) ([]byte, bool) {
	key, _, ok := splitDupKey(stored)
	return key, ok
}

func splitDupKey(stored []byte) (key []byte, seq uint64, ok bool) {
	if len(stored) < dupSeqWidth {
		return nil, 0, false
	}
	split := len(stored) - dupSeqWidth
	return stored[:split], binary.BigEndian.Uint64(stored[split:]), true
}

// nextDupSeq scans backward from the end of key's prefix range to find the
// highest sequence number already used, returning one past it.
func (tx *RwTx) nextDupSeq(db Database, key []byte) (uint64, error) {
	b, err := tx.bucket(db)
	if err != nil {
		return 0, err
	}
	c := b.Cursor()
	upperBound := dupStoredKey(key, ^uint64(0))
	k, _ := c.Seek(upperBound)
	if k != nil && bytes.Equal(k, upperBound) {
		// exact collision with the sentinel seq is practically impossible
		// (2^64 prior inserts) but handled for completeness.
		return 0, fmt.Errorf("kv: dup-sort sequence space exhausted for key")
	}
	// Seek lands at the first key >= upperBound, i.e. past every entry for
	// this logical key; step back one to find the highest existing entry.
	k, _ = c.Prev()
	if k == nil {
		return 0, nil
	}
	prefix, seq, ok := splitDupKey(k)
	if !ok || !bytes.Equal(prefix, key) {
		return 0, nil
	}
	return seq + 1, nil
}

// PutDup adds val as one more value under the (possibly already populated)
// logical key in a DupSort database. It does not deduplicate identical
// values; callers that need set semantics check via ForEachDup first.
func (tx *RwTx) PutDup(db Database, key, val []byte) error {
	if !db.hasFlag(DupSort) {
		return fmt.Errorf("kv: PutDup called on non-DupSort database %q", db.Name())
	}
	seq, err := tx.nextDupSeq(db, key)
	if err != nil {
		return err
	}
	b, err := tx.bucket(db)
	if err != nil {
		return err
	}
	if err := b.Put(dupStoredKey(key, seq), val); err != nil {
		return dozererr.Wrap(dozererr.KindIO, "kv: put dup", err)
	}
	return nil
}

// ForEachDup calls fn with every value stored under key, in insertion
// order, stopping early if fn returns an error.
func (tx *RoTx) ForEachDup(db Database, key []byte, fn func(val []byte) error) error {
	if !db.hasFlag(DupSort) {
		return fmt.Errorf("kv: ForEachDup called on non-DupSort database %q", db.Name())
	}
	b, err := tx.bucket(db)
	if err != nil {
		return err
	}
	c := b.Cursor()
	for k, v := c.Seek(key); k != nil; k, v = c.Next() {
		prefix, _, ok := splitDupKey(k)
		if !ok || !bytes.Equal(prefix, key) {
			break
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return nil
}

// DeleteDup removes the single value equal to val stored under key, if
// present. Other values under the same logical key are left untouched.
func (tx *RwTx) DeleteDup(db Database, key, val []byte) error {
	if !db.hasFlag(DupSort) {
		return fmt.Errorf("kv: DeleteDup called on non-DupSort database %q", db.Name())
	}
	b, err := tx.bucket(db)
	if err != nil {
		return err
	}
	c := b.Cursor()
	for k, v := c.Seek(key); k != nil; k, v = c.Next() {
		prefix, _, ok := splitDupKey(k)
		if !ok || !bytes.Equal(prefix, key) {
			break
		}
		if bytes.Equal(v, val) {
			return b.Delete(k)
		}
	}
	return nil
}

func (tx *RwTx) deleteDupAll(db Database, key []byte) error {
	b, err := tx.bucket(db)
	if err != nil {
		return err
	}
	c := b.Cursor()
	var toDelete [][]byte
	for k, _ := c.Seek(key); k != nil; k, _ = c.Next() {
		prefix, _, ok := splitDupKey(k)
		if !ok || !bytes.Equal(prefix, key) {
			break
		}
		cp := make([]byte, len(k))
		copy(cp, k)
		toDelete = append(toDelete, cp)
	}
	for _, k := range toDelete {
		if err := b.Delete(k); err != nil {
			return dozererr.Wrap(dozererr.KindIO, "kv: delete dup all", err)
		}
	}
	return nil
}
