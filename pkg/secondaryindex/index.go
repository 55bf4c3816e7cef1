// Package secondaryindex maintains one kv.Env per secondary index: a
// DupSort database mapping an index key to every record id that currently
// matches it, plus a cursor database tracking how far the index has caught
// up with its endpoint's operation log.
//
// Two index key schemes are supported, matching field.IndexKind:
// SortedInverted, built from the order-preserving composite encoding of the
// indexed fields (so range scans are plain byte-range cursor scans), and
// FullText, built from the Unicode-boundary tokenization of the indexed
// text fields (one entry per token).
package secondaryindex

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/kv"
)

const (
	dbEntries = "entries"
	dbCursor  = "cursor"
)

var cursorKey = []byte("next_operation_id")

// Index is one secondary index, backed by its own kv.Env.
type Index struct {
	env *kv.Env
	def field.IndexDefinition

	entries kv.Database
	cursor  kv.Database
}

// Open opens (creating if necessary) the index's sub-databases.
func Open(env *kv.Env, def field.IndexDefinition) (*Index, error) {
	idx := &Index{env: env, def: def}
	var err error
	if idx.entries, err = env.CreateDatabaseIfNotExists(dbEntries, kv.DupSort); err != nil {
		return nil, err
	}
	if idx.cursor, err = env.CreateDatabaseIfNotExists(dbCursor, 0); err != nil {
		return nil, err
	}
	return idx, nil
}

// Env returns the kv.Env backing the index, for callers (pkg/cachedump)
// that need to run their own transactions across its sub-databases.
func (idx *Index) Env() *kv.Env { return idx.env }

// Definition returns the field.IndexDefinition the index was opened with.
func (idx *Index) Definition() field.IndexDefinition { return idx.def }

// DumpDatabases returns the index's sub-databases in dump order: the
// entries multimap, then the catch-up cursor.
func (idx *Index) DumpDatabases() []kv.Database {
	return []kv.Database{idx.entries, idx.cursor}
}

func encodeRecordID(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

func decodeRecordID(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

// keysFor returns every index key rec should be found under: one key for a
// SortedInverted index (the composite of its fields), or one key per token
// for a FullText index.
func (idx *Index) keysFor(schema field.Schema, rec field.Record) ([][]byte, error) {
	values := rec.IndexValues(idx.def)
	switch idx.def.Kind {
	case field.IndexSortedInverted:
		key, err := field.EncodeComposite(values...)
		if err != nil {
			return nil, err
		}
		return [][]byte{key}, nil
	case field.IndexFullText:
		seen := make(map[string]struct{})
		var keys [][]byte
		for _, v := range values {
			if v.IsNull() {
				continue
			}
			for _, tok := range Tokenize(v.AsString()) {
				if _, ok := seen[tok]; ok {
					continue
				}
				seen[tok] = struct{}{}
				keys = append(keys, []byte(tok))
			}
		}
		return keys, nil
	default:
		return nil, fmt.Errorf("secondaryindex: unsupported index kind %d", idx.def.Kind)
	}
}

// Add records that rec (identified by recordID) now matches this index.
func (idx *Index) Add(schema field.Schema, rec field.Record, recordID uint64) error {
	keys, err := idx.keysFor(schema, rec)
	if err != nil {
		return err
	}
	return idx.env.Update(func(tx *kv.RwTx) error {
		for _, k := range keys {
			if err := tx.PutDup(idx.entries, k, encodeRecordID(recordID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Remove undoes a prior Add for the same (rec, recordID) pair.
func (idx *Index) Remove(schema field.Schema, rec field.Record, recordID uint64) error {
	keys, err := idx.keysFor(schema, rec)
	if err != nil {
		return err
	}
	return idx.env.Update(func(tx *kv.RwTx) error {
		for _, k := range keys {
			if err := tx.DeleteDup(idx.entries, k, encodeRecordID(recordID)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ScanEqual returns the record ids matching an exact value for a
// SortedInverted index, or an exact token for a FullText index.
func (idx *Index) ScanEqual(key []byte) ([]uint64, error) {
	var ids []uint64
	err := idx.env.View(func(tx *kv.RoTx) error {
		return tx.ForEachDup(idx.entries, key, func(v []byte) error {
			ids = append(ids, decodeRecordID(v))
			return nil
		})
	})
	return ids, err
}

// ScanRange returns the record ids whose SortedInverted key falls in
// [lower, upper) (or (lower, upper], etc, per the inclusive flags). A nil
// lower/upper bound means unbounded on that side.
func (idx *Index) ScanRange(lower, upper []byte, inclusiveLower, inclusiveUpper bool) ([]uint64, error) {
	var ids []uint64
	err := idx.env.View(func(tx *kv.RoTx) error {
		c, err := tx.Cursor(idx.entries)
		if err != nil {
			return err
		}
		var k, v []byte
		if lower != nil {
			k, v = c.Seek(lower)
		} else {
			k, v = c.First()
		}
		for ; k != nil; k, v = c.Next() {
			logical, ok := kv.DupLogicalKey(k)
			if !ok {
				continue
			}
			if lower != nil && !inclusiveLower && bytes.Equal(logical, lower) {
				continue
			}
			if upper != nil {
				cmp := bytes.Compare(logical, upper)
				if cmp > 0 || (cmp == 0 && !inclusiveUpper) {
					break
				}
			}
			ids = append(ids, decodeRecordID(v))
		}
		return nil
	})
	return ids, err
}

// NextOperationID returns the operation id this index has caught up to:
// every operation with a smaller id has already been applied.
func (idx *Index) NextOperationID() (uint64, error) {
	var next uint64
	err := idx.env.View(func(tx *kv.RoTx) error {
		b, err := tx.Get(idx.cursor, cursorKey)
		if err != nil {
			return err
		}
		if b != nil {
			next = decodeRecordID(b)
		}
		return nil
	})
	return next, err
}

// SetNextOperationID persists the index's catch-up cursor.
func (idx *Index) SetNextOperationID(next uint64) error {
	return idx.env.Update(func(tx *kv.RwTx) error {
		return tx.Put(idx.cursor, cursorKey, encodeRecordID(next))
	})
}
