package kv

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/dozer/pkg/dozererr"
)

// RoTx is a read-only transaction: Get and Cursor, no mutation.
type RoTx struct {
	tx *bolt.Tx
}

// RwTx is a read-write transaction: everything RoTx offers plus Put and
// Delete. Embeds RoTx so read operations work unchanged inside a write
// transaction.
type RwTx struct {
	RoTx
}

func (tx *RoTx) bucket(db Database) (*bolt.Bucket, error) {
	b := tx.tx.Bucket(db.name)
	if b == nil {
		return nil, dozererr.New(dozererr.KindIO, fmt.Sprintf("kv: database %q not found", db.Name()))
	}
	return b, nil
}

// Get returns the value stored under key, or nil if key is absent. The
// returned slice is only valid for the lifetime of the transaction; callers
// that retain it past the transaction must copy it.
func (tx *RoTx) Get(db Database, key []byte) ([]byte, error) {
	b, err := tx.bucket(db)
	if err != nil {
		return nil, err
	}
	return b.Get(key), nil
}

// Put stores val under key, overwriting any existing value. For DupSort
// databases use PutDup instead; Put against a DupSort database writes key
// exactly as given (no sequence suffix) and leaves the values PutDup stored
// under that logical key in place.
func (tx *RwTx) Put(db Database, key, val []byte) error {
	b, err := tx.bucket(db)
	if err != nil {
		return err
	}
	if err := b.Put(key, val); err != nil {
		return dozererr.Wrap(dozererr.KindIO, "kv: put", err)
	}
	return nil
}

// Delete removes key (and, for a DupSort database, every value stored
// under it). For single-value deletion under a DupSort key use DeleteDup.
func (tx *RwTx) Delete(db Database, key []byte) error {
	if db.hasFlag(DupSort) {
		return tx.deleteDupAll(db, key)
	}
	b, err := tx.bucket(db)
	if err != nil {
		return err
	}
	if err := b.Delete(key); err != nil {
		return dozererr.Wrap(dozererr.KindIO, "kv: delete", err)
	}
	return nil
}

// Cursor opens a cursor over db for iteration and range scans.
func (tx *RoTx) Cursor(db Database) (*Cursor, error) {
	b, err := tx.bucket(db)
	if err != nil {
		return nil, err
	}
	return &Cursor{c: b.Cursor(), db: db}, nil
}
