// Package oplog implements the per-endpoint operation log: an
// append-only, monotonically-numbered sequence of insert/delete/update
// operations, the schema they were recorded against, per-primary-key
// bookkeeping (RecordMetadata), the current value of every live record
// keyed by its stable RecordMetadata.ID, and the durable commit-state
// marker used to resume numbering after a restart.
//
// Every endpoint owns one Log, backed by one kv.Env with six named
// sub-databases: schema, commit_state, connection_snapshotting_done,
// operation_log (keyed by the operation id, big-endian), record_metadata
// (keyed by the record's encoded primary key), and current_records (keyed
// by RecordMetadata.ID, big-endian) — the materialized table that
// pkg/queryplan resolves index scans and sequential scans against.
package oplog

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/cuemby/dozer/pkg/dozererr"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/kv"
	"github.com/cuemby/dozer/pkg/metrics"
)

const (
	dbSchema           = "schema"
	dbCommitState      = "commit_state"
	dbSnapshottingDone = "connection_snapshotting_done"
	dbOperationLog     = "operation_log"
	dbRecordMetadata   = "record_metadata"
	dbCurrentRecords   = "current_records"
)

var schemaKey = []byte("schema")
var snapshottingDoneKey = []byte("done")

// Log is the operation log for one endpoint.
type Log struct {
	env    *kv.Env
	schema field.Schema

	schemaDB           kv.Database
	commitStateDB      kv.Database
	snapshottingDoneDB kv.Database
	operationLogDB     kv.Database
	recordMetadataDB   kv.Database
	currentRecordsDB   kv.Database

	mu        sync.Mutex
	tail      uint64 // next operation id to assign
	nextRecID uint64 // next RecordMetadata.ID to assign to a brand-new primary key

	wakeMu sync.Mutex
	wake   chan struct{} // closed and replaced on every append, to wake blocked readers
}

// Open opens (creating sub-databases as needed) the operation log backed by
// env, against schema. If a schema was already persisted from a previous
// Open, it must match; otherwise it is written now.
func Open(env *kv.Env, schema field.Schema) (*Log, error) {
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("oplog: open: %w", err)
	}

	l := &Log{env: env, schema: schema, wake: make(chan struct{})}

	var err error
	if l.schemaDB, err = env.CreateDatabaseIfNotExists(dbSchema, 0); err != nil {
		return nil, err
	}
	if l.commitStateDB, err = env.CreateDatabaseIfNotExists(dbCommitState, 0); err != nil {
		return nil, err
	}
	if l.snapshottingDoneDB, err = env.CreateDatabaseIfNotExists(dbSnapshottingDone, 0); err != nil {
		return nil, err
	}
	if l.operationLogDB, err = env.CreateDatabaseIfNotExists(dbOperationLog, kv.IntegerKey); err != nil {
		return nil, err
	}
	if l.recordMetadataDB, err = env.CreateDatabaseIfNotExists(dbRecordMetadata, 0); err != nil {
		return nil, err
	}
	if l.currentRecordsDB, err = env.CreateDatabaseIfNotExists(dbCurrentRecords, kv.IntegerKey); err != nil {
		return nil, err
	}

	if err := l.loadOrStoreSchema(schema); err != nil {
		return nil, err
	}
	if err := l.loadCommitState(); err != nil {
		return nil, err
	}
	if err := l.loadNextRecordID(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) loadOrStoreSchema(schema field.Schema) error {
	return l.env.Update(func(tx *kv.RwTx) error {
		existing, err := tx.Get(l.schemaDB, schemaKey)
		if err != nil {
			return err
		}
		if existing == nil {
			enc, err := encodeSchema(schema)
			if err != nil {
				return err
			}
			return tx.Put(l.schemaDB, schemaKey, enc)
		}
		stored, err := decodeSchema(existing)
		if err != nil {
			return err
		}
		if stored.Name != schema.Name || len(stored.Fields) != len(schema.Fields) {
			return dozererr.New(dozererr.KindSchemaMismatch,
				fmt.Sprintf("oplog: schema %q does not match previously stored schema", schema.Name))
		}
		return nil
	})
}

func (l *Log) loadCommitState() error {
	return l.env.View(func(tx *kv.RoTx) error {
		b, err := tx.Get(l.commitStateDB, commitStateKey)
		if err != nil {
			return err
		}
		if b == nil {
			l.tail = 0
			return nil
		}
		cs, err := decodeCommitState(b)
		if err != nil {
			return err
		}
		l.tail = cs.NextOperationID
		return nil
	})
}

func (l *Log) loadNextRecordID() error {
	return l.env.View(func(tx *kv.RoTx) error {
		c, err := tx.Cursor(l.recordMetadataDB)
		if err != nil {
			return err
		}
		var max uint64
		for _, v := c.First(); v != nil; _, v = c.Next() {
			m, err := DecodeRecordMetadata(v)
			if err != nil {
				return err
			}
			if m.ID > max {
				max = m.ID
			}
		}
		l.nextRecID = max + 1
		return nil
	})
}

// Schema returns the schema the log was opened against.
func (l *Log) Schema() field.Schema { return l.schema }

// Env returns the kv.Env backing the log, for callers (pkg/cachedump) that
// need to run their own transactions across its sub-databases.
func (l *Log) Env() *kv.Env { return l.env }

// DumpDatabases returns the log's sub-databases in the fixed order
// spec.md §6 dumps them in: schema, commit state, connection-snapshotting
// map, operation log, then the two databases this implementation adds on
// top of the original's (record_metadata, current_records), so a restored
// log comes back with its uniqueness bookkeeping and materialized record
// table intact rather than needing a full log replay.
func (l *Log) DumpDatabases() []kv.Database {
	return []kv.Database{
		l.schemaDB,
		l.commitStateDB,
		l.snapshottingDoneDB,
		l.operationLogDB,
		l.recordMetadataDB,
		l.currentRecordsDB,
	}
}

// Tail returns the next operation id that will be assigned.
func (l *Log) Tail() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tail
}

func (l *Log) broadcastAppend() {
	l.wakeMu.Lock()
	close(l.wake)
	l.wake = make(chan struct{})
	l.wakeMu.Unlock()
}

func (l *Log) wakeChan() chan struct{} {
	l.wakeMu.Lock()
	defer l.wakeMu.Unlock()
	return l.wake
}

// Insert appends an Insert operation for rec. If a live record with the
// same primary key already exists, re-inserting it is not an error: per the
// paired delete/insert lifecycle (the same one Update uses to move a row
// between groups), Insert first appends a Delete of the old record at a
// fresh operation id, bumping record_meta's version, and only then appends
// the Insert, itself at the next fresh id. Both appends commit atomically in
// the same transaction. For an append-only schema (no primary key) every
// Insert succeeds unconditionally and this replacement path never triggers.
func (l *Log) Insert(rec field.Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var opID uint64
	err := l.env.Update(func(tx *kv.RwTx) error {
		var pkKey []byte
		var replaced *RecordMetadata
		if !l.schema.IsAppendOnly() {
			var err error
			pkKey, err = rec.EncodePrimaryKey(l.schema)
			if err != nil {
				return err
			}
			existing, err := tx.Get(l.recordMetadataDB, pkKey)
			if err != nil {
				return err
			}
			if existing != nil {
				m, err := DecodeRecordMetadata(existing)
				if err != nil {
					return err
				}
				if m.Present {
					replaced = &m
				}
			}
		}

		if replaced != nil {
			old, err := l.loadRecordAtOperation(tx, replaced.InsertOperationID)
			if err != nil {
				return err
			}

			delOpID := l.tail
			delOp := Operation{ID: delOpID, Kind: Delete, RecordID: replaced.ID, Old: old}
			enc, err := delOp.encode(l.schema)
			if err != nil {
				return err
			}
			if err := tx.Put(l.operationLogDB, encodeOperationID(delOpID), enc); err != nil {
				return err
			}

			replaced.Version++
			replaced.Present = false
			if err := tx.Put(l.recordMetadataDB, pkKey, replaced.Encode()); err != nil {
				return err
			}
			if err := tx.Delete(l.currentRecordsDB, encodeOperationID(replaced.ID)); err != nil {
				return err
			}

			l.tail++
			l.recordAppend(Delete)
		}

		opID = l.tail

		var recID uint64
		if pkKey != nil {
			m, err := l.upsertMetadata(tx, pkKey, opID)
			if err != nil {
				return err
			}
			recID = m.ID
		} else {
			recID = opID
		}

		op := Operation{ID: opID, Kind: Insert, RecordID: recID, New: &rec}
		enc, err := op.encode(l.schema)
		if err != nil {
			return err
		}
		if err := tx.Put(l.operationLogDB, encodeOperationID(opID), enc); err != nil {
			return err
		}
		if err := l.putCurrentRecord(tx, recID, rec); err != nil {
			return err
		}

		l.tail++
		l.recordAppend(Insert)
		return l.persistCommitState(tx)
	})
	if err != nil {
		return 0, err
	}
	l.broadcastAppend()
	return opID, nil
}

// Delete appends a Delete operation removing the record identified by pk
// (field values in schema.PrimaryKey order). It fails with
// dozererr.KindPrimaryKeyNotFound if no live record matches, and with
// dozererr.KindAppendOnlyViolation against an append-only schema.
func (l *Log) Delete(pk []field.Field) (uint64, error) {
	if l.schema.IsAppendOnly() {
		return 0, dozererr.New(dozererr.KindAppendOnlyViolation, "oplog: delete against an append-only schema")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var opID uint64
	err := l.env.Update(func(tx *kv.RwTx) error {
		pkKey, err := field.EncodeComposite(pk...)
		if err != nil {
			return err
		}
		existing, err := tx.Get(l.recordMetadataDB, pkKey)
		if err != nil {
			return err
		}
		if existing == nil {
			return dozererr.New(dozererr.KindPrimaryKeyNotFound, "oplog: delete: no such record")
		}
		m, err := DecodeRecordMetadata(existing)
		if err != nil {
			return err
		}
		if !m.Present {
			return dozererr.New(dozererr.KindPrimaryKeyNotFound, "oplog: delete: no such record")
		}

		old, err := l.loadRecordAtOperation(tx, m.InsertOperationID)
		if err != nil {
			return err
		}

		opID = l.tail
		op := Operation{ID: opID, Kind: Delete, RecordID: m.ID, Old: old}
		enc, err := op.encode(l.schema)
		if err != nil {
			return err
		}
		if err := tx.Put(l.operationLogDB, encodeOperationID(opID), enc); err != nil {
			return err
		}

		m.Version++
		m.Present = false
		if err := tx.Put(l.recordMetadataDB, pkKey, m.Encode()); err != nil {
			return err
		}
		if err := tx.Delete(l.currentRecordsDB, encodeOperationID(m.ID)); err != nil {
			return err
		}

		l.tail++
		l.recordAppend(Delete)
		return l.persistCommitState(tx)
	})
	if err != nil {
		return 0, err
	}
	l.broadcastAppend()
	return opID, nil
}

// Update appends an Update operation changing a live record's non-key
// values in place; newRec must carry the same primary key as the record it
// replaces. Changing a record's primary key is expressed as a Delete
// followed by an Insert, not an Update.
func (l *Log) Update(newRec field.Record) (uint64, error) {
	if l.schema.IsAppendOnly() {
		return 0, dozererr.New(dozererr.KindAppendOnlyViolation, "oplog: update against an append-only schema")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var opID uint64
	err := l.env.Update(func(tx *kv.RwTx) error {
		pkKey, err := newRec.EncodePrimaryKey(l.schema)
		if err != nil {
			return err
		}
		existing, err := tx.Get(l.recordMetadataDB, pkKey)
		if err != nil {
			return err
		}
		if existing == nil {
			return dozererr.New(dozererr.KindPrimaryKeyNotFound, "oplog: update: no such record")
		}
		m, err := DecodeRecordMetadata(existing)
		if err != nil {
			return err
		}
		if !m.Present {
			return dozererr.New(dozererr.KindPrimaryKeyNotFound, "oplog: update: no such record")
		}

		old, err := l.loadRecordAtOperation(tx, m.InsertOperationID)
		if err != nil {
			return err
		}

		opID = l.tail

		updated, err := l.upsertMetadata(tx, pkKey, opID)
		if err != nil {
			return err
		}

		op := Operation{ID: opID, Kind: Update, RecordID: updated.ID, Old: old, New: &newRec}
		enc, err := op.encode(l.schema)
		if err != nil {
			return err
		}
		if err := tx.Put(l.operationLogDB, encodeOperationID(opID), enc); err != nil {
			return err
		}
		if err := l.putCurrentRecord(tx, updated.ID, newRec); err != nil {
			return err
		}

		l.tail++
		l.recordAppend(Update)
		return l.persistCommitState(tx)
	})
	if err != nil {
		return 0, err
	}
	l.broadcastAppend()
	return opID, nil
}

// recordAppend updates the per-endpoint append metrics; the caller must
// already hold l.mu and have just incremented l.tail.
func (l *Log) recordAppend(kind Kind) {
	metrics.OplogOperationsTotal.WithLabelValues(l.schema.Name, kind.String()).Inc()
	metrics.OplogTailPosition.WithLabelValues(l.schema.Name).Set(float64(l.tail))
}

func (l *Log) upsertMetadata(tx *kv.RwTx, pkKey []byte, insertOpID uint64) (RecordMetadata, error) {
	existing, err := tx.Get(l.recordMetadataDB, pkKey)
	if err != nil {
		return RecordMetadata{}, err
	}
	var m RecordMetadata
	if existing == nil {
		m = RecordMetadata{ID: l.nextRecID}
		l.nextRecID++
	} else {
		m, err = DecodeRecordMetadata(existing)
		if err != nil {
			return RecordMetadata{}, err
		}
	}
	m.Version++
	m.Present = true
	m.InsertOperationID = insertOpID
	if err := tx.Put(l.recordMetadataDB, pkKey, m.Encode()); err != nil {
		return RecordMetadata{}, err
	}
	return m, nil
}

func (l *Log) loadRecordAtOperation(tx *kv.RoTx, opID uint64) (*field.Record, error) {
	b, err := tx.Get(l.operationLogDB, encodeOperationID(opID))
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("oplog: operation %d referenced by metadata not found", opID)
	}
	op, err := decodeOperation(opID, l.schema, b)
	if err != nil {
		return nil, err
	}
	if op.New != nil {
		return op.New, nil
	}
	return op.Old, nil
}

func (l *Log) persistCommitState(tx *kv.RwTx) error {
	cs := CommitState{NextOperationID: l.tail}
	return tx.Put(l.commitStateDB, commitStateKey, cs.encode())
}

func (l *Log) putCurrentRecord(tx *kv.RwTx, recordID uint64, rec field.Record) error {
	enc, err := rec.EncodeRow(l.schema)
	if err != nil {
		return err
	}
	return tx.Put(l.currentRecordsDB, encodeOperationID(recordID), enc)
}

// GetRecord returns the current value of the live record identified by
// recordID (a RecordMetadata.ID, as carried by Operation.RecordID and by
// secondary index scan results), or ok=false if no live record has that id.
func (l *Log) GetRecord(recordID uint64) (rec field.Record, ok bool, err error) {
	err = l.env.View(func(tx *kv.RoTx) error {
		b, err := tx.Get(l.currentRecordsDB, encodeOperationID(recordID))
		if err != nil {
			return err
		}
		if b == nil {
			return nil
		}
		rec, err = field.DecodeRow(l.schema, b)
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	return rec, ok, err
}

// ScanRecords streams every live (recordID, Record) pair in ascending (or,
// if ascending is false, descending) RecordMetadata.ID order. It is the
// sequential-scan fallback for pkg/queryplan when no secondary index
// covers a query's filter.
func (l *Log) ScanRecords(ascending bool) iter.Seq2[uint64, field.Record] {
	return func(yield func(uint64, field.Record) bool) {
		_ = l.env.View(func(tx *kv.RoTx) error {
			c, err := tx.Cursor(l.currentRecordsDB)
			if err != nil {
				return err
			}
			advance := c.Next
			k, v := c.First()
			if !ascending {
				advance = c.Prev
				k, v = c.Last()
			}
			for ; k != nil; k, v = advance() {
				rec, err := field.DecodeRow(l.schema, v)
				if err != nil {
					return err
				}
				if !yield(decodeOperationID(k), rec) {
					return nil
				}
			}
			return nil
		})
	}
}

// Read returns every operation with id in [start, end), blocking until at
// least one is available, ctx is cancelled, or timeout elapses — whichever
// comes first. Read never holds a transaction while blocked: each attempt
// opens a short read transaction, and if it finds nothing yet, it waits on
// the log's wake channel (closed and replaced on every append, the same
// broadcast-to-all-waiters idiom as a condition variable) outside of any
// transaction before retrying.
func (l *Log) Read(ctx context.Context, start, end uint64, timeout time.Duration) ([]Operation, error) {
	deadline := time.Now().Add(timeout)
	for {
		wake := l.wakeChan()

		var ops []Operation
		err := l.env.View(func(tx *kv.RoTx) error {
			c, err := tx.Cursor(l.operationLogDB)
			if err != nil {
				return err
			}
			for k, v := c.Seek(encodeOperationID(start)); k != nil; k, v = c.Next() {
				id := decodeOperationID(k)
				if id >= end {
					break
				}
				op, err := decodeOperation(id, l.schema, v)
				if err != nil {
					return dozererr.Wrap(dozererr.KindLogDeserialization, "oplog: read", err)
				}
				ops = append(ops, op)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(ops) > 0 {
			return ops, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			metrics.OplogReadTimeouts.WithLabelValues(l.schema.Name).Inc()
			return nil, dozererr.New(dozererr.KindLogReadTimeout, "oplog: read: timed out")
		}

		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
			metrics.OplogReadTimeouts.WithLabelValues(l.schema.Name).Inc()
			return nil, dozererr.New(dozererr.KindLogReadTimeout, "oplog: read: timed out")
		case <-ctx.Done():
			timer.Stop()
			return nil, dozererr.Wrap(dozererr.KindCancelled, "oplog: read", ctx.Err())
		}
	}
}

// MarkSnapshottingDone records that the initial snapshot phase for this
// endpoint's source connection has completed; IsSnapshottingDone reports it.
func (l *Log) MarkSnapshottingDone() error {
	return l.env.Update(func(tx *kv.RwTx) error {
		return tx.Put(l.snapshottingDoneDB, snapshottingDoneKey, []byte{1})
	})
}

func (l *Log) IsSnapshottingDone() (bool, error) {
	var done bool
	err := l.env.View(func(tx *kv.RoTx) error {
		b, err := tx.Get(l.snapshottingDoneDB, snapshottingDoneKey)
		if err != nil {
			return err
		}
		done = b != nil
		return nil
	})
	return done, err
}
