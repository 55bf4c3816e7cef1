package oplog

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/dozer/pkg/field"
)

// Kind identifies what an Operation did to a record.
type Kind uint8

const (
	Insert Kind = iota
	Delete
	Update
)

func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	case Update:
		return "update"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Operation is one entry appended to the log. Insert carries only New,
// Delete carries only Old, and Update (a same-primary-key value change)
// carries both. A primary key change is never represented as a single
// Operation: callers issue a Delete of the old key followed by an Insert
// of the new one, which is what lets downstream consumers (secondary
// indexes, SQL operators) treat every Operation as acting on exactly one
// logical key.
type Operation struct {
	ID       uint64
	Kind     Kind
	RecordID uint64 // the affected record's stable RecordMetadata.ID
	Old      *field.Record
	New      *field.Record
}

// encode serializes op for storage in the operation_log sub-database. The
// id itself is the bbolt key, not part of the encoded value.
func (op Operation) encode(schema field.Schema) ([]byte, error) {
	out := []byte{byte(op.Kind)}
	out = append(out, encodeOperationID(op.RecordID)...)
	appendRecord := func(r *field.Record) error {
		if r == nil {
			out = append(out, 0)
			return nil
		}
		enc, err := r.EncodeRow(schema)
		if err != nil {
			return err
		}
		out = append(out, 1)
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(enc)))
		out = append(out, lenBuf[:]...)
		out = append(out, enc...)
		return nil
	}
	if err := appendRecord(op.Old); err != nil {
		return nil, fmt.Errorf("oplog: encode operation: old record: %w", err)
	}
	if err := appendRecord(op.New); err != nil {
		return nil, fmt.Errorf("oplog: encode operation: new record: %w", err)
	}
	return out, nil
}

func decodeOperation(id uint64, schema field.Schema, b []byte) (Operation, error) {
	if len(b) < 1+8 {
		return Operation{}, fmt.Errorf("oplog: decode operation %d: empty", id)
	}
	op := Operation{ID: id, Kind: Kind(b[0]), RecordID: decodeOperationID(b[1:9])}
	b = b[9:]

	readRecord := func() (*field.Record, error) {
		if len(b) < 1 {
			return nil, fmt.Errorf("oplog: decode operation %d: truncated presence flag", id)
		}
		present := b[0]
		b = b[1:]
		if present == 0 {
			return nil, nil
		}
		if len(b) < 8 {
			return nil, fmt.Errorf("oplog: decode operation %d: truncated length", id)
		}
		n := binary.BigEndian.Uint64(b[:8])
		b = b[8:]
		if uint64(len(b)) < n {
			return nil, fmt.Errorf("oplog: decode operation %d: truncated record", id)
		}
		rec, err := field.DecodeRow(schema, b[:n])
		if err != nil {
			return nil, fmt.Errorf("oplog: decode operation %d: %w", id, err)
		}
		b = b[n:]
		return &rec, nil
	}

	old, err := readRecord()
	if err != nil {
		return Operation{}, err
	}
	op.Old = old

	newRec, err := readRecord()
	if err != nil {
		return Operation{}, err
	}
	op.New = newRec

	return op, nil
}

func encodeOperationID(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

func decodeOperationID(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
