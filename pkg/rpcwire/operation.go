package rpcwire

import (
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/oplog"
)

// WireOperation is the over-the-wire shape of an oplog.Operation. Old/New
// are not oplog.Operation's own *field.Record — field.Field keeps its
// representation in unexported scalar slots (pkg/field.Field), so a Record
// cannot be handed to encoding/json directly. Instead each side is carried
// as the same order-preserving row encoding pkg/oplog already persists to
// disk (field.Record.EncodeRow/DecodeRow), keyed against a schema both ends
// agree on via a prior DescribeStorage call.
type WireOperation struct {
	ID       uint64
	Kind     uint8
	RecordID uint64
	Old      []byte `json:",omitempty"`
	New      []byte `json:",omitempty"`
}

// EncodeOperation converts op into its wire form against schema.
func EncodeOperation(schema field.Schema, op oplog.Operation) (WireOperation, error) {
	w := WireOperation{ID: op.ID, Kind: uint8(op.Kind), RecordID: op.RecordID}
	if op.Old != nil {
		b, err := op.Old.EncodeRow(schema)
		if err != nil {
			return WireOperation{}, err
		}
		w.Old = b
	}
	if op.New != nil {
		b, err := op.New.EncodeRow(schema)
		if err != nil {
			return WireOperation{}, err
		}
		w.New = b
	}
	return w, nil
}

// DecodeOperation reconstructs an oplog.Operation from its wire form.
func DecodeOperation(schema field.Schema, w WireOperation) (oplog.Operation, error) {
	op := oplog.Operation{ID: w.ID, Kind: oplog.Kind(w.Kind), RecordID: w.RecordID}
	if len(w.Old) > 0 {
		rec, err := field.DecodeRow(schema, w.Old)
		if err != nil {
			return oplog.Operation{}, err
		}
		op.Old = &rec
	}
	if len(w.New) > 0 {
		rec, err := field.DecodeRow(schema, w.New)
		if err != nil {
			return oplog.Operation{}, err
		}
		op.New = &rec
	}
	return op, nil
}
