package rpcwire_test

import (
	"testing"

	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/oplog"
	"github.com/cuemby/dozer/pkg/rpcwire"
)

func testSchema() field.Schema {
	return field.Schema{
		Name:       "orders",
		Fields:     []field.FieldDefinition{{Name: "id", Kind: field.KindInt}, {Name: "amount", Kind: field.KindFloat}},
		PrimaryKey: []int{0},
	}
}

func TestEncodeDecodeOperationRoundTrips(t *testing.T) {
	schema := testSchema()
	rec := &field.Record{Values: []field.Field{field.Int(1), field.Float(9.5)}}
	op := oplog.Operation{ID: 3, Kind: oplog.Insert, RecordID: 1, New: rec}

	w, err := rpcwire.EncodeOperation(schema, op)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(w.Old) != 0 {
		t.Fatalf("insert should not carry an Old payload")
	}

	got, err := rpcwire.DecodeOperation(schema, w)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != op.ID || got.Kind != op.Kind || got.RecordID != op.RecordID {
		t.Fatalf("decoded operation header mismatch: %+v", got)
	}
	if got.New == nil || got.New.Values[0].AsInt() != 1 {
		t.Fatalf("decoded New record mismatch: %+v", got.New)
	}
}

func TestEncodeDecodeOperationCarriesOldAndNewOnUpdate(t *testing.T) {
	schema := testSchema()
	old := &field.Record{Values: []field.Field{field.Int(1), field.Float(9.5)}}
	newer := &field.Record{Values: []field.Field{field.Int(1), field.Float(12)}}
	op := oplog.Operation{ID: 4, Kind: oplog.Update, RecordID: 1, Old: old, New: newer}

	w, err := rpcwire.EncodeOperation(schema, op)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := rpcwire.DecodeOperation(schema, w)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Old.Values[1].AsFloat() != 9.5 || got.New.Values[1].AsFloat() != 12 {
		t.Fatalf("update old/new amounts mismatch: %+v", got)
	}
}
