package sql

import (
	"testing"

	"github.com/cuemby/dozer/pkg/dag"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/oplog"
)

func numRecord(n int64) *field.Record {
	return &field.Record{Values: []field.Field{field.Int(n)}}
}

func numSchema() field.Schema {
	return field.Schema{Name: "nums", Fields: []field.FieldDefinition{{Name: "n", Kind: field.KindInt}}}
}

func TestUnionAllConcatenates(t *testing.T) {
	u := UnionAllProcessor{}
	out := runProcessor(t, u, []dag.Envelope{
		{Port: 0, Op: &oplog.Operation{ID: 1, Kind: oplog.Insert, New: numRecord(1)}},
		{Port: 1, Op: &oplog.Operation{ID: 2, Kind: oplog.Insert, New: numRecord(1)}},
	})
	if len(out) != 2 {
		t.Fatalf("UNION ALL should pass through both rows unchanged, got %d", len(out))
	}
}

func TestIntersectEmitsOnlyOnBothSidesPresent(t *testing.T) {
	s := NewSetOpProcessor(SetOpIntersect, numSchema())
	out := runProcessor(t, s, []dag.Envelope{
		{Port: 0, Op: &oplog.Operation{ID: 1, Kind: oplog.Insert, New: numRecord(1)}},
	})
	if len(out) != 0 {
		t.Fatalf("intersect with only the left side present should emit nothing, got %d", len(out))
	}

	out = runProcessor(t, s, []dag.Envelope{
		{Port: 1, Op: &oplog.Operation{ID: 2, Kind: oplog.Insert, New: numRecord(1)}},
	})
	if len(out) != 1 || out[0].Op.Kind != oplog.Insert {
		t.Fatalf("intersect should emit once both sides hold the value, got %+v", out)
	}
}

func TestExceptEmitsLeftOnlyRows(t *testing.T) {
	s := NewSetOpProcessor(SetOpExcept, numSchema())
	out := runProcessor(t, s, []dag.Envelope{
		{Port: 0, Op: &oplog.Operation{ID: 1, Kind: oplog.Insert, New: numRecord(1)}},
	})
	if len(out) != 1 || out[0].Op.Kind != oplog.Insert {
		t.Fatalf("except with a left-only row should emit an Insert, got %+v", out)
	}

	out2 := runProcessor(t, s, []dag.Envelope{
		{Port: 1, Op: &oplog.Operation{ID: 2, Kind: oplog.Insert, New: numRecord(1)}},
	})
	if len(out2) != 1 || out2[0].Op.Kind != oplog.Delete {
		t.Fatalf("a matching right-side insert should retract the row from EXCEPT's output, got %+v", out2)
	}
}

func TestUnionDeduplicatesAcrossSides(t *testing.T) {
	s := NewSetOpProcessor(SetOpUnion, numSchema())
	out := runProcessor(t, s, []dag.Envelope{
		{Port: 0, Op: &oplog.Operation{ID: 1, Kind: oplog.Insert, New: numRecord(1)}},
		{Port: 1, Op: &oplog.Operation{ID: 2, Kind: oplog.Insert, New: numRecord(1)}},
	})
	if len(out) != 1 {
		t.Fatalf("UNION should only emit once for the same value across both sides, got %d", len(out))
	}
}
