package sql

import (
	"testing"

	"github.com/cuemby/dozer/pkg/dag"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/oplog"
)

func customersSchema() field.Schema {
	return field.Schema{
		Name: "customers",
		Fields: []field.FieldDefinition{
			{Name: "id", Kind: field.KindInt},
			{Name: "name", Kind: field.KindString},
		},
	}
}

func custRecord(id int64, name string) *field.Record {
	return &field.Record{Values: []field.Field{field.Int(id), field.String(name)}}
}

func custOrderRecord(custID int64, amount float64) *field.Record {
	return &field.Record{Values: []field.Field{field.Int(custID), field.Float(amount)}}
}

func newTestJoin(t *testing.T, kind JoinKind) *JoinProcessor {
	t.Helper()
	stmt, err := Parse("SELECT * FROM orders o JOIN customers c ON o.id = c.id")
	if err != nil {
		t.Fatalf("parse join: %v", err)
	}
	on := stmt.Joins[0].On
	left := TableBinding{Alias: "o", Schema: ordersSchema()}
	right := TableBinding{Alias: "c", Schema: customersSchema()}
	j, err := NewJoinProcessor(left, right, kind, on)
	if err != nil {
		t.Fatalf("new join: %v", err)
	}
	return j
}

func TestInnerJoinMatchesAcrossPorts(t *testing.T) {
	j := newTestJoin(t, JoinInner)
	out := runProcessor(t, j, []dag.Envelope{
		{Port: 1, Op: &oplog.Operation{ID: 1, Kind: oplog.Insert, New: custRecord(1, "acme")}},
		{Port: 0, Op: &oplog.Operation{ID: 2, Kind: oplog.Insert, New: custOrderRecord(1, 100)}},
	})
	if len(out) != 1 {
		t.Fatalf("expected exactly 1 joined row once both sides match, got %d", len(out))
	}
	if out[0].Op.Kind != oplog.Insert {
		t.Fatalf("expected Insert, got %v", out[0].Op.Kind)
	}
}

func TestInnerJoinNoMatchEmitsNothing(t *testing.T) {
	j := newTestJoin(t, JoinInner)
	out := runProcessor(t, j, []dag.Envelope{
		{Port: 0, Op: &oplog.Operation{ID: 1, Kind: oplog.Insert, New: custOrderRecord(1, 100)}},
	})
	if len(out) != 0 {
		t.Fatalf("inner join with no matching right row should emit nothing, got %d", len(out))
	}
}

func TestLeftOuterJoinPadsUnmatched(t *testing.T) {
	j := newTestJoin(t, JoinLeft)
	out := runProcessor(t, j, []dag.Envelope{
		{Port: 0, Op: &oplog.Operation{ID: 1, Kind: oplog.Insert, New: custOrderRecord(1, 100)}},
	})
	if len(out) != 1 {
		t.Fatalf("left join with no right match should still emit a null-padded row, got %d", len(out))
	}
	rightName := out[0].Op.New.Values[3]
	if !rightName.IsNull() {
		t.Fatalf("unmatched right side should be null, got %v", rightName)
	}
}

func TestLeftOuterJoinTransitionOnLateMatch(t *testing.T) {
	j := newTestJoin(t, JoinLeft)
	out := runProcessor(t, j, []dag.Envelope{
		{Port: 0, Op: &oplog.Operation{ID: 1, Kind: oplog.Insert, New: custOrderRecord(1, 100)}},
		{Port: 1, Op: &oplog.Operation{ID: 2, Kind: oplog.Insert, New: custRecord(1, "acme")}},
	})
	if len(out) != 3 {
		t.Fatalf("expected the null-padded insert, then the matched row inserted and the null-padded row retracted, got %d envelopes", len(out))
	}
	if out[0].Op.Kind != oplog.Insert {
		t.Fatalf("first emission should insert the null-padded row for the unmatched order, got %v", out[0].Op.Kind)
	}
	if out[1].Op.Kind != oplog.Insert {
		t.Fatalf("the late match should insert the matched row, got %v", out[1].Op.Kind)
	}
	if out[2].Op.Kind != oplog.Delete {
		t.Fatalf("the late match should then retract the null-padded row, got %v", out[2].Op.Kind)
	}
}
