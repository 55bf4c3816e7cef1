package sql

import (
	"context"
	"testing"

	"github.com/cuemby/dozer/pkg/dag"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/oplog"
)

func ordersSchema() field.Schema {
	return field.Schema{
		Name: "orders",
		Fields: []field.FieldDefinition{
			{Name: "id", Kind: field.KindInt},
			{Name: "amount", Kind: field.KindFloat},
		},
	}
}

func orderRecord(id int64, amount float64) *field.Record {
	return &field.Record{Values: []field.Field{field.Int(id), field.Float(amount)}}
}

func mustParsePredicate(t *testing.T, src string) Expr {
	t.Helper()
	stmt, err := Parse("SELECT * FROM orders WHERE " + src)
	if err != nil {
		t.Fatalf("parse predicate %q: %v", src, err)
	}
	return stmt.Where
}

func runProcessor(t *testing.T, p dag.ProcessorNode, ops []dag.Envelope) []dag.Envelope {
	t.Helper()
	in := make(chan dag.Envelope, len(ops))
	out := make(chan dag.Envelope, len(ops)*4+8)
	for _, e := range ops {
		in <- e
	}
	close(in)
	if err := p.Process(context.Background(), in, out); err != nil {
		t.Fatalf("process: %v", err)
	}
	close(out)
	var result []dag.Envelope
	for e := range out {
		result = append(result, e)
	}
	return result
}

func TestSelectionClassifyTruthTable(t *testing.T) {
	pred := mustParsePredicate(t, "amount > 10")
	sel := NewSelectionProcessor("o", ordersSchema(), pred)

	// false -> false: nothing emitted
	op, err := sel.classify(&oplog.Operation{ID: 1, Kind: oplog.Update, Old: orderRecord(1, 1), New: orderRecord(1, 2)})
	if err != nil || op != nil {
		t.Fatalf("false->false should emit nothing, got %+v err=%v", op, err)
	}

	// true -> true: passthrough Update
	op, err = sel.classify(&oplog.Operation{ID: 2, Kind: oplog.Update, Old: orderRecord(1, 20), New: orderRecord(1, 30)})
	if err != nil || op == nil || op.Kind != oplog.Update {
		t.Fatalf("true->true should emit Update, got %+v err=%v", op, err)
	}

	// true -> false: Delete
	op, err = sel.classify(&oplog.Operation{ID: 3, Kind: oplog.Update, Old: orderRecord(1, 20), New: orderRecord(1, 2)})
	if err != nil || op == nil || op.Kind != oplog.Delete {
		t.Fatalf("true->false should emit Delete, got %+v err=%v", op, err)
	}

	// false -> true: Insert
	op, err = sel.classify(&oplog.Operation{ID: 4, Kind: oplog.Update, Old: orderRecord(1, 2), New: orderRecord(1, 20)})
	if err != nil || op == nil || op.Kind != oplog.Insert {
		t.Fatalf("false->true should emit Insert, got %+v err=%v", op, err)
	}
}

func TestSelectionInsertDelete(t *testing.T) {
	pred := mustParsePredicate(t, "amount > 10")
	sel := NewSelectionProcessor("o", ordersSchema(), pred)

	out := runProcessor(t, sel, []dag.Envelope{
		{Op: &oplog.Operation{ID: 1, Kind: oplog.Insert, New: orderRecord(1, 5)}},
		{Op: &oplog.Operation{ID: 2, Kind: oplog.Insert, New: orderRecord(2, 50)}},
		{Op: &oplog.Operation{ID: 3, Kind: oplog.Delete, Old: orderRecord(2, 50)}},
	})
	if len(out) != 2 {
		t.Fatalf("expected 2 emitted envelopes (insert #2 passes, insert #1 filtered, delete #2 passes), got %d", len(out))
	}
	if out[0].Op.Kind != oplog.Insert || out[1].Op.Kind != oplog.Delete {
		t.Fatalf("unexpected emitted kinds: %v %v", out[0].Op.Kind, out[1].Op.Kind)
	}
}
