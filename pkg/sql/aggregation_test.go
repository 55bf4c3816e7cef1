package sql

import (
	"testing"

	"github.com/cuemby/dozer/pkg/dag"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/oplog"
)

func regionRecord(region string, amount float64) *field.Record {
	return &field.Record{Values: []field.Field{field.String(region), field.Float(amount)}}
}

func regionSchema() field.Schema {
	return field.Schema{
		Name: "orders",
		Fields: []field.FieldDefinition{
			{Name: "region", Kind: field.KindString},
			{Name: "amount", Kind: field.KindFloat},
		},
	}
}

func TestAggregationSumAndGroupNaming(t *testing.T) {
	groupBy := []Expr{ColumnRef{Name: "region"}}
	aggs := []AggregateSpec{{Func: AggSum, Arg: ColumnRef{Name: "amount"}, Alias: "total"}}
	agg := NewAggregationProcessor("o", regionSchema(), groupBy, aggs, nil)

	if agg.Output.Fields[0].Name != "region" {
		t.Fatalf("group column should be named region, got %q", agg.Output.Fields[0].Name)
	}

	out := runProcessor(t, agg, []dag.Envelope{
		{Op: &oplog.Operation{ID: 1, Kind: oplog.Insert, New: regionRecord("west", 10)}},
		{Op: &oplog.Operation{ID: 2, Kind: oplog.Insert, New: regionRecord("west", 20)}},
	})
	if len(out) != 2 {
		t.Fatalf("expected 2 emitted envelopes, got %d", len(out))
	}
	if out[0].Op.Kind != oplog.Insert {
		t.Fatalf("first contribution to a new group should be an Insert, got %v", out[0].Op.Kind)
	}
	if out[1].Op.Kind != oplog.Update {
		t.Fatalf("second contribution to an existing group should be an Update, got %v", out[1].Op.Kind)
	}
	total := out[1].Op.New.Values[1]
	if total.AsFloat() != 30 {
		t.Fatalf("running sum = %v, want 30", total.AsFloat())
	}
}

func TestAggregationRetractOnDelete(t *testing.T) {
	groupBy := []Expr{ColumnRef{Name: "region"}}
	aggs := []AggregateSpec{{Func: AggSum, Arg: ColumnRef{Name: "amount"}, Alias: "total"}}
	agg := NewAggregationProcessor("o", regionSchema(), groupBy, aggs, nil)

	out := runProcessor(t, agg, []dag.Envelope{
		{Op: &oplog.Operation{ID: 1, Kind: oplog.Insert, New: regionRecord("west", 10)}},
		{Op: &oplog.Operation{ID: 2, Kind: oplog.Insert, New: regionRecord("west", 20)}},
		{Op: &oplog.Operation{ID: 3, Kind: oplog.Delete, Old: regionRecord("west", 20)}},
		{Op: &oplog.Operation{ID: 4, Kind: oplog.Delete, Old: regionRecord("west", 10)}},
	})
	if len(out) != 4 {
		t.Fatalf("expected 4 emitted envelopes, got %d", len(out))
	}
	if out[2].Op.Kind != oplog.Update || out[2].Op.New.Values[1].AsFloat() != 10 {
		t.Fatalf("retracting one of two contributions should update the sum back to 10, got %+v", out[2].Op)
	}
	if out[3].Op.Kind != oplog.Delete {
		t.Fatalf("retracting the last contribution should delete the group row, got %v", out[3].Op.Kind)
	}
}

func TestAggregationHavingFilters(t *testing.T) {
	groupBy := []Expr{ColumnRef{Name: "region"}}
	aggs := []AggregateSpec{{Func: AggSum, Arg: ColumnRef{Name: "amount"}, Alias: "total"}}
	havingStmt, err := Parse("SELECT region, SUM(amount) AS total FROM orders GROUP BY region HAVING total > 15")
	if err != nil {
		t.Fatalf("parse having: %v", err)
	}
	agg := NewAggregationProcessor("o", regionSchema(), groupBy, aggs, havingStmt.Having)

	out := runProcessor(t, agg, []dag.Envelope{
		{Op: &oplog.Operation{ID: 1, Kind: oplog.Insert, New: regionRecord("west", 10)}},
		{Op: &oplog.Operation{ID: 2, Kind: oplog.Insert, New: regionRecord("west", 20)}},
	})
	if len(out) != 1 {
		t.Fatalf("expected only the second insert to cross HAVING total > 15, got %d envelopes", len(out))
	}
	if out[0].Op.Kind != oplog.Insert {
		t.Fatalf("crossing HAVING threshold upward should emit Insert, got %v", out[0].Op.Kind)
	}
}

func TestHLLAccumulatorApproximatesCardinality(t *testing.T) {
	acc := newHLLAcc()
	const n = 5000
	for i := 0; i < n; i++ {
		acc.add(field.Int(int64(i)))
	}
	got := acc.result().AsInt()
	diff := got - n
	if diff < 0 {
		diff = -diff
	}
	if float64(diff)/float64(n) > 0.1 {
		t.Fatalf("hll estimate %d too far from true cardinality %d", got, n)
	}
}
