package sql

import (
	"testing"

	"github.com/cuemby/dozer/pkg/field"
)

func testSchema() field.Schema {
	return field.Schema{
		Name: "orders",
		Fields: []field.FieldDefinition{
			{Name: "id", Kind: field.KindInt},
			{Name: "amount", Kind: field.KindFloat},
			{Name: "region", Kind: field.KindString},
		},
	}
}

func testCtx(id int64, amount float64, region string) EvalContext {
	rec := field.Record{Values: []field.Field{field.Int(id), field.Float(amount), field.String(region)}}
	return EvalContext{Tables: []TableBinding{{Alias: "o", Schema: testSchema(), Record: rec}}}
}

func mustEval(t *testing.T, src string, ctx EvalContext) field.Field {
	t.Helper()
	stmt, err := Parse("SELECT " + src + " FROM orders")
	if err != nil {
		t.Fatalf("parse %q: %v", src, err)
	}
	v, err := Evaluate(stmt.Projections[0].Expr, ctx)
	if err != nil {
		t.Fatalf("eval %q: %v", src, err)
	}
	return v
}

func TestEvaluateArithmeticAndComparison(t *testing.T) {
	ctx := testCtx(1, 12.5, "west")

	if v := mustEval(t, "amount + 1", ctx); v.AsFloat() != 13.5 {
		t.Fatalf("amount+1 = %v, want 13.5", v.AsFloat())
	}
	if v := mustEval(t, "amount > 10", ctx); !v.AsBoolean() {
		t.Fatalf("amount > 10 should be true")
	}
	if v := mustEval(t, "region = 'west'", ctx); !v.AsBoolean() {
		t.Fatalf("region = 'west' should be true")
	}
	if v := mustEval(t, "region = 'east'", ctx); v.AsBoolean() {
		t.Fatalf("region = 'east' should be false")
	}
}

func TestEvaluateThreeValuedLogic(t *testing.T) {
	rec := field.Record{Values: []field.Field{field.Int(1), field.Null(), field.String("west")}}
	ctx := EvalContext{Tables: []TableBinding{{Alias: "o", Schema: testSchema(), Record: rec}}}

	if v := mustEval(t, "amount > 10", ctx); !v.IsNull() {
		t.Fatalf("comparison against null should be null, got %v", v)
	}
	if v := mustEval(t, "amount > 10 AND FALSE", ctx); v.IsNull() || v.AsBoolean() {
		t.Fatalf("NULL AND FALSE should be false, got %v", v)
	}
	if v := mustEval(t, "amount > 10 OR TRUE", ctx); v.IsNull() || !v.AsBoolean() {
		t.Fatalf("NULL OR TRUE should be true, got %v", v)
	}
}

func TestEvaluateCaseLikeBetweenIn(t *testing.T) {
	ctx := testCtx(7, 42.0, "west")

	if v := mustEval(t, "CASE WHEN amount > 100 THEN 'big' WHEN amount > 10 THEN 'medium' ELSE 'small' END", ctx); v.AsString() != "medium" {
		t.Fatalf("case result = %q, want medium", v.AsString())
	}
	if v := mustEval(t, "region LIKE 'w%'", ctx); !v.AsBoolean() {
		t.Fatalf("region LIKE 'w%%' should match")
	}
	if v := mustEval(t, "amount BETWEEN 40 AND 50", ctx); !v.AsBoolean() {
		t.Fatalf("amount BETWEEN 40 AND 50 should be true")
	}
	if v := mustEval(t, "region IN ('east', 'west')", ctx); !v.AsBoolean() {
		t.Fatalf("region IN (...) should be true")
	}
}

func TestEvaluateScalarFunctions(t *testing.T) {
	ctx := testCtx(1, -3.7, "west")

	if v := mustEval(t, "abs(amount)", ctx); v.AsFloat() != 3.7 {
		t.Fatalf("abs(-3.7) = %v, want 3.7", v.AsFloat())
	}
	if v := mustEval(t, "ucase(region)", ctx); v.AsString() != "WEST" {
		t.Fatalf("ucase(region) = %q, want WEST", v.AsString())
	}
	if v := mustEval(t, "concat(region, '-zone')", ctx); v.AsString() != "west-zone" {
		t.Fatalf("concat = %q", v.AsString())
	}
	if v := mustEval(t, "length(region)", ctx); v.AsInt() != 4 {
		t.Fatalf("length(region) = %v, want 4", v.AsInt())
	}
}

func TestEvaluateGeoDistance(t *testing.T) {
	stmt, err := Parse("SELECT distance(point(0, 0), point(0, 1)) FROM orders")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	v, err := Evaluate(stmt.Projections[0].Expr, EvalContext{})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	// One degree of latitude is roughly 111km.
	if v.AsFloat() < 100000 || v.AsFloat() > 120000 {
		t.Fatalf("distance = %v, want ~111000", v.AsFloat())
	}
}
