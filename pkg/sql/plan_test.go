package sql

import (
	"testing"

	"github.com/cuemby/dozer/pkg/dag"
)

func TestPlanSimpleProjectionWiresOneStage(t *testing.T) {
	stmt, err := Parse("SELECT id, amount FROM orders WHERE amount > 10")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sources := Sources{"orders": {Schema: ordersSchema(), Handle: dag.NodeHandle("src_orders")}}
	frag, err := Plan(stmt, sources)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	// selection + projection
	if len(frag.Nodes) != 2 {
		t.Fatalf("expected 2 planned nodes (select, project), got %d", len(frag.Nodes))
	}
	if len(frag.Edges) != 2 {
		t.Fatalf("expected 2 edges wiring src->select->project, got %d", len(frag.Edges))
	}
}

func TestPlanAggregationSkipsProjection(t *testing.T) {
	stmt, err := Parse("SELECT region, SUM(amount) AS total FROM orders GROUP BY region")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sources := Sources{"orders": {Schema: regionSchema(), Handle: dag.NodeHandle("src_orders")}}
	frag, err := Plan(stmt, sources)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(frag.Nodes) != 1 {
		t.Fatalf("expected a single aggregate node wired directly to the source, got %d", len(frag.Nodes))
	}
	if frag.Schema.Fields[0].Name != "region" || frag.Schema.Fields[1].Name != "total" {
		t.Fatalf("unexpected output schema fields: %+v", frag.Schema.Fields)
	}
}

func TestPlanJoinWiresBothSources(t *testing.T) {
	stmt, err := Parse("SELECT * FROM orders o JOIN customers c ON o.id = c.id")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sources := Sources{
		"orders":    {Schema: ordersSchema(), Handle: dag.NodeHandle("src_orders")},
		"customers": {Schema: customersSchema(), Handle: dag.NodeHandle("src_customers")},
	}
	frag, err := Plan(stmt, sources)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	// join + projection
	if len(frag.Nodes) != 2 {
		t.Fatalf("expected join+project nodes, got %d", len(frag.Nodes))
	}
	var joinEdges int
	for _, e := range frag.Edges {
		if e.From == dag.NodeHandle("src_orders") || e.From == dag.NodeHandle("src_customers") {
			joinEdges++
		}
	}
	if joinEdges != 2 {
		t.Fatalf("expected both sources wired into the join node, got %d matching edges", joinEdges)
	}
}

func TestPlanUnionAllMergesBothBranches(t *testing.T) {
	stmt, err := Parse("SELECT id FROM orders UNION ALL SELECT id FROM orders")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sources := Sources{"orders": {Schema: ordersSchema(), Handle: dag.NodeHandle("src_orders")}}
	frag, err := Plan(stmt, sources)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	// left project + right project + union_all
	if len(frag.Nodes) != 3 {
		t.Fatalf("expected 3 planned nodes across both branches plus the union node, got %d", len(frag.Nodes))
	}
}
