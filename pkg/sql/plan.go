package sql

import (
	"fmt"

	"github.com/cuemby/dozer/pkg/dag"
	"github.com/cuemby/dozer/pkg/field"
)

// Fragment is one planned query's sub-graph of dag.Nodes/Edges, ready to be
// merged into a full pipeline dag.Graph alongside its sources and sinks.
// It is the planner's sole output, per spec.md §4.10's closing line that
// planning stops at producing a pipeline fragment rather than running one.
type Fragment struct {
	Nodes  []dag.NodeType
	Edges  []dag.Edge
	Output dag.NodeHandle // the single node whose output is the query's result stream
	Schema field.Schema   // the output node's row shape
}

// planner accumulates a Fragment's nodes/edges while walking a
// SelectStatement, minting a fresh handle per node it adds.
type planner struct {
	nodes   []dag.NodeType
	edges   []dag.Edge
	counter int
}

func (p *planner) newHandle(prefix string) dag.NodeHandle {
	p.counter++
	return dag.NodeHandle(fmt.Sprintf("%s_%d", prefix, p.counter))
}

func (p *planner) add(handle dag.NodeHandle, impl dag.ProcessorNode) {
	p.nodes = append(p.nodes, dag.NodeType{Handle: handle, Kind: dag.Processor, Impl: impl})
}

func (p *planner) connect(from dag.NodeHandle, fromPort int, to dag.NodeHandle, toPort int) {
	p.edges = append(p.edges, dag.Edge{From: from, To: to, FromPort: fromPort, ToPort: toPort})
}

// Sources names the pipeline's existing upstream nodes the planner can
// wire a query against: one entry per table name the FROM/JOIN clauses may
// reference, giving its schema and the dag.NodeHandle/output port already
// producing its rows.
type Sources map[string]SourceBinding

type SourceBinding struct {
	Schema field.Schema
	Handle dag.NodeHandle
	Port   int
}

// Plan compiles stmt into a Fragment wired against sources. It does not run
// or validate against a live Graph; the caller merges the returned
// Nodes/Edges into one before constructing a dag.Executor.
func Plan(stmt *SelectStatement, sources Sources) (*Fragment, error) {
	p := &planner{}
	handle, port, schema, alias, err := p.planFrom(stmt, sources)
	if err != nil {
		return nil, err
	}

	if stmt.Where != nil {
		sel := NewSelectionProcessor(alias, schema, stmt.Where)
		h := p.newHandle("select")
		p.add(h, sel)
		p.connect(handle, port, h, 0)
		handle, port = h, 0
	}

	aggregates, groupBy, having, err := extractAggregates(stmt)
	if err != nil {
		return nil, err
	}
	if len(aggregates) > 0 || len(groupBy) > 0 {
		agg := NewAggregationProcessor(alias, schema, groupBy, aggregates, having)
		h := p.newHandle("aggregate")
		p.add(h, agg)
		p.connect(handle, port, h, 0)
		handle, port, schema, alias = h, 0, agg.Output, ""
	} else {
		proj, err := NewProjectionProcessor(alias, schema, stmt.Projections)
		if err != nil {
			return nil, err
		}
		h := p.newHandle("project")
		p.add(h, proj)
		p.connect(handle, port, h, 0)
		handle, port, schema, alias = h, 0, proj.Output, ""
	}

	if stmt.SetOp != nil {
		rightFrag, err := Plan(stmt.SetOp.Right, sources)
		if err != nil {
			return nil, err
		}
		p.nodes = append(p.nodes, rightFrag.Nodes...)
		p.edges = append(p.edges, rightFrag.Edges...)

		if stmt.SetOp.Kind == SetOpUnion && stmt.SetOp.All {
			h := p.newHandle("union_all")
			p.add(h, UnionAllProcessor{})
			p.connect(handle, port, h, 0)
			p.connect(rightFrag.Output, 0, h, 1)
			handle, port = h, 0
		} else {
			op := NewSetOpProcessor(stmt.SetOp.Kind, schema)
			h := p.newHandle("setop")
			p.add(h, op)
			p.connect(handle, port, h, 0)
			p.connect(rightFrag.Output, 0, h, 1)
			handle, port = h, 0
		}
	}

	return &Fragment{Nodes: p.nodes, Edges: p.edges, Output: handle, Schema: schema}, nil
}

// planFrom wires the FROM table (optionally windowed) and every JOIN
// clause, returning the handle/port/schema/alias of the resulting row
// stream.
func (p *planner) planFrom(stmt *SelectStatement, sources Sources) (dag.NodeHandle, int, field.Schema, string, error) {
	handle, port, schema, alias, err := p.planTableRef(stmt.From, sources)
	if err != nil {
		return "", 0, field.Schema{}, "", err
	}

	for _, jc := range stmt.Joins {
		rHandle, rPort, rSchema, rAlias, err := p.planTableRef(jc.Table, sources)
		if err != nil {
			return "", 0, field.Schema{}, "", err
		}
		left := TableBinding{Alias: alias, Schema: schema}
		right := TableBinding{Alias: rAlias, Schema: rSchema}
		join, err := NewJoinProcessor(left, right, jc.Kind, jc.On)
		if err != nil {
			return "", 0, field.Schema{}, "", err
		}
		h := p.newHandle("join")
		p.add(h, join)
		p.connect(handle, port, h, 0)
		p.connect(rHandle, rPort, h, 1)
		handle, port, schema, alias = h, 0, join.Output, ""
	}

	return handle, port, schema, alias, nil
}

// planTableRef wires a single FROM/JOIN table reference (with its optional
// window), returning the handle and output port producing its rows.
func (p *planner) planTableRef(ref TableRef, sources Sources) (dag.NodeHandle, int, field.Schema, string, error) {
	src, ok := sources[ref.Name]
	if !ok {
		return "", 0, field.Schema{}, "", fmt.Errorf("sql: plan: unknown table %q", ref.Name)
	}
	alias := ref.Alias
	if alias == "" {
		alias = ref.Name
	}
	handle, port, schema := src.Handle, src.Port, src.Schema

	if ref.Window != nil {
		win := NewWindowProcessor(alias, schema, *ref.Window)
		h := p.newHandle("window")
		p.add(h, win)
		p.connect(handle, port, h, 0)
		handle, port, schema = h, 0, win.Output
	}

	return handle, port, schema, alias, nil
}

// extractAggregates scans a SELECT list for aggregate FuncCalls, returning
// them alongside the statement's GROUP BY expressions and HAVING clause.
// Non-aggregate select items are not checked against the GROUP BY list and
// never cause an error: an aggregating query's output row is the GROUP BY
// values followed by the aggregates, and any other select item is left
// out of it.
func extractAggregates(stmt *SelectStatement) ([]AggregateSpec, []Expr, Expr, error) {
	var specs []AggregateSpec
	for _, item := range stmt.Projections {
		if item.Star {
			continue
		}
		call, ok := item.Expr.(FuncCall)
		if !ok {
			continue
		}
		fn, ok := aggFuncFromName(call.Name)
		if !ok {
			continue
		}
		var arg Expr
		if !call.Star && len(call.Args) > 0 {
			arg = call.Args[0]
		}
		alias := item.Alias
		if alias == "" {
			alias = call.Name
		}
		specs = append(specs, AggregateSpec{Func: fn, Arg: arg, Alias: alias})
	}
	if len(specs) == 0 {
		return nil, stmt.GroupBy, stmt.Having, nil
	}
	return specs, stmt.GroupBy, stmt.Having, nil
}
