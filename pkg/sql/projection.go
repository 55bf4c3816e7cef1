package sql

import (
	"context"
	"fmt"

	"github.com/cuemby/dozer/pkg/dag"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/oplog"
)

// ProjectionProcessor is a stateless dag.ProcessorNode that evaluates a
// fixed list of scalar expressions against every record it sees, the SQL
// SELECT list's runtime counterpart. It never buffers anything across
// records, so epoch boundaries pass through unchanged and immediately.
type ProjectionProcessor struct {
	Input  TableBinding // Schema/Alias only; Record is filled in per-op
	Items  []SelectItem
	Output field.Schema
}

// NewProjectionProcessor builds a ProjectionProcessor and its output schema
// from an input schema and a parsed SELECT list. SELECT * expands to every
// input column in declared order. A projection's output is always
// append-only: computed columns generally cannot preserve the input's
// primary key semantics, so downstream operators must treat it as a new
// record stream rather than an update of the input rows.
func NewProjectionProcessor(alias string, input field.Schema, items []SelectItem) (*ProjectionProcessor, error) {
	out := field.Schema{Name: input.Name + "_projection"}
	var expanded []SelectItem
	for _, it := range items {
		if !it.Star {
			expanded = append(expanded, it)
			continue
		}
		for _, fd := range input.Fields {
			expanded = append(expanded, SelectItem{Expr: ColumnRef{Table: alias, Name: fd.Name}, Alias: fd.Name})
		}
	}
	for i, it := range expanded {
		name := it.Alias
		if name == "" {
			name = projectionColumnName(it.Expr, i)
		}
		out.Fields = append(out.Fields, field.FieldDefinition{Name: name, Nullable: true})
	}
	return &ProjectionProcessor{
		Input:  TableBinding{Alias: alias, Schema: input},
		Items:  expanded,
		Output: out,
	}, nil
}

func projectionColumnName(e Expr, i int) string {
	if ref, ok := e.(ColumnRef); ok {
		return ref.Name
	}
	return fmt.Sprintf("col%d", i)
}

func (p *ProjectionProcessor) project(rec *field.Record) (*field.Record, error) {
	if rec == nil {
		return nil, nil
	}
	ctx := EvalContext{Tables: []TableBinding{{Alias: p.Input.Alias, Schema: p.Input.Schema, Record: *rec}}}
	values := make([]field.Field, len(p.Items))
	for i, it := range p.Items {
		v, err := Evaluate(it.Expr, ctx)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	out := field.Record{Values: values}
	return &out, nil
}

func (p *ProjectionProcessor) Process(ctx context.Context, in <-chan dag.Envelope, out chan<- dag.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-in:
			if !ok {
				return nil
			}
			if env.IsBoundary() {
				if !sendEnvelope(ctx, out, env) {
					return ctx.Err()
				}
				continue
			}
			newOld, err := p.project(env.Op.Old)
			if err != nil {
				return fmt.Errorf("sql: projection: %w", err)
			}
			newNew, err := p.project(env.Op.New)
			if err != nil {
				return fmt.Errorf("sql: projection: %w", err)
			}
			projected := dag.Envelope{Op: cloneOperation(env.Op, newOld, newNew), Port: env.Port}
			if !sendEnvelope(ctx, out, projected) {
				return ctx.Err()
			}
		}
	}
}

// cloneOperation returns a copy of op with its Old/New records replaced,
// preserving ID, Kind, and RecordID.
func cloneOperation(op *oplog.Operation, newOld, newNew *field.Record) *oplog.Operation {
	return &oplog.Operation{ID: op.ID, Kind: op.Kind, RecordID: op.RecordID, Old: newOld, New: newNew}
}

// sendEnvelope writes env to out, returning false if ctx was cancelled
// first.
func sendEnvelope(ctx context.Context, out chan<- dag.Envelope, env dag.Envelope) bool {
	select {
	case out <- env:
		return true
	case <-ctx.Done():
		return false
	}
}
