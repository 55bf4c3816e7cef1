package sql

import (
	"context"
	"fmt"

	"github.com/cuemby/dozer/pkg/dag"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/oplog"
)

// SelectionProcessor is a stateless dag.ProcessorNode implementing a WHERE
// (or HAVING) filter. It reclassifies an Update whose old/new rows
// straddle the predicate boundary into the matching Insert/Delete, per the
// truth table below (grounded on original_source/dozer-sql's
// selection/processor.rs):
//
//	old passes  new passes  →  emitted
//	false       false          nothing
//	true        true           Update{old, new}
//	true        false          Delete{old}
//	false       true           Insert{new}
type SelectionProcessor struct {
	Input     TableBinding
	Predicate Expr
}

func NewSelectionProcessor(alias string, input field.Schema, predicate Expr) *SelectionProcessor {
	return &SelectionProcessor{Input: TableBinding{Alias: alias, Schema: input}, Predicate: predicate}
}

// passes evaluates the predicate against rec under three-valued logic: only
// a definite true counts as passing, matching SQL WHERE semantics where a
// NULL predicate result excludes the row.
func (s *SelectionProcessor) passes(rec *field.Record) (bool, error) {
	if rec == nil {
		return false, nil
	}
	ctx := EvalContext{Tables: []TableBinding{{Alias: s.Input.Alias, Schema: s.Input.Schema, Record: *rec}}}
	v, err := Evaluate(s.Predicate, ctx)
	if err != nil {
		return false, err
	}
	b, ok := triBool(v)
	return ok && b, nil
}

func (s *SelectionProcessor) Process(ctx context.Context, in <-chan dag.Envelope, out chan<- dag.Envelope) error {
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
			emitted, err := s.classify(env.Op)
			if err != nil {
				return fmt.Errorf("sql: selection: %w", err)
			}
			if emitted == nil {
				continue
			}
			if !sendEnvelope(ctx, out, dag.Envelope{Op: emitted, Port: env.Port}) {
				return ctx.Err()
			}
		}
	}
}

func (s *SelectionProcessor) classify(op *oplog.Operation) (*oplog.Operation, error) {
	switch op.Kind {
	case oplog.Insert:
		ok, err := s.passes(op.New)
		if err != nil || !ok {
			return nil, err
		}
		return op, nil
	case oplog.Delete:
		ok, err := s.passes(op.Old)
		if err != nil || !ok {
			return nil, err
		}
		return op, nil
	case oplog.Update:
		oldPass, err := s.passes(op.Old)
		if err != nil {
			return nil, err
		}
		newPass, err := s.passes(op.New)
		if err != nil {
			return nil, err
		}
		switch {
		case !oldPass && !newPass:
			return nil, nil
		case oldPass && newPass:
			return op, nil
		case oldPass && !newPass:
			return &oplog.Operation{ID: op.ID, Kind: oplog.Delete, RecordID: op.RecordID, Old: op.Old}, nil
		default: // !oldPass && newPass
			return &oplog.Operation{ID: op.ID, Kind: oplog.Insert, RecordID: op.RecordID, New: op.New}, nil
		}
	default:
		return nil, fmt.Errorf("sql: selection: unknown operation kind %s", op.Kind)
	}
}
