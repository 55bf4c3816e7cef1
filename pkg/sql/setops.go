package sql

import (
	"context"
	"fmt"

	"github.com/cuemby/dozer/pkg/dag"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/oplog"
)

// UnionAllProcessor is UNION ALL: plain concatenation of both input
// streams, forwarding every operation unchanged regardless of which port
// it arrived on.
type UnionAllProcessor struct{}

func (UnionAllProcessor) Process(ctx context.Context, in <-chan dag.Envelope, out chan<- dag.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-in:
			if !ok {
				return nil
			}
			if !sendEnvelope(ctx, out, env) {
				return ctx.Err()
			}
		}
	}
}

// CountingRecordMap is a per-side refcounted set of distinct records,
// keyed by their encoded values. It backs UNION/INTERSECT/EXCEPT's
// membership bookkeeping: a record's multiplicity on each side, not just
// its presence, so repeated inserts/deletes of the same value stay
// consistent.
type CountingRecordMap struct {
	counts map[string]int64
	recs   map[string]*field.Record
}

func NewCountingRecordMap() *CountingRecordMap {
	return &CountingRecordMap{counts: make(map[string]int64), recs: make(map[string]*field.Record)}
}

func (m *CountingRecordMap) Add(key string, rec *field.Record) {
	m.counts[key]++
	m.recs[key] = rec
}

func (m *CountingRecordMap) Remove(key string) {
	if m.counts[key] <= 0 {
		return
	}
	m.counts[key]--
	if m.counts[key] == 0 {
		delete(m.counts, key)
		delete(m.recs, key)
	}
}

func (m *CountingRecordMap) Count(key string) int64 { return m.counts[key] }

// SetOpProcessor implements UNION/INTERSECT/EXCEPT (the non-ALL forms) as
// threshold-crossing membership maintenance: each side tracks its own
// record multiplicities, and a change on either side recomputes whether
// the affected record should currently be in the output, emitting an
// Insert/Delete only on a 0↔nonzero crossing of that predicate.
type SetOpProcessor struct {
	Kind   SetOpKind
	Schema field.Schema

	left, right *CountingRecordMap
	present     map[string]bool
}

func NewSetOpProcessor(kind SetOpKind, schema field.Schema) *SetOpProcessor {
	return &SetOpProcessor{
		Kind:    kind,
		Schema:  schema,
		left:    NewCountingRecordMap(),
		right:   NewCountingRecordMap(),
		present: make(map[string]bool),
	}
}

func (p *SetOpProcessor) shouldBePresent(leftCount, rightCount int64) bool {
	switch p.Kind {
	case SetOpUnion:
		return leftCount+rightCount > 0
	case SetOpIntersect:
		return leftCount > 0 && rightCount > 0
	case SetOpExcept:
		return leftCount > 0 && rightCount == 0
	default:
		return false
	}
}

func (p *SetOpProcessor) key(rec *field.Record) (string, error) {
	enc, err := field.EncodeComposite(rec.Values...)
	if err != nil {
		return "", err
	}
	return string(enc), nil
}

func (p *SetOpProcessor) Process(ctx context.Context, in <-chan dag.Envelope, out chan<- dag.Envelope) error {
	var nextID uint64
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
			changes, err := splitChanges(env.Op)
			if err != nil {
				return fmt.Errorf("sql: setop: %w", err)
			}
			for _, ch := range changes {
				emitted, err := p.apply(env.Port, ch, &nextID)
				if err != nil {
					return fmt.Errorf("sql: setop: %w", err)
				}
				for _, op := range emitted {
					if !sendEnvelope(ctx, out, dag.Envelope{Op: op}) {
						return ctx.Err()
					}
				}
			}
		}
	}
}

func (p *SetOpProcessor) apply(port int, ch change, nextID *uint64) ([]*oplog.Operation, error) {
	key, err := p.key(ch.rec)
	if err != nil {
		return nil, err
	}
	side := p.left
	if port == 1 {
		side = p.right
	}

	wasPresent := p.present[key]
	if ch.kind == chgInsert {
		side.Add(key, ch.rec)
	} else {
		side.Remove(key)
	}
	nowPresent := p.shouldBePresent(p.left.Count(key), p.right.Count(key))

	if wasPresent == nowPresent {
		return nil, nil
	}
	p.present[key] = nowPresent
	*nextID++
	op := &oplog.Operation{ID: *nextID}
	if nowPresent {
		op.Kind, op.New = oplog.Insert, ch.rec
	} else {
		op.Kind, op.Old = oplog.Delete, ch.rec
	}
	return []*oplog.Operation{op}, nil
}
