package sql

import (
	"context"
	"fmt"

	"github.com/cuemby/dozer/pkg/dag"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/metrics"
	"github.com/cuemby/dozer/pkg/oplog"
)

// JoinProcessor is a binary stream-to-stream hash equi-join: each side
// maintains a multimap of join-key → multiset of rows, and an arriving row
// on either side is matched against the other side's current multimap
// rather than against any materialized history beyond it. Inputs arrive on
// dag.Envelope.Port: 0 is left, 1 is right, mirroring
// original_source/dozer-sql/src/pipeline/product/join/processor.rs's
// from_port dispatch. An Update is processed as a Delete of its Old value
// followed by an Insert of its New value, per that file's composition.
type JoinProcessor struct {
	Left, Right         TableBinding
	LeftKeys, RightKeys []ColumnRef // parallel; LeftKeys[i] joins against RightKeys[i]
	Kind                JoinKind
	Output              field.Schema

	leftMM  map[string][]field.Record
	rightMM map[string][]field.Record
}

// NewJoinProcessor builds a JoinProcessor from a parsed ON predicate. The
// predicate must be a conjunction of column-to-column equalities, one per
// side (spec.md §4.10 scopes the join operator to equi-joins); anything
// else is rejected at plan time rather than silently ignored.
func NewJoinProcessor(left, right TableBinding, kind JoinKind, on Expr) (*JoinProcessor, error) {
	leftKeys, rightKeys, err := extractEqualityKeys(on, left.Alias, right.Alias)
	if err != nil {
		return nil, err
	}
	out := field.Schema{Name: left.Schema.Name + "_join_" + right.Schema.Name}
	for _, fd := range left.Schema.Fields {
		out.Fields = append(out.Fields, field.FieldDefinition{Name: qualify(left.Alias, fd.Name), Nullable: true})
	}
	for _, fd := range right.Schema.Fields {
		out.Fields = append(out.Fields, field.FieldDefinition{Name: qualify(right.Alias, fd.Name), Nullable: true})
	}
	return &JoinProcessor{
		Left: left, Right: right,
		LeftKeys: leftKeys, RightKeys: rightKeys,
		Kind:    kind,
		Output:  out,
		leftMM:  make(map[string][]field.Record),
		rightMM: make(map[string][]field.Record),
	}, nil
}

func qualify(alias, name string) string {
	if alias == "" {
		return name
	}
	return alias + "." + name
}

// extractEqualityKeys walks a conjunction of `a.col = b.col` comparisons
// and splits each side's columns out in matching order.
func extractEqualityKeys(on Expr, leftAlias, rightAlias string) ([]ColumnRef, []ColumnRef, error) {
	var leftKeys, rightKeys []ColumnRef
	var walk func(e Expr) error
	walk = func(e Expr) error {
		switch n := e.(type) {
		case BinaryExpr:
			if n.Op == AND {
				if err := walk(n.Left); err != nil {
					return err
				}
				return walk(n.Right)
			}
			if n.Op != EQ {
				return fmt.Errorf("sql: join: unsupported predicate operator %s, only equality/AND is allowed", n.Op)
			}
			lc, lok := n.Left.(ColumnRef)
			rc, rok := n.Right.(ColumnRef)
			if !lok || !rok {
				return fmt.Errorf("sql: join: equality must compare two columns")
			}
			if matchesAlias(lc, leftAlias) && matchesAlias(rc, rightAlias) {
				leftKeys = append(leftKeys, lc)
				rightKeys = append(rightKeys, rc)
				return nil
			}
			if matchesAlias(lc, rightAlias) && matchesAlias(rc, leftAlias) {
				leftKeys = append(leftKeys, rc)
				rightKeys = append(rightKeys, lc)
				return nil
			}
			return fmt.Errorf("sql: join: equality %s = %s does not match one column per side", lc.qualifiedName(), rc.qualifiedName())
		default:
			return fmt.Errorf("sql: join: ON clause must be a conjunction of column equalities")
		}
	}
	if err := walk(on); err != nil {
		return nil, nil, err
	}
	return leftKeys, rightKeys, nil
}

func matchesAlias(ref ColumnRef, alias string) bool {
	return ref.Table == "" || ref.Table == alias
}

type changeKind int

const (
	chgInsert changeKind = iota
	chgDelete
)

type change struct {
	kind changeKind
	rec  *field.Record
}

func splitChanges(op *oplog.Operation) ([]change, error) {
	switch op.Kind {
	case oplog.Insert:
		return []change{{kind: chgInsert, rec: op.New}}, nil
	case oplog.Delete:
		return []change{{kind: chgDelete, rec: op.Old}}, nil
	case oplog.Update:
		return []change{{kind: chgDelete, rec: op.Old}, {kind: chgInsert, rec: op.New}}, nil
	default:
		return nil, fmt.Errorf("sql: join: unknown operation kind %s", op.Kind)
	}
}

func (p *JoinProcessor) encodeKey(rec *field.Record, schema field.Schema, cols []ColumnRef) (string, error) {
	values := make([]field.Field, len(cols))
	for i, c := range cols {
		idx := schema.FieldByName(c.Name)
		if idx < 0 {
			return "", fmt.Errorf("sql: join: unknown column %s", c.qualifiedName())
		}
		values[i] = rec.Values[idx]
	}
	enc, err := field.EncodeComposite(values...)
	if err != nil {
		return "", err
	}
	return string(enc), nil
}

func joinRow(left, right *field.Record, leftWidth, rightWidth int) *field.Record {
	values := make([]field.Field, 0, leftWidth+rightWidth)
	if left != nil {
		values = append(values, left.Values...)
	} else {
		for i := 0; i < leftWidth; i++ {
			values = append(values, field.Null())
		}
	}
	if right != nil {
		values = append(values, right.Values...)
	} else {
		for i := 0; i < rightWidth; i++ {
			values = append(values, field.Null())
		}
	}
	return &field.Record{Values: values}
}

func removeOne(mm map[string][]field.Record, key string, rec field.Record) {
	list := mm[key]
	for i, r := range list {
		if recordsEqual(r, rec) {
			mm[key] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// recordsEqual reports whether two records hold equal values in every
// position.
func recordsEqual(a, b field.Record) bool {
	if len(a.Values) != len(b.Values) {
		return false
	}
	for i := range a.Values {
		if !a.Values[i].Equal(b.Values[i]) {
			return false
		}
	}
	return true
}

func (p *JoinProcessor) leftWidth() int  { return len(p.Left.Schema.Fields) }
func (p *JoinProcessor) rightWidth() int { return len(p.Right.Schema.Fields) }

func (p *JoinProcessor) applyLeftChange(ch change) ([]*field.Record, []changeKind, error) {
	key, err := p.encodeKey(ch.rec, p.Left.Schema, p.LeftKeys)
	if err != nil {
		return nil, nil, err
	}
	others := p.rightMM[key]
	prevLeftCount := len(p.leftMM[key])

	var rows []*field.Record
	var kinds []changeKind

	switch ch.kind {
	case chgInsert:
		if len(others) > 0 {
			for _, r := range others {
				rows = append(rows, joinRow(ch.rec, &r, p.leftWidth(), p.rightWidth()))
				kinds = append(kinds, chgInsert)
			}
		} else if p.Kind == JoinLeft || p.Kind == JoinFull {
			rows = append(rows, joinRow(ch.rec, nil, p.leftWidth(), p.rightWidth()))
			kinds = append(kinds, chgInsert)
		}
		if prevLeftCount == 0 && len(others) > 0 && (p.Kind == JoinRight || p.Kind == JoinFull) {
			for _, r := range others {
				rows = append(rows, joinRow(nil, &r, p.leftWidth(), p.rightWidth()))
				kinds = append(kinds, chgDelete)
			}
		}
		p.leftMM[key] = append(p.leftMM[key], *ch.rec)
	case chgDelete:
		removeOne(p.leftMM, key, *ch.rec)
		newLeftCount := len(p.leftMM[key])
		if len(others) > 0 {
			for _, r := range others {
				rows = append(rows, joinRow(ch.rec, &r, p.leftWidth(), p.rightWidth()))
				kinds = append(kinds, chgDelete)
			}
		} else if p.Kind == JoinLeft || p.Kind == JoinFull {
			rows = append(rows, joinRow(ch.rec, nil, p.leftWidth(), p.rightWidth()))
			kinds = append(kinds, chgDelete)
		}
		if newLeftCount == 0 && len(others) > 0 && (p.Kind == JoinRight || p.Kind == JoinFull) {
			for _, r := range others {
				rows = append(rows, joinRow(nil, &r, p.leftWidth(), p.rightWidth()))
				kinds = append(kinds, chgInsert)
			}
		}
	}
	return rows, kinds, nil
}

func (p *JoinProcessor) applyRightChange(ch change) ([]*field.Record, []changeKind, error) {
	key, err := p.encodeKey(ch.rec, p.Right.Schema, p.RightKeys)
	if err != nil {
		return nil, nil, err
	}
	others := p.leftMM[key]
	prevRightCount := len(p.rightMM[key])

	var rows []*field.Record
	var kinds []changeKind

	switch ch.kind {
	case chgInsert:
		if len(others) > 0 {
			for _, l := range others {
				rows = append(rows, joinRow(&l, ch.rec, p.leftWidth(), p.rightWidth()))
				kinds = append(kinds, chgInsert)
			}
		} else if p.Kind == JoinRight || p.Kind == JoinFull {
			rows = append(rows, joinRow(nil, ch.rec, p.leftWidth(), p.rightWidth()))
			kinds = append(kinds, chgInsert)
		}
		if prevRightCount == 0 && len(others) > 0 && (p.Kind == JoinLeft || p.Kind == JoinFull) {
			for _, l := range others {
				rows = append(rows, joinRow(&l, nil, p.leftWidth(), p.rightWidth()))
				kinds = append(kinds, chgDelete)
			}
		}
		p.rightMM[key] = append(p.rightMM[key], *ch.rec)
	case chgDelete:
		removeOne(p.rightMM, key, *ch.rec)
		newRightCount := len(p.rightMM[key])
		if len(others) > 0 {
			for _, l := range others {
				rows = append(rows, joinRow(&l, ch.rec, p.leftWidth(), p.rightWidth()))
				kinds = append(kinds, chgDelete)
			}
		} else if p.Kind == JoinRight || p.Kind == JoinFull {
			rows = append(rows, joinRow(nil, ch.rec, p.leftWidth(), p.rightWidth()))
			kinds = append(kinds, chgDelete)
		}
		if newRightCount == 0 && len(others) > 0 && (p.Kind == JoinLeft || p.Kind == JoinFull) {
			for _, l := range others {
				rows = append(rows, joinRow(&l, nil, p.leftWidth(), p.rightWidth()))
				kinds = append(kinds, chgInsert)
			}
		}
	}
	return rows, kinds, nil
}

func (p *JoinProcessor) Process(ctx context.Context, in <-chan dag.Envelope, out chan<- dag.Envelope) error {
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
				return fmt.Errorf("sql: join: %w", err)
			}
			for _, ch := range changes {
				var rows []*field.Record
				var kinds []changeKind
				if env.Port == 0 {
					rows, kinds, err = p.applyLeftChange(ch)
				} else {
					rows, kinds, err = p.applyRightChange(ch)
				}
				if err != nil {
					return fmt.Errorf("sql: join: %w", err)
				}
				if len(rows) > 0 {
					metrics.JoinMatchesTotal.WithLabelValues(p.Output.Name).Add(float64(len(rows)))
				}
				for i, row := range rows {
					nextID++
					op := &oplog.Operation{ID: nextID}
					if kinds[i] == chgInsert {
						op.Kind = oplog.Insert
						op.New = row
					} else {
						op.Kind = oplog.Delete
						op.Old = row
					}
					if !sendEnvelope(ctx, out, dag.Envelope{Op: op}) {
						return ctx.Err()
					}
				}
			}
		}
	}
}
