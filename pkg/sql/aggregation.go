package sql

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/cuemby/dozer/pkg/dag"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/metrics"
	"github.com/cuemby/dozer/pkg/oplog"
)

// AggFunc names one of the documented aggregate functions.
type AggFunc int

const (
	AggCount AggFunc = iota
	AggSum
	AggMin
	AggMax
	AggAvg
	AggApproxCountDistinct
)

func aggFuncFromName(name string) (AggFunc, bool) {
	switch strings.ToLower(name) {
	case "count":
		return AggCount, true
	case "sum":
		return AggSum, true
	case "min":
		return AggMin, true
	case "max":
		return AggMax, true
	case "avg":
		return AggAvg, true
	case "approx_count_distinct":
		return AggApproxCountDistinct, true
	default:
		return 0, false
	}
}

// AggregateSpec is one aggregate output column: the function, its argument
// (nil for COUNT(*)), and the output alias.
type AggregateSpec struct {
	Func  AggFunc
	Arg   Expr
	Alias string
}

// AggregationProcessor implements GROUP BY with retract-on-delete
// semantics: an Insert adds to its group's running state, a Delete
// subtracts from it, and an Update does both for the same group (or moves
// a row between groups if the group-by key itself changed). A change to a
// group whose row passes HAVING both before and after re-emits that row as
// an Update{old,new}; a row that appears (a new group, or one that starts
// passing HAVING) is emitted as an Insert, and one that disappears as a
// Delete, per spec.md §4.10's aggregation semantics, grounded
// on original_source/dozer-sql/src/pipeline/aggregation/avg.rs's running
// sum+count accumulator design generalized to the whole function set.
type AggregationProcessor struct {
	Input      TableBinding
	GroupBy    []Expr
	Aggregates []AggregateSpec
	Having     Expr
	Output     field.Schema

	groups map[string]*groupEntry
}

type groupEntry struct {
	key  []field.Field
	accs []aggAccumulator
	rows int64 // rows currently contributing to this group; 0 means the group is gone
}

func NewAggregationProcessor(alias string, input field.Schema, groupBy []Expr, aggregates []AggregateSpec, having Expr) *AggregationProcessor {
	out := field.Schema{Name: input.Name + "_aggregate"}
	for i, g := range groupBy {
		name := fmt.Sprintf("group%d", i)
		if ref, ok := g.(ColumnRef); ok {
			name = ref.Name
		}
		out.Fields = append(out.Fields, field.FieldDefinition{Name: name, Nullable: true})
	}
	for _, a := range aggregates {
		out.Fields = append(out.Fields, field.FieldDefinition{Name: a.Alias, Nullable: true})
	}
	return &AggregationProcessor{
		Input:      TableBinding{Alias: alias, Schema: input},
		GroupBy:    groupBy,
		Aggregates: aggregates,
		Having:     having,
		Output:     out,
		groups:     make(map[string]*groupEntry),
	}
}

func (p *AggregationProcessor) groupKey(rec *field.Record) ([]field.Field, string, error) {
	ctx := EvalContext{Tables: []TableBinding{{Alias: p.Input.Alias, Schema: p.Input.Schema, Record: *rec}}}
	key := make([]field.Field, len(p.GroupBy))
	for i, g := range p.GroupBy {
		v, err := Evaluate(g, ctx)
		if err != nil {
			return nil, "", err
		}
		key[i] = v
	}
	enc, err := field.EncodeComposite(key...)
	if err != nil {
		return nil, "", err
	}
	return key, string(enc), nil
}

func (p *AggregationProcessor) newAccumulators() []aggAccumulator {
	accs := make([]aggAccumulator, len(p.Aggregates))
	for i, spec := range p.Aggregates {
		accs[i] = newAccumulator(spec.Func)
	}
	return accs
}

func (p *AggregationProcessor) entry(key []field.Field, keyStr string) *groupEntry {
	e, ok := p.groups[keyStr]
	if !ok {
		e = &groupEntry{key: key, accs: p.newAccumulators()}
		p.groups[keyStr] = e
		metrics.AggregationGroupsActive.WithLabelValues(p.Output.Name).Set(float64(len(p.groups)))
	}
	return e
}

// row evaluates the current output row for a group: its key values
// followed by each aggregate's current result.
func (p *AggregationProcessor) row(e *groupEntry) *field.Record {
	values := make([]field.Field, 0, len(e.key)+len(p.Aggregates))
	values = append(values, e.key...)
	for _, acc := range e.accs {
		values = append(values, acc.result())
	}
	return &field.Record{Values: values}
}

func (p *AggregationProcessor) evalHaving(rec *field.Record) (bool, error) {
	if p.Having == nil {
		return true, nil
	}
	ctx := EvalContext{Tables: []TableBinding{{Schema: p.Output, Record: *rec}}}
	v, err := Evaluate(p.Having, ctx)
	if err != nil {
		return false, err
	}
	b, ok := triBool(v)
	return ok && b, nil
}

func (p *AggregationProcessor) argValue(rec *field.Record, spec AggregateSpec) (field.Field, error) {
	if spec.Arg == nil {
		// COUNT(*) counts every row, so it gets a non-null placeholder.
		return field.Int(1), nil
	}
	ctx := EvalContext{Tables: []TableBinding{{Alias: p.Input.Alias, Schema: p.Input.Schema, Record: *rec}}}
	return Evaluate(spec.Arg, ctx)
}

// apply folds one input record into e's accumulators, in the given
// direction (add for Insert/Update-new, retract for Delete/Update-old).
func (p *AggregationProcessor) apply(e *groupEntry, rec *field.Record, retract bool) error {
	for i, spec := range p.Aggregates {
		v, err := p.argValue(rec, spec)
		if err != nil {
			return err
		}
		if retract {
			if err := e.accs[i].retract(v); err != nil {
				return err
			}
		} else {
			e.accs[i].add(v)
		}
	}
	if retract {
		e.rows--
	} else {
		e.rows++
	}
	return nil
}

func (p *AggregationProcessor) Process(ctx context.Context, in <-chan dag.Envelope, out chan<- dag.Envelope) error {
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
			emitted, err := p.applyOp(env.Op, &nextID)
			if err != nil {
				return fmt.Errorf("sql: aggregation: %w", err)
			}
			for _, e := range emitted {
				if !sendEnvelope(ctx, out, dag.Envelope{Op: e, Port: env.Port}) {
					return ctx.Err()
				}
			}
		}
	}
}

// applyOp folds one operation into its group(s), returning the downstream
// operations to emit. A row move (Update whose group key changes between
// old and new) produces a Delete on the old group's row and an Insert on
// the new group's row, each already passed through HAVING.
func (p *AggregationProcessor) applyOp(op *oplog.Operation, nextID *uint64) ([]*oplog.Operation, error) {
	switch op.Kind {
	case oplog.Insert:
		return p.foldOne(op.New, false, nextID)
	case oplog.Delete:
		return p.foldOne(op.Old, true, nextID)
	case oplog.Update:
		oldKey, oldKeyStr, err := p.groupKey(op.Old)
		if err != nil {
			return nil, err
		}
		newKey, newKeyStr, err := p.groupKey(op.New)
		if err != nil {
			return nil, err
		}
		if oldKeyStr == newKeyStr {
			return p.foldUpdate(newKey, newKeyStr, op.Old, op.New, nextID)
		}
		before, err := p.foldOne(op.Old, true, nextID)
		if err != nil {
			return nil, err
		}
		after, err := p.foldOne(op.New, false, nextID)
		if err != nil {
			return nil, err
		}
		return append(before, after...), nil
	default:
		return nil, fmt.Errorf("sql: aggregation: unknown operation kind %s", op.Kind)
	}
}

// foldOne applies a single-sided (Insert or Delete) change to one group,
// emitting an Insert/Update/Delete on the group's output row depending on
// whether the group existed before and still exists (and passes HAVING)
// after.
func (p *AggregationProcessor) foldOne(rec *field.Record, retract bool, nextID *uint64) ([]*oplog.Operation, error) {
	key, keyStr, err := p.groupKey(rec)
	if err != nil {
		return nil, err
	}
	e := p.entry(key, keyStr)
	before := e.rows > 0
	var beforeRow *field.Record
	var beforePass bool
	if before {
		beforeRow = p.row(e)
		beforePass, err = p.evalHaving(beforeRow)
		if err != nil {
			return nil, err
		}
	}

	if err := p.apply(e, rec, retract); err != nil {
		return nil, err
	}

	after := e.rows > 0
	if !after {
		delete(p.groups, keyStr)
		metrics.AggregationGroupsActive.WithLabelValues(p.Output.Name).Set(float64(len(p.groups)))
	}
	var afterRow *field.Record
	var afterPass bool
	if after {
		afterRow = p.row(e)
		afterPass, err = p.evalHaving(afterRow)
		if err != nil {
			return nil, err
		}
	}

	return p.diffRows(nextID, beforePass, beforeRow, afterPass, afterRow), nil
}

// foldUpdate applies both sides of an Update that keeps the same group.
func (p *AggregationProcessor) foldUpdate(key []field.Field, keyStr string, old, new *field.Record, nextID *uint64) ([]*oplog.Operation, error) {
	e := p.entry(key, keyStr)
	before := e.rows > 0
	var beforeRow *field.Record
	var beforePass bool
	var err error
	if before {
		beforeRow = p.row(e)
		beforePass, err = p.evalHaving(beforeRow)
		if err != nil {
			return nil, err
		}
	}

	if err := p.apply(e, old, true); err != nil {
		return nil, err
	}
	if err := p.apply(e, new, false); err != nil {
		return nil, err
	}

	after := e.rows > 0
	if !after {
		delete(p.groups, keyStr)
		metrics.AggregationGroupsActive.WithLabelValues(p.Output.Name).Set(float64(len(p.groups)))
	}
	var afterRow *field.Record
	var afterPass bool
	if after {
		afterRow = p.row(e)
		afterPass, err = p.evalHaving(afterRow)
		if err != nil {
			return nil, err
		}
	}

	return p.diffRows(nextID, beforePass, beforeRow, afterPass, afterRow), nil
}

// diffRows turns a group's before/after (HAVING-filtered) row into the
// Insert/Update/Delete to emit downstream.
func (p *AggregationProcessor) diffRows(nextID *uint64, beforePass bool, beforeRow *field.Record, afterPass bool, afterRow *field.Record) []*oplog.Operation {
	*nextID++
	id := *nextID
	switch {
	case !beforePass && !afterPass:
		return nil
	case beforePass && afterPass:
		return []*oplog.Operation{{ID: id, Kind: oplog.Update, Old: beforeRow, New: afterRow}}
	case beforePass && !afterPass:
		return []*oplog.Operation{{ID: id, Kind: oplog.Delete, Old: beforeRow}}
	default: // !beforePass && afterPass
		return []*oplog.Operation{{ID: id, Kind: oplog.Insert, New: afterRow}}
	}
}

// aggAccumulator is the per-group running state for one aggregate
// expression, with add/retract supporting the engine's incremental
// recomputation model.
type aggAccumulator interface {
	add(v field.Field)
	retract(v field.Field) error
	result() field.Field
}

func newAccumulator(fn AggFunc) aggAccumulator {
	switch fn {
	case AggCount:
		return &countAcc{}
	case AggSum:
		return &sumAcc{}
	case AggMin:
		return &minMaxAcc{wantMax: false}
	case AggMax:
		return &minMaxAcc{wantMax: true}
	case AggAvg:
		return &avgAcc{}
	case AggApproxCountDistinct:
		return newHLLAcc()
	default:
		return &countAcc{}
	}
}

// countAcc counts rows; when bound to an expression (COUNT(expr)) instead
// of COUNT(*), only non-null evaluations count, matching SQL COUNT rules.
type countAcc struct{ n int64 }

func (a *countAcc) add(v field.Field) {
	if v.IsNull() {
		return
	}
	a.n++
}
func (a *countAcc) retract(v field.Field) error {
	if v.IsNull() {
		return nil
	}
	a.n--
	return nil
}
func (a *countAcc) result() field.Field { return field.Int(a.n) }

// sumAcc tracks a running sum as an arbitrary-precision integer when every
// contribution has been an integer, promoting to float64 the first time it
// sees a non-integer value — the Go equivalent of the source system's
// 64-bit-to-128-bit overflow promotion, generalized to "promote on demand"
// rather than a fixed bit width.
type sumAcc struct {
	isFloat bool
	isum    *big.Int
	fsum    float64
	n       int64
}

func (a *sumAcc) add(v field.Field) {
	if v.IsNull() {
		return
	}
	a.n++
	if a.isFloat {
		f, _ := toFloat64(v)
		a.fsum += f
		return
	}
	if v.Kind() == field.KindInt {
		if a.isum == nil {
			a.isum = big.NewInt(0)
		}
		a.isum.Add(a.isum, big.NewInt(v.AsInt()))
		return
	}
	a.promoteToFloat()
	f, _ := toFloat64(v)
	a.fsum += f
}

func (a *sumAcc) retract(v field.Field) error {
	if v.IsNull() {
		return nil
	}
	a.n--
	if a.isFloat {
		f, _ := toFloat64(v)
		a.fsum -= f
		return nil
	}
	if v.Kind() == field.KindInt {
		if a.isum == nil {
			a.isum = big.NewInt(0)
		}
		a.isum.Sub(a.isum, big.NewInt(v.AsInt()))
		return nil
	}
	return fmt.Errorf("sql: sum: cannot retract a %s contribution from an integer sum", v.Kind())
}

func (a *sumAcc) promoteToFloat() {
	if a.isFloat {
		return
	}
	a.isFloat = true
	if a.isum != nil {
		f := new(big.Float).SetInt(a.isum)
		a.fsum, _ = f.Float64()
	}
}

func (a *sumAcc) result() field.Field {
	if a.n == 0 {
		return field.Null()
	}
	if a.isFloat {
		return field.Float(a.fsum)
	}
	if a.isum == nil {
		return field.Int(0)
	}
	if a.isum.IsInt64() {
		return field.Int(a.isum.Int64())
	}
	return field.Int128(a.isum)
}

// avgAcc keeps the sum+count pair and divides only at result time,
// grounded directly on avg.rs's accumulator shape.
type avgAcc struct {
	sum sumAcc
}

func (a *avgAcc) add(v field.Field)          { a.sum.add(v) }
func (a *avgAcc) retract(v field.Field) error { return a.sum.retract(v) }
func (a *avgAcc) result() field.Field {
	if a.sum.n == 0 {
		return field.Null()
	}
	s := a.sum.result()
	f, _ := toFloat64(s)
	return field.Float(f / float64(a.sum.n))
}

// minMaxAcc maintains a refcounted multiset of contributed values so a
// retract can drop exactly one occurrence without rescanning the whole
// group; the current min/max is recomputed by scanning the live key set
// when asked, trading O(distinct values) per emission for a much simpler
// implementation than a balanced structure.
type minMaxAcc struct {
	wantMax bool
	counts  map[string]int64
	values  map[string]field.Field
}

func (a *minMaxAcc) ensure() {
	if a.counts == nil {
		a.counts = make(map[string]int64)
		a.values = make(map[string]field.Field)
	}
}

func (a *minMaxAcc) add(v field.Field) {
	if v.IsNull() {
		return
	}
	a.ensure()
	key := formatField(v) + "|" + v.Kind().String()
	a.counts[key]++
	a.values[key] = v
}

func (a *minMaxAcc) retract(v field.Field) error {
	if v.IsNull() {
		return nil
	}
	a.ensure()
	key := formatField(v) + "|" + v.Kind().String()
	if a.counts[key] <= 0 {
		return fmt.Errorf("sql: min/max: retract of a value never added")
	}
	a.counts[key]--
	if a.counts[key] == 0 {
		delete(a.counts, key)
		delete(a.values, key)
	}
	return nil
}

func (a *minMaxAcc) result() field.Field {
	if len(a.values) == 0 {
		return field.Null()
	}
	var best field.Field
	first := true
	for k, v := range a.values {
		if a.counts[k] <= 0 {
			continue
		}
		if first {
			best = v
			first = false
			continue
		}
		cmp, err := field.Compare(v, best)
		if err != nil {
			continue
		}
		if (a.wantMax && cmp > 0) || (!a.wantMax && cmp < 0) {
			best = v
		}
	}
	if first {
		return field.Null()
	}
	return best
}
