package queryplan

import (
	"bytes"
	"fmt"
	"iter"
	"sort"

	"github.com/cuemby/dozer/pkg/field"
)

// IndexSource is the subset of *secondaryindex.Index the executor needs.
type IndexSource interface {
	ScanEqual(key []byte) ([]uint64, error)
	ScanRange(lower, upper []byte, inclusiveLower, inclusiveUpper bool) ([]uint64, error)
}

// RecordSource is the subset of *oplog.Log the executor needs to resolve
// record ids to their current value and to sequentially scan every live
// record.
type RecordSource interface {
	GetRecord(recordID uint64) (field.Record, bool, error)
	ScanRecords(ascending bool) iter.Seq2[uint64, field.Record]
}

// Executor runs a Plan against a schema's record and index sources.
type Executor struct {
	schema  field.Schema
	records RecordSource
	indexes map[int]IndexSource // schema.Indexes position -> opened index
}

// NewExecutor constructs an Executor. indexes maps a position in
// schema.Indexes to the opened secondaryindex.Index for it; only the
// positions a Plan actually references need be present.
func NewExecutor(schema field.Schema, records RecordSource, indexes map[int]IndexSource) *Executor {
	return &Executor{schema: schema, records: records, indexes: indexes}
}

// Result is one row of a Run, or a terminal error.
type Result struct {
	Record field.Record
	Err    error
}

// Run streams plan's matching records in order, applying residual
// predicates, skip, and limit. Iteration stops early (without a final
// error) if the consumer breaks. A failed index scan yields one Err result
// and ends the iteration; a record that fails to resolve or to evaluate
// against the residual filters yields an Err result, and iteration goes on
// with the next candidate unless the consumer breaks.
func (e *Executor) Run(plan Plan) iter.Seq[Result] {
	if len(plan.OrderBy) > 0 {
		return e.runSorted(plan)
	}

	return func(yield func(Result) bool) {
		candidates, err := e.candidateIDs(plan)
		if err != nil {
			yield(Result{Err: err})
			return
		}

		skipped := 0
		emitted := 0
		emit := func(rec field.Record) bool {
			ok, err := matchesResidual(e.schema, rec, plan.Residual)
			if err != nil {
				return yield(Result{Err: err})
			}
			if !ok {
				return true
			}
			if skipped < plan.Skip {
				skipped++
				return true
			}
			if plan.Limit > 0 && emitted >= plan.Limit {
				return false
			}
			emitted++
			return yield(Result{Record: rec})
		}

		if plan.Kind == KindSeqScan {
			for _, rec := range e.records.ScanRecords(plan.Ascending) {
				if !emit(rec) {
					return
				}
			}
			return
		}

		for _, id := range candidates {
			rec, ok, err := e.records.GetRecord(id)
			if err != nil {
				if !yield(Result{Err: err}) {
					return
				}
				continue
			}
			if !ok {
				// the index entry is stale (record deleted after the scan
				// but before resolution); skip it rather than fail.
				continue
			}
			if !emit(rec) {
				return
			}
		}
	}
}

// runSorted handles a Plan whose chosen scan's natural order doesn't already
// satisfy plan.OrderBy (see orderByCoveredBySortedInverted): it gathers every
// residual-matching record first, sorts the whole set by plan.OrderBy, and
// only then applies Skip/Limit. This is the general fallback the
// filter ∘ order ∘ limit invariant (spec §8) requires whenever the scan
// order and the requested order diverge — a sequential scan ordered by
// RecordMetadata.ID, or an index scan ordered by a field order_by doesn't
// name.
func (e *Executor) runSorted(plan Plan) iter.Seq[Result] {
	return func(yield func(Result) bool) {
		matched, err := e.collectMatching(plan)
		if err != nil {
			yield(Result{Err: err})
			return
		}

		if err := sortRecords(e.schema, matched, plan.OrderBy); err != nil {
			yield(Result{Err: err})
			return
		}

		skipped := 0
		emitted := 0
		for _, rec := range matched {
			if skipped < plan.Skip {
				skipped++
				continue
			}
			if plan.Limit > 0 && emitted >= plan.Limit {
				return
			}
			emitted++
			if !yield(Result{Record: rec}) {
				return
			}
		}
	}
}

func (e *Executor) collectMatching(plan Plan) ([]field.Record, error) {
	var out []field.Record

	match := func(rec field.Record) error {
		ok, err := matchesResidual(e.schema, rec, plan.Residual)
		if err != nil {
			return err
		}
		if ok {
			out = append(out, rec)
		}
		return nil
	}

	if plan.Kind == KindSeqScan {
		for _, rec := range e.records.ScanRecords(plan.Ascending) {
			if err := match(rec); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	candidates, err := e.candidateIDs(plan)
	if err != nil {
		return nil, err
	}
	for _, id := range candidates {
		rec, ok, err := e.records.GetRecord(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if err := match(rec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// sortRecords orders recs in place by order, the same multi-key
// lexicographic comparison a SQL ORDER BY clause names: each clause breaks
// ties left by the previous ones.
func sortRecords(schema field.Schema, recs []field.Record, order []OrderBy) error {
	idxs := make([]int, len(order))
	for i, o := range order {
		idx := schema.FieldByName(o.Field)
		if idx < 0 {
			return fmt.Errorf("queryplan: order_by references unknown field %q", o.Field)
		}
		idxs[i] = idx
	}

	var sortErr error
	sort.SliceStable(recs, func(i, j int) bool {
		for k, idx := range idxs {
			cmp, err := field.Compare(recs[i].Values[idx], recs[j].Values[idx])
			if err != nil {
				sortErr = err
				return false
			}
			if cmp == 0 {
				continue
			}
			if order[k].Direction == Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return sortErr
}

func (e *Executor) candidateIDs(plan Plan) ([]uint64, error) {
	if plan.Kind == KindSeqScan {
		return nil, nil
	}
	var ids []uint64
	for i, scan := range plan.IndexScans {
		src, ok := e.indexes[scan.IndexPosition]
		if !ok {
			return nil, fmt.Errorf("queryplan: no opened index for schema.Indexes[%d]", scan.IndexPosition)
		}
		found, err := e.scanOne(src, scan)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			ids = found
			continue
		}
		ids = intersectSorted(ids, found)
	}
	return ids, nil
}

func (e *Executor) scanOne(src IndexSource, scan IndexScan) ([]uint64, error) {
	switch scan.Kind {
	case field.IndexSortedInverted:
		return e.scanSortedInverted(src, scan)
	case field.IndexFullText:
		return e.scanFullText(src, scan)
	default:
		return nil, fmt.Errorf("queryplan: unsupported index kind %d", scan.Kind)
	}
}

func (e *Executor) scanSortedInverted(src IndexSource, scan IndexScan) ([]uint64, error) {
	if scan.Exact {
		key, err := field.EncodeComposite(scan.Equals...)
		if err != nil {
			return nil, err
		}
		return src.ScanEqual(key)
	}

	prefix, err := field.EncodeComposite(scan.Equals...)
	if err != nil {
		return nil, err
	}

	var lower, upper []byte
	inclusiveLower, inclusiveUpper := true, false

	if scan.Lower != nil {
		lower, err = field.EncodeComposite(append(append([]field.Field{}, scan.Equals...), scan.Lower.Value)...)
		if err != nil {
			return nil, err
		}
		inclusiveLower = scan.Lower.Inclusive
	} else {
		lower = prefix
	}

	if scan.Upper != nil {
		upper, err = field.EncodeComposite(append(append([]field.Field{}, scan.Equals...), scan.Upper.Value)...)
		if err != nil {
			return nil, err
		}
		inclusiveUpper = scan.Upper.Inclusive
	} else if next, ok := nextPrefixUpperBound(prefix); ok {
		upper = next
	}

	return src.ScanRange(lower, upper, inclusiveLower, inclusiveUpper)
}

func (e *Executor) scanFullText(src IndexSource, scan IndexScan) ([]uint64, error) {
	if len(scan.Tokens) == 0 {
		return nil, nil
	}
	result, err := src.ScanEqual([]byte(scan.Tokens[0]))
	if err != nil {
		return nil, err
	}
	for _, tok := range scan.Tokens[1:] {
		ids, err := src.ScanEqual([]byte(tok))
		if err != nil {
			return nil, err
		}
		if scan.Union {
			result = unionSorted(result, ids)
		} else {
			result = intersectSorted(sortUint64(result), sortUint64(ids))
		}
	}
	return result, nil
}

// nextPrefixUpperBound returns the exclusive upper bound that captures
// every byte string sharing prefix as its leading bytes, or ok=false if
// prefix is all 0xFF (no finite upper bound exists, i.e. unbounded).
func nextPrefixUpperBound(prefix []byte) ([]byte, bool) {
	up := append([]byte(nil), prefix...)
	for i := len(up) - 1; i >= 0; i-- {
		if up[i] < 0xFF {
			up[i]++
			return up[:i+1], true
		}
	}
	return nil, false
}

func matchesResidual(schema field.Schema, rec field.Record, filters []Simple) (bool, error) {
	for _, f := range filters {
		idx := schema.FieldByName(f.Field)
		if idx < 0 || idx >= len(rec.Values) {
			return false, fmt.Errorf("queryplan: residual filter references unknown field %q", f.Field)
		}
		ok, err := evaluateSimple(rec.Values[idx], f)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evaluateSimple(v field.Field, f Simple) (bool, error) {
	switch f.Operator {
	case Eq, Lt, Lte, Gt, Gte:
		if v.IsNull() || f.Value.IsNull() {
			return false, nil
		}
		cmp, err := field.Compare(v, f.Value)
		if err != nil {
			return false, err
		}
		switch f.Operator {
		case Eq:
			return cmp == 0, nil
		case Lt:
			return cmp < 0, nil
		case Lte:
			return cmp <= 0, nil
		case Gt:
			return cmp > 0, nil
		default: // Gte
			return cmp >= 0, nil
		}
	case Contains:
		if v.IsNull() {
			return false, nil
		}
		return containsSubstring(v.AsString(), f.Value.AsString()), nil
	case MatchesAny:
		if v.IsNull() {
			return false, nil
		}
		for _, want := range f.Values {
			if containsSubstring(v.AsString(), want.AsString()) {
				return true, nil
			}
		}
		return false, nil
	case MatchesAll:
		if v.IsNull() {
			return false, nil
		}
		for _, want := range f.Values {
			if !containsSubstring(v.AsString(), want.AsString()) {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, fmt.Errorf("queryplan: unsupported operator %v", f.Operator)
	}
}

func containsSubstring(haystack, needle string) bool {
	return bytes.Contains([]byte(haystack), []byte(needle))
}

func sortUint64(ids []uint64) []uint64 {
	out := append([]uint64{}, ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func intersectSorted(a, b []uint64) []uint64 {
	a, b = sortUint64(a), sortUint64(b)
	var out []uint64
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}

func unionSorted(a, b []uint64) []uint64 {
	a, b = sortUint64(a), sortUint64(b)
	var out []uint64
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		default:
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
