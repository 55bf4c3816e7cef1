// Package queryplan turns a QueryExpression into a Plan — either one or
// more secondary-index scans or a sequential scan — and executes that plan
// by streaming matching record ids through the endpoint's current-record
// table, applying whatever predicate the chosen scan(s) could not encode
// as a residual filter.
//
// Planning follows spec.md §4.7's seven steps, grounded on the original
// implementation's QueryPlanner (original_source/dozer-cache/src/cache/
// plan/planner.rs): flatten the filter to a conjunction of simple
// comparisons, reject more than one ranged field across the whole query,
// reject an order_by that conflicts with a full-text filter, prefer a
// SortedInverted index whose declared fields form a usable prefix of the
// filtered fields, fall back to a FullText index for Contains/MatchesAny/
// MatchesAll, and fall back further to a sequential scan. Any filter this
// package's chosen scan cannot encode is carried forward as a Residual
// predicate that the executor evaluates against the materialized record —
// a deliberate simplification of the original's multi-index intersection
// (step 6), documented in DESIGN.md.
package queryplan

import (
	"fmt"
	"sort"

	"github.com/cuemby/dozer/pkg/dozererr"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/secondaryindex"
)

// Kind identifies how a Plan retrieves candidate record ids.
type Kind int

const (
	KindIndexScan Kind = iota
	KindSeqScan
)

// RangeBound is one open or closed end of a range scan.
type RangeBound struct {
	Value     field.Field
	Inclusive bool
}

// IndexScan describes one secondary-index lookup.
type IndexScan struct {
	// IndexPosition is the scanned index's position in schema.Indexes, so
	// the executor can look up the opened secondaryindex.Index for it.
	IndexPosition int
	Kind          field.IndexKind

	// SortedInverted fields:
	Equals []field.Field // values matched exactly, for the index's leading fields
	Exact  bool          // true when Equals covers every field of the index (use ScanEqual)
	Lower  *RangeBound
	Upper  *RangeBound

	// FullText fields:
	Tokens []string
	Union  bool // true = MatchesAny (OR of tokens), false = Contains/MatchesAll (AND of tokens)
}

// Plan is the planner's output.
type Plan struct {
	Kind       Kind
	IndexScans []IndexScan // populated when Kind == KindIndexScan
	Ascending  bool        // scan/merge direction

	// Residual is evaluated against each candidate record after it is
	// resolved, for filters the chosen scan(s) could not encode.
	Residual []Simple

	// OrderBy is carried through whenever the chosen scan's natural order
	// doesn't already guarantee it, so the executor can apply a compensating
	// sort. Left nil when Ascending alone (the scan/merge direction) already
	// satisfies the request.
	OrderBy []OrderBy

	Skip  int
	Limit int
}

// Build plans q against schema.
func Build(schema field.Schema, q QueryExpression) (Plan, error) {
	byField := make(map[int][]Simple)
	if err := flatten(schema, q.Filter, byField); err != nil {
		return Plan{}, err
	}

	rangeFields := map[int]bool{}
	textFields := map[int]bool{}
	for idx, filters := range byField {
		for _, f := range filters {
			if f.Operator.isRange() {
				rangeFields[idx] = true
			}
			if f.Operator.isFullText() {
				textFields[idx] = true
			}
		}
	}
	if len(rangeFields) > 1 {
		return Plan{}, dozererr.New(dozererr.KindUnsupportedMultiRange,
			"queryplan: more than one field has a range filter")
	}
	if len(textFields) > 0 && len(q.OrderBy) > 0 {
		return Plan{}, dozererr.New(dozererr.KindUnsupportedIndex,
			"queryplan: order_by is not supported alongside a full-text filter")
	}

	ascending := true
	if len(q.OrderBy) > 0 {
		ascending = q.OrderBy[0].Direction == Ascending
	}

	if len(byField) == 0 {
		return Plan{Kind: KindSeqScan, Ascending: ascending, OrderBy: q.OrderBy, Skip: q.Skip, Limit: q.Limit}, nil
	}

	// Try every SortedInverted index for a usable equality (+ optional
	// trailing range) prefix.
	for pos, def := range schema.Indexes {
		if def.Kind != field.IndexSortedInverted {
			continue
		}
		scan, consumed, ok := matchSortedInverted(pos, def, byField)
		if !ok {
			continue
		}
		residual := residualFilters(byField, consumed)
		plan := Plan{
			Kind:       KindIndexScan,
			IndexScans: []IndexScan{scan},
			Ascending:  ascending,
			Residual:   residual,
			Skip:       q.Skip,
			Limit:      q.Limit,
		}
		if len(q.OrderBy) > 0 && !orderByCoveredBySortedInverted(schema, q.OrderBy, def, scan) {
			plan.OrderBy = q.OrderBy
		}
		return plan, nil
	}

	// Fall back to a FullText index for a Contains/MatchesAny/MatchesAll
	// field filter.
	for fieldIdx := range textFields {
		for pos, def := range schema.Indexes {
			if def.Kind != field.IndexFullText || len(def.Fields) != 1 || def.Fields[0] != fieldIdx {
				continue
			}
			scan, ok, err := matchFullText(pos, byField[fieldIdx])
			if err != nil {
				return Plan{}, err
			}
			if !ok {
				continue
			}
			consumed := map[int]bool{fieldIdx: true}
			residual := residualFilters(byField, consumed)
			return Plan{
				Kind:       KindIndexScan,
				IndexScans: []IndexScan{scan},
				Ascending:  ascending,
				Residual:   residual,
				Skip:       q.Skip,
				Limit:      q.Limit,
			}, nil
		}
		return Plan{}, dozererr.New(dozererr.KindUnsupportedIndex,
			fmt.Sprintf("queryplan: no full-text index covers field %q", schema.Fields[fieldIdx].Name))
	}

	// No index covers anything usefully; scan sequentially and apply every
	// filter as a residual predicate.
	residual := residualFilters(byField, nil)
	return Plan{Kind: KindSeqScan, Ascending: ascending, Residual: residual, OrderBy: q.OrderBy, Skip: q.Skip, Limit: q.Limit}, nil
}

func flatten(schema field.Schema, expr FilterExpression, out map[int][]Simple) error {
	switch e := expr.(type) {
	case nil:
		return nil
	case And:
		for _, sub := range e.Exprs {
			if err := flatten(schema, sub, out); err != nil {
				return err
			}
		}
		return nil
	case Simple:
		idx := schema.FieldByName(e.Field)
		if idx < 0 {
			return dozererr.New(dozererr.KindQueryParse, fmt.Sprintf("queryplan: unknown field %q", e.Field))
		}
		out[idx] = append(out[idx], e)
		return nil
	default:
		return dozererr.New(dozererr.KindQueryParse, fmt.Sprintf("queryplan: unsupported filter expression %T", expr))
	}
}

// matchSortedInverted tries to cover as much of def's leading fields as
// possible with equality filters from byField, optionally ending in a
// single ranged field, returning the built scan, the set of field indexes
// it consumed, and whether it matched at all (false if def's first field
// has no filter).
func matchSortedInverted(pos int, def field.IndexDefinition, byField map[int][]Simple) (IndexScan, map[int]bool, bool) {
	var equals []field.Field
	consumed := map[int]bool{}
	i := 0
	for ; i < len(def.Fields); i++ {
		fieldIdx := def.Fields[i]
		filters := byField[fieldIdx]
		eqVal, hasEq := firstOperator(filters, Eq)
		if !hasEq {
			break
		}
		equals = append(equals, eqVal)
		consumed[fieldIdx] = true
	}
	if len(equals) == 0 {
		return IndexScan{}, nil, false
	}

	scan := IndexScan{IndexPosition: pos, Kind: field.IndexSortedInverted, Equals: equals}
	if i == len(def.Fields) {
		scan.Exact = true
		return scan, consumed, true
	}

	// One more field may carry the query's single ranged filter.
	fieldIdx := def.Fields[i]
	filters := byField[fieldIdx]
	lower, upper, ok := rangeBounds(filters)
	if ok {
		scan.Lower = lower
		scan.Upper = upper
		consumed[fieldIdx] = true
	}
	return scan, consumed, true
}

// orderByCoveredBySortedInverted reports whether scan's own key order already
// satisfies order: a single ascending order_by clause naming the index's
// trailing ranged field. Every other case — no range bound in the scan (an
// Exact match pins every field to one value, so nothing varies to sort), a
// descending clause (index scans always yield ascending key order), more
// than one order_by clause, or an order_by field the index never touches —
// is not covered, and the executor must apply a compensating sort.
func orderByCoveredBySortedInverted(schema field.Schema, order []OrderBy, def field.IndexDefinition, scan IndexScan) bool {
	if len(order) != 1 || order[0].Direction != Ascending || (scan.Lower == nil && scan.Upper == nil) {
		return false
	}
	if len(scan.Equals) >= len(def.Fields) {
		return false
	}
	rangeFieldIdx := def.Fields[len(scan.Equals)]
	return schema.Fields[rangeFieldIdx].Name == order[0].Field
}

func firstOperator(filters []Simple, op Operator) (field.Field, bool) {
	for _, f := range filters {
		if f.Operator == op {
			return f.Value, true
		}
	}
	return field.Field{}, false
}

func rangeBounds(filters []Simple) (lower, upper *RangeBound, ok bool) {
	for _, f := range filters {
		switch f.Operator {
		case Gt:
			lower = &RangeBound{Value: f.Value, Inclusive: false}
			ok = true
		case Gte:
			lower = &RangeBound{Value: f.Value, Inclusive: true}
			ok = true
		case Lt:
			upper = &RangeBound{Value: f.Value, Inclusive: false}
			ok = true
		case Lte:
			upper = &RangeBound{Value: f.Value, Inclusive: true}
			ok = true
		}
	}
	return lower, upper, ok
}

func matchFullText(pos int, filters []Simple) (IndexScan, bool, error) {
	var tokens []string
	union := false
	matched := false
	for _, f := range filters {
		switch f.Operator {
		case Contains:
			tokens = append(tokens, secondaryindex.Tokenize(f.Value.AsString())...)
			matched = true
		case MatchesAll:
			for _, v := range f.Values {
				tokens = append(tokens, secondaryindex.Tokenize(v.AsString())...)
			}
			matched = true
		case MatchesAny:
			for _, v := range f.Values {
				tokens = append(tokens, secondaryindex.Tokenize(v.AsString())...)
			}
			union = true
			matched = true
		}
	}
	if !matched {
		return IndexScan{}, false, nil
	}
	return IndexScan{IndexPosition: pos, Kind: field.IndexFullText, Tokens: dedupe(tokens), Union: union}, true, nil
}

func dedupe(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func residualFilters(byField map[int][]Simple, consumed map[int]bool) []Simple {
	var out []Simple
	keys := make([]int, 0, len(byField))
	for idx := range byField {
		keys = append(keys, idx)
	}
	sort.Ints(keys)
	for _, idx := range keys {
		if consumed[idx] {
			continue
		}
		out = append(out, byField[idx]...)
	}
	return out
}
