package queryplan

import "github.com/cuemby/dozer/pkg/field"

// Operator names the comparison an endpoint query can apply to one field,
// per spec.md §4.7 step 1.
type Operator int

const (
	Eq Operator = iota
	Lt
	Lte
	Gt
	Gte
	Contains
	MatchesAny
	MatchesAll
)

func (o Operator) String() string {
	switch o {
	case Eq:
		return "="
	case Lt:
		return "<"
	case Lte:
		return "<="
	case Gt:
		return ">"
	case Gte:
		return ">="
	case Contains:
		return "contains"
	case MatchesAny:
		return "matches_any"
	case MatchesAll:
		return "matches_all"
	default:
		return "unknown"
	}
}

func (o Operator) isRange() bool {
	return o == Lt || o == Lte || o == Gt || o == Gte
}

func (o Operator) isFullText() bool {
	return o == Contains || o == MatchesAny || o == MatchesAll
}

// FilterExpression is a boolean predicate tree over a record's fields. The
// only supported combinator is conjunction (And); a query's filter must
// already be flattened to a conjunction of simple comparisons before it
// reaches the planner (spec.md §4.7 step 1).
type FilterExpression interface {
	isFilterExpression()
}

// And is the conjunction of every expression in Exprs.
type And struct {
	Exprs []FilterExpression
}

func (And) isFilterExpression() {}

// Simple is one field-operator-value comparison. Value holds the operand
// for Eq/Lt/Lte/Gt/Gte/Contains; Values holds the operand set for
// MatchesAny ("any of these tokens present") and MatchesAll ("all of these
// tokens present").
type Simple struct {
	Field    string
	Operator Operator
	Value    field.Field
	Values   []field.Field
}

func (Simple) isFilterExpression() {}

// SortDirection is the direction of one OrderBy clause.
type SortDirection int

const (
	Ascending SortDirection = iota
	Descending
)

// OrderBy names one sort key of a query's order_by clause.
type OrderBy struct {
	Field     string
	Direction SortDirection
}

// QueryExpression is the planner's input: an optional filter, an ordering,
// and pagination. A nil Filter means "match every record".
type QueryExpression struct {
	Filter  FilterExpression
	OrderBy []OrderBy
	Skip    int
	Limit   int // 0 means unlimited
}
