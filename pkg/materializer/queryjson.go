package materializer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/queryplan"
)

// jsonQuery mirrors the wire shape spec.md §6 names:
//
//	{"$filter": {field: value | {op: value}}, "$order_by": [...], "$limit": N, "$skip": N}
//
// queryplan.QueryExpression's FilterExpression is a closed interface
// (And/Simple) with no JSON tags of its own — it is C7's planner input, not
// a wire type — so this file owns translating the REST/gRPC JSON body into
// it, the way a hand-written request binder would for any Go JSON API.
type jsonQuery struct {
	Filter  map[string]json.RawMessage `json:"$filter"`
	OrderBy []jsonOrderBy              `json:"$order_by"`
	Limit   int                        `json:"$limit"`
	Skip    int                        `json:"$skip"`
}

type jsonOrderBy struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

var operatorNames = map[string]queryplan.Operator{
	"$eq":          queryplan.Eq,
	"$lt":          queryplan.Lt,
	"$lte":         queryplan.Lte,
	"$gt":          queryplan.Gt,
	"$gte":         queryplan.Gte,
	"$contains":    queryplan.Contains,
	"$matches_any": queryplan.MatchesAny,
	"$matches_all": queryplan.MatchesAll,
}

// ParseQueryExpression decodes a JSON query body against schema into a
// queryplan.QueryExpression.
func ParseQueryExpression(schema field.Schema, body []byte) (queryplan.QueryExpression, error) {
	if len(body) == 0 {
		return queryplan.QueryExpression{}, nil
	}
	var jq jsonQuery
	if err := json.Unmarshal(body, &jq); err != nil {
		return queryplan.QueryExpression{}, fmt.Errorf("materializer: invalid query body: %w", err)
	}

	q := queryplan.QueryExpression{Limit: jq.Limit, Skip: jq.Skip}

	if len(jq.Filter) > 0 {
		and := queryplan.And{}
		for fieldName, raw := range jq.Filter {
			if fieldName == "$and" {
				subs, err := parseAndList(schema, raw)
				if err != nil {
					return queryplan.QueryExpression{}, err
				}
				and.Exprs = append(and.Exprs, subs...)
				continue
			}
			pos := schema.FieldByName(fieldName)
			if pos < 0 {
				return queryplan.QueryExpression{}, fmt.Errorf("materializer: unknown filter field %q", fieldName)
			}
			exprs, err := parseFieldFilter(schema, pos, raw)
			if err != nil {
				return queryplan.QueryExpression{}, err
			}
			and.Exprs = append(and.Exprs, exprs...)
		}
		q.Filter = and
	}

	for _, ob := range jq.OrderBy {
		dir := queryplan.Ascending
		if ob.Direction == "desc" {
			dir = queryplan.Descending
		}
		q.OrderBy = append(q.OrderBy, queryplan.OrderBy{Field: ob.Field, Direction: dir})
	}

	return q, nil
}

func parseAndList(schema field.Schema, raw json.RawMessage) ([]queryplan.FilterExpression, error) {
	var subBodies []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &subBodies); err != nil {
		return nil, fmt.Errorf("materializer: invalid $and clause: %w", err)
	}
	var out []queryplan.FilterExpression
	for _, sub := range subBodies {
		for fieldName, fraw := range sub {
			pos := schema.FieldByName(fieldName)
			if pos < 0 {
				return nil, fmt.Errorf("materializer: unknown filter field %q", fieldName)
			}
			exprs, err := parseFieldFilter(schema, pos, fraw)
			if err != nil {
				return nil, err
			}
			out = append(out, exprs...)
		}
	}
	return out, nil
}

// parseFieldFilter handles both shorthand {"field": value} (implicit $eq)
// and {"field": {"$op": value}} forms.
func parseFieldFilter(schema field.Schema, pos int, raw json.RawMessage) ([]queryplan.FilterExpression, error) {
	var opMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &opMap); err == nil && looksLikeOperatorMap(opMap) {
		var out []queryplan.FilterExpression
		for opName, vraw := range opMap {
			op, ok := operatorNames[opName]
			if !ok {
				return nil, fmt.Errorf("materializer: unknown filter operator %q", opName)
			}
			simple, err := buildSimple(schema, pos, op, vraw)
			if err != nil {
				return nil, err
			}
			out = append(out, simple)
		}
		return out, nil
	}

	simple, err := buildSimple(schema, pos, queryplan.Eq, raw)
	if err != nil {
		return nil, err
	}
	return []queryplan.FilterExpression{simple}, nil
}

func looksLikeOperatorMap(m map[string]json.RawMessage) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if _, ok := operatorNames[k]; !ok {
			return false
		}
	}
	return true
}

func buildSimple(schema field.Schema, pos int, op queryplan.Operator, raw json.RawMessage) (queryplan.Simple, error) {
	def := schema.Fields[pos]
	if op == queryplan.MatchesAny || op == queryplan.MatchesAll {
		var tokens []string
		if err := json.Unmarshal(raw, &tokens); err != nil {
			return queryplan.Simple{}, fmt.Errorf("materializer: field %q: %w", def.Name, err)
		}
		values := make([]field.Field, len(tokens))
		for i, t := range tokens {
			values[i] = field.String(t)
		}
		return queryplan.Simple{Field: def.Name, Operator: op, Values: values}, nil
	}

	f, err := decodeJSONField(def, raw)
	if err != nil {
		return queryplan.Simple{}, fmt.Errorf("materializer: field %q: %w", def.Name, err)
	}
	return queryplan.Simple{Field: def.Name, Operator: op, Value: f}, nil
}

func decodeJSONField(def field.FieldDefinition, raw json.RawMessage) (field.Field, error) {
	switch def.Kind {
	case field.KindInt:
		var v int64
		if err := json.Unmarshal(raw, &v); err != nil {
			return field.Field{}, err
		}
		return field.Int(v), nil
	case field.KindUInt:
		var v uint64
		if err := json.Unmarshal(raw, &v); err != nil {
			return field.Field{}, err
		}
		return field.UInt(v), nil
	case field.KindFloat:
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			return field.Field{}, err
		}
		return field.Float(v), nil
	case field.KindString, field.KindText:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return field.Field{}, err
		}
		return field.String(v), nil
	case field.KindBoolean:
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return field.Field{}, err
		}
		return field.Boolean(v), nil
	case field.KindTimestamp:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return field.Field{}, err
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return field.Field{}, err
		}
		return field.Timestamp(t), nil
	default:
		return field.Field{}, fmt.Errorf("unsupported filter kind %v", def.Kind)
	}
}
