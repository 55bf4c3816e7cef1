package sql

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/dozer/pkg/field"
)

// evalCast implements CAST(expr AS typeName) for the documented conversion
// set: numeric widening/narrowing, textual round-trips, and timestamp/date
// parsing. An unsupported pair is a typed error, not a silent null.
func evalCast(e CastExpr, ctx EvalContext) (field.Field, error) {
	v, err := Evaluate(e.Operand, ctx)
	if err != nil {
		return field.Null(), err
	}
	if v.IsNull() {
		return field.Null(), nil
	}

	switch strings.ToLower(e.TypeName) {
	case "int", "integer", "bigint":
		switch v.Kind() {
		case field.KindInt:
			return v, nil
		case field.KindFloat:
			return field.Int(int64(v.AsFloat())), nil
		case field.KindString, field.KindText:
			n, err := strconv.ParseInt(strings.TrimSpace(v.AsString()), 10, 64)
			if err != nil {
				return field.Null(), fmt.Errorf("sql: cast: %q is not an integer", v.AsString())
			}
			return field.Int(n), nil
		case field.KindBoolean:
			if v.AsBoolean() {
				return field.Int(1), nil
			}
			return field.Int(0), nil
		}
	case "float", "double", "real":
		n, ok := toFloat64(v)
		if ok {
			return field.Float(n), nil
		}
		if v.Kind() == field.KindString || v.Kind() == field.KindText {
			f, err := strconv.ParseFloat(strings.TrimSpace(v.AsString()), 64)
			if err != nil {
				return field.Null(), fmt.Errorf("sql: cast: %q is not a float", v.AsString())
			}
			return field.Float(f), nil
		}
	case "string", "text", "varchar":
		return field.String(formatField(v)), nil
	case "boolean", "bool":
		switch v.Kind() {
		case field.KindBoolean:
			return v, nil
		case field.KindString, field.KindText:
			b, err := strconv.ParseBool(strings.TrimSpace(v.AsString()))
			if err != nil {
				return field.Null(), fmt.Errorf("sql: cast: %q is not a boolean", v.AsString())
			}
			return field.Boolean(b), nil
		}
	case "timestamp":
		switch v.Kind() {
		case field.KindTimestamp, field.KindDate:
			return field.Timestamp(v.AsTimestamp()), nil
		case field.KindString, field.KindText:
			t, err := time.Parse(time.RFC3339, v.AsString())
			if err != nil {
				return field.Null(), fmt.Errorf("sql: cast: %q is not a timestamp: %w", v.AsString(), err)
			}
			return field.Timestamp(t), nil
		}
	case "date":
		switch v.Kind() {
		case field.KindTimestamp, field.KindDate:
			return field.Date(v.AsTimestamp()), nil
		case field.KindString, field.KindText:
			t, err := time.Parse("2006-01-02", v.AsString())
			if err != nil {
				return field.Null(), fmt.Errorf("sql: cast: %q is not a date: %w", v.AsString(), err)
			}
			return field.Date(t), nil
		}
	}
	return field.Null(), fmt.Errorf("sql: cast: unsupported conversion from %s to %s", v.Kind(), e.TypeName)
}

func formatField(f field.Field) string {
	switch f.Kind() {
	case field.KindString, field.KindText:
		return f.AsString()
	case field.KindInt:
		return strconv.FormatInt(f.AsInt(), 10)
	case field.KindUInt:
		return strconv.FormatUint(f.AsUInt(), 10)
	case field.KindFloat:
		return strconv.FormatFloat(f.AsFloat(), 'g', -1, 64)
	case field.KindBoolean:
		return strconv.FormatBool(f.AsBoolean())
	case field.KindTimestamp:
		return f.AsTimestamp().Format(time.RFC3339)
	case field.KindDate:
		return f.AsTimestamp().Format("2006-01-02")
	case field.KindUInt128, field.KindInt128, field.KindDecimal:
		return f.AsBigInt().String()
	case field.KindBinary, field.KindJSON:
		return string(f.AsBinary())
	default:
		return ""
	}
}

// evalFuncCall dispatches the documented scalar function set: numeric
// (abs, round), string (ucase, concat, length), datetime (extract), JSON
// path (json_value, json_query), and geo (point, distance). Aggregate
// functions (COUNT, SUM, ...) are never seen here: the planner routes them
// to the Aggregation operator instead of the expression evaluator.
func evalFuncCall(e FuncCall, ctx EvalContext) (field.Field, error) {
	name := strings.ToLower(e.Name)
	args := make([]field.Field, len(e.Args))
	for i, a := range e.Args {
		v, err := Evaluate(a, ctx)
		if err != nil {
			return field.Null(), err
		}
		args[i] = v
	}

	switch name {
	case "abs":
		return fnAbs(args)
	case "round":
		return fnRound(args)
	case "ucase", "upper":
		return fnUcase(args)
	case "lcase", "lower":
		return fnLcase(args)
	case "concat":
		return fnConcat(args)
	case "length":
		return fnLength(args)
	case "to_char":
		return fnToChar(args)
	case "extract":
		return fnExtract(e, ctx)
	case "json_value":
		return fnJSONValue(args)
	case "json_query":
		return fnJSONQuery(args)
	case "point":
		return fnPoint(args)
	case "distance":
		return fnDistance(args)
	default:
		return field.Null(), fmt.Errorf("sql: eval: unknown function %s", e.Name)
	}
}

func fnAbs(args []field.Field) (field.Field, error) {
	if len(args) != 1 {
		return field.Null(), fmt.Errorf("sql: abs: expected 1 argument, got %d", len(args))
	}
	v := args[0]
	if v.IsNull() {
		return field.Null(), nil
	}
	if v.Kind() == field.KindInt {
		n := v.AsInt()
		if n < 0 {
			n = -n
		}
		return field.Int(n), nil
	}
	f, ok := toFloat64(v)
	if !ok {
		return field.Null(), fmt.Errorf("sql: abs: %s is not numeric", v.Kind())
	}
	return field.Float(math.Abs(f)), nil
}

func fnRound(args []field.Field) (field.Field, error) {
	if len(args) < 1 || len(args) > 2 {
		return field.Null(), fmt.Errorf("sql: round: expected 1 or 2 arguments, got %d", len(args))
	}
	if args[0].IsNull() {
		return field.Null(), nil
	}
	v, ok := toFloat64(args[0])
	if !ok {
		return field.Null(), fmt.Errorf("sql: round: %s is not numeric", args[0].Kind())
	}
	digits := 0
	if len(args) == 2 {
		if args[1].IsNull() {
			return field.Null(), nil
		}
		digits = int(args[1].AsInt())
	}
	factor := math.Pow(10, float64(digits))
	return field.Float(math.Round(v*factor) / factor), nil
}

func fnUcase(args []field.Field) (field.Field, error) {
	if len(args) != 1 {
		return field.Null(), fmt.Errorf("sql: ucase: expected 1 argument, got %d", len(args))
	}
	if args[0].IsNull() {
		return field.Null(), nil
	}
	return field.String(strings.ToUpper(args[0].AsString())), nil
}

func fnLcase(args []field.Field) (field.Field, error) {
	if len(args) != 1 {
		return field.Null(), fmt.Errorf("sql: lcase: expected 1 argument, got %d", len(args))
	}
	if args[0].IsNull() {
		return field.Null(), nil
	}
	return field.String(strings.ToLower(args[0].AsString())), nil
}

func fnConcat(args []field.Field) (field.Field, error) {
	var sb strings.Builder
	for _, a := range args {
		if a.IsNull() {
			return field.Null(), nil
		}
		sb.WriteString(formatField(a))
	}
	return field.String(sb.String()), nil
}

func fnLength(args []field.Field) (field.Field, error) {
	if len(args) != 1 {
		return field.Null(), fmt.Errorf("sql: length: expected 1 argument, got %d", len(args))
	}
	if args[0].IsNull() {
		return field.Null(), nil
	}
	return field.Int(int64(len([]rune(args[0].AsString())))), nil
}

// fnToChar formats a timestamp/date/numeric Field using a Go reference-time
// layout (the dialect's equivalent of to_char's format string).
func fnToChar(args []field.Field) (field.Field, error) {
	if len(args) != 2 {
		return field.Null(), fmt.Errorf("sql: to_char: expected 2 arguments, got %d", len(args))
	}
	if args[0].IsNull() || args[1].IsNull() {
		return field.Null(), nil
	}
	layout := args[1].AsString()
	switch args[0].Kind() {
	case field.KindTimestamp, field.KindDate:
		return field.String(args[0].AsTimestamp().Format(layout)), nil
	default:
		return field.String(formatField(args[0])), nil
	}
}

// fnExtract implements EXTRACT(field FROM source) surfaced through the
// ordinary function-call syntax extract(field, source) since the parser's
// grammar doesn't special-case the FROM keyword inside a call.
func fnExtract(e FuncCall, ctx EvalContext) (field.Field, error) {
	if len(e.Args) != 2 {
		return field.Null(), fmt.Errorf("sql: extract: expected 2 arguments, got %d", len(e.Args))
	}
	unitLit, ok := e.Args[0].(ColumnRef)
	if !ok {
		return field.Null(), fmt.Errorf("sql: extract: first argument must be a field name")
	}
	source, err := Evaluate(e.Args[1], ctx)
	if err != nil {
		return field.Null(), err
	}
	if source.IsNull() {
		return field.Null(), nil
	}
	if source.Kind() != field.KindTimestamp && source.Kind() != field.KindDate {
		return field.Null(), fmt.Errorf("sql: extract: source must be a timestamp or date, got %s", source.Kind())
	}
	t := source.AsTimestamp()
	switch strings.ToLower(unitLit.Name) {
	case "year":
		return field.Int(int64(t.Year())), nil
	case "month":
		return field.Int(int64(t.Month())), nil
	case "day":
		return field.Int(int64(t.Day())), nil
	case "hour":
		return field.Int(int64(t.Hour())), nil
	case "minute":
		return field.Int(int64(t.Minute())), nil
	case "second":
		return field.Int(int64(t.Second())), nil
	case "dow":
		return field.Int(int64(t.Weekday())), nil
	case "epoch":
		return field.Int(t.Unix()), nil
	default:
		return field.Null(), fmt.Errorf("sql: extract: unknown field %q", unitLit.Name)
	}
}

// fnJSONValue extracts a scalar at a dotted JSON path (json_value(doc, path)),
// returning null when any path segment is absent.
func fnJSONValue(args []field.Field) (field.Field, error) {
	v, err := jsonPathLookup(args)
	if err != nil || v == nil {
		return field.Null(), err
	}
	switch tv := v.(type) {
	case string:
		return field.String(tv), nil
	case float64:
		return field.Float(tv), nil
	case bool:
		return field.Boolean(tv), nil
	case nil:
		return field.Null(), nil
	default:
		enc, err := json.Marshal(tv)
		if err != nil {
			return field.Null(), err
		}
		return field.String(string(enc)), nil
	}
}

// fnJSONQuery extracts a JSON fragment at a dotted path (json_query(doc,
// path)), always returning a JSON-encoded Field rather than a scalar.
func fnJSONQuery(args []field.Field) (field.Field, error) {
	v, err := jsonPathLookup(args)
	if err != nil {
		return field.Null(), err
	}
	if v == nil {
		return field.Null(), nil
	}
	enc, err := json.Marshal(v)
	if err != nil {
		return field.Null(), err
	}
	return field.JSON(enc), nil
}

func jsonPathLookup(args []field.Field) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("sql: json path: expected 2 arguments, got %d", len(args))
	}
	if args[0].IsNull() || args[1].IsNull() {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal(args[0].AsBinary(), &doc); err != nil {
		return nil, fmt.Errorf("sql: json path: invalid JSON document: %w", err)
	}
	path := strings.TrimPrefix(args[1].AsString(), "$.")
	path = strings.TrimPrefix(path, "$")
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil, nil
		}
	}
	return cur, nil
}

func fnPoint(args []field.Field) (field.Field, error) {
	if len(args) != 2 {
		return field.Null(), fmt.Errorf("sql: point: expected 2 arguments, got %d", len(args))
	}
	if args[0].IsNull() || args[1].IsNull() {
		return field.Null(), nil
	}
	x, ok := toFloat64(args[0])
	if !ok {
		return field.Null(), fmt.Errorf("sql: point: x is not numeric")
	}
	y, ok := toFloat64(args[1])
	if !ok {
		return field.Null(), fmt.Errorf("sql: point: y is not numeric")
	}
	return field.GeoPoint(x, y), nil
}

// GeoAlgorithm names the distance formula distance() applies to a pair of
// points.
type GeoAlgorithm int

const (
	Geodesic GeoAlgorithm = iota
	Haversine
	Vincenty
)

const earthRadiusMeters = 6371000.0

// fnDistance implements distance(p1, p2[, algorithm]) in meters, always by
// the haversine great-circle formula. The optional third argument is
// accepted but never read, so Geodesic and Vincenty give the same result as
// Haversine.
func fnDistance(args []field.Field) (field.Field, error) {
	if len(args) < 2 || len(args) > 3 {
		return field.Null(), fmt.Errorf("sql: distance: expected 2 or 3 arguments, got %d", len(args))
	}
	if args[0].IsNull() || args[1].IsNull() {
		return field.Null(), nil
	}
	if args[0].Kind() != field.KindPoint || args[1].Kind() != field.KindPoint {
		return field.Null(), fmt.Errorf("sql: distance: arguments must be points")
	}
	p1, p2 := args[0].AsPoint(), args[1].AsPoint()
	return field.Float(haversineMeters(p1.Y, p1.X, p2.Y, p2.X)), nil
}

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// likeMatch implements SQL LIKE against a glob built from the pattern's %
// and _ wildcards, translated to an anchored regular expression.
func likeMatch(s, pattern string) bool {
	re, err := likeToRegexp(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func likeToRegexp(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile("(?s)" + sb.String())
}
