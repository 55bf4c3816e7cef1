package sql

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/cuemby/dozer/pkg/field"
)

// TableBinding is one row available to an expression evaluation: the schema
// it conforms to (for column name resolution) and the alias it was bound
// under in the FROM/JOIN clause (empty for an unaliased single-table
// context).
type TableBinding struct {
	Alias  string
	Schema field.Schema
	Record field.Record
}

// EvalContext is the set of table bindings visible to one expression
// evaluation: one binding for a simple SELECT/WHERE, two for a join's ON
// predicate or a projection over a joined row.
type EvalContext struct {
	Tables []TableBinding
}

func (c EvalContext) resolve(ref ColumnRef) (field.Field, error) {
	for _, tb := range c.Tables {
		if ref.Table != "" && !strings.EqualFold(ref.Table, tb.Alias) && !strings.EqualFold(ref.Table, tb.Schema.Name) {
			continue
		}
		if idx := tb.Schema.FieldByName(ref.Name); idx >= 0 {
			return tb.Record.Values[idx], nil
		}
	}
	return field.Null(), fmt.Errorf("sql: eval: unknown column %s", ref.qualifiedName())
}

func (r ColumnRef) qualifiedName() string {
	if r.Table == "" {
		return r.Name
	}
	return r.Table + "." + r.Name
}

// Evaluate computes expr's value against ctx, implementing the three-valued
// boolean semantics, arithmetic coercions, and function set described in
// spec.md §4.10.
func Evaluate(expr Expr, ctx EvalContext) (field.Field, error) {
	switch e := expr.(type) {
	case ColumnRef:
		return ctx.resolve(e)
	case Literal:
		return evalLiteral(e)
	case UnaryExpr:
		return evalUnary(e, ctx)
	case BinaryExpr:
		return evalBinary(e, ctx)
	case IsNullExpr:
		return evalIsNull(e, ctx)
	case InExpr:
		return evalIn(e, ctx)
	case BetweenExpr:
		return evalBetween(e, ctx)
	case LikeExpr:
		return evalLike(e, ctx)
	case CaseExpr:
		return evalCase(e, ctx)
	case CastExpr:
		return evalCast(e, ctx)
	case FuncCall:
		return evalFuncCall(e, ctx)
	default:
		return field.Null(), fmt.Errorf("sql: eval: unsupported expression %T", expr)
	}
}

func evalLiteral(l Literal) (field.Field, error) {
	switch l.Kind {
	case LiteralNull:
		return field.Null(), nil
	case LiteralBool:
		return field.Boolean(strings.EqualFold(l.Text, "true")), nil
	case LiteralString:
		return field.String(l.Text), nil
	case LiteralNumber:
		if strings.ContainsAny(l.Text, ".eE") {
			f, err := strconv.ParseFloat(l.Text, 64)
			if err != nil {
				return field.Null(), err
			}
			return field.Float(f), nil
		}
		i, err := strconv.ParseInt(l.Text, 10, 64)
		if err != nil {
			return field.Null(), err
		}
		return field.Int(i), nil
	default:
		return field.Null(), fmt.Errorf("sql: eval: unknown literal kind %d", l.Kind)
	}
}

func evalUnary(e UnaryExpr, ctx EvalContext) (field.Field, error) {
	v, err := Evaluate(e.Operand, ctx)
	if err != nil {
		return field.Null(), err
	}
	switch e.Op {
	case NOT:
		b, ok := triBool(v)
		if !ok {
			return field.Null(), nil
		}
		return field.Boolean(!b), nil
	case MINUS:
		if v.IsNull() {
			return field.Null(), nil
		}
		n, ok := toFloat64(v)
		if !ok {
			return field.Null(), fmt.Errorf("sql: eval: cannot negate %s", v.Kind())
		}
		if v.Kind() == field.KindInt {
			return field.Int(-v.AsInt()), nil
		}
		return field.Float(-n), nil
	default:
		return field.Null(), fmt.Errorf("sql: eval: unsupported unary operator %s", e.Op)
	}
}

// triBool reports a Field's boolean value under three-valued logic: ok is
// false when v is null (unknown).
func triBool(v field.Field) (value bool, ok bool) {
	if v.IsNull() {
		return false, false
	}
	return v.AsBoolean(), true
}

func evalBinary(e BinaryExpr, ctx EvalContext) (field.Field, error) {
	switch e.Op {
	case AND:
		return evalAnd(e, ctx)
	case OR:
		return evalOr(e, ctx)
	}

	left, err := Evaluate(e.Left, ctx)
	if err != nil {
		return field.Null(), err
	}
	right, err := Evaluate(e.Right, ctx)
	if err != nil {
		return field.Null(), err
	}

	switch e.Op {
	case EQ, NEQ, LT, LTE, GT, GTE:
		return evalComparison(e.Op, left, right)
	case PLUS, MINUS, STAR, SLASH, PERCENT:
		return evalArithmetic(e.Op, left, right)
	default:
		return field.Null(), fmt.Errorf("sql: eval: unsupported binary operator %s", e.Op)
	}
}

// evalAnd implements three-valued AND: false dominates (FALSE AND NULL =
// FALSE), otherwise any NULL operand makes the result NULL.
func evalAnd(e BinaryExpr, ctx EvalContext) (field.Field, error) {
	left, err := Evaluate(e.Left, ctx)
	if err != nil {
		return field.Null(), err
	}
	if lb, ok := triBool(left); ok && !lb {
		return field.Boolean(false), nil
	}
	right, err := Evaluate(e.Right, ctx)
	if err != nil {
		return field.Null(), err
	}
	if rb, ok := triBool(right); ok && !rb {
		return field.Boolean(false), nil
	}
	lb, lok := triBool(left)
	rb, rok := triBool(right)
	if lok && rok {
		return field.Boolean(lb && rb), nil
	}
	return field.Null(), nil
}

// evalOr implements three-valued OR: true dominates, otherwise any NULL
// operand makes the result NULL.
func evalOr(e BinaryExpr, ctx EvalContext) (field.Field, error) {
	left, err := Evaluate(e.Left, ctx)
	if err != nil {
		return field.Null(), err
	}
	if lb, ok := triBool(left); ok && lb {
		return field.Boolean(true), nil
	}
	right, err := Evaluate(e.Right, ctx)
	if err != nil {
		return field.Null(), err
	}
	if rb, ok := triBool(right); ok && rb {
		return field.Boolean(true), nil
	}
	lb, lok := triBool(left)
	rb, rok := triBool(right)
	if lok && rok {
		return field.Boolean(lb || rb), nil
	}
	return field.Null(), nil
}

func evalComparison(op Token, left, right field.Field) (field.Field, error) {
	if left.IsNull() || right.IsNull() {
		return field.Null(), nil
	}
	cmp, err := field.Compare(left, right)
	if err != nil {
		return field.Null(), err
	}
	switch op {
	case EQ:
		return field.Boolean(cmp == 0), nil
	case NEQ:
		return field.Boolean(cmp != 0), nil
	case LT:
		return field.Boolean(cmp < 0), nil
	case LTE:
		return field.Boolean(cmp <= 0), nil
	case GT:
		return field.Boolean(cmp > 0), nil
	case GTE:
		return field.Boolean(cmp >= 0), nil
	default:
		return field.Null(), fmt.Errorf("sql: eval: unsupported comparison operator %s", op)
	}
}

func evalArithmetic(op Token, left, right field.Field) (field.Field, error) {
	if left.IsNull() || right.IsNull() {
		return field.Null(), nil
	}
	if left.Kind() == field.KindInt && right.Kind() == field.KindInt {
		a, b := left.AsInt(), right.AsInt()
		switch op {
		case PLUS:
			return field.Int(a + b), nil
		case MINUS:
			return field.Int(a - b), nil
		case STAR:
			return field.Int(a * b), nil
		case SLASH:
			if b == 0 {
				return field.Null(), fmt.Errorf("sql: eval: division by zero")
			}
			return field.Int(a / b), nil
		case PERCENT:
			if b == 0 {
				return field.Null(), fmt.Errorf("sql: eval: modulo by zero")
			}
			return field.Int(a % b), nil
		}
	}

	a, ok := toFloat64(left)
	if !ok {
		return field.Null(), fmt.Errorf("sql: eval: %s is not numeric", left.Kind())
	}
	b, ok := toFloat64(right)
	if !ok {
		return field.Null(), fmt.Errorf("sql: eval: %s is not numeric", right.Kind())
	}
	switch op {
	case PLUS:
		return field.Float(a + b), nil
	case MINUS:
		return field.Float(a - b), nil
	case STAR:
		return field.Float(a * b), nil
	case SLASH:
		if b == 0 {
			return field.Null(), fmt.Errorf("sql: eval: division by zero")
		}
		return field.Float(a / b), nil
	case PERCENT:
		if b == 0 {
			return field.Null(), fmt.Errorf("sql: eval: modulo by zero")
		}
		return field.Float(float64(int64(a) % int64(b))), nil
	default:
		return field.Null(), fmt.Errorf("sql: eval: unsupported arithmetic operator %s", op)
	}
}

// toFloat64 widens any numeric Field kind to a float64 for arithmetic that
// doesn't need to stay in the integer domain.
func toFloat64(f field.Field) (float64, bool) {
	switch f.Kind() {
	case field.KindInt:
		return float64(f.AsInt()), true
	case field.KindUInt:
		return float64(f.AsUInt()), true
	case field.KindFloat:
		return f.AsFloat(), true
	case field.KindDecimal:
		bf := new(big.Float).SetInt(f.AsBigInt())
		divisor := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(f.Scale())), nil))
		bf.Quo(bf, divisor)
		v, _ := bf.Float64()
		return v, true
	case field.KindUInt128, field.KindInt128:
		bf := new(big.Float).SetInt(f.AsBigInt())
		v, _ := bf.Float64()
		return v, true
	default:
		return 0, false
	}
}

func evalIsNull(e IsNullExpr, ctx EvalContext) (field.Field, error) {
	v, err := Evaluate(e.Operand, ctx)
	if err != nil {
		return field.Null(), err
	}
	isNull := v.IsNull()
	if e.Negate {
		return field.Boolean(!isNull), nil
	}
	return field.Boolean(isNull), nil
}

func evalIn(e InExpr, ctx EvalContext) (field.Field, error) {
	v, err := Evaluate(e.Operand, ctx)
	if err != nil {
		return field.Null(), err
	}
	if v.IsNull() {
		return field.Null(), nil
	}
	sawNull := false
	for _, item := range e.List {
		iv, err := Evaluate(item, ctx)
		if err != nil {
			return field.Null(), err
		}
		if iv.IsNull() {
			sawNull = true
			continue
		}
		cmp, err := field.Compare(v, iv)
		if err != nil {
			return field.Null(), err
		}
		if cmp == 0 {
			return field.Boolean(!e.Negate), nil
		}
	}
	if sawNull {
		return field.Null(), nil
	}
	return field.Boolean(e.Negate), nil
}

func evalBetween(e BetweenExpr, ctx EvalContext) (field.Field, error) {
	v, err := Evaluate(e.Operand, ctx)
	if err != nil {
		return field.Null(), err
	}
	low, err := Evaluate(e.Low, ctx)
	if err != nil {
		return field.Null(), err
	}
	high, err := Evaluate(e.High, ctx)
	if err != nil {
		return field.Null(), err
	}
	if v.IsNull() || low.IsNull() || high.IsNull() {
		return field.Null(), nil
	}
	cmpLow, err := field.Compare(v, low)
	if err != nil {
		return field.Null(), err
	}
	cmpHigh, err := field.Compare(v, high)
	if err != nil {
		return field.Null(), err
	}
	result := cmpLow >= 0 && cmpHigh <= 0
	if e.Negate {
		result = !result
	}
	return field.Boolean(result), nil
}

func evalLike(e LikeExpr, ctx EvalContext) (field.Field, error) {
	v, err := Evaluate(e.Operand, ctx)
	if err != nil {
		return field.Null(), err
	}
	pattern, err := Evaluate(e.Pattern, ctx)
	if err != nil {
		return field.Null(), err
	}
	if v.IsNull() || pattern.IsNull() {
		return field.Null(), nil
	}
	matched := likeMatch(v.AsString(), pattern.AsString())
	if e.Negate {
		matched = !matched
	}
	return field.Boolean(matched), nil
}

func evalCase(e CaseExpr, ctx EvalContext) (field.Field, error) {
	var operand field.Field
	var hasOperand bool
	if e.Operand != nil {
		v, err := Evaluate(e.Operand, ctx)
		if err != nil {
			return field.Null(), err
		}
		operand = v
		hasOperand = true
	}

	for _, w := range e.Whens {
		if hasOperand {
			cv, err := Evaluate(w.When, ctx)
			if err != nil {
				return field.Null(), err
			}
			if cv.IsNull() || operand.IsNull() {
				continue
			}
			cmp, err := field.Compare(operand, cv)
			if err != nil {
				return field.Null(), err
			}
			if cmp != 0 {
				continue
			}
		} else {
			cv, err := Evaluate(w.When, ctx)
			if err != nil {
				return field.Null(), err
			}
			if b, ok := triBool(cv); !ok || !b {
				continue
			}
		}
		return Evaluate(w.Then, ctx)
	}

	if e.Else != nil {
		return Evaluate(e.Else, ctx)
	}
	return field.Null(), nil
}
