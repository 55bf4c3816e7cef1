package field

import (
	"bytes"
	"fmt"
	"math/big"
	"time"
)

func timeFromUnixNano(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func timeDurationFromNano(ns int64) time.Duration {
	return time.Duration(ns)
}

// Compare returns -1, 0, or 1 according to whether a sorts before, equal to,
// or after b. Both fields must share a Kind, with the exception that Null
// compares less than every non-null value of any kind (and equal to another
// Null), matching SQL NULLS FIRST ordering.
func Compare(a, b Field) (int, error) {
	if a.kind == KindNull || b.kind == KindNull {
		switch {
		case a.kind == KindNull && b.kind == KindNull:
			return 0, nil
		case a.kind == KindNull:
			return -1, nil
		default:
			return 1, nil
		}
	}
	if a.kind != b.kind {
		return 0, fmt.Errorf("field: compare: kind mismatch %s vs %s", a.kind, b.kind)
	}

	switch a.kind {
	case KindUInt:
		return cmpUint64(a.u64, b.u64), nil
	case KindInt:
		return cmpInt64(a.i64, b.i64), nil
	case KindFloat:
		return cmpFloat64(a.f64, b.f64), nil
	case KindBoolean:
		return cmpBool(a.boolv, b.boolv), nil
	case KindString, KindText:
		return bytes.Compare([]byte(a.str), []byte(b.str)), nil
	case KindBinary, KindJSON:
		return bytes.Compare(a.bin, b.bin), nil
	case KindTimestamp, KindDate:
		switch {
		case a.ts.Before(b.ts):
			return -1, nil
		case a.ts.After(b.ts):
			return 1, nil
		default:
			return 0, nil
		}
	case KindDuration:
		return cmpInt64(int64(a.dur), int64(b.dur)), nil
	case KindPoint:
		if c := cmpFloat64(a.pt.X, b.pt.X); c != 0 {
			return c, nil
		}
		return cmpFloat64(a.pt.Y, b.pt.Y), nil
	case KindUInt128, KindInt128:
		return a.big.Cmp(b.big), nil
	case KindDecimal:
		return compareDecimals(a, b), nil
	default:
		return 0, fmt.Errorf("field: compare: unsupported kind %s", a.kind)
	}
}

// compareDecimals aligns two decimals to the finer (larger) scale before comparing
// their unscaled integers, so 1.50 (unscaled 150, scale 2) compares equal to
// 1.5 (unscaled 15, scale 1).
func compareDecimals(a, b Field) int {
	av, bv := a.big, b.big
	switch {
	case a.scale < b.scale:
		av = scaleUp(av, b.scale-a.scale)
	case b.scale < a.scale:
		bv = scaleUp(bv, a.scale-b.scale)
	}
	return av.Cmp(bv)
}

// scaleUp multiplies v by 10^digits, widening its unscaled representation
// to a finer scale.
func scaleUp(v *big.Int, digits int32) *big.Int {
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	return new(big.Int).Mul(v, factor)
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a {
		return -1
	}
	return 1
}
