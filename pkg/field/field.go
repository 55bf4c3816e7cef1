// Package field implements the engine's scalar value model: a closed, tagged
// union (Field), the order-preserving byte codec used for every sortable key
// (primary keys, secondary index keys, range-scan bounds), and the Schema /
// Record / IndexDefinition types built on top of it.
//
// The codec follows the same approach LMDB-backed engines use for composite
// keys: every scalar type encodes to a byte string whose lexicographic order
// matches the value's natural order, so range scans can be expressed as plain
// byte-range cursor scans against the underlying store (see pkg/kv).
package field

import (
	"fmt"
	"math/big"
	"time"
)

// Kind identifies which variant of the union a Field holds. It is a closed
// enum: every Field constructor pins exactly one Kind and the accessors
// panic if called against a mismatched Kind, matching the "a Field is its
// Kind" invariant from the data model.
type Kind uint8

const (
	KindNull Kind = iota
	KindUInt
	KindUInt128
	KindInt
	KindInt128
	KindFloat
	KindDecimal
	KindBoolean
	KindString
	KindText
	KindBinary
	KindJSON
	KindTimestamp
	KindDate
	KindDuration
	KindPoint
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindUInt:
		return "uint"
	case KindUInt128:
		return "uint128"
	case KindInt:
		return "int"
	case KindInt128:
		return "int128"
	case KindFloat:
		return "float"
	case KindDecimal:
		return "decimal"
	case KindBoolean:
		return "boolean"
	case KindString:
		return "string"
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	case KindJSON:
		return "json"
	case KindTimestamp:
		return "timestamp"
	case KindDate:
		return "date"
	case KindDuration:
		return "duration"
	case KindPoint:
		return "point"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// DurationUnit names the unit a Duration field was expressed in. The
// underlying value is always normalized to nanoseconds for comparison and
// encoding; the unit is carried only for display and round-tripping through
// APIs that accept a unit alongside a magnitude.
type DurationUnit uint8

const (
	Nanoseconds DurationUnit = iota
	Microseconds
	Milliseconds
	Seconds
)

// Point is a 2D coordinate (longitude/x, latitude/y), matching the geo
// scalar type used by the point-in-radius and nearest-neighbor operators.
type Point struct {
	X float64
	Y float64
}

// Field is a closed tagged union over the engine's scalar value domain. The
// zero value is Null. Fields are immutable value types and are safe to copy.
type Field struct {
	kind Kind

	u64   uint64
	i64   int64
	f64   float64
	boolv bool
	str   string
	bin   []byte
	big   *big.Int // backing integer for UInt128/Int128 and Decimal's unscaled part
	scale int32    // Decimal: number of digits right of the point
	ts    time.Time
	dur   time.Duration
	unit  DurationUnit
	pt    Point
}

// Kind returns the variant this Field holds.
func (f Field) Kind() Kind { return f.kind }

// IsNull reports whether f is the Null variant.
func (f Field) IsNull() bool { return f.kind == KindNull }

func Null() Field { return Field{kind: KindNull} }

func UInt(v uint64) Field { return Field{kind: KindUInt, u64: v} }

func Int(v int64) Field { return Field{kind: KindInt, i64: v} }

func Float(v float64) Field { return Field{kind: KindFloat, f64: v} }

func Boolean(v bool) Field { return Field{kind: KindBoolean, boolv: v} }

// String is the variable-length UTF-8 scalar used for identifiers and short
// values that participate in equality and exact-match indexes.
func String(v string) Field { return Field{kind: KindString, str: v} }

// Text is a variable-length UTF-8 scalar intended for full-text tokenizing;
// it differs from String only in which secondary index kinds accept it.
func Text(v string) Field { return Field{kind: KindText, str: v} }

func Binary(v []byte) Field {
	cp := make([]byte, len(v))
	copy(cp, v)
	return Field{kind: KindBinary, bin: cp}
}

// JSON holds a value already serialized to its canonical JSON text form. The
// engine does not interpret the payload except through JSON-path expression
// evaluation in pkg/sql.
func JSON(v []byte) Field {
	cp := make([]byte, len(v))
	copy(cp, v)
	return Field{kind: KindJSON, bin: cp}
}

// Timestamp holds a UTC instant with nanosecond precision.
func Timestamp(v time.Time) Field { return Field{kind: KindTimestamp, ts: v.UTC()} }

// Date holds a calendar date (year/month/day), truncated to midnight UTC.
func Date(v time.Time) Field {
	y, m, d := v.Date()
	return Field{kind: KindDate, ts: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func Duration(v time.Duration, unit DurationUnit) Field {
	return Field{kind: KindDuration, dur: v, unit: unit}
}

func GeoPoint(x, y float64) Field { return Field{kind: KindPoint, pt: Point{X: x, Y: y}} }

// UInt128 holds an unsigned 128-bit integer. v must be non-negative; values
// outside [0, 2^128) are rejected by the codec at encode time.
func UInt128(v *big.Int) Field {
	return Field{kind: KindUInt128, big: new(big.Int).Set(v)}
}

// Int128 holds a signed 128-bit integer.
func Int128(v *big.Int) Field {
	return Field{kind: KindInt128, big: new(big.Int).Set(v)}
}

// Decimal holds a fixed-point decimal as an unscaled integer plus a scale:
// the represented value is unscaled / 10^scale. This mirrors the 96-bit
// decimal-with-scale representation used by the source system's cache
// layer, widened here to an arbitrary-precision unscaled part since Go has
// no native 96-bit integer.
func Decimal(unscaled *big.Int, scale int32) Field {
	return Field{kind: KindDecimal, big: new(big.Int).Set(unscaled), scale: scale}
}

func (f Field) mustKind(k Kind) {
	if f.kind != k {
		panic(fmt.Sprintf("field: %s accessor called on a %s field", k, f.kind))
	}
}

func (f Field) AsUInt() uint64 { f.mustKind(KindUInt); return f.u64 }
func (f Field) AsInt() int64   { f.mustKind(KindInt); return f.i64 }
func (f Field) AsFloat() float64 {
	f.mustKind(KindFloat)
	return f.f64
}
func (f Field) AsBoolean() bool { f.mustKind(KindBoolean); return f.boolv }
func (f Field) AsString() string {
	if f.kind != KindString && f.kind != KindText {
		panic(fmt.Sprintf("field: AsString called on a %s field", f.kind))
	}
	return f.str
}
func (f Field) AsBinary() []byte {
	if f.kind != KindBinary && f.kind != KindJSON {
		panic(fmt.Sprintf("field: AsBinary called on a %s field", f.kind))
	}
	return f.bin
}
func (f Field) AsTimestamp() time.Time {
	if f.kind != KindTimestamp && f.kind != KindDate {
		panic(fmt.Sprintf("field: AsTimestamp called on a %s field", f.kind))
	}
	return f.ts
}
func (f Field) AsDuration() (time.Duration, DurationUnit) {
	f.mustKind(KindDuration)
	return f.dur, f.unit
}
func (f Field) AsPoint() Point { f.mustKind(KindPoint); return f.pt }
func (f Field) AsBigInt() *big.Int {
	if f.kind != KindUInt128 && f.kind != KindInt128 && f.kind != KindDecimal {
		panic(fmt.Sprintf("field: AsBigInt called on a %s field", f.kind))
	}
	return f.big
}
func (f Field) Scale() int32 { f.mustKind(KindDecimal); return f.scale }

// Equal reports whether f and other hold the same Kind and value.
func (f Field) Equal(other Field) bool {
	c, err := Compare(f, other)
	return err == nil && c == 0
}
