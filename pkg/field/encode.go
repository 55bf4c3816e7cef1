package field

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
)

// decimalWidth is the fixed byte width used to encode a Decimal's unscaled
// part, matching the 96-bit unscaled integer the source cache layer stores
// fixed-point values in.
const decimalWidth = 12

// int128Width is the fixed byte width used to encode Int128/UInt128.
const int128Width = 16

// Encode returns the order-preserving byte encoding of f's value, not
// including a type tag: callers that need to encode heterogeneous fields
// (composite index keys) know each component's Kind from the owning Schema
// and must supply it separately if self-describing bytes are required.
func Encode(f Field) ([]byte, error) {
	switch f.kind {
	case KindNull:
		return nil, nil
	case KindUInt:
		return encodeUint64(f.u64), nil
	case KindInt:
		return encodeInt64(f.i64), nil
	case KindFloat:
		return encodeFloat64(f.f64), nil
	case KindBoolean:
		if f.boolv {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case KindString, KindText:
		return []byte(f.str), nil
	case KindBinary, KindJSON:
		return f.bin, nil
	case KindTimestamp, KindDate:
		return encodeInt64(f.ts.UnixNano()), nil
	case KindDuration:
		return encodeInt64(int64(f.dur)), nil
	case KindPoint:
		out := make([]byte, 16)
		copy(out[0:8], encodeFloat64(f.pt.X))
		copy(out[8:16], encodeFloat64(f.pt.Y))
		return out, nil
	case KindUInt128:
		return encodeUnsignedBigInt(f.big, int128Width)
	case KindInt128:
		return encodeSignedBigInt(f.big, int128Width)
	case KindDecimal:
		enc, err := encodeSignedBigInt(f.big, decimalWidth)
		if err != nil {
			return nil, err
		}
		// Scale does not need to survive the ordering; two Decimals being
		// range-compared are always drawn from the same schema column and
		// therefore share a scale. It is carried on the Field for decoding.
		return enc, nil
	default:
		return nil, fmt.Errorf("field: encode: unsupported kind %s", f.kind)
	}
}

// Decode reconstructs a Field of the given kind from bytes previously
// produced by Encode. For KindDecimal, scale must be supplied by the caller
// (it is not recoverable from the encoded bytes alone).
func Decode(kind Kind, scale int32, b []byte) (Field, error) {
	switch kind {
	case KindNull:
		return Null(), nil
	case KindUInt:
		if len(b) != 8 {
			return Field{}, fmt.Errorf("field: decode uint: want 8 bytes, got %d", len(b))
		}
		return UInt(binary.BigEndian.Uint64(b)), nil
	case KindInt:
		if len(b) != 8 {
			return Field{}, fmt.Errorf("field: decode int: want 8 bytes, got %d", len(b))
		}
		return Int(decodeInt64(b)), nil
	case KindFloat:
		if len(b) != 8 {
			return Field{}, fmt.Errorf("field: decode float: want 8 bytes, got %d", len(b))
		}
		return Float(decodeFloat64(b)), nil
	case KindBoolean:
		if len(b) != 1 {
			return Field{}, fmt.Errorf("field: decode boolean: want 1 byte, got %d", len(b))
		}
		return Boolean(b[0] != 0), nil
	case KindString:
		return String(string(b)), nil
	case KindText:
		return Text(string(b)), nil
	case KindBinary:
		return Binary(b), nil
	case KindJSON:
		return JSON(b), nil
	case KindTimestamp:
		if len(b) != 8 {
			return Field{}, fmt.Errorf("field: decode timestamp: want 8 bytes, got %d", len(b))
		}
		return Timestamp(timeFromUnixNano(decodeInt64(b))), nil
	case KindDate:
		if len(b) != 8 {
			return Field{}, fmt.Errorf("field: decode date: want 8 bytes, got %d", len(b))
		}
		return Date(timeFromUnixNano(decodeInt64(b))), nil
	case KindDuration:
		if len(b) != 8 {
			return Field{}, fmt.Errorf("field: decode duration: want 8 bytes, got %d", len(b))
		}
		return Duration(timeDurationFromNano(decodeInt64(b)), Nanoseconds), nil
	case KindPoint:
		if len(b) != 16 {
			return Field{}, fmt.Errorf("field: decode point: want 16 bytes, got %d", len(b))
		}
		return GeoPoint(decodeFloat64(b[0:8]), decodeFloat64(b[8:16])), nil
	case KindUInt128:
		v, err := decodeUnsignedBigInt(b)
		if err != nil {
			return Field{}, err
		}
		return UInt128(v), nil
	case KindInt128:
		v, err := decodeSignedBigInt(b, int128Width)
		if err != nil {
			return Field{}, err
		}
		return Int128(v), nil
	case KindDecimal:
		v, err := decodeSignedBigInt(b, decimalWidth)
		if err != nil {
			return Field{}, err
		}
		return Decimal(v, scale), nil
	default:
		return Field{}, fmt.Errorf("field: decode: unsupported kind %s", kind)
	}
}

func encodeUint64(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}

// encodeInt64 maps the signed range onto the unsigned range by flipping the
// sign bit, so that big-endian byte comparison of the result matches signed
// numeric comparison of v.
func encodeInt64(v int64) []byte {
	u := uint64(v) ^ (1 << 63)
	return encodeUint64(u)
}

func decodeInt64(b []byte) int64 {
	u := binary.BigEndian.Uint64(b)
	return int64(u ^ (1 << 63))
}

// encodeFloat64 produces an order-preserving encoding of an IEEE-754 double:
// for non-negative values, flip the sign bit; for negative values, flip
// every bit. Both transforms keep NaN handling undefined, matching the
// engine's treatment of NaN as an invalid sort key.
func encodeFloat64(v float64) []byte {
	bits := math.Float64bits(v)
	if bits == 1<<63 {
		// Canonicalize negative zero to positive zero so 0.0 and -0.0,
		// which compare equal, also encode identically.
		bits = 0
	}
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return encodeUint64(bits)
}

func decodeFloat64(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

// encodeUnsignedBigInt encodes a non-negative big.Int as a fixed-width,
// zero-padded big-endian byte string.
func encodeUnsignedBigInt(v *big.Int, width int) ([]byte, error) {
	if v.Sign() < 0 {
		return nil, fmt.Errorf("field: encode unsigned: value %s is negative", v)
	}
	b := v.Bytes()
	if len(b) > width {
		return nil, fmt.Errorf("field: encode unsigned: value %s overflows %d bytes", v, width)
	}
	out := make([]byte, width)
	copy(out[width-len(b):], b)
	return out, nil
}

func decodeUnsignedBigInt(b []byte) (*big.Int, error) {
	return new(big.Int).SetBytes(b), nil
}

// encodeSignedBigInt biases v into [0, 2^(8*width)) by adding 2^(8*width-1)
// before encoding unsigned, so two's-complement-style signed ordering is
// preserved under plain byte comparison.
func encodeSignedBigInt(v *big.Int, width int) ([]byte, error) {
	bias := new(big.Int).Lsh(big.NewInt(1), uint(width*8-1))
	biased := new(big.Int).Add(v, bias)
	if biased.Sign() < 0 {
		return nil, fmt.Errorf("field: encode signed: value %s underflows %d bytes", v, width)
	}
	return encodeUnsignedBigInt(biased, width)
}

func decodeSignedBigInt(b []byte, width int) (*big.Int, error) {
	biased, err := decodeUnsignedBigInt(b)
	if err != nil {
		return nil, err
	}
	bias := new(big.Int).Lsh(big.NewInt(1), uint(width*8-1))
	return new(big.Int).Sub(biased, bias), nil
}
