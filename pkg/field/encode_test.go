package field_test

import (
	"math/big"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/dozer/pkg/field"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []field.Field{
		field.UInt(0),
		field.UInt(42),
		field.UInt(^uint64(0)),
		field.Int(0),
		field.Int(-1),
		field.Int(-9223372036854775808),
		field.Int(9223372036854775807),
		field.Float(0),
		field.Float(-0.0),
		field.Float(3.14159),
		field.Float(-3.14159),
		field.Boolean(true),
		field.Boolean(false),
		field.String("hello"),
		field.Text("world"),
		field.Binary([]byte{0x00, 0xff, 0x10}),
		field.Timestamp(time.Date(2026, 7, 31, 12, 0, 0, 123456789, time.UTC)),
		field.Date(time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)),
		field.Duration(5*time.Second, field.Seconds),
		field.GeoPoint(12.5, -45.25),
		field.UInt128(big.NewInt(123456789)),
		field.Int128(big.NewInt(-123456789)),
		field.Decimal(big.NewInt(12345), 2),
	}

	for _, f := range cases {
		enc, err := field.Encode(f)
		require.NoError(t, err, "encode %s", f.Kind())

		scale := int32(0)
		if f.Kind() == field.KindDecimal {
			scale = f.Scale()
		}
		got, err := field.Decode(f.Kind(), scale, enc)
		require.NoError(t, err, "decode %s", f.Kind())
		assert.True(t, f.Equal(got), "round trip mismatch for %s: %+v vs %+v", f.Kind(), f, got)
	}
}

func TestEncodeOrderPreservingUInt(t *testing.T) {
	assertOrderPreserving(t, []field.Field{
		field.UInt(0), field.UInt(1), field.UInt(255), field.UInt(256), field.UInt(^uint64(0)),
	})
}

func TestEncodeOrderPreservingInt(t *testing.T) {
	assertOrderPreserving(t, []field.Field{
		field.Int(-9223372036854775808),
		field.Int(-1000),
		field.Int(-1),
		field.Int(0),
		field.Int(1),
		field.Int(1000),
		field.Int(9223372036854775807),
	})
}

func TestEncodeOrderPreservingFloat(t *testing.T) {
	assertOrderPreserving(t, []field.Field{
		field.Float(-1e300),
		field.Float(-1.5),
		field.Float(-0.001),
		field.Float(0),
		field.Float(0.001),
		field.Float(1.5),
		field.Float(1e300),
	})
}

func TestEncodeOrderPreservingString(t *testing.T) {
	assertOrderPreserving(t, []field.Field{
		field.String(""),
		field.String("a"),
		field.String("ab"),
		field.String("b"),
		field.String("zzz"),
	})
}

func TestEncodeOrderPreservingTimestamp(t *testing.T) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	assertOrderPreserving(t, []field.Field{
		field.Timestamp(base),
		field.Timestamp(base.Add(time.Second)),
		field.Timestamp(base.Add(time.Hour)),
		field.Timestamp(base.Add(24 * time.Hour)),
	})
}

func TestEncodeOrderPreservingInt128(t *testing.T) {
	assertOrderPreserving(t, []field.Field{
		field.Int128(new(big.Int).Lsh(big.NewInt(-1), 100)),
		field.Int128(big.NewInt(-1000)),
		field.Int128(big.NewInt(-1)),
		field.Int128(big.NewInt(0)),
		field.Int128(big.NewInt(1)),
		field.Int128(big.NewInt(1000)),
		field.Int128(new(big.Int).Lsh(big.NewInt(1), 100)),
	})
}

// assertOrderPreserving checks that ordered is already sorted by Compare,
// then shuffles it, encodes every element, sorts by raw byte encoding, and
// checks the resulting order matches the original. This is the core
// soundness property of the codec: "encoded byte order == value order".
func assertOrderPreserving(t *testing.T, ordered []field.Field) {
	t.Helper()

	for i := 0; i+1 < len(ordered); i++ {
		c, err := field.Compare(ordered[i], ordered[i+1])
		require.NoError(t, err)
		require.LessOrEqual(t, c, 0, "fixture not pre-sorted at index %d", i)
	}

	type encoded struct {
		original int
		bytes    []byte
	}
	encs := make([]encoded, len(ordered))
	for i, f := range ordered {
		b, err := field.Encode(f)
		require.NoError(t, err)
		encs[i] = encoded{original: i, bytes: b}
	}

	shuffled := make([]encoded, len(encs))
	copy(shuffled, encs)
	rand.New(rand.NewSource(1)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	sort.Slice(shuffled, func(i, j int) bool {
		return compareBytes(shuffled[i].bytes, shuffled[j].bytes) < 0
	})

	for i, e := range shuffled {
		assert.Equal(t, i, e.original, "byte order does not match value order at position %d", i)
	}
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func TestEncodeCompositeRoundTrip(t *testing.T) {
	fields := []field.Field{field.String("acme"), field.UInt(42), field.Int(-7)}
	enc, err := field.EncodeComposite(fields...)
	require.NoError(t, err)

	parts, err := field.DecodeCompositeComponents(enc)
	require.NoError(t, err)
	require.Len(t, parts, 3)

	got0, err := field.Decode(field.KindString, 0, parts[0])
	require.NoError(t, err)
	assert.True(t, got0.Equal(fields[0]))

	got1, err := field.Decode(field.KindUInt, 0, parts[1])
	require.NoError(t, err)
	assert.True(t, got1.Equal(fields[1]))

	got2, err := field.Decode(field.KindInt, 0, parts[2])
	require.NoError(t, err)
	assert.True(t, got2.Equal(fields[2]))
}

func TestDecimalComparisonAcrossScales(t *testing.T) {
	a := field.Decimal(big.NewInt(150), 2) // 1.50
	b := field.Decimal(big.NewInt(15), 1)  // 1.5
	c, err := field.Compare(a, b)
	require.NoError(t, err)
	assert.Equal(t, 0, c)
}

func TestCompareNullOrdering(t *testing.T) {
	c, err := field.Compare(field.Null(), field.UInt(0))
	require.NoError(t, err)
	assert.Equal(t, -1, c)

	c, err = field.Compare(field.UInt(0), field.Null())
	require.NoError(t, err)
	assert.Equal(t, 1, c)

	c, err = field.Compare(field.Null(), field.Null())
	require.NoError(t, err)
	assert.Equal(t, 0, c)
}

func TestCompareKindMismatch(t *testing.T) {
	_, err := field.Compare(field.UInt(1), field.String("1"))
	assert.Error(t, err)
}
