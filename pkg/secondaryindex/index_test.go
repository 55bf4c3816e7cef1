package secondaryindex_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/kv"
	"github.com/cuemby/dozer/pkg/secondaryindex"
)

func testSchema() field.Schema {
	return field.Schema{
		Name: "customers",
		Fields: []field.FieldDefinition{
			{Name: "id", Kind: field.KindUInt},
			{Name: "city", Kind: field.KindString},
			{Name: "bio", Kind: field.KindText},
		},
		PrimaryKey: []int{0},
	}
}

func openTestIndex(t *testing.T, def field.IndexDefinition) *secondaryindex.Index {
	t.Helper()
	env, err := kv.Open(filepath.Join(t.TempDir(), "idx.db"), kv.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })

	idx, err := secondaryindex.Open(env, def)
	require.NoError(t, err)
	return idx
}

func mustRecord(t *testing.T, s field.Schema, values ...field.Field) field.Record {
	t.Helper()
	rec, err := field.NewRecord(s, values)
	require.NoError(t, err)
	return rec
}

func TestSortedInvertedEqualScan(t *testing.T) {
	s := testSchema()
	idx := openTestIndex(t, field.IndexDefinition{Kind: field.IndexSortedInverted, Fields: []int{1}})

	r1 := mustRecord(t, s, field.UInt(1), field.String("nyc"), field.Text("hi"))
	r2 := mustRecord(t, s, field.UInt(2), field.String("nyc"), field.Text("hi"))
	r3 := mustRecord(t, s, field.UInt(3), field.String("sf"), field.Text("hi"))

	require.NoError(t, idx.Add(s, r1, 1))
	require.NoError(t, idx.Add(s, r2, 2))
	require.NoError(t, idx.Add(s, r3, 3))

	key, err := field.EncodeComposite(field.String("nyc"))
	require.NoError(t, err)
	ids, err := idx.ScanEqual(key)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 2}, ids)
}

func TestSortedInvertedRemove(t *testing.T) {
	s := testSchema()
	idx := openTestIndex(t, field.IndexDefinition{Kind: field.IndexSortedInverted, Fields: []int{1}})

	r1 := mustRecord(t, s, field.UInt(1), field.String("nyc"), field.Text("hi"))
	require.NoError(t, idx.Add(s, r1, 1))
	require.NoError(t, idx.Remove(s, r1, 1))

	key, err := field.EncodeComposite(field.String("nyc"))
	require.NoError(t, err)
	ids, err := idx.ScanEqual(key)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSortedInvertedRangeScan(t *testing.T) {
	s := testSchema()
	idx := openTestIndex(t, field.IndexDefinition{Kind: field.IndexSortedInverted, Fields: []int{1}})

	for i, city := range []string{"austin", "boston", "chicago", "denver"} {
		rec := mustRecord(t, s, field.UInt(uint64(i)), field.String(city), field.Text(""))
		require.NoError(t, idx.Add(s, rec, uint64(i)))
	}

	lower, err := field.EncodeComposite(field.String("boston"))
	require.NoError(t, err)
	upper, err := field.EncodeComposite(field.String("chicago"))
	require.NoError(t, err)

	ids, err := idx.ScanRange(lower, upper, true, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 2}, ids)

	ids, err = idx.ScanRange(lower, upper, false, true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{2}, ids)
}

func TestFullTextIndexing(t *testing.T) {
	s := testSchema()
	idx := openTestIndex(t, field.IndexDefinition{Kind: field.IndexFullText, Fields: []int{2}})

	r1 := mustRecord(t, s, field.UInt(1), field.String(""), field.Text("The quick brown fox"))
	r2 := mustRecord(t, s, field.UInt(2), field.String(""), field.Text("quick as lightning"))

	require.NoError(t, idx.Add(s, r1, 1))
	require.NoError(t, idx.Add(s, r2, 2))

	ids, err := idx.ScanEqual([]byte("quick"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 2}, ids)

	ids, err = idx.ScanEqual([]byte("fox"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1}, ids)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world", "42"}, secondaryindex.Tokenize("Hello, World! 42"))
	assert.Empty(t, secondaryindex.Tokenize("   ---   "))
}

func TestCatchupCursor(t *testing.T) {
	idx := openTestIndex(t, field.IndexDefinition{Kind: field.IndexSortedInverted, Fields: []int{1}})

	next, err := idx.NextOperationID()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), next)

	require.NoError(t, idx.SetNextOperationID(42))
	next, err = idx.NextOperationID()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), next)
}
