package cachedump_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/dozer/pkg/cachedump"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/kv"
	"github.com/cuemby/dozer/pkg/oplog"
	"github.com/cuemby/dozer/pkg/secondaryindex"
)

func openEnv(t *testing.T, name string) *kv.Env {
	t.Helper()
	env, err := kv.Open(filepath.Join(t.TempDir(), name), kv.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestDumpRestoreDatabaseRoundTrip(t *testing.T) {
	src := openEnv(t, "src.db")
	db, err := src.CreateDatabaseIfNotExists("widgets", 0)
	require.NoError(t, err)
	require.NoError(t, src.Update(func(tx *kv.RwTx) error {
		for _, kvp := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
			if err := tx.Put(db, []byte(kvp[0]), []byte(kvp[1])); err != nil {
				return err
			}
		}
		return nil
	}))

	var buf bytes.Buffer
	require.NoError(t, cachedump.DumpDatabase(&buf, src, db))

	dst := openEnv(t, "dst.db")
	require.NoError(t, cachedump.RestoreDatabase(&buf, dst, db))

	require.NoError(t, dst.View(func(tx *kv.RoTx) error {
		v, err := tx.Get(db, []byte("b"))
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), v)
		return nil
	}))
}

func TestDumpRestoreEndpointRoundTrip(t *testing.T) {
	schema := field.Schema{
		Name: "customers",
		Fields: []field.FieldDefinition{
			{Name: "id", Kind: field.KindUInt},
			{Name: "city", Kind: field.KindString},
		},
		PrimaryKey: []int{0},
		Indexes: []field.IndexDefinition{
			{Kind: field.IndexSortedInverted, Fields: []int{1}},
		},
	}

	logEnv := openEnv(t, "log.db")
	l, err := oplog.Open(logEnv, schema)
	require.NoError(t, err)

	idxEnv := openEnv(t, "idx.db")
	idx, err := secondaryindex.Open(idxEnv, schema.Indexes[0])
	require.NoError(t, err)

	var lastID uint64
	for i, city := range []string{"austin", "boston"} {
		rec, err := field.NewRecord(schema, []field.Field{field.UInt(uint64(i)), field.String(city)})
		require.NoError(t, err)
		_, err = l.Insert(rec)
		require.NoError(t, err)
		for recID, got := range l.ScanRecords(true) {
			if got.Values[0].AsUInt() == uint64(i) {
				lastID = recID
			}
		}
		require.NoError(t, idx.Add(schema, rec, lastID))
	}

	var dump bytes.Buffer
	require.NoError(t, cachedump.DumpEndpoint(&dump, l, []*secondaryindex.Index{idx}))

	restoredLogEnv := openEnv(t, "restored-log.db")
	restoredIdxEnv := openEnv(t, "restored-idx.db")
	restoredLog, restoredIndexes, err := cachedump.RestoreEndpoint(
		&dump, restoredLogEnv, schema, []*kv.Env{restoredIdxEnv}, []field.IndexDefinition{schema.Indexes[0]})
	require.NoError(t, err)
	require.Len(t, restoredIndexes, 1)

	assert.Equal(t, l.Tail(), restoredLog.Tail())

	var cities []string
	for _, rec := range restoredLog.ScanRecords(true) {
		cities = append(cities, rec.Values[1].AsString())
	}
	assert.Equal(t, []string{"austin", "boston"}, cities)

	key, err := field.EncodeComposite(field.String("boston"))
	require.NoError(t, err)
	ids, err := restoredIndexes[0].ScanEqual(key)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}
