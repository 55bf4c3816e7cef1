package oplog_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/dozer/pkg/dozererr"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/kv"
	"github.com/cuemby/dozer/pkg/oplog"
)

func testSchema() field.Schema {
	return field.Schema{
		Name: "customers",
		Fields: []field.FieldDefinition{
			{Name: "id", Kind: field.KindUInt},
			{Name: "name", Kind: field.KindString},
		},
		PrimaryKey: []int{0},
	}
}

func openTestLog(t *testing.T) *oplog.Log {
	t.Helper()
	env, err := kv.Open(filepath.Join(t.TempDir(), "oplog.db"), kv.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })

	l, err := oplog.Open(env, testSchema())
	require.NoError(t, err)
	return l
}

// TestInsertOverExistingKeyAppendsDeleteThenInsert exercises the paired
// delete/insert lifecycle directly: re-inserting a live primary key must
// succeed, and must do so by appending a Delete of the old value immediately
// followed by the new Insert, both in the same record_meta version lineage.
func TestInsertOverExistingKeyAppendsDeleteThenInsert(t *testing.T) {
	l := openTestLog(t)
	s := l.Schema()

	recA, err := field.NewRecord(s, []field.Field{field.UInt(1), field.String("a")})
	require.NoError(t, err)
	insA, err := l.Insert(recA)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), insA)

	recB, err := field.NewRecord(s, []field.Field{field.UInt(1), field.String("b")})
	require.NoError(t, err)
	insB, err := l.Insert(recB)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), insB, "re-insert appends Delete+Insert, so the new Insert lands two positions later")

	ops, err := l.Read(context.Background(), 0, 3, time.Second)
	require.NoError(t, err)
	require.Len(t, ops, 3)

	assert.Equal(t, oplog.Insert, ops[0].Kind)
	assert.True(t, ops[0].New.Values[1].Equal(field.String("a")))

	assert.Equal(t, oplog.Delete, ops[1].Kind)
	assert.True(t, ops[1].Old.Values[1].Equal(field.String("a")))
	assert.Equal(t, ops[0].RecordID, ops[1].RecordID, "the delete retracts the same logical record the first insert created")

	assert.Equal(t, oplog.Insert, ops[2].Kind)
	assert.True(t, ops[2].New.Values[1].Equal(field.String("b")))
	assert.Equal(t, ops[1].RecordID, ops[2].RecordID, "the replacement insert shares record_meta.id with the row it replaced")

	current, ok, err := l.GetRecord(ops[2].RecordID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, current.Values[1].Equal(field.String("b")))
}

func TestDeleteThenReinsertSamePrimaryKey(t *testing.T) {
	l := openTestLog(t)
	s := l.Schema()

	rec, err := field.NewRecord(s, []field.Field{field.UInt(1), field.String("acme")})
	require.NoError(t, err)
	_, err = l.Insert(rec)
	require.NoError(t, err)

	_, err = l.Delete([]field.Field{field.UInt(1)})
	require.NoError(t, err)

	rec2, err := field.NewRecord(s, []field.Field{field.UInt(1), field.String("acme-renamed")})
	require.NoError(t, err)
	_, err = l.Insert(rec2)
	require.NoError(t, err, "reinserting after delete under the same primary key must succeed")
}

func TestDeleteMissingFails(t *testing.T) {
	l := openTestLog(t)
	_, err := l.Delete([]field.Field{field.UInt(99)})
	require.Error(t, err)
	assert.Equal(t, dozererr.KindPrimaryKeyNotFound, dozererr.KindOf(err))
}

func TestUpdateChangesValueKeepsKey(t *testing.T) {
	l := openTestLog(t)
	s := l.Schema()

	rec, err := field.NewRecord(s, []field.Field{field.UInt(1), field.String("acme")})
	require.NoError(t, err)
	_, err = l.Insert(rec)
	require.NoError(t, err)

	rec2, err := field.NewRecord(s, []field.Field{field.UInt(1), field.String("acme-updated")})
	require.NoError(t, err)
	opID, err := l.Update(rec2)
	require.NoError(t, err)

	ops, err := l.Read(context.Background(), opID, opID+1, time.Second)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, oplog.Update, ops[0].Kind)
	assert.True(t, ops[0].Old.Values[1].Equal(field.String("acme")))
	assert.True(t, ops[0].New.Values[1].Equal(field.String("acme-updated")))
}

func TestReadRangeReturnsInsertedOperations(t *testing.T) {
	l := openTestLog(t)
	s := l.Schema()

	for i := uint64(0); i < 3; i++ {
		rec, err := field.NewRecord(s, []field.Field{field.UInt(i), field.String("x")})
		require.NoError(t, err)
		_, err = l.Insert(rec)
		require.NoError(t, err)
	}

	ops, err := l.Read(context.Background(), 0, 3, time.Second)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	for i, op := range ops {
		assert.Equal(t, uint64(i), op.ID)
		assert.Equal(t, oplog.Insert, op.Kind)
	}
}

func TestReadBlocksUntilAppendThenWakes(t *testing.T) {
	l := openTestLog(t)
	s := l.Schema()

	done := make(chan struct{})
	var ops []oplog.Operation
	var readErr error
	go func() {
		ops, readErr = l.Read(context.Background(), 0, 1, 5*time.Second)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)

	rec, err := field.NewRecord(s, []field.Field{field.UInt(1), field.String("acme")})
	require.NoError(t, err)
	_, err = l.Insert(rec)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not wake up after append")
	}
	require.NoError(t, readErr)
	require.Len(t, ops, 1)
}

func TestReadTimesOutWithNoData(t *testing.T) {
	l := openTestLog(t)
	_, err := l.Read(context.Background(), 0, 1, 30*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, dozererr.KindLogReadTimeout, dozererr.KindOf(err))
}

func TestReadHonorsContextCancellation(t *testing.T) {
	l := openTestLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := l.Read(ctx, 0, 1, 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, dozererr.KindCancelled, dozererr.KindOf(err))
}

func TestSnapshottingDoneFlag(t *testing.T) {
	l := openTestLog(t)
	done, err := l.IsSnapshottingDone()
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, l.MarkSnapshottingDone())

	done, err = l.IsSnapshottingDone()
	require.NoError(t, err)
	assert.True(t, done)
}

func TestAppendOnlySchemaRejectsDeleteAndUpdate(t *testing.T) {
	env, err := kv.Open(filepath.Join(t.TempDir(), "oplog.db"), kv.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })

	schema := field.Schema{
		Name:   "events",
		Fields: []field.FieldDefinition{{Name: "payload", Kind: field.KindString}},
	}
	l, err := oplog.Open(env, schema)
	require.NoError(t, err)

	rec, err := field.NewRecord(schema, []field.Field{field.String("hi")})
	require.NoError(t, err)
	_, err = l.Insert(rec)
	require.NoError(t, err)
	_, err = l.Insert(rec)
	require.NoError(t, err, "append-only schema accepts duplicate inserts unconditionally")

	_, err = l.Delete([]field.Field{})
	require.Error(t, err)
	assert.Equal(t, dozererr.KindAppendOnlyViolation, dozererr.KindOf(err))

	_, err = l.Update(rec)
	require.Error(t, err)
	assert.Equal(t, dozererr.KindAppendOnlyViolation, dozererr.KindOf(err))
}

func TestReopenPersistsSchemaAndTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "oplog.db")
	schema := testSchema()

	env, err := kv.Open(path, kv.Options{})
	require.NoError(t, err)
	l, err := oplog.Open(env, schema)
	require.NoError(t, err)

	rec, err := field.NewRecord(schema, []field.Field{field.UInt(1), field.String("acme")})
	require.NoError(t, err)
	_, err = l.Insert(rec)
	require.NoError(t, err)
	require.NoError(t, env.Close())

	env2, err := kv.Open(path, kv.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env2.Close() })
	l2, err := oplog.Open(env2, schema)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), l2.Tail())
}

func TestGetRecordReflectsInsertUpdateDelete(t *testing.T) {
	l := openTestLog(t)
	schema := testSchema()

	rec, err := field.NewRecord(schema, []field.Field{field.UInt(1), field.String("acme")})
	require.NoError(t, err)
	_, err = l.Insert(rec)
	require.NoError(t, err)

	var recordID uint64
	for id, r := range l.ScanRecords(true) {
		if r.Values[0].AsUInt() == 1 {
			recordID = id
		}
	}

	got, ok, err := l.GetRecord(recordID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "acme", got.Values[1].AsString())

	updated, err := field.NewRecord(schema, []field.Field{field.UInt(1), field.String("acme-2")})
	require.NoError(t, err)
	_, err = l.Update(updated)
	require.NoError(t, err)

	got, ok, err = l.GetRecord(recordID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "acme-2", got.Values[1].AsString())

	_, err = l.Delete([]field.Field{field.UInt(1)})
	require.NoError(t, err)

	_, ok, err = l.GetRecord(recordID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScanRecordsOrdersByRecordID(t *testing.T) {
	l := openTestLog(t)
	schema := testSchema()

	for i, name := range []string{"a", "b", "c"} {
		rec, err := field.NewRecord(schema, []field.Field{field.UInt(uint64(i + 1)), field.String(name)})
		require.NoError(t, err)
		_, err = l.Insert(rec)
		require.NoError(t, err)
	}

	var ascending []string
	for _, rec := range l.ScanRecords(true) {
		ascending = append(ascending, rec.Values[1].AsString())
	}
	assert.Equal(t, []string{"a", "b", "c"}, ascending)

	var descending []string
	for _, rec := range l.ScanRecords(false) {
		descending = append(descending, rec.Values[1].AsString())
	}
	assert.Equal(t, []string{"c", "b", "a"}, descending)
}
