package materializer_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/dozer/pkg/dag"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/kv"
	"github.com/cuemby/dozer/pkg/materializer"
	"github.com/cuemby/dozer/pkg/oplog"
	"github.com/cuemby/dozer/pkg/queryplan"
	"github.com/cuemby/dozer/pkg/secondaryindex"
)

func ordersSchema() field.Schema {
	return field.Schema{
		Name:       "orders",
		Fields:     []field.FieldDefinition{{Name: "id", Kind: field.KindInt}, {Name: "region", Kind: field.KindString}},
		PrimaryKey: []int{0},
	}
}

func openTestEndpoint(t *testing.T) *materializer.Endpoint {
	t.Helper()
	env, err := kv.Open(filepath.Join(t.TempDir(), "oplog.db"), kv.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	l, err := oplog.Open(env, ordersSchema())
	require.NoError(t, err)
	return materializer.NewEndpoint("orders", l, map[int]*secondaryindex.Index{})
}

func TestEndpointConsumeAppliesInsertAndPublishesEvent(t *testing.T) {
	ep := openTestEndpoint(t)
	sub := ep.Broker.Subscribe()
	defer ep.Broker.Unsubscribe(sub)

	in := make(chan dag.Envelope, 1)
	rec := &field.Record{Values: []field.Field{field.Int(1), field.String("eu")}}
	in <- dag.Envelope{Op: &oplog.Operation{Kind: oplog.Insert, New: rec}}
	close(in)

	require.NoError(t, ep.Consume(context.Background(), in))

	recs, err := ep.Query(queryplan.QueryExpression{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, int64(1), recs[0].Values[0].AsInt())

	select {
	case ev := <-sub:
		require.Equal(t, "orders", ev.Endpoint)
	default:
		t.Fatal("expected the applied insert to be published")
	}
}

func TestEndpointPhaseReflectsSnapshottingFlag(t *testing.T) {
	ep := openTestEndpoint(t)
	phase, err := ep.Phase()
	require.NoError(t, err)
	require.Equal(t, "Snapshotting", phase)

	require.NoError(t, ep.Log.MarkSnapshottingDone())
	phase, err = ep.Phase()
	require.NoError(t, err)
	require.Equal(t, "Streaming", phase)
}

func TestEndpointGetByPrimaryKeyFindsInsertedRecord(t *testing.T) {
	ep := openTestEndpoint(t)
	rec := &field.Record{Values: []field.Field{field.Int(7), field.String("us")}}
	in := make(chan dag.Envelope, 1)
	in <- dag.Envelope{Op: &oplog.Operation{Kind: oplog.Insert, New: rec}}
	close(in)
	require.NoError(t, ep.Consume(context.Background(), in))

	got, found, err := ep.GetByPrimaryKey([]field.Field{field.Int(7)})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "us", got.Values[1].AsString())
}
