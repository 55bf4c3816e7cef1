package logreplication_test

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/kv"
	"github.com/cuemby/dozer/pkg/logreplication"
	"github.com/cuemby/dozer/pkg/oplog"
)

func testSchema() field.Schema {
	return field.Schema{
		Name:       "orders",
		Fields:     []field.FieldDefinition{{Name: "id", Kind: field.KindInt}, {Name: "amount", Kind: field.KindFloat}},
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

// dialer returns a bufconn-backed dial function so the test never opens a
// real TCP socket.
func dialer(lis *bufconn.Listener) func(context.Context, string) (net.Conn, error) {
	return func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}
}

func startTestServer(t *testing.T, l *oplog.Log) logreplication.InternalClient {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	grpcServer := grpc.NewServer()
	srv := logreplication.NewServer(map[string]logreplication.Source{"orders": l})
	grpcServer.RegisterService(&logreplication.ServiceDesc, srv)
	go func() { _ = grpcServer.Serve(lis) }()
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer(lis)),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return logreplication.NewInternalClient(conn)
}

func TestDescribeStorageReturnsSchemaAndTail(t *testing.T) {
	l := openTestLog(t)
	_, err := l.Insert(field.Record{Values: []field.Field{field.Int(1), field.Float(10)}})
	require.NoError(t, err)

	client := startTestServer(t, l)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.DescribeStorage(ctx, &logreplication.DescribeStorageRequest{Endpoint: "orders"})
	require.NoError(t, err)
	require.Equal(t, "orders", resp.Schema.Name)
	require.Equal(t, uint64(1), resp.Tail)
}

func TestGetLogStreamsOperationsAndAdvances(t *testing.T) {
	l := openTestLog(t)
	_, err := l.Insert(field.Record{Values: []field.Field{field.Int(1), field.Float(10)}})
	require.NoError(t, err)
	_, err = l.Insert(field.Record{Values: []field.Field{field.Int(2), field.Float(20)}})
	require.NoError(t, err)

	client := startTestServer(t, l)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.GetLog(ctx)
	require.NoError(t, err)

	require.NoError(t, stream.Send(&logreplication.GetLogRequest{Endpoint: "orders", Start: 0, End: 2, TimeoutMs: 50}))
	resp, err := stream.Recv()
	require.NoError(t, err)
	require.Len(t, resp.Operations, 2)
	require.Equal(t, uint64(0), resp.Operations[0].ID)
	require.Equal(t, uint64(1), resp.Operations[1].ID)

	require.NoError(t, stream.Send(&logreplication.GetLogRequest{Endpoint: "orders", Start: 2, End: 2, TimeoutMs: 50}))
	resp2, err := stream.Recv()
	require.NoError(t, err)
	require.Empty(t, resp2.Operations)

	require.NoError(t, stream.CloseSend())
}
