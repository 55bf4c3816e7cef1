package logreplication

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/oplog"
	"github.com/cuemby/dozer/pkg/rpcwire"
)

// Client wraps a dialed connection to a remote Server, grounded on the
// teacher's pkg/client/client.go per-call context.WithTimeout style.
type Client struct {
	conn   *grpc.ClientConn
	client InternalClient
}

// Dial connects to a remote replication server at addr. Non-TLS: spec.md's
// external interfaces name no authentication requirement for this RPC
// surface, unlike the teacher's mTLS-gated cluster-management API.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("logreplication: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, client: NewInternalClient(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// DescribeStorage fetches the storage descriptor for endpoint.
func (c *Client) DescribeStorage(endpoint string) (*DescribeStorageResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.client.DescribeStorage(ctx, &DescribeStorageRequest{Endpoint: endpoint})
}

// LogTailer is a long-lived GetLog session against one endpoint, repeatedly
// advancing its Start position as operations arrive.
type LogTailer struct {
	stream   GetLogClientStream
	endpoint string
	schema   field.Schema
	next     uint64
	timeout  time.Duration
}

// Tail opens a GetLog stream for endpoint starting at position start,
// decoding wire operations against schema (normally obtained from a prior
// DescribeStorage call).
func (c *Client) Tail(ctx context.Context, endpoint string, schema field.Schema, start uint64, timeout time.Duration) (*LogTailer, error) {
	stream, err := c.client.GetLog(ctx)
	if err != nil {
		return nil, fmt.Errorf("logreplication: open GetLog stream: %w", err)
	}
	return &LogTailer{stream: stream, endpoint: endpoint, schema: schema, next: start, timeout: timeout}, nil
}

// Next requests operations starting at the tailer's current position,
// blocking server-side for up to the tailer's configured timeout, and
// returns whatever batch came back (possibly empty). It advances the
// tailer's position past the highest operation id seen.
func (t *LogTailer) Next() ([]oplog.Operation, error) {
	req := &GetLogRequest{
		Endpoint:  t.endpoint,
		Start:     t.next,
		End:       ^uint64(0),
		TimeoutMs: uint64(t.timeout / time.Millisecond),
	}
	if err := t.stream.Send(req); err != nil {
		return nil, fmt.Errorf("logreplication: send GetLog request: %w", err)
	}
	resp, err := t.stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("logreplication: receive GetLog response: %w", err)
	}
	ops := make([]oplog.Operation, 0, len(resp.Operations))
	for _, w := range resp.Operations {
		op, err := rpcwire.DecodeOperation(t.schema, w)
		if err != nil {
			return nil, fmt.Errorf("logreplication: decode operation: %w", err)
		}
		ops = append(ops, op)
		if op.ID+1 > t.next {
			t.next = op.ID + 1
		}
	}
	return ops, nil
}

// Close ends the tailer's underlying stream.
func (t *LogTailer) Close() error {
	return t.stream.CloseSend()
}
