// Package logreplication implements C11: the gRPC log replication service a
// remote pkg/materializer tailer mirrors an endpoint's operation log
// through, grounded on the teacher's pkg/api/server.go (grpc.Server
// wiring) and pkg/client/client.go (grpc.ClientConn, per-call timeouts).
package logreplication

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"google.golang.org/grpc"

	"github.com/cuemby/dozer/pkg/dozererr"
	"github.com/cuemby/dozer/pkg/field"
	"github.com/cuemby/dozer/pkg/log"
	"github.com/cuemby/dozer/pkg/oplog"
	"github.com/cuemby/dozer/pkg/rpcwire"
)

// Source is the subset of *oplog.Log a replication server needs per
// endpoint; an interface so tests can substitute a fake without opening a
// real kv.Env.
type Source interface {
	Schema() field.Schema
	Tail() uint64
	Read(ctx context.Context, start, end uint64, timeout time.Duration) ([]oplog.Operation, error)
}

// Server implements InternalServer over a fixed set of named endpoints.
type Server struct {
	sources map[string]Source
	grpc    *grpc.Server
}

// NewServer builds a replication server over sources, keyed by endpoint
// name.
func NewServer(sources map[string]Source) *Server {
	return &Server{sources: sources, grpc: grpc.NewServer()}
}

// Start listens on addr and serves until the listener or server stops.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("logreplication: listen: %w", err)
	}
	s.grpc.RegisterService(&ServiceDesc, s)
	log.WithComponent("logreplication").Info().Str("addr", addr).Msg("serving")
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// DescribeStorage returns the requested endpoint's schema and current tail
// position.
func (s *Server) DescribeStorage(ctx context.Context, req *DescribeStorageRequest) (*DescribeStorageResponse, error) {
	src, ok := s.sources[req.Endpoint]
	if !ok {
		return nil, fmt.Errorf("logreplication: unknown endpoint %q", req.Endpoint)
	}
	return &DescribeStorageResponse{
		Schema:  src.Schema(),
		Indexes: src.Schema().Indexes,
		Tail:    src.Tail(),
	}, nil
}

// GetLog serves a long-lived bidi stream: for each inbound range request it
// blocks on the named endpoint's log for at most TimeoutMs and sends back
// whatever arrived, per spec.md §4.11. Backpressure is gRPC's own flow
// control; each call acquires its own MVCC read snapshot via pkg/kv, so one
// slow client never blocks another.
func (s *Server) GetLog(stream GetLogStream) error {
	for {
		req, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		src, ok := s.sources[req.Endpoint]
		if !ok {
			return fmt.Errorf("logreplication: unknown endpoint %q", req.Endpoint)
		}
		ops, err := src.Read(stream.Context(), req.Start, req.End, time.Duration(req.TimeoutMs)*time.Millisecond)
		if err != nil && dozererr.KindOf(err) != dozererr.KindLogReadTimeout {
			return err
		}
		// A LogReadTimeout with nothing read is not a stream error: per
		// spec.md §4.11 the caller gets back whatever is available, which
		// may be an empty batch, and issues another range request.
		resp := &GetLogResponse{Operations: make([]rpcwire.WireOperation, 0, len(ops))}
		schema := src.Schema()
		for _, op := range ops {
			wop, err := rpcwire.EncodeOperation(schema, op)
			if err != nil {
				return err
			}
			resp.Operations = append(resp.Operations, wop)
		}
		if err := stream.Send(resp); err != nil {
			return err
		}
	}
}
