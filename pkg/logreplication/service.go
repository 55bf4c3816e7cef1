package logreplication

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceDesc is the hand-written analogue of what protoc-gen-go-grpc would
// emit for a service with one unary and one bidi-streaming RPC. There is no
// .proto source anywhere in the corpus this was grounded on (the teacher's
// own api/proto is generated code, excluded from the retrieval pack), so
// this is authored directly against grpc.ServiceDesc/grpc.MethodDesc rather
// than produced by codegen — see pkg/rpcwire for the accompanying wire
// codec this relies on.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "dozer.logreplication.Internal",
	HandlerType: (*InternalServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "DescribeStorage", Handler: describeStorageHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "GetLog", Handler: getLogHandler, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "dozer/logreplication.proto",
}

// InternalServer is the service contract spec.md §4.11 names: DescribeStorage
// and GetLog (server-streaming, driven by a client-streamed request
// sequence).
type InternalServer interface {
	DescribeStorage(context.Context, *DescribeStorageRequest) (*DescribeStorageResponse, error)
	GetLog(GetLogStream) error
}

// GetLogStream is the server's view of the bidi GetLog call.
type GetLogStream interface {
	Send(*GetLogResponse) error
	Recv() (*GetLogRequest, error)
	grpc.ServerStream
}

func describeStorageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DescribeStorageRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InternalServer).DescribeStorage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/dozer.logreplication.Internal/DescribeStorage"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InternalServer).DescribeStorage(ctx, req.(*DescribeStorageRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getLogHandler(srv any, stream grpc.ServerStream) error {
	return srv.(InternalServer).GetLog(&getLogServerStream{stream})
}

type getLogServerStream struct{ grpc.ServerStream }

func (s *getLogServerStream) Send(m *GetLogResponse) error { return s.ServerStream.SendMsg(m) }

func (s *getLogServerStream) Recv() (*GetLogRequest, error) {
	m := new(GetLogRequest)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// InternalClient is the client-side stub for ServiceDesc.
type InternalClient interface {
	DescribeStorage(ctx context.Context, in *DescribeStorageRequest, opts ...grpc.CallOption) (*DescribeStorageResponse, error)
	GetLog(ctx context.Context, opts ...grpc.CallOption) (GetLogClientStream, error)
}

// GetLogClientStream is the client's view of the bidi GetLog call.
type GetLogClientStream interface {
	Send(*GetLogRequest) error
	Recv() (*GetLogResponse, error)
	grpc.ClientStream
}

type internalClient struct{ cc grpc.ClientConnInterface }

// NewInternalClient wraps a dialed connection for calling the Internal
// service.
func NewInternalClient(cc grpc.ClientConnInterface) InternalClient {
	return &internalClient{cc: cc}
}

func (c *internalClient) DescribeStorage(ctx context.Context, in *DescribeStorageRequest, opts ...grpc.CallOption) (*DescribeStorageResponse, error) {
	out := new(DescribeStorageResponse)
	if err := c.cc.Invoke(ctx, "/dozer.logreplication.Internal/DescribeStorage", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *internalClient) GetLog(ctx context.Context, opts ...grpc.CallOption) (GetLogClientStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/dozer.logreplication.Internal/GetLog", opts...)
	if err != nil {
		return nil, err
	}
	return &getLogClientStream{stream}, nil
}

type getLogClientStream struct{ grpc.ClientStream }

func (x *getLogClientStream) Send(m *GetLogRequest) error { return x.ClientStream.SendMsg(m) }

func (x *getLogClientStream) Recv() (*GetLogResponse, error) {
	m := new(GetLogResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
