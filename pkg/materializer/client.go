package materializer

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// CommonClient is the client-side stub for CommonServiceDesc, the
// hand-written analogue of what protoc-gen-go-grpc would emit alongside
// CommonServer.
type CommonClient interface {
	Count(ctx context.Context, req *CountRequest) (*CountResponse, error)
	Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error)
	GetEndpoints(ctx context.Context, req *GetEndpointsRequest) (*GetEndpointsResponse, error)
	GetFields(ctx context.Context, req *GetFieldsRequest) (*GetFieldsResponse, error)
	OnEvent(ctx context.Context, req *OnEventRequest, opts ...grpc.CallOption) (OnEventClientStream, error)
}

// OnEventClientStream is the client's view of the OnEvent server-streaming
// call.
type OnEventClientStream interface {
	Recv() (*OnEventMessage, error)
	grpc.ClientStream
}

type commonClient struct {
	cc grpc.ClientConnInterface
}

// NewCommonClient builds a CommonClient over an already-dialed connection.
func NewCommonClient(cc grpc.ClientConnInterface) CommonClient {
	return &commonClient{cc: cc}
}

func (c *commonClient) Count(ctx context.Context, req *CountRequest) (*CountResponse, error) {
	out := new(CountResponse)
	if err := c.cc.Invoke(ctx, "/dozer.materializer.Common/Count", req, out); err != nil {
		return nil, fmt.Errorf("materializer: Count: %w", err)
	}
	return out, nil
}

func (c *commonClient) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	out := new(QueryResponse)
	if err := c.cc.Invoke(ctx, "/dozer.materializer.Common/Query", req, out); err != nil {
		return nil, fmt.Errorf("materializer: Query: %w", err)
	}
	return out, nil
}

func (c *commonClient) GetEndpoints(ctx context.Context, req *GetEndpointsRequest) (*GetEndpointsResponse, error) {
	out := new(GetEndpointsResponse)
	if err := c.cc.Invoke(ctx, "/dozer.materializer.Common/GetEndpoints", req, out); err != nil {
		return nil, fmt.Errorf("materializer: GetEndpoints: %w", err)
	}
	return out, nil
}

func (c *commonClient) GetFields(ctx context.Context, req *GetFieldsRequest) (*GetFieldsResponse, error) {
	out := new(GetFieldsResponse)
	if err := c.cc.Invoke(ctx, "/dozer.materializer.Common/GetFields", req, out); err != nil {
		return nil, fmt.Errorf("materializer: GetFields: %w", err)
	}
	return out, nil
}

func (c *commonClient) OnEvent(ctx context.Context, req *OnEventRequest, opts ...grpc.CallOption) (OnEventClientStream, error) {
	stream, err := c.cc.NewStream(ctx, &CommonServiceDesc.Streams[0], "/dozer.materializer.Common/OnEvent", opts...)
	if err != nil {
		return nil, fmt.Errorf("materializer: OnEvent: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &onEventClientStream{stream}, nil
}

type onEventClientStream struct{ grpc.ClientStream }

func (s *onEventClientStream) Recv() (*OnEventMessage, error) {
	m := new(OnEventMessage)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
