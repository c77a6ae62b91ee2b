package dsbuildpb

import (
	"context"

	"google.golang.org/grpc"
)

// serviceName is the fully-qualified gRPC service path a generated stub
// would also use, kept stable so a future protoc-generated client is a
// drop-in replacement.
const serviceName = "dsbuild.Transport"

// TransportClient is the client side of the Transport service: one
// SendMessage RPC carrying a single process-to-process hop.
type TransportClient interface {
	SendMessage(ctx context.Context, in *SendMessageRequest, opts ...grpc.CallOption) (*SendMessageResponse, error)
}

type transportClient struct {
	cc grpc.ClientConnInterface
}

// NewTransportClient wraps an established connection as a TransportClient.
func NewTransportClient(cc grpc.ClientConnInterface) TransportClient {
	return &transportClient{cc: cc}
}

func (c *transportClient) SendMessage(ctx context.Context, in *SendMessageRequest, opts ...grpc.CallOption) (*SendMessageResponse, error) {
	out := new(SendMessageResponse)
	opts = append(opts, grpc.CallContentSubtype(codecName))
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/SendMessage", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// TransportServer is the server side of the Transport service.
type TransportServer interface {
	SendMessage(ctx context.Context, in *SendMessageRequest) (*SendMessageResponse, error)
}

// RegisterTransportServer binds srv's implementation to s, the way a
// protoc-generated RegisterTransportServer would.
func RegisterTransportServer(s grpc.ServiceRegistrar, srv TransportServer) {
	s.RegisterService(&transportServiceDesc, srv)
}

func transportSendMessageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SendMessageRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TransportServer).SendMessage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + serviceName + "/SendMessage",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TransportServer).SendMessage(ctx, req.(*SendMessageRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var transportServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*TransportServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SendMessage",
			Handler:    transportSendMessageHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "transport.proto",
}
