package grpcclient

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The matting service exposes a single unary RPC:
//
//	service Matting {
//	  rpc RemoveBackground(google.protobuf.BytesValue) returns (google.protobuf.BytesValue);
//	}
//
// Request and response carry encoded image bytes.
const (
	serviceName            = "matting.v1.Matting"
	removeBackgroundMethod = "/" + serviceName + "/RemoveBackground"

	maxMessageSize = 64 << 20
)

// MattingServer is implemented by matting service backends.
type MattingServer interface {
	RemoveBackground(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// RegisterMattingServer registers srv on s.
func RegisterMattingServer(s grpc.ServiceRegistrar, srv MattingServer) {
	s.RegisterService(&MattingServiceDesc, srv)
}

func removeBackgroundHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MattingServer).RemoveBackground(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: removeBackgroundMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MattingServer).RemoveBackground(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// MattingServiceDesc describes the matting service for grpc.Server.
var MattingServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*MattingServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RemoveBackground",
			Handler:    removeBackgroundHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "matting/v1/matting.proto",
}
