package backend

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The service uses only protobuf well-known types, so the descriptor is
// written out here instead of generated.
//
//	service StreamService {
//	  rpc Snapshot(google.protobuf.Empty) returns (google.protobuf.BytesValue);
//	  rpc Stats(google.protobuf.Empty) returns (google.protobuf.Struct);
//	  rpc WatchDetections(google.protobuf.Empty) returns (stream google.protobuf.Struct);
//	}
const (
	ServiceName                                  = "picam.v1.StreamService"
	StreamService_Snapshot_FullMethodName        = "/picam.v1.StreamService/Snapshot"
	StreamService_Stats_FullMethodName           = "/picam.v1.StreamService/Stats"
	StreamService_WatchDetections_FullMethodName = "/picam.v1.StreamService/WatchDetections"
)

type StreamServiceServer interface {
	Snapshot(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error)
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	WatchDetections(*emptypb.Empty, StreamService_WatchDetectionsServer) error
}

type StreamService_WatchDetectionsServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type watchDetectionsServer struct {
	grpc.ServerStream
}

func (x *watchDetectionsServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func RegisterStreamServiceServer(s grpc.ServiceRegistrar, srv StreamServiceServer) {
	s.RegisterService(&StreamService_ServiceDesc, srv)
}

func _StreamService_Snapshot_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StreamServiceServer).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: StreamService_Snapshot_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StreamServiceServer).Snapshot(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _StreamService_Stats_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StreamServiceServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: StreamService_Stats_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StreamServiceServer).Stats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _StreamService_WatchDetections_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(emptypb.Empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(StreamServiceServer).WatchDetections(m, &watchDetectionsServer{stream})
}

var StreamService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StreamServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Snapshot", Handler: _StreamService_Snapshot_Handler},
		{MethodName: "Stats", Handler: _StreamService_Stats_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchDetections", Handler: _StreamService_WatchDetections_Handler, ServerStreams: true},
	},
	Metadata: "picam/v1/stream.proto",
}

type StreamServiceClient interface {
	Snapshot(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	Stats(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	WatchDetections(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (StreamService_WatchDetectionsClient, error)
}

type StreamService_WatchDetectionsClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type streamServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewStreamServiceClient(cc grpc.ClientConnInterface) StreamServiceClient {
	return &streamServiceClient{cc}
}

func (c *streamServiceClient) Snapshot(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, StreamService_Snapshot_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *streamServiceClient) Stats(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, StreamService_Stats_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *streamServiceClient) WatchDetections(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (StreamService_WatchDetectionsClient, error) {
	stream, err := c.cc.NewStream(ctx, &StreamService_ServiceDesc.Streams[0], StreamService_WatchDetections_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	x := &watchDetectionsClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type watchDetectionsClient struct {
	grpc.ClientStream
}

func (x *watchDetectionsClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
