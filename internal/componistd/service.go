// Package componistd serves the instrument-facing cycle clock over gRPC:
// the instrument bridge reports each cycle and receives the writes that
// became due.
package componistd

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "componist.v1.ComponistService"

// Full method names, as seen by interceptors.
const (
	ReportCycleMethod = "/" + ServiceName + "/ReportCycle"
	StatusMethod      = "/" + ServiceName + "/Status"
	PingMethod        = "/" + ServiceName + "/Ping"
)

// ComponistServiceServer is the server API. Messages are protobuf
// well-known types so no generated code is needed.
type ComponistServiceServer interface {
	ReportCycle(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Ping(context.Context, *emptypb.Empty) (*timestamppb.Timestamp, error)
}

// RegisterComponistServiceServer registers srv with s.
func RegisterComponistServiceServer(s grpc.ServiceRegistrar, srv ComponistServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the componist service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ComponistServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ReportCycle", Handler: reportCycleHandler},
		{MethodName: "Status", Handler: statusHandler},
		{MethodName: "Ping", Handler: pingHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "componist/v1/componist.proto",
}

func reportCycleHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ComponistServiceServer).ReportCycle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ReportCycleMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ComponistServiceServer).ReportCycle(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ComponistServiceServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: StatusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ComponistServiceServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ComponistServiceServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PingMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ComponistServiceServer).Ping(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls the componist service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a client connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// ReportCycle sends a raw cycle report.
func (c *Client) ReportCycle(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ReportCycleMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Status fetches the session status.
func (c *Client) Status(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, StatusMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping returns the server time.
func (c *Client) Ping(ctx context.Context, opts ...grpc.CallOption) (*timestamppb.Timestamp, error) {
	out := new(timestamppb.Timestamp)
	if err := c.cc.Invoke(ctx, PingMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
