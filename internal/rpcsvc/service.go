package rpcsvc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the gRPC service name both client and server register
// under, standing in for the teacher's protoc-generated
// "jobworker.v1.JobWorkerService" full name.
const ServiceName = "flux.v1.ControlPlane"

// ServiceDesc is the hand-authored analogue of a protoc-generated
// ServiceDesc: one entry per §6 RPC, dispatching into Handlers (installed
// by NewGRPCServer via the srv interface{} parameter, which must implement
// Handlers).
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handlers)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Lookup",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				h := srv.(Handlers)
				req := new(LookupRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return h.Lookup(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Lookup"}
				return interceptor(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
					return h.Lookup(ctx, req.(*LookupRequest))
				})
			},
		},
		{
			MethodName: "Exec",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				h := srv.(Handlers)
				req := new(ExecRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return h.Exec(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName + "/Exec"}
				return interceptor(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
					return h.Exec(ctx, req.(*ExecRequest))
				})
			},
		},
		{
			MethodName: "Write",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				h := srv.(Handlers)
				req := new(WriteRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				return h.Write(ctx, req)
			},
		},
		{
			MethodName: "Kill",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				h := srv.(Handlers)
				req := new(KillRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				return h.Kill(ctx, req)
			},
		},
		{
			MethodName: "List",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				h := srv.(Handlers)
				req := new(Empty)
				if err := dec(req); err != nil {
					return nil, err
				}
				return h.List(ctx, req)
			},
		},
		{
			MethodName: "Wait",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				h := srv.(Handlers)
				req := new(WaitRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				return h.Wait(ctx, req)
			},
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "EventlogWatch",
			ServerStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				h := srv.(Handlers)
				req := new(WatchRequest)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return h.EventlogWatch(stream.Context(), req, stream)
			},
		},
		{
			StreamName:    "UpdateWatch",
			ServerStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				h := srv.(Handlers)
				req := new(WatchRequest)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return h.UpdateWatch(stream.Context(), req, stream)
			},
		},
	},
	Metadata: "flux.proto",
}

// Handlers is the interface ServiceDesc's manually-wired methods dispatch
// to. Server implements it.
type Handlers interface {
	Lookup(ctx context.Context, req *LookupRequest) (*LookupResponse, error)
	EventlogWatch(ctx context.Context, req *WatchRequest, stream grpc.ServerStream) error
	UpdateWatch(ctx context.Context, req *WatchRequest, stream grpc.ServerStream) error
	Exec(ctx context.Context, req *ExecRequest) (*ExecResponse, error)
	Write(ctx context.Context, req *WriteRequest) (*Empty, error)
	Kill(ctx context.Context, req *KillRequest) (*Empty, error)
	List(ctx context.Context, req *Empty) (*ListResponse, error)
	Wait(ctx context.Context, req *WaitRequest) (*WaitResponse, error)
}
