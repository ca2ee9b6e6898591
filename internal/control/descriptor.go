package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Start", Handler: unaryHandler(MethodStart, controlServer.Start)},
		{MethodName: "Cancel", Handler: unaryHandler(MethodCancel, controlServer.Cancel)},
		{MethodName: "IsRunning", Handler: unaryHandler(MethodIsRunning, controlServer.IsRunning)},
		{MethodName: "RunningTestID", Handler: unaryHandler(MethodRunningTestID, controlServer.RunningTestID)},
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Watch",
		Handler:       watchHandler,
		ServerStreams: true,
	}},
	Metadata: "control.go",
}

// WatchStreamDesc is the client-side descriptor for the Watch stream.
func WatchStreamDesc() *grpc.StreamDesc {
	return &grpc.StreamDesc{StreamName: "Watch", ServerStreams: true}
}

// unaryHandler builds the method handler glue generated code would
// normally carry. Every control method takes an Empty request.
func unaryHandler[Out any](fullMethod string, call func(controlServer, context.Context, *emptypb.Empty) (Out, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}

		invoke := func(ctx context.Context, req any) (any, error) {
			return call(srv.(controlServer), ctx, req.(*emptypb.Empty))
		}

		if interceptor == nil {
			return invoke(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, invoke)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(controlServer).Watch(in, &watchStream{stream})
}

type watchStream struct {
	grpc.ServerStream
}

func (s *watchStream) Send(m *emptypb.Empty) error {
	return s.SendMsg(m)
}
