// Package control exposes the orchestrator's command and query surface
// over gRPC, so a separate UI process can drive a long-running conntestd.
//
// The service is small enough that its descriptor is written by hand on
// top of protobuf well-known types instead of carrying generated code:
// Start and Cancel are fire-and-forget, IsRunning and RunningTestID are
// snapshot queries, and Watch streams one empty pulse per state change
// (receivers re-query after each pulse, matching the payload-free
// listener contract of the core).
package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dconeybe/firestore-conntest/internal/conntest"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "conntest.v1.Control"

// Full method names, for clients invoking over a raw connection.
const (
	MethodStart         = "/" + ServiceName + "/Start"
	MethodCancel        = "/" + ServiceName + "/Cancel"
	MethodIsRunning     = "/" + ServiceName + "/IsRunning"
	MethodRunningTestID = "/" + ServiceName + "/RunningTestID"
	MethodWatch         = "/" + ServiceName + "/Watch"
)

// controlServer is the handler contract backing the service descriptor.
type controlServer interface {
	Start(ctx context.Context, in *emptypb.Empty) (*emptypb.Empty, error)
	Cancel(ctx context.Context, in *emptypb.Empty) (*emptypb.Empty, error)
	IsRunning(ctx context.Context, in *emptypb.Empty) (*wrapperspb.BoolValue, error)
	RunningTestID(ctx context.Context, in *emptypb.Empty) (*wrapperspb.Int64Value, error)
	Watch(in *emptypb.Empty, stream grpc.ServerStreamingServer[emptypb.Empty]) error
}

// Server adapts an Orchestrator to the control service.
type Server struct {
	orchestrator *conntest.Orchestrator
}

var _ controlServer = (*Server)(nil)

func NewServer(orchestrator *conntest.Orchestrator) *Server {
	return &Server{orchestrator: orchestrator}
}

// Register registers the control service on a gRPC server.
func (s *Server) Register(server *grpc.Server) {
	server.RegisterService(&serviceDesc, s)
}

func (s *Server) Start(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.orchestrator.Start()
	return &emptypb.Empty{}, nil
}

func (s *Server) Cancel(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.orchestrator.Cancel()
	return &emptypb.Empty{}, nil
}

func (s *Server) IsRunning(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BoolValue, error) {
	return wrapperspb.Bool(s.orchestrator.IsRunning()), nil
}

func (s *Server) RunningTestID(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	return wrapperspb.Int64(s.orchestrator.TestID()), nil
}

// Watch registers a state-change listener for the lifetime of the stream
// and forwards each notification as an empty pulse. The listener is
// removed when the client goes away.
func (s *Server) Watch(_ *emptypb.Empty, stream grpc.ServerStreamingServer[emptypb.Empty]) error {
	w := &watchListener{events: make(chan struct{}, 8)}
	s.orchestrator.AddListener(w)
	defer s.orchestrator.RemoveListener(w)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.events:
			if err := stream.Send(&emptypb.Empty{}); err != nil {
				return err
			}
		}
	}
}

// watchListener bridges registry notifications onto the stream goroutine.
// Pulses are coalesced when the stream falls behind; receivers re-query
// state anyway.
type watchListener struct {
	events chan struct{}
}

func (w *watchListener) OnStateChange() error {
	select {
	case w.events <- struct{}{}:
	default:
	}
	return nil
}
