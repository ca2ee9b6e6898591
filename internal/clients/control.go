// Package clients provides thin client constructors for the conntest
// gRPC surfaces.
package clients

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dconeybe/firestore-conntest/internal/control"
)

// ControlClient drives a remote conntestd over its control service.
type ControlClient struct {
	conn *grpc.ClientConn
}

// NewInsecureControlClient connects to a conntestd control endpoint. The
// control surface is loopback-only plumbing, so it runs plaintext.
func NewInsecureControlClient(address string) (*ControlClient, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}

	return NewControlClient(conn), conn, nil
}

// NewControlClient wraps an existing connection.
func NewControlClient(conn *grpc.ClientConn) *ControlClient {
	return &ControlClient{conn: conn}
}

// Start asks the daemon to begin a connectivity test. A test already in
// progress makes this a no-op on the daemon side.
func (c *ControlClient) Start(ctx context.Context) error {
	return c.conn.Invoke(ctx, control.MethodStart, &emptypb.Empty{}, &emptypb.Empty{})
}

// Cancel requests cancellation of the test in progress, if any.
func (c *ControlClient) Cancel(ctx context.Context) error {
	return c.conn.Invoke(ctx, control.MethodCancel, &emptypb.Empty{}, &emptypb.Empty{})
}

// IsRunning reports whether a test is in progress on the daemon.
func (c *ControlClient) IsRunning(ctx context.Context) (bool, error) {
	out := &wrapperspb.BoolValue{}
	if err := c.conn.Invoke(ctx, control.MethodIsRunning, &emptypb.Empty{}, out); err != nil {
		return false, err
	}
	return out.Value, nil
}

// RunningTestID returns the running test's id, or -1 when none.
func (c *ControlClient) RunningTestID(ctx context.Context) (int64, error) {
	out := &wrapperspb.Int64Value{}
	if err := c.conn.Invoke(ctx, control.MethodRunningTestID, &emptypb.Empty{}, out); err != nil {
		return 0, err
	}
	return out.Value, nil
}

// WatchStream delivers one pulse per daemon state change.
type WatchStream struct {
	stream grpc.ClientStream
}

// Watch subscribes to state-change pulses for the lifetime of ctx.
func (c *ControlClient) Watch(ctx context.Context) (*WatchStream, error) {
	stream, err := c.conn.NewStream(ctx, control.WatchStreamDesc(), control.MethodWatch)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	return &WatchStream{stream: stream}, nil
}

// Next blocks until the next pulse. It returns an error when the stream
// ends; after a pulse the caller re-queries IsRunning / RunningTestID.
func (w *WatchStream) Next() error {
	return w.stream.RecvMsg(&emptypb.Empty{})
}
