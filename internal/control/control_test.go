package control_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/dconeybe/firestore-conntest/internal/clients"
	"github.com/dconeybe/firestore-conntest/internal/conntest"
	"github.com/dconeybe/firestore-conntest/internal/control"
)

// nullSink satisfies conntest.LogSink without persistence.
type nullSink struct {
	mu     sync.Mutex
	nextID int64
}

func (s *nullSink) RegisterTest(int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID, nil
}

func (s *nullSink) SetEndTime(int64, int64) error    { return nil }
func (s *nullSink) AppendLog(int64, int64, string) error { return nil }

// gatedChannel blocks unary calls until released so tests can observe a
// run mid-flight.
type gatedChannel struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedChannel() *gatedChannel {
	return &gatedChannel{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (c *gatedChannel) UnaryCall(ctx context.Context, req proto.Message) ([]proto.Message, error) {
	c.once.Do(func() { close(c.started) })

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.release:
	}
	return []proto.Message{wrapperspb.Int64(1)}, nil
}

func (c *gatedChannel) OpenStream(ctx context.Context, listener conntest.StreamListener) (conntest.StreamHandle, error) {
	return nopStream{}, nil
}

type nopStream struct{}

func (nopStream) Send(proto.Message) error { return nil }
func (nopStream) RequestCredit(int)        {}
func (nopStream) Cancel(string)            {}

type passthroughFactory struct{}

func (passthroughFactory) AggregationRequest() proto.Message {
	return wrapperspb.String("aggregate")
}

func (passthroughFactory) ListenTargetRequest(targetID int32) proto.Message {
	return wrapperspb.Int32(targetID)
}

func startControlServer(t *testing.T, orchestrator *conntest.Orchestrator) *clients.ControlClient {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	control.NewServer(orchestrator).Register(server)
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return clients.NewControlClient(conn)
}

func TestControlStartStatusLifecycle(t *testing.T) {
	channel := newGatedChannel()
	orchestrator := conntest.NewOrchestrator(&nullSink{}, channel, passthroughFactory{}, 50*time.Millisecond)
	client := startControlServer(t, orchestrator)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	running, err := client.IsRunning(ctx)
	require.NoError(t, err)
	require.False(t, running)

	testID, err := client.RunningTestID(ctx)
	require.NoError(t, err)
	require.Equal(t, conntest.NoTestID, testID)

	require.NoError(t, client.Start(ctx))
	<-channel.started

	running, err = client.IsRunning(ctx)
	require.NoError(t, err)
	require.True(t, running)

	require.Eventually(t, func() bool {
		id, err := client.RunningTestID(ctx)
		return err == nil && id > 0
	}, 5*time.Second, 10*time.Millisecond)

	// A second start while running is a silent no-op.
	require.NoError(t, client.Start(ctx))

	close(channel.release)
	require.Eventually(t, func() bool {
		running, err := client.IsRunning(ctx)
		return err == nil && !running
	}, 5*time.Second, 10*time.Millisecond)

	testID, err = client.RunningTestID(ctx)
	require.NoError(t, err)
	require.Equal(t, conntest.NoTestID, testID)
}

func TestControlCancel(t *testing.T) {
	channel := newGatedChannel()
	orchestrator := conntest.NewOrchestrator(&nullSink{}, channel, passthroughFactory{}, time.Hour)
	client := startControlServer(t, orchestrator)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Cancel while idle is a no-op, not an error.
	require.NoError(t, client.Cancel(ctx))

	require.NoError(t, client.Start(ctx))
	<-channel.started
	require.NoError(t, client.Cancel(ctx))

	require.Eventually(t, func() bool {
		running, err := client.IsRunning(ctx)
		return err == nil && !running
	}, 5*time.Second, 10*time.Millisecond)
}

func TestControlWatchPulsesOnStateChanges(t *testing.T) {
	channel := newGatedChannel()
	orchestrator := conntest.NewOrchestrator(&nullSink{}, channel, passthroughFactory{}, 50*time.Millisecond)
	client := startControlServer(t, orchestrator)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := client.Watch(ctx)
	require.NoError(t, err)

	// Wait for the watch handler to register its listener before the run
	// starts producing transitions.
	require.Eventually(t, func() bool {
		return orchestrator.ListenerCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, client.Start(ctx))
	close(channel.release)

	// At least one pulse for the identity and one for the terminal
	// transition; pulses may coalesce but never vanish entirely.
	require.NoError(t, stream.Next())
}
