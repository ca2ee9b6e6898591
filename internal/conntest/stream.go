package conntest

import (
	"context"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
)

// streamCancelReason is the reason attached when a streaming call is torn
// down at the end of a test.
const streamCancelReason = "connectivity test completed"

// targetIDCounter hands out process-wide listen target identifiers.
// Identifiers are never reused, so a streamed response can always be
// correlated to the request that created its target.
var targetIDCounter atomic.Int32

func nextTargetID() int32 {
	return targetIDCounter.Add(1)
}

// StreamingCall owns one server-streaming listen exchange: it registers
// targets, renews receive credit one message at a time, and closes the
// underlying call exactly once. At most one unacknowledged message is
// ever outstanding on the stream.
type StreamingCall struct {
	requests RequestFactory
	logf     func(format string, args ...any)

	mu     sync.Mutex
	handle StreamHandle
	closed bool
}

var _ StreamListener = (*StreamingCall)(nil)

// OpenStreamingCall opens the stream. The call itself is the stream
// listener and is fully wired before any request goes out.
func OpenStreamingCall(ctx context.Context, channel Channel, requests RequestFactory, logf func(format string, args ...any)) (*StreamingCall, error) {
	call := &StreamingCall{
		requests: requests,
		logf:     logf,
	}

	handle, err := channel.OpenStream(ctx, call)
	if err != nil {
		return nil, err
	}

	call.mu.Lock()
	call.handle = handle
	call.mu.Unlock()

	return call, nil
}

// AddTarget registers one listen target and grants the first unit of
// receive credit for it. It fails with ErrStreamClosed once Close has
// been called.
func (c *StreamingCall) AddTarget() (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrStreamClosed
	}

	targetID := nextTargetID()
	if err := c.handle.Send(c.requests.ListenTargetRequest(targetID)); err != nil {
		return 0, err
	}
	c.handle.RequestCredit(1)

	return targetID, nil
}

// Close cancels the underlying call. It is safe to call more than once
// and returns without waiting for the remote close notification.
func (c *StreamingCall) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.handle.Cancel(streamCancelReason)
}

// OnMessage logs the delivered message and issues the next unit of
// receive credit. Credit renewal lives here and nowhere else.
func (c *StreamingCall) OnMessage(msg proto.Message) {
	c.logf("listen stream received: %v", msg)

	c.mu.Lock()
	handle, closed := c.handle, c.closed
	c.mu.Unlock()

	if closed {
		return
	}
	handle.RequestCredit(1)
}

// OnClose records the stream's terminal status. It is observational: a
// stream that dies mid-window does not abort the test in progress.
func (c *StreamingCall) OnClose(err error, trailers metadata.MD) {
	if err != nil {
		c.logf("listen stream closed: %v (trailers: %v)", err, trailers)
		return
	}
	c.logf("listen stream closed")
}
