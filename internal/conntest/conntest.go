// Package conntest implements the core of the connectivity test tool: a
// single-run orchestrator that probes a Firestore backend with one
// aggregation query, then holds a listen stream open for a fixed
// observation window, recording timestamped progress lines as it goes.
//
// The package owns the test state machine and the managed streaming call.
// Transport, persistence and the remote control surface are collaborators
// supplied through the interfaces below.
package conntest

import (
	"context"

	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
)

// LogSink persists test runs and their progress lines. Implementations
// are append-only: a log line, once written, is never mutated.
type LogSink interface {
	// RegisterTest records a new test run and returns its id. Ids are
	// distinct per run; the sink assigns them.
	RegisterTest(startTimeMillis int64) (int64, error)

	// SetEndTime records when a run terminated.
	SetEndTime(testID, endTimeMillis int64) error

	// AppendLog appends one progress line for a run.
	AppendLog(testID, elapsedMillis int64, message string) error
}

// StreamListener receives the messages and the terminal status of one
// server-streaming exchange. OnMessage fires once per unit of receive
// credit; OnClose fires exactly once, possibly on a different goroutine
// than the one that opened the stream.
type StreamListener interface {
	OnMessage(msg proto.Message)
	OnClose(err error, trailers metadata.MD)
}

// StreamHandle is one open streaming exchange on a Channel.
type StreamHandle interface {
	Send(msg proto.Message) error

	// RequestCredit grants the remote sender permission to deliver n more
	// messages. No message is delivered without credit.
	RequestCredit(n int)

	// Cancel tears the stream down. It does not wait for the remote close
	// notification.
	Cancel(reason string)
}

// Channel is an established, reusable transport handle to one backend.
type Channel interface {
	// UnaryCall issues one request and blocks until the response list is
	// fully drained.
	UnaryCall(ctx context.Context, req proto.Message) ([]proto.Message, error)

	// OpenStream opens a streaming exchange with the listener wired before
	// any request is sent, so immediate responses cannot be dropped.
	OpenStream(ctx context.Context, listener StreamListener) (StreamHandle, error)
}

// RequestFactory builds the application request payloads. The core never
// inspects them.
type RequestFactory interface {
	AggregationRequest() proto.Message
	ListenTargetRequest(targetID int32) proto.Message
}

// Listener is notified on every orchestrator state transition. The
// notification carries no payload; receivers re-query IsRunning and
// TestID for a fresh snapshot. A listener whose delivery fails is pruned
// from the registry.
type Listener interface {
	OnStateChange() error
}
