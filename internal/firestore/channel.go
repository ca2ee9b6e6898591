// Package firestore provides the transport half of the connectivity
// test: a grpc-backed channel speaking the Cloud Firestore v1 API, and
// the fixed request payloads the probe and the listen stream send over
// it.
package firestore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"runtime"

	firestorepb "cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"

	"github.com/dconeybe/firestore-conntest/internal/conntest"
)

// Config identifies the backend and database to probe.
type Config struct {
	// Host is the backend endpoint, host:port.
	Host string

	ProjectID  string
	DatabaseID string

	// Collection is the collection both the aggregation query and the
	// listen target run against.
	Collection string

	// Plaintext disables TLS; used against emulator endpoints.
	Plaintext bool
}

func (c Config) databasePath() string {
	return fmt.Sprintf("projects/%s/databases/%s", c.ProjectID, c.DatabaseID)
}

// Channel is a conntest.Channel backed by one shared grpc connection.
type Channel struct {
	conn   *grpc.ClientConn
	client firestorepb.FirestoreClient
	cfg    Config
}

var _ conntest.Channel = (*Channel)(nil)

// Dial establishes a connection to the configured backend.
func Dial(cfg Config) (*Channel, error) {
	creds := grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{}))
	if cfg.Plaintext {
		creds = grpc.WithTransportCredentials(insecure.NewCredentials())
	}

	conn, err := grpc.NewClient(cfg.Host, creds)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.Host, err)
	}

	return NewChannel(conn, cfg), nil
}

// NewChannel wraps an existing connection. The caller keeps ownership of
// the connection's lifetime unless Close is used.
func NewChannel(conn *grpc.ClientConn, cfg Config) *Channel {
	return &Channel{
		conn:   conn,
		client: firestorepb.NewFirestoreClient(conn),
		cfg:    cfg,
	}
}

func (c *Channel) Close() error {
	return c.conn.Close()
}

// callContext attaches the routing and client identity headers Firestore
// expects on every call.
func (c *Channel) callContext(ctx context.Context) context.Context {
	database := c.cfg.databasePath()
	return metadata.AppendToOutgoingContext(ctx,
		"google-cloud-resource-prefix", database,
		"x-goog-request-params", "database="+database,
		"x-goog-api-client", "gl-go/"+runtime.Version()+" fs-conntest/1.0",
	)
}

// UnaryCall issues the aggregation query and drains the full response
// stream before returning. The Firestore aggregation RPC is
// server-streaming on the wire; draining it here gives callers the
// blocking unary shape they expect.
func (c *Channel) UnaryCall(ctx context.Context, req proto.Message) ([]proto.Message, error) {
	aggReq, ok := req.(*firestorepb.RunAggregationQueryRequest)
	if !ok {
		return nil, fmt.Errorf("unsupported unary request type %T", req)
	}

	stream, err := c.client.RunAggregationQuery(c.callContext(ctx), aggReq)
	if err != nil {
		return nil, err
	}

	var responses []proto.Message
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return responses, nil
		}
		if err != nil {
			return nil, err
		}
		responses = append(responses, resp)
	}
}

// OpenStream opens a Listen exchange. The receive loop pulls a message
// off the wire only after a unit of credit has been granted, so the
// listener paces delivery; the remote end never has more than the
// granted number of messages unacknowledged locally.
func (c *Channel) OpenStream(ctx context.Context, listener conntest.StreamListener) (conntest.StreamHandle, error) {
	streamCtx, cancel := context.WithCancelCause(c.callContext(ctx))

	stream, err := c.client.Listen(streamCtx)
	if err != nil {
		cancel(nil)
		return nil, err
	}

	h := &listenStream{
		stream:  stream,
		cancel:  cancel,
		credits: make(chan struct{}, maxOutstandingCredit),
	}
	go h.recvLoop(listener)

	return h, nil
}

// maxOutstandingCredit bounds the credit a listener can bank. The
// connectivity test grants one unit at a time, so the bound is never hit
// in practice.
const maxOutstandingCredit = 16

type listenStream struct {
	stream  firestorepb.Firestore_ListenClient
	cancel  context.CancelCauseFunc
	credits chan struct{}
}

var _ conntest.StreamHandle = (*listenStream)(nil)

func (s *listenStream) Send(msg proto.Message) error {
	req, ok := msg.(*firestorepb.ListenRequest)
	if !ok {
		return fmt.Errorf("unsupported stream request type %T", msg)
	}
	return s.stream.Send(req)
}

func (s *listenStream) RequestCredit(n int) {
	for i := 0; i < n; i++ {
		select {
		case s.credits <- struct{}{}:
		default:
			// Credit beyond the bound is dropped rather than blocking the
			// delivery path.
		}
	}
}

func (s *listenStream) Cancel(reason string) {
	s.cancel(errors.New(reason))
}

// recvLoop delivers messages to the listener, one per unit of credit,
// until the stream terminates. OnClose fires exactly once with the
// stream's terminal error and trailers.
func (s *listenStream) recvLoop(listener conntest.StreamListener) {
	for {
		select {
		case <-s.stream.Context().Done():
			listener.OnClose(context.Cause(s.stream.Context()), s.stream.Trailer())
			return
		case <-s.credits:
		}

		resp, err := s.stream.Recv()
		if err != nil {
			listener.OnClose(err, s.stream.Trailer())
			return
		}
		listener.OnMessage(resp)
	}
}
