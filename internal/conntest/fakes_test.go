package conntest

import (
	"context"
	"sync"
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// fakeSink records registrations and log lines in memory.
type fakeSink struct {
	mu          sync.Mutex
	nextID      int64
	registered  int
	registerErr error
	appendErr   error
	logs        map[int64][]fakeLogLine
	endTimes    map[int64]int64
}

type fakeLogLine struct {
	elapsedMS int64
	message   string
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		logs:     make(map[int64][]fakeLogLine),
		endTimes: make(map[int64]int64),
	}
}

func (s *fakeSink) RegisterTest(startTimeMillis int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.registerErr != nil {
		return 0, s.registerErr
	}
	s.nextID++
	s.registered++
	return s.nextID, nil
}

func (s *fakeSink) SetEndTime(testID, endTimeMillis int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endTimes[testID] = endTimeMillis
	return nil
}

func (s *fakeSink) AppendLog(testID, elapsedMillis int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.appendErr != nil {
		return s.appendErr
	}
	s.logs[testID] = append(s.logs[testID], fakeLogLine{elapsedMS: elapsedMillis, message: message})
	return nil
}

func (s *fakeSink) messages(testID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, line := range s.logs[testID] {
		out = append(out, line.message)
	}
	return out
}

func (s *fakeSink) lines(testID int64) []fakeLogLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fakeLogLine(nil), s.logs[testID]...)
}

func (s *fakeSink) registeredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *fakeSink) endTimeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.endTimes)
}

// fakeChannel serves canned unary responses and hands out fake streams.
// When unaryRelease is set, unary calls block on it so tests can hold a
// run mid-probe.
type fakeChannel struct {
	mu             sync.Mutex
	unaryResponses []proto.Message
	unaryErr       error
	unaryStarted   chan struct{}
	unaryRelease   chan struct{}
	openErr        error
	streams        []*fakeStream

	startedOnce sync.Once
}

func singleAggregateResponse() []proto.Message {
	return []proto.Message{wrapperspb.Int64(1)}
}

func (c *fakeChannel) UnaryCall(ctx context.Context, req proto.Message) ([]proto.Message, error) {
	c.mu.Lock()
	started, release := c.unaryStarted, c.unaryRelease
	responses, unaryErr := c.unaryResponses, c.unaryErr
	c.mu.Unlock()

	if started != nil {
		c.startedOnce.Do(func() { close(started) })
	}
	if release != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
		}
	}
	return responses, unaryErr
}

func (c *fakeChannel) OpenStream(ctx context.Context, listener StreamListener) (StreamHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.openErr != nil {
		return nil, c.openErr
	}
	s := &fakeStream{listener: listener}
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *fakeChannel) streamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

func (c *fakeChannel) stream(t *testing.T) *fakeStream {
	t.Helper()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) != 1 {
		t.Fatalf("expected exactly 1 stream, got %d", len(c.streams))
	}
	return c.streams[0]
}

// fakeStream tracks sends, credit and cancellation, and lets tests push
// messages at the registered listener.
type fakeStream struct {
	mu             sync.Mutex
	listener       StreamListener
	sent           []proto.Message
	credits        int
	maxOutstanding int
	cancelReasons  []string
	sendErr        error
}

func (s *fakeStream) Send(msg proto.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeStream) RequestCredit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credits += n
	if s.credits > s.maxOutstanding {
		s.maxOutstanding = s.credits
	}
}

func (s *fakeStream) Cancel(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelReasons = append(s.cancelReasons, reason)
}

// deliver simulates one message arriving from the backend. Delivery
// consumes one unit of credit; delivery without credit is a flow-control
// violation.
func (s *fakeStream) deliver(t *testing.T, msg proto.Message) {
	t.Helper()

	s.mu.Lock()
	if s.credits == 0 {
		s.mu.Unlock()
		t.Fatal("message delivered without receive credit")
	}
	s.credits--
	listener := s.listener
	s.mu.Unlock()

	listener.OnMessage(msg)
}

func (s *fakeStream) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeStream) outstandingCredit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credits
}

func (s *fakeStream) maxCredit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxOutstanding
}

func (s *fakeStream) cancels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancelReasons...)
}

// fakeFactory builds placeholder payloads; the core treats them as
// opaque.
type fakeFactory struct{}

func (fakeFactory) AggregationRequest() proto.Message {
	return wrapperspb.String("aggregate")
}

func (fakeFactory) ListenTargetRequest(targetID int32) proto.Message {
	return wrapperspb.Int32(targetID)
}
