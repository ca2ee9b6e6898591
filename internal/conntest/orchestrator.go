package conntest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dconeybe/firestore-conntest/internal/util"
)

// DefaultObservationWindow is how long a run keeps the listen stream open
// purely to observe liveness.
const DefaultObservationWindow = 5 * time.Second

// NoTestID is the sentinel returned by TestID when no test identity is
// known.
const NoTestID int64 = -1

// Orchestrator runs connectivity tests one at a time. Start and Cancel
// are best-effort control signals callable from any goroutine; failures
// inside a run surface only through the log trail and the terminal state
// transition, never to the caller.
type Orchestrator struct {
	sink      LogSink
	channel   Channel
	requests  RequestFactory
	window    time.Duration
	listeners *ListenerRegistry

	// mu guards running, testID and cancelRun exclusively. Listeners are
	// never notified while it is held.
	mu        sync.Mutex
	running   bool
	testID    int64
	cancelRun context.CancelFunc
}

func NewOrchestrator(sink LogSink, channel Channel, requests RequestFactory, observationWindow time.Duration) *Orchestrator {
	if observationWindow <= 0 {
		observationWindow = DefaultObservationWindow
	}

	return &Orchestrator{
		sink:      sink,
		channel:   channel,
		requests:  requests,
		window:    observationWindow,
		listeners: NewListenerRegistry(),
		testID:    NoTestID,
	}
}

// Start begins a connectivity test on a fresh worker goroutine and
// returns immediately. If a test is already in progress this is a no-op:
// it never starts a second concurrent run and never fails.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.testID = NoTestID

	ctx, cancel := context.WithCancel(context.Background())
	o.cancelRun = cancel
	o.mu.Unlock()

	go o.run(ctx)
}

// Cancel requests cooperative cancellation of the test in progress, if
// any. It never blocks waiting for the worker to actually stop, and is
// safe to call repeatedly or while idle.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	cancel := o.cancelRun
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// IsRunning reports whether a test is in progress.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// TestID returns the running test's id, or NoTestID when idle or before
// registration has produced an identity.
func (o *Orchestrator) TestID() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.testID
}

// AddListener registers a state-change listener and returns its token.
func (o *Orchestrator) AddListener(l Listener) string {
	return o.listeners.Add(l)
}

// RemoveListener unregisters a listener by identity.
func (o *Orchestrator) RemoveListener(l Listener) {
	o.listeners.Remove(l)
}

// ListenerCount reports the number of registered state listeners.
func (o *Orchestrator) ListenerCount() int {
	return o.listeners.Len()
}

// run is the worker body. At most one instance executes at a time.
func (o *Orchestrator) run(ctx context.Context) {
	start := time.Now()

	defer func() {
		o.mu.Lock()
		cancel := o.cancelRun
		o.running = false
		o.testID = NoTestID
		o.cancelRun = nil
		o.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		o.listeners.NotifyAll()
	}()

	testID, err := o.sink.RegisterTest(start.UnixMilli())
	if err != nil {
		// No test id exists yet, so the run ends with no persisted trail.
		log.Printf("failed to register connectivity test: %v", err)
		return
	}

	o.mu.Lock()
	o.testID = testID
	o.mu.Unlock()
	o.listeners.NotifyAll()

	logf := func(format string, args ...any) error {
		return o.appendLog(testID, start, fmt.Sprintf(format, args...))
	}

	err = ctx.Err()
	if err == nil {
		err = o.runSteps(ctx, logf)
	}

	// A cancelled run context is a clean exit, not a failure, even when
	// the interrupted RPC dressed the cancellation up as its own error.
	switch {
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		_ = logf("connectivity test cancelled")
	case err != nil:
		_ = logf("connectivity test failed: %v", err)
	default:
		_ = logf("connectivity test completed")
	}

	if err := o.sink.SetEndTime(testID, time.Now().UnixMilli()); err != nil {
		log.Printf("test %d: failed to record end time: %v", testID, err)
	}
}

// runSteps drives one test end-to-end: probe, open stream, add target,
// hold the stream open for the observation window, close. Cancellation is
// checked before and after each blocking step and during the sleep.
func (o *Orchestrator) runSteps(ctx context.Context, logf func(format string, args ...any) error) error {
	if err := logf("connectivity test starting"); err != nil {
		return err
	}

	probe := NewProbe(o.channel, o.requests)
	result, err := probe.Run(ctx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := logf("aggregation probe succeeded: %v", result); err != nil {
		return err
	}

	call, err := OpenStreamingCall(ctx, o.channel, o.requests, func(format string, args ...any) {
		// Stream callbacks arrive on their own goroutine; a sink failure
		// there is logged but does not tear down the run.
		_ = logf(format, args...)
	})
	if err != nil {
		return err
	}
	defer call.Close()

	targetID, err := call.AddTarget()
	if err != nil {
		return err
	}
	if err := logf("listen target %d registered, observing stream for %v", targetID, o.window); err != nil {
		return err
	}

	return util.SleepWithContext(ctx, o.window)
}

// appendLog mirrors one progress line to the process log and the sink. A
// sink failure terminates the run per the persistence contract.
func (o *Orchestrator) appendLog(testID int64, start time.Time, message string) error {
	elapsed := time.Since(start).Milliseconds()
	log.Printf("test %d (+%dms): %s", testID, elapsed, message)

	if err := o.sink.AppendLog(testID, elapsed, message); err != nil {
		log.Printf("test %d: failed to append log: %v", testID, err)
		return err
	}
	return nil
}
