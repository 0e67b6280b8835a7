package duplex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/duplexkit/duplexkit/pkg/conn"
	"github.com/duplexkit/duplexkit/pkg/errorsx"
	"github.com/duplexkit/duplexkit/pkg/events"
	"github.com/duplexkit/duplexkit/pkg/logging"
	"github.com/duplexkit/duplexkit/pkg/metrics"
	"github.com/duplexkit/duplexkit/pkg/pcmdump"
	"github.com/duplexkit/duplexkit/pkg/resilience"
	"github.com/duplexkit/duplexkit/pkg/session"
	"github.com/duplexkit/duplexkit/pkg/track"
	"github.com/duplexkit/duplexkit/pkg/wire"
)

// Transport is the connection surface the client drives. conn.Manager is
// the production implementation.
type Transport interface {
	Connect(ctx context.Context) error
	Send(f wire.Frame) error
	ReceiveNext(ctx context.Context) (wire.Frame, error)
	Close() error
}

// TransportFactory builds a fresh transport per connection attempt.
type TransportFactory func(url string, headers http.Header) Transport

// AudioParams describe the PCM the vendor synthesizes, used for duration
// accounting.
type AudioParams struct {
	SampleRate  int
	Channels    int
	SampleWidth int
}

// Options configures a duplex client.
type Options struct {
	Vendor   Vendor
	Logger   *slog.Logger
	Observer metrics.Observer

	// AwaitTimeout bounds every await-specific-response operation.
	// Defaults to 5s; vendor timing characteristics may warrant tuning.
	AwaitTimeout time.Duration
	EventBuffer  int
	MaxFrameSize int64
	Audio        AudioParams

	// PingInterval forwards to the transport keep-alive. Zero keeps it off.
	PingInterval time.Duration

	// FrameSampleRate thins per-frame counters, which fire for every
	// audio chunk. Request-level metrics are never sampled.
	FrameSampleRate float64

	Retry   resilience.RetryPolicy
	Breaker *resilience.CircuitBreaker

	// Dump, when set, receives every synthesized audio chunk.
	Dump *pcmdump.Writer

	// NewTransport overrides the transport construction (tests).
	NewTransport TransportFactory
}

// Client is one duplex streaming session endpoint: it owns the connection,
// the session state machine, request bookkeeping, and the dispatch loop
// that fans decoded frames out to the caller's event channel.
//
// Caller methods are serialized with each other; Flush is the exception
// and never waits for a vendor round trip.
type Client struct {
	opts     Options
	vendor   Vendor
	log      *slog.Logger
	obs      metrics.Observer
	frameObs metrics.Observer

	tracker *track.Tracker
	out     chan events.Event

	mu sync.Mutex // serializes Start/Submit*/Close/Reconnect

	tmu          sync.Mutex // guards transport/machine/dispatchDone pointers
	transport    Transport
	machine      *session.Machine
	dispatchDone chan struct{}

	waitMu  sync.Mutex
	waiters map[wire.EventCode]chan wire.Frame

	reqMu            sync.Mutex
	currentRequestID string
	currentTurnID    int

	interrupted atomic.Bool
	closed      atomic.Bool
	closedCh    chan struct{}
	closeOnce   sync.Once
}

func NewClient(opts Options) (*Client, error) {
	if opts.Vendor == nil {
		return nil, errors.New("vendor profile is required")
	}
	if opts.AwaitTimeout <= 0 {
		opts.AwaitTimeout = 5 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.Audio.SampleRate == 0 {
		opts.Audio.SampleRate = 24000
	}
	if opts.Audio.Channels == 0 {
		opts.Audio.Channels = 1
	}
	if opts.Audio.SampleWidth == 0 {
		opts.Audio.SampleWidth = 2
	}
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = resilience.NewRetryPolicy(2, 200*time.Millisecond)
	}
	if opts.FrameSampleRate <= 0 || opts.FrameSampleRate > 1 {
		opts.FrameSampleRate = 1
	}
	log := logging.NewComponentLogger(opts.Logger, "duplex")

	c := &Client{
		opts:          opts,
		vendor:        opts.Vendor,
		log:           log,
		obs:           opts.Observer,
		tracker:       track.NewTracker(opts.Observer, log),
		out:           make(chan events.Event, opts.EventBuffer),
		waiters:       make(map[wire.EventCode]chan wire.Frame),
		closedCh:      make(chan struct{}),
		currentTurnID: -1,
	}
	c.frameObs = metrics.NewSamplingObserver(opts.Observer, opts.FrameSampleRate)
	if c.opts.NewTransport == nil {
		c.opts.NewTransport = func(url string, headers http.Header) Transport {
			return conn.NewManager(conn.Config{
				URL:          url,
				Headers:      headers,
				MaxFrameSize: opts.MaxFrameSize,
				PingInterval: opts.PingInterval,
			}, opts.Logger)
		}
	}
	return c, nil
}

// Events returns the ordered stream of response events. The channel is
// closed by Close.
func (c *Client) Events() <-chan events.Event { return c.out }

// Tracker exposes request bookkeeping for callers that report metrics.
func (c *Client) Tracker() *track.Tracker { return c.tracker }

// Start dials the vendor and completes the connection and session
// handshakes. On return the session is Active and ready for SubmitText.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return errors.New("client closed")
	}
	return c.startLocked(ctx)
}

func (c *Client) startLocked(ctx context.Context) error {
	url, headers, err := c.vendor.Endpoint()
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonConnect)
	}

	transport := c.opts.NewTransport(url, headers)
	if err := transport.Connect(ctx); err != nil {
		return err
	}

	machine := session.NewMachine(newSessionID(), c.opts.Logger)
	done := make(chan struct{})
	c.tmu.Lock()
	c.transport = transport
	c.machine = machine
	c.dispatchDone = done
	c.tmu.Unlock()
	c.interrupted.Store(false)

	go c.dispatchLoop(transport, machine, done)

	if err := machine.StartConnection(); err != nil {
		_ = transport.Close()
		return errorsx.Wrap(err, errorsx.ReasonSessionState)
	}
	if _, err := c.sendAndAwait(ctx, transport, wire.Frame{
		Type:          wire.MsgFullClientRequest,
		Flags:         wire.FlagWithEvent,
		Serialization: wire.SerializationJSON,
		Event:         wire.EventStartConnection,
		Payload:       c.vendor.StartConnectionPayload(),
	}, wire.EventConnectionStarted); err != nil {
		_ = transport.Close()
		return err
	}
	return c.startSessionLocked(ctx)
}

func (c *Client) startSessionLocked(ctx context.Context) error {
	transport, machine, _ := c.connection()
	if transport == nil || machine == nil {
		return conn.ErrNotConnected
	}

	payload, err := c.vendor.StartSessionPayload(machine.SessionID())
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonVendor)
	}
	if _, err := c.sendAndAwait(ctx, transport, wire.Frame{
		Type:          wire.MsgFullClientRequest,
		Flags:         wire.FlagWithEvent,
		Serialization: wire.SerializationJSON,
		Event:         wire.EventStartSession,
		SessionID:     machine.SessionID(),
		Payload:       payload,
	}, wire.EventSessionStarted); err != nil {
		return err
	}
	c.log.Info("session_active",
		slog.String("session_id", machine.SessionID()),
		slog.String("vendor", c.vendor.Name()))
	return nil
}

// SubmitText forwards one text chunk for synthesis. A new request ID
// begins tracking; isEnd drains the session and blocks until the vendor
// confirms SessionFinished (bounded by AwaitTimeout).
func (c *Client) SubmitText(ctx context.Context, requestID string, turnID int, text string, isEnd bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return errors.New("client closed")
	}
	if c.tracker.IsCompleted(requestID) {
		return track.ErrRequestAlreadyCompleted
	}

	c.reqMu.Lock()
	isNew := requestID != c.currentRequestID
	c.reqMu.Unlock()
	if isNew {
		if err := c.tracker.Begin(requestID, turnID); err != nil {
			return err
		}
		c.reqMu.Lock()
		c.currentRequestID = requestID
		c.currentTurnID = turnID
		c.reqMu.Unlock()
		c.log.Info("request_begin",
			slog.String("request_id", requestID),
			slog.Int("turn_id", turnID))
	}

	if err := c.ensureActiveLocked(ctx); err != nil {
		return err
	}
	transport, machine, _ := c.connection()

	if strings.TrimSpace(text) != "" {
		payload, err := c.vendor.TaskPayload(machine.SessionID(), text)
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonVendor)
		}
		if err := transport.Send(wire.Frame{
			Type:          wire.MsgFullClientRequest,
			Flags:         wire.FlagWithEvent,
			Serialization: wire.SerializationJSON,
			Event:         wire.EventTaskRequest,
			SessionID:     machine.SessionID(),
			Payload:       payload,
		}); err != nil {
			return err
		}
	}

	if !isEnd {
		return nil
	}

	if err := machine.FinishSession(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSessionState)
	}
	// The dispatch loop keeps streaming audio while we wait for the drain
	// confirmation; it also finalizes the request bookkeeping.
	if _, err := c.sendAndAwait(ctx, transport, wire.Frame{
		Type:          wire.MsgFullClientRequest,
		Flags:         wire.FlagWithEvent,
		Serialization: wire.SerializationJSON,
		Event:         wire.EventFinishSession,
		SessionID:     machine.SessionID(),
		Payload:       c.vendor.FinishSessionPayload(machine.SessionID()),
	}, wire.EventSessionFinished); err != nil {
		return err
	}
	return nil
}

// SubmitAudio forwards one raw audio chunk in the ASR direction.
func (c *Client) SubmitAudio(ctx context.Context, pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return errors.New("client closed")
	}
	if err := c.ensureActiveLocked(ctx); err != nil {
		return err
	}
	transport, machine, _ := c.connection()
	return transport.Send(wire.Frame{
		Type:      wire.MsgFullClientRequest,
		Flags:     wire.FlagWithEvent,
		Event:     wire.EventTaskRequest,
		SessionID: machine.SessionID(),
		Payload:   pcm,
	})
}

// ensureActiveLocked starts the next session when the previous one has
// drained on a still-open connection.
func (c *Client) ensureActiveLocked(ctx context.Context) error {
	_, machine, _ := c.connection()
	if machine == nil {
		return conn.ErrNotConnected
	}
	switch machine.State() {
	case session.StateActive:
		return nil
	case session.StateAwaitingSessionStart:
		machine.AdoptSession(newSessionID())
		return c.startSessionLocked(ctx)
	default:
		return errorsx.Wrap(
			fmt.Errorf("session not available in state %s", machine.State()),
			errorsx.ReasonSessionState)
	}
}

// Flush interrupts the in-flight request without waiting for the vendor:
// buffered audio events are discarded, the connection is torn down, and
// the dispatch loop synthesizes a local SessionFinished(interrupted).
func (c *Client) Flush() {
	transport, machine, _ := c.connection()
	if transport == nil || machine == nil {
		return
	}
	c.interrupted.Store(true)

	// Purge buffered audio so nothing synthesized before the interrupt is
	// played afterwards.
	purged := 0
drainLoop:
	for {
		select {
		case <-c.out:
			purged++
		default:
			break drainLoop
		}
	}
	_ = transport.Close()
	c.log.Info("flush",
		slog.String("session_id", machine.SessionID()),
		slog.Int("purged_events", purged))
}

// Reconnect tears the connection down and replays the full handshake.
// Retries follow the configured policy; a tripped circuit breaker fails
// fast.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return errors.New("client closed")
	}

	c.teardownLocked()
	metrics.Record(c.obs, metrics.MetricReconnects, 1, map[string]string{
		"vendor": c.vendor.Name(),
	})

	return c.opts.Retry.DoContext(ctx, func(ctx context.Context) error {
		if c.opts.Breaker != nil && !c.opts.Breaker.Allow() {
			return resilience.RateLimitError{Provider: c.vendor.Name(), Message: "circuit open"}
		}
		err := c.startLocked(ctx)
		if c.opts.Breaker != nil {
			if err != nil {
				c.opts.Breaker.OnError(err)
			} else {
				c.opts.Breaker.OnSuccess()
			}
		}
		if err != nil {
			c.teardownLocked()
		}
		return err
	})
}

// Close drains the session gracefully when possible, tears the connection
// down, and closes the event channel. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		transport, machine, done := c.connection()
		if transport != nil && machine != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.AwaitTimeout)
			c.gracefulFinishLocked(ctx, transport, machine)
			cancel()
			_ = transport.Close()
		}
		if done != nil {
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				c.log.Warn("dispatch drain timeout")
			}
		}
		close(c.closedCh)
		close(c.out)
		c.log.Info("closed", slog.String("vendor", c.vendor.Name()))
	})
	return nil
}

// gracefulFinishLocked walks the finish handshake as far as the current
// state allows. Best effort: failures just fall through to the hard close.
func (c *Client) gracefulFinishLocked(ctx context.Context, transport Transport, machine *session.Machine) {
	if machine.State() == session.StateActive {
		if machine.FinishSession() == nil {
			_, _ = c.sendAndAwait(ctx, transport, wire.Frame{
				Type:          wire.MsgFullClientRequest,
				Flags:         wire.FlagWithEvent,
				Serialization: wire.SerializationJSON,
				Event:         wire.EventFinishSession,
				SessionID:     machine.SessionID(),
				Payload:       c.vendor.FinishSessionPayload(machine.SessionID()),
			}, wire.EventSessionFinished)
		}
	}
	if machine.State() == session.StateAwaitingSessionStart {
		if machine.FinishConnection() == nil {
			_, _ = c.sendAndAwait(ctx, transport, wire.Frame{
				Type:          wire.MsgFullClientRequest,
				Flags:         wire.FlagWithEvent,
				Serialization: wire.SerializationJSON,
				Event:         wire.EventFinishConnection,
				Payload:       []byte("{}"),
			}, wire.EventConnectionFinished)
		}
	}
}

func (c *Client) teardownLocked() {
	transport, _, done := c.connection()
	if transport != nil {
		_ = transport.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
	c.tmu.Lock()
	c.transport = nil
	c.machine = nil
	c.dispatchDone = nil
	c.tmu.Unlock()
}

func (c *Client) connection() (Transport, *session.Machine, chan struct{}) {
	c.tmu.Lock()
	defer c.tmu.Unlock()
	return c.transport, c.machine, c.dispatchDone
}

func (c *Client) currentRequest() (string, int) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.currentRequestID, c.currentTurnID
}

// sendAndAwait registers interest in one response event, sends the
// request frame, and blocks until the dispatch loop sees the response.
// Bounded by AwaitTimeout. A timeout fails the session: the machine does
// not self-heal, recovery is an explicit Reconnect.
func (c *Client) sendAndAwait(ctx context.Context, t Transport, f wire.Frame, code wire.EventCode) (wire.Frame, error) {
	ch := c.addWaiter(code)
	defer c.removeWaiter(code)

	if err := t.Send(f); err != nil {
		return wire.Frame{}, err
	}

	_, machine, done := c.connection()

	timer := time.NewTimer(c.opts.AwaitTimeout)
	defer timer.Stop()
	select {
	case got := <-ch:
		if got.Event != code {
			// A failure frame woke us; the dispatch loop has already failed
			// the machine.
			if got.Type == wire.MsgErrorInformation {
				return wire.Frame{}, errorsx.Wrap(
					errorsx.VendorError{Code: got.ErrorCode, Message: string(got.Payload)},
					errorsx.ReasonVendor)
			}
			return wire.Frame{}, errorsx.Wrap(
				fmt.Errorf("%s while awaiting %s: %s", got.Event, code, got.MetaJSON),
				errorsx.ReasonVendor)
		}
		return got, nil
	case <-timer.C:
		if machine != nil {
			machine.Fail("timeout awaiting " + code.String())
		}
		return wire.Frame{}, errorsx.Wrap(
			fmt.Errorf("timeout awaiting %s after %s", code, c.opts.AwaitTimeout),
			errorsx.ReasonTimeout)
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	case <-done:
		return wire.Frame{}, conn.ErrConnectionClosed
	}
}

func (c *Client) addWaiter(code wire.EventCode) chan wire.Frame {
	ch := make(chan wire.Frame, 1)
	c.waitMu.Lock()
	c.waiters[code] = ch
	c.waitMu.Unlock()
	return ch
}

func (c *Client) removeWaiter(code wire.EventCode) {
	c.waitMu.Lock()
	delete(c.waiters, code)
	c.waitMu.Unlock()
}

// failWaiters hands a failure frame to every pending waiter so handshake
// calls fail fast instead of running out their timeout.
func (c *Client) failWaiters(f wire.Frame) {
	c.waitMu.Lock()
	for _, ch := range c.waiters {
		select {
		case ch <- f:
		default:
		}
	}
	c.waitMu.Unlock()
}

func (c *Client) deliverWaiter(f wire.Frame) {
	c.waitMu.Lock()
	ch, ok := c.waiters[f.Event]
	c.waitMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- f:
	default:
	}
}

func newSessionID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
