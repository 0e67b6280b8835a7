package duplex

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/duplexkit/duplexkit/pkg/conn"
	"github.com/duplexkit/duplexkit/pkg/errorsx"
	"github.com/duplexkit/duplexkit/pkg/events"
	"github.com/duplexkit/duplexkit/pkg/metrics"
	"github.com/duplexkit/duplexkit/pkg/resilience"
	"github.com/duplexkit/duplexkit/pkg/track"
	"github.com/duplexkit/duplexkit/pkg/wire"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []wire.Frame
	script func(f wire.Frame, reply func(wire.Frame))

	incoming chan wire.Frame
	recvErrs chan error
	closed   chan struct{}
	once     sync.Once
}

func newFakeTransport(script func(f wire.Frame, reply func(wire.Frame))) *fakeTransport {
	return &fakeTransport{
		script:   script,
		incoming: make(chan wire.Frame, 32),
		recvErrs: make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (t *fakeTransport) Connect(context.Context) error { return nil }

func (t *fakeTransport) Send(f wire.Frame) error {
	select {
	case <-t.closed:
		return conn.ErrConnectionClosed
	default:
	}
	t.mu.Lock()
	t.sent = append(t.sent, f)
	t.mu.Unlock()
	if t.script != nil {
		t.script(f, t.reply)
	}
	return nil
}

func (t *fakeTransport) reply(f wire.Frame) {
	select {
	case t.incoming <- f:
	case <-t.closed:
	}
}

func (t *fakeTransport) ReceiveNext(ctx context.Context) (wire.Frame, error) {
	select {
	case f := <-t.incoming:
		return f, nil
	case err := <-t.recvErrs:
		return wire.Frame{}, err
	case <-t.closed:
		return wire.Frame{}, conn.ErrConnectionClosed
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	}
}

// failReceive makes the next ReceiveNext return err.
func (t *fakeTransport) failReceive(err error) {
	t.recvErrs <- err
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) sentEvents() []wire.EventCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	codes := make([]wire.EventCode, 0, len(t.sent))
	for _, f := range t.sent {
		codes = append(codes, f.Event)
	}
	return codes
}

// ttsScript emulates a synthesis server: every task frame yields one audio
// chunk and a sentence boundary, finish drains cleanly.
func ttsScript(audio []byte) func(wire.Frame, func(wire.Frame)) {
	return func(f wire.Frame, reply func(wire.Frame)) {
		switch f.Event {
		case wire.EventStartConnection:
			reply(wire.Frame{
				Type: wire.MsgFullServerResponse, Flags: wire.FlagWithEvent,
				Event: wire.EventConnectionStarted, ConnectionID: "conn-1",
			})
		case wire.EventStartSession:
			reply(wire.Frame{
				Type: wire.MsgFullServerResponse, Flags: wire.FlagWithEvent,
				Event: wire.EventSessionStarted, SessionID: f.SessionID, MetaJSON: "{}",
			})
		case wire.EventTaskRequest:
			reply(wire.Frame{
				Type: wire.MsgAudioOnlyResponse, Flags: wire.FlagWithEvent,
				Event: wire.EventTTSResponse, SessionID: f.SessionID, Payload: audio,
			})
			reply(wire.Frame{
				Type: wire.MsgFullServerResponse, Flags: wire.FlagWithEvent,
				Event: wire.EventSentenceEnd, SessionID: f.SessionID, MetaJSON: "{}",
			})
		case wire.EventFinishSession:
			reply(wire.Frame{
				Type: wire.MsgFullServerResponse, Flags: wire.FlagWithEvent,
				Event: wire.EventSessionFinished, SessionID: f.SessionID, MetaJSON: "{}",
			})
		case wire.EventFinishConnection:
			reply(wire.Frame{
				Type: wire.MsgFullServerResponse, Flags: wire.FlagWithEvent,
				Event: wire.EventConnectionFinished,
			})
		}
	}
}

type fakeVendor struct{}

func (fakeVendor) Name() string { return "fake" }
func (fakeVendor) Endpoint() (string, http.Header, error) {
	return "wss://example.test/duplex", http.Header{}, nil
}
func (fakeVendor) StartConnectionPayload() []byte { return []byte("{}") }
func (fakeVendor) StartSessionPayload(string) ([]byte, error) {
	return []byte(`{"event":100}`), nil
}
func (fakeVendor) TaskPayload(_, text string) ([]byte, error) {
	return []byte(`{"text":"` + text + `"}`), nil
}
func (fakeVendor) FinishSessionPayload(string) []byte { return []byte("{}") }
func (fakeVendor) IsFatal(code int32) bool            { return code == 401 }

func newTestClient(t *testing.T, transport Transport, obs metrics.Observer) *Client {
	t.Helper()
	c, err := NewClient(Options{
		Vendor:       fakeVendor{},
		Observer:     obs,
		AwaitTimeout: 2 * time.Second,
		Audio:        AudioParams{SampleRate: 16000, Channels: 1, SampleWidth: 2},
		NewTransport: func(string, http.Header) Transport { return transport },
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

// collectEvents drains the client's event channel until it closes.
func collectEvents(c *Client) (<-chan []events.Event, func()) {
	out := make(chan []events.Event, 1)
	go func() {
		var got []events.Event
		for ev := range c.Events() {
			got = append(got, ev)
		}
		out <- got
	}()
	return out, func() { _ = c.Close() }
}

func TestClientLifecycle(t *testing.T) {
	audio := make([]byte, 32000) // 1000ms at 16kHz mono s16le
	transport := newFakeTransport(ttsScript(audio))
	obs := metrics.NewMemoryObserver()
	c := newTestClient(t, transport, obs)

	collected, closeClient := collectEvents(c)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.SubmitText(context.Background(), "req-1", 7, "hello world", true); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	closeClient()
	got := <-collected

	wantKinds := []events.Kind{
		events.KindConnectionStarted,
		events.KindSessionStarted,
		events.KindAudioChunk,
		events.KindSentenceBoundary,
		events.KindSessionFinished,
		events.KindConnectionFinished,
	}
	if len(got) != len(wantKinds) {
		t.Fatalf("event count = %d, want %d (%v)", len(got), len(wantKinds), kinds(got))
	}
	for i, want := range wantKinds {
		if got[i].Kind() != want {
			t.Errorf("event[%d] = %s, want %s", i, got[i].Kind(), want)
		}
	}

	fin, ok := got[4].(events.SessionFinished)
	if !ok || fin.Reason() != events.ReasonRequestEnd {
		t.Errorf("finish reason = %v, want %s", got[4], events.ReasonRequestEnd)
	}
	if !c.Tracker().IsCompleted("req-1") {
		t.Error("req-1 not marked completed")
	}
	assertMetric(t, obs, metrics.MetricTTFBMillis, 1)
	if v, n := metricValue(obs, metrics.MetricAudioDurationMillis); n != 1 || v != 1000 {
		t.Errorf("audio duration metric = %v (count %d), want 1000 once", v, n)
	}

	wantSent := []wire.EventCode{
		wire.EventStartConnection,
		wire.EventStartSession,
		wire.EventTaskRequest,
		wire.EventFinishSession,
		wire.EventFinishConnection,
	}
	sent := transport.sentEvents()
	if len(sent) != len(wantSent) {
		t.Fatalf("sent frames = %v, want %v", sent, wantSent)
	}
	for i := range wantSent {
		if sent[i] != wantSent[i] {
			t.Errorf("sent[%d] = %s, want %s", i, sent[i], wantSent[i])
		}
	}
}

func TestClientRejectsCompletedRequestID(t *testing.T) {
	transport := newFakeTransport(ttsScript([]byte{1, 2}))
	c := newTestClient(t, transport, nil)
	collected, closeClient := collectEvents(c)
	defer func() { closeClient(); <-collected }()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.SubmitText(context.Background(), "req-1", 0, "first", true); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	err := c.SubmitText(context.Background(), "req-1", 0, "again", false)
	if !errors.Is(err, track.ErrRequestAlreadyCompleted) {
		t.Fatalf("resubmit error = %v, want ErrRequestAlreadyCompleted", err)
	}
}

func TestClientSecondRequestReusesConnection(t *testing.T) {
	transport := newFakeTransport(ttsScript([]byte{1, 2, 3, 4}))
	c := newTestClient(t, transport, nil)
	collected, closeClient := collectEvents(c)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.SubmitText(context.Background(), "req-1", 0, "first", true); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := c.SubmitText(context.Background(), "req-2", 1, "second", true); err != nil {
		t.Fatalf("second request: %v", err)
	}
	closeClient()
	<-collected

	var sessionIDs []string
	transport.mu.Lock()
	for _, f := range transport.sent {
		if f.Event == wire.EventStartSession {
			sessionIDs = append(sessionIDs, f.SessionID)
		}
	}
	transport.mu.Unlock()
	if len(sessionIDs) != 2 {
		t.Fatalf("start-session count = %d, want 2", len(sessionIDs))
	}
	if sessionIDs[0] == sessionIDs[1] {
		t.Error("second session reused the first session id")
	}
	if !c.Tracker().IsCompleted("req-1") || !c.Tracker().IsCompleted("req-2") {
		t.Error("both requests should be completed")
	}
}

func TestClientFlushInterrupts(t *testing.T) {
	// Audio only, no finish: the request stays in flight until Flush.
	transport := newFakeTransport(ttsScript([]byte{1, 2, 3, 4}))
	c := newTestClient(t, transport, nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Drain the handshake events so the interrupt marker is unambiguous.
	<-c.Events()
	<-c.Events()

	if err := c.SubmitText(context.Background(), "req-1", 0, "long text", false); err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	<-c.Events() // audio

	c.Flush()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			fin, ok := ev.(events.SessionFinished)
			if !ok {
				continue
			}
			if fin.Reason() != events.ReasonInterrupted {
				t.Fatalf("reason = %s, want %s", fin.Reason(), events.ReasonInterrupted)
			}
			if !c.Tracker().IsCompleted("req-1") {
				t.Error("interrupted request should be completed")
			}
			_ = c.Close()
			return
		case <-deadline:
			t.Fatal("no SessionFinished after Flush")
		}
	}
}

func TestClientAwaitTimeout(t *testing.T) {
	// Server that never answers the session handshake.
	transport := newFakeTransport(func(f wire.Frame, reply func(wire.Frame)) {
		if f.Event == wire.EventStartConnection {
			reply(wire.Frame{
				Type: wire.MsgFullServerResponse, Flags: wire.FlagWithEvent,
				Event: wire.EventConnectionStarted, ConnectionID: "conn-1",
			})
		}
	})
	c, err := NewClient(Options{
		Vendor:       fakeVendor{},
		AwaitTimeout: 50 * time.Millisecond,
		NewTransport: func(string, http.Header) Transport { return transport },
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	go func() {
		for range c.Events() {
		}
	}()
	defer c.Close()

	err = c.Start(context.Background())
	if err == nil {
		t.Fatal("Start should fail when the session handshake stalls")
	}
	if !errorsx.HasReason(err, errorsx.ReasonTimeout) {
		t.Fatalf("error reason = %v, want timeout", err)
	}
}

func TestClientReconnectReplaysHandshake(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	var mu sync.Mutex
	var transports []*fakeTransport
	factory := func(string, http.Header) Transport {
		mu.Lock()
		defer mu.Unlock()
		tr := newFakeTransport(ttsScript([]byte{1, 2, 3, 4}))
		transports = append(transports, tr)
		return tr
	}

	c, err := NewClient(Options{
		Vendor:       fakeVendor{},
		Observer:     obs,
		AwaitTimeout: 2 * time.Second,
		Audio:        AudioParams{SampleRate: 16000, Channels: 1, SampleWidth: 2},
		Breaker:      resilience.NewCircuitBreaker(3, time.Minute),
		NewTransport: factory,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	go func() {
		for range c.Events() {
		}
	}()
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Sever the connection out from under the client.
	mu.Lock()
	first := transports[0]
	mu.Unlock()
	_ = first.Close()

	if err := c.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}

	mu.Lock()
	count := len(transports)
	second := transports[count-1]
	mu.Unlock()
	if count != 2 {
		t.Fatalf("transport count = %d, want 2", count)
	}

	wantSent := []wire.EventCode{wire.EventStartConnection, wire.EventStartSession}
	sent := second.sentEvents()
	if len(sent) < len(wantSent) {
		t.Fatalf("replayed handshake = %v, want %v", sent, wantSent)
	}
	for i := range wantSent {
		if sent[i] != wantSent[i] {
			t.Errorf("replayed[%d] = %s, want %s", i, sent[i], wantSent[i])
		}
	}

	// The reconnected session must be usable end to end.
	if err := c.SubmitText(context.Background(), "req-after", 0, "still here", true); err != nil {
		t.Fatalf("SubmitText after reconnect: %v", err)
	}
	assertMetric(t, obs, metrics.MetricReconnects, 1)
}

func TestClientReconnectBreakerOpenFailsFast(t *testing.T) {
	breaker := resilience.NewCircuitBreaker(1, time.Minute)
	breaker.OnError(resilience.RateLimitError{Provider: "fake", Message: "429"})

	transport := newFakeTransport(ttsScript(nil))
	c, err := NewClient(Options{
		Vendor:       fakeVendor{},
		AwaitTimeout: 2 * time.Second,
		Retry:        resilience.NewRetryPolicy(1, 10*time.Millisecond),
		Breaker:      breaker,
		NewTransport: func(string, http.Header) Transport { return transport },
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	go func() {
		for range c.Events() {
		}
	}()
	defer c.Close()

	err = c.Reconnect(context.Background())
	if err == nil {
		t.Fatal("Reconnect should fail while the breaker is open")
	}
	if !resilience.IsRateLimit(err) {
		t.Fatalf("error = %v, want rate limit", err)
	}
	if got := transport.sentEvents(); len(got) != 0 {
		t.Fatalf("breaker open but frames were sent: %v", got)
	}
}

func TestClientDropsConnectionOnReceiveErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"malformed frame", errorsx.Wrap(errors.New("truncated header"), errorsx.ReasonFrameDecode)},
		{"text message", errorsx.Wrap(errors.New("unexpected text message: oops"), errorsx.ReasonReceive)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			transport := newFakeTransport(ttsScript(nil))
			c := newTestClient(t, transport, nil)
			if err := c.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			<-c.Events() // connection started
			<-c.Events() // session started

			transport.failReceive(tc.err)

			deadline := time.After(2 * time.Second)
			for {
				select {
				case ev := <-c.Events():
					if _, ok := ev.(events.SessionFailed); !ok {
						continue
					}
					if !transport.isClosed() {
						t.Error("transport left open after receive error")
					}
					_ = c.Close()
					return
				case <-deadline:
					t.Fatal("no SessionFailed after receive error")
				}
			}
		})
	}
}

func TestClientSessionFailureWakesAwait(t *testing.T) {
	// Server that rejects the drain: FinishSession is answered with
	// SessionFailed instead of SessionFinished.
	transport := newFakeTransport(func(f wire.Frame, reply func(wire.Frame)) {
		switch f.Event {
		case wire.EventStartConnection:
			reply(wire.Frame{
				Type: wire.MsgFullServerResponse, Flags: wire.FlagWithEvent,
				Event: wire.EventConnectionStarted, ConnectionID: "conn-1",
			})
		case wire.EventStartSession:
			reply(wire.Frame{
				Type: wire.MsgFullServerResponse, Flags: wire.FlagWithEvent,
				Event: wire.EventSessionStarted, SessionID: f.SessionID, MetaJSON: "{}",
			})
		case wire.EventFinishSession:
			reply(wire.Frame{
				Type: wire.MsgFullServerResponse, Flags: wire.FlagWithEvent,
				Event: wire.EventSessionFailed, SessionID: f.SessionID,
				MetaJSON: `{"error":"quota exceeded"}`,
			})
		}
	})
	c := newTestClient(t, transport, nil)
	collected, closeClient := collectEvents(c)
	defer func() { closeClient(); <-collected }()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	started := time.Now()
	err := c.SubmitText(context.Background(), "req-1", 0, "hello", true)
	if err == nil {
		t.Fatal("SubmitText should surface the session failure")
	}
	if !errorsx.HasReason(err, errorsx.ReasonVendor) {
		t.Fatalf("error reason = %v, want vendor", err)
	}
	// Fail fast: the failure frame must wake the waiter, not the timeout.
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("waited %s for failure that was already on the wire", elapsed)
	}
	if !c.Tracker().IsCompleted("req-1") {
		t.Error("failed request should be finalized")
	}
}

func kinds(got []events.Event) []events.Kind {
	out := make([]events.Kind, 0, len(got))
	for _, ev := range got {
		out = append(out, ev.Kind())
	}
	return out
}

func assertMetric(t *testing.T, obs *metrics.MemoryObserver, name string, wantCount int) {
	t.Helper()
	if _, n := metricValue(obs, name); n != wantCount {
		t.Errorf("metric %s recorded %d times, want %d", name, n, wantCount)
	}
}

func metricValue(obs *metrics.MemoryObserver, name string) (float64, int) {
	var last float64
	count := 0
	for _, ev := range obs.Events {
		if ev.Name == name {
			last = ev.Value
			count++
		}
	}
	return last, count
}
