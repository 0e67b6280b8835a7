package conn

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duplexkit/duplexkit/pkg/errorsx"
	"github.com/duplexkit/duplexkit/pkg/logging"
	"github.com/duplexkit/duplexkit/pkg/resilience"
	"github.com/duplexkit/duplexkit/pkg/wire"
)

// State describes the physical WebSocket lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected     = errorsx.Wrap(errors.New("not connected"), errorsx.ReasonSend)
	ErrConnectionClosed = errorsx.Wrap(errors.New("connection closed"), errorsx.ReasonConnectionClosed)
)

// Config holds the dial parameters for one connection.
type Config struct {
	URL              string
	Headers          http.Header
	MaxFrameSize     int64
	HandshakeTimeout time.Duration
	// PingInterval enables a periodic WebSocket ping on the write path.
	// Zero disables it; vendors that idle-timeout quiet connections need
	// it set below their cutoff.
	PingInterval time.Duration
}

// Manager owns one physical WebSocket: dial, framed send/receive, close.
// It never reconnects on its own; mid-session recovery requires replaying
// handshake steps, which only the session owner can do.
type Manager struct {
	cfg   Config
	log   *slog.Logger
	state atomic.Int32

	mu sync.Mutex // guards ws and write path
	ws *websocket.Conn

	pingStop chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func NewManager(cfg Config, log *slog.Logger) *Manager {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = 10 << 20
	}
	return &Manager{
		cfg: cfg,
		log: logging.NewComponentLogger(log, "conn"),
	}
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

// Connect dials the vendor endpoint with the configured auth headers.
// A 429 handshake response surfaces as a RateLimitError so callers can
// trip their circuit breaker.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return errorsx.Wrap(errors.New("connect from state "+m.State().String()), errorsx.ReasonConnect)
	}

	m.log.Debug("dialing", slog.String("url", m.cfg.URL))
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, m.cfg.URL, m.cfg.Headers)
	if err != nil {
		m.state.Store(int32(StateDisconnected))
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			m.log.Error("dial rate limited", slog.String("status", resp.Status))
			return resilience.RateLimitError{Provider: m.cfg.URL, Message: resp.Status}
		}
		m.log.Error("dial failed", slog.String("error", err.Error()))
		return errorsx.Wrap(err, errorsx.ReasonConnect)
	}
	ws.SetReadLimit(m.cfg.MaxFrameSize)

	m.mu.Lock()
	m.ws = ws
	if m.cfg.PingInterval > 0 {
		m.pingStop = make(chan struct{})
		go m.pingLoop(ws, m.pingStop)
	}
	m.mu.Unlock()
	m.state.Store(int32(StateConnected))
	m.log.Info("connected", slog.String("url", m.cfg.URL))
	return nil
}

// pingLoop keeps the socket warm while no frames are being written.
// Vendors drop connections that stay quiet for tens of seconds.
func (m *Manager) pingLoop(ws *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(m.cfg.PingInterval)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				m.log.Debug("ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// Send encodes and writes one frame. Fails when not connected.
func (m *Manager) Send(f wire.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.State() != StateConnected || m.ws == nil {
		return ErrNotConnected
	}
	if err := m.ws.WriteMessage(websocket.BinaryMessage, wire.Encode(f)); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonSend)
	}
	return nil
}

// ReceiveNext blocks for the next frame from the wire. A context deadline
// is applied as the socket read deadline. Any transport error is surfaced
// as ErrConnectionClosed; decoding errors are codec-level and fatal for
// the connection.
func (m *Manager) ReceiveNext(ctx context.Context) (wire.Frame, error) {
	m.mu.Lock()
	ws := m.ws
	m.mu.Unlock()
	if ws == nil {
		return wire.Frame{}, ErrConnectionClosed
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	} else {
		_ = ws.SetReadDeadline(time.Time{})
	}

	msgType, raw, err := ws.ReadMessage()
	if err != nil {
		if m.State() == StateConnected {
			m.log.Debug("read failed", slog.String("error", err.Error()))
		}
		return wire.Frame{}, ErrConnectionClosed
	}
	if msgType != websocket.BinaryMessage {
		// Some vendors answer protocol misuse with a plain text message.
		return wire.Frame{}, errorsx.Wrap(errors.New("unexpected text message: "+string(raw)), errorsx.ReasonReceive)
	}

	f, err := wire.Decode(raw)
	if err != nil {
		return wire.Frame{}, errorsx.Wrap(err, errorsx.ReasonFrameDecode)
	}
	return f, nil
}

// Close tears the socket down. It is idempotent.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.state.Store(int32(StateClosing))
		m.mu.Lock()
		ws := m.ws
		m.ws = nil
		if m.pingStop != nil {
			close(m.pingStop)
			m.pingStop = nil
		}
		m.mu.Unlock()
		if ws != nil {
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			m.closeErr = ws.Close()
		}
		m.state.Store(int32(StateDisconnected))
		m.log.Info("closed")
	})
	return m.closeErr
}
