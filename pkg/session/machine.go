package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/duplexkit/duplexkit/pkg/events"
	"github.com/duplexkit/duplexkit/pkg/logging"
	"github.com/duplexkit/duplexkit/pkg/wire"
)

// State is one step of the duplex session protocol.
type State int

const (
	StateIdle State = iota
	StateAwaitingConnectionStart
	StateAwaitingSessionStart
	StateActive
	StateAwaitingSessionFinish
	StateAwaitingConnectionFinish
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingConnectionStart:
		return "awaiting_connection_start"
	case StateAwaitingSessionStart:
		return "awaiting_session_start"
	case StateActive:
		return "active"
	case StateAwaitingSessionFinish:
		return "awaiting_session_finish"
	case StateAwaitingConnectionFinish:
		return "awaiting_connection_finish"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Change represents a state transition event.
type Change struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// Listener observes session state changes.
type Listener interface {
	OnStateChange(event Change)
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid session transition from " + e.From.String() + " to " + e.To.String()
}

// Machine drives one logical session through the duplex protocol. Caller
// actions (StartConnection, FinishSession, ...) and received vendor events
// (Apply) both advance it. The machine never self-heals: recovery is an
// explicit external teardown and redo from Idle.
type Machine struct {
	mu        sync.RWMutex
	state     State
	sessionID string
	createdAt time.Time
	listeners []Listener
	log       *slog.Logger
}

func NewMachine(sessionID string, log *slog.Logger) *Machine {
	return &Machine{
		state:     StateIdle,
		sessionID: sessionID,
		createdAt: time.Now(),
		log:       logging.NewComponentLogger(log, "session"),
	}
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Machine) SessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionID
}

// AdoptSession assigns the identifier for the next session on the same
// connection. Only meaningful between sessions.
func (m *Machine) AdoptSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateAwaitingSessionStart {
		m.sessionID = sessionID
	}
}

func (m *Machine) CreatedAt() time.Time { return m.createdAt }

// AddListener registers a listener for state change events.
func (m *Machine) AddListener(listener Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// transitionValid checks whether a transition is allowed.
func transitionValid(from, to State) bool {
	// Failed is reachable from everywhere; Closed only through teardown.
	if to == StateFailed {
		return from != StateClosed
	}
	validTransitions := map[State][]State{
		StateIdle:                     {StateAwaitingConnectionStart, StateClosed},
		StateAwaitingConnectionStart:  {StateAwaitingSessionStart, StateClosed},
		StateAwaitingSessionStart:     {StateActive, StateAwaitingConnectionFinish, StateClosed},
		StateActive:                   {StateAwaitingSessionFinish, StateClosed},
		StateAwaitingSessionFinish:    {StateAwaitingSessionStart, StateClosed},
		StateAwaitingConnectionFinish: {StateClosed},
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	if !transitionValid(m.state, to) {
		from := m.state
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	from := m.state
	m.state = to

	event := Change{
		FromState: from,
		ToState:   to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	m.log.Debug("session_transition",
		slog.String("session_id", m.sessionID),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason))
	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

// StartConnection marks the connection handshake as in flight.
func (m *Machine) StartConnection() error {
	return m.Transition(StateAwaitingConnectionStart, "start connection requested")
}

// FinishSession marks the session drain as in flight.
func (m *Machine) FinishSession() error {
	return m.Transition(StateAwaitingSessionFinish, "finish session requested")
}

// FinishConnection marks the connection teardown as in flight.
func (m *Machine) FinishConnection() error {
	return m.Transition(StateAwaitingConnectionFinish, "finish connection requested")
}

// Fail forces the machine into the terminal Failed state.
func (m *Machine) Fail(reason string) {
	_ = m.Transition(StateFailed, reason)
}

// CloseLocal marks a locally initiated teardown (flush/interrupt).
func (m *Machine) CloseLocal(reason string) {
	_ = m.Transition(StateClosed, reason)
}

// Apply advances the machine for one received frame and maps it to the
// caller-facing event, or nil when the frame carries nothing actionable.
// Unexpected events for the current state move the machine to Failed and
// surface an ErrorInfo event; unrecognized event codes are logged and
// ignored so vendor protocol additions stay non-fatal.
func (m *Machine) Apply(f wire.Frame) events.Event {
	if f.Type == wire.MsgErrorInformation {
		m.Fail("vendor error frame")
		return events.NewErrorInfo(f.ErrorCode, string(f.Payload))
	}

	switch f.Event {
	case wire.EventNone:
		return nil

	case wire.EventConnectionStarted:
		if err := m.Transition(StateAwaitingSessionStart, "connection started"); err != nil {
			return m.unexpected(f)
		}
		return events.NewConnectionStarted(f.ConnectionID)

	case wire.EventConnectionFailed:
		m.Fail("connection failed")
		return events.NewConnectionFailed(f.MetaJSON)

	case wire.EventConnectionFinished:
		if err := m.Transition(StateClosed, "connection finished"); err != nil {
			return m.unexpected(f)
		}
		return events.ConnectionFinished{}

	case wire.EventSessionStarted:
		if err := m.Transition(StateActive, "session started"); err != nil {
			return m.unexpected(f)
		}
		return events.NewSessionStarted(f.SessionID)

	case wire.EventSessionFinished:
		// The connection stays usable: the caller may start the next
		// session or finish the connection.
		if err := m.Transition(StateAwaitingSessionStart, "session finished"); err != nil {
			return m.unexpected(f)
		}
		return events.NewSessionFinished(f.SessionID, events.ReasonRequestEnd)

	case wire.EventSessionFailed:
		m.Fail("session failed")
		return events.NewSessionFailed(f.SessionID, f.MetaJSON)

	case wire.EventSentenceStart:
		return events.NewSentenceBoundary(f.SessionID, true, f.MetaJSON)

	case wire.EventSentenceEnd:
		return events.NewSentenceBoundary(f.SessionID, false, f.MetaJSON)

	case wire.EventTTSResponse:
		return events.NewAudioChunk(f.SessionID, f.Payload)

	default:
		m.log.Warn("ignoring unrecognized event",
			slog.String("session_id", m.sessionID),
			slog.Int("event", int(f.Event)))
		return nil
	}
}

func (m *Machine) unexpected(f wire.Frame) events.Event {
	state := m.State()
	m.Fail("unexpected event " + f.Event.String() + " in state " + state.String())
	return events.NewErrorInfo(int32(f.Event),
		"unexpected event "+f.Event.String()+" in state "+state.String())
}
