package duplex

import (
	"context"
	"log/slog"

	"github.com/duplexkit/duplexkit/pkg/errorsx"
	"github.com/duplexkit/duplexkit/pkg/events"
	"github.com/duplexkit/duplexkit/pkg/metrics"
	"github.com/duplexkit/duplexkit/pkg/session"
	"github.com/duplexkit/duplexkit/pkg/wire"
)

// dispatchLoop is the sole reader of the transport and the sole writer of
// the event channel for the lifetime of one connection. It applies every
// frame to the session machine, finalizes request bookkeeping, and wakes
// any caller awaiting a specific handshake event.
func (c *Client) dispatchLoop(t Transport, m *session.Machine, done chan struct{}) {
	defer close(done)

	for {
		f, err := t.ReceiveNext(context.Background())
		if err != nil {
			if errorsx.HasReason(err, errorsx.ReasonFrameDecode) {
				// An undecodable frame means framing is lost; the only safe
				// recovery is dropping the connection.
				c.log.Error("malformed frame, dropping connection",
					slog.String("error", err.Error()))
			}
			// The loop is the transport's owner: whatever killed the read,
			// the socket must not outlive it.
			_ = t.Close()
			c.onConnectionGone(m)
			return
		}

		metrics.Record(c.frameObs, metrics.MetricFramesReceived, 1, map[string]string{
			"type": f.Type.String(),
		})

		if ev := m.Apply(f); ev != nil {
			c.routeEvent(ev)
		}

		// Wake waiters only after bookkeeping so a caller returning from
		// a handshake observes the final request state. Failure frames wake
		// every waiter; a caller blocked on SessionFinished should not sit
		// out the full timeout when the vendor already reported the error.
		if f.Type == wire.MsgErrorInformation ||
			f.Event == wire.EventSessionFailed || f.Event == wire.EventConnectionFailed {
			c.failWaiters(f)
		} else if f.HasEvent() {
			c.deliverWaiter(f)
		}
	}
}

func (c *Client) routeEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.AudioChunk:
		c.onAudio(e)
	case events.SessionFinished:
		c.onRequestDone(events.ReasonRequestEnd)
	case events.SessionFailed:
		c.onRequestDone(events.ReasonInterrupted)
	case events.ErrorInfo:
		c.onRequestDone(events.ReasonInterrupted)
		if c.vendor.IsFatal(e.Code()) {
			c.log.Error("fatal vendor error",
				slog.Int("code", int(e.Code())),
				slog.String("message", e.Message()))
		}
	}
	c.emit(ev)
}

func (c *Client) onAudio(e events.AudioChunk) {
	requestID, _ := c.currentRequest()
	if requestID == "" {
		c.log.Warn("audio without active request",
			slog.String("session_id", e.SessionID()))
		return
	}
	if _, err := c.tracker.RecordFirstByte(requestID); err != nil {
		c.log.Warn("ttfb record failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
	}
	_, _ = c.tracker.AccumulateAudio(requestID, len(e.RawPayload()),
		c.opts.Audio.SampleRate, c.opts.Audio.Channels, c.opts.Audio.SampleWidth)

	if c.opts.Dump != nil {
		if err := c.opts.Dump.Write(e.RawPayload()); err != nil {
			c.log.Warn("audio dump write failed", slog.String("error", err.Error()))
		}
	}
}

// onRequestDone finalizes the current request, if any. Completion is
// recorded once; vendors may finish a session the client never attached a
// request to.
func (c *Client) onRequestDone(reason events.FinishReason) {
	requestID, _ := c.currentRequest()
	if requestID == "" {
		return
	}
	summary, err := c.tracker.Complete(requestID, reason)
	if err != nil {
		return
	}
	c.reqMu.Lock()
	c.currentRequestID = ""
	c.currentTurnID = -1
	c.reqMu.Unlock()
	c.log.Info("request_done",
		slog.String("request_id", summary.ID),
		slog.Int("turn_id", summary.TurnID),
		slog.Int64("ttfb_ms", summary.TTFBMillis),
		slog.Int64("audio_ms", summary.AudioDurationMillis),
		slog.String("reason", string(summary.Reason)))
}

// onConnectionGone runs exactly once per connection, after the read loop
// exits. An interrupt (Flush) surfaces as a local SessionFinished; any
// other mid-session loss surfaces as SessionFailed.
func (c *Client) onConnectionGone(m *session.Machine) {
	sessionID := m.SessionID()
	if c.interrupted.Swap(false) {
		c.onRequestDone(events.ReasonInterrupted)
		m.CloseLocal("interrupted")
		c.emit(events.NewSessionFinished(sessionID, events.ReasonInterrupted))
		return
	}
	switch m.State() {
	case session.StateClosed, session.StateFailed, session.StateIdle:
		return
	case session.StateAwaitingConnectionFinish, session.StateAwaitingSessionStart:
		m.CloseLocal("connection closed")
		return
	default:
		c.onRequestDone(events.ReasonInterrupted)
		m.Fail("connection lost")
		c.emit(events.NewSessionFailed(sessionID, "connection lost"))
	}
}

// emit delivers one event, blocking until the consumer takes it or the
// client closes. Audio backpressure therefore propagates to the socket.
func (c *Client) emit(ev events.Event) {
	select {
	case c.out <- ev:
	case <-c.closedCh:
		metrics.Record(c.frameObs, metrics.MetricFramesDropped, 1, nil)
	}
}
