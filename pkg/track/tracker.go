package track

import (
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/duplexkit/duplexkit/pkg/errorsx"
	"github.com/duplexkit/duplexkit/pkg/events"
	"github.com/duplexkit/duplexkit/pkg/metrics"
)

var (
	// ErrDuplicateActiveRequest reports a Begin for a request ID that is
	// still in flight.
	ErrDuplicateActiveRequest = errorsx.Wrap(errors.New("request id already active"), errorsx.ReasonDuplicateRequest)
	// ErrRequestAlreadyCompleted reports any call referencing a request ID
	// that has already been drained.
	ErrRequestAlreadyCompleted = errorsx.Wrap(errors.New("request id already completed"), errorsx.ReasonRequestCompleted)
	// ErrUnknownRequest reports a call for a request ID never begun.
	ErrUnknownRequest = errors.New("unknown request id")
)

// Request is the bookkeeping record for one caller-submitted TTS/ASR call.
type Request struct {
	ID        string
	TurnID    int
	StartedAt time.Time

	ttfb        time.Duration
	ttfbSet     bool
	totalMillis int64
}

// TTFBMillis returns the recorded time-to-first-byte, or -1 if no audio
// has arrived yet.
func (r *Request) TTFBMillis() int64 {
	if !r.ttfbSet {
		return -1
	}
	return r.ttfb.Milliseconds()
}

// TotalAudioDurationMillis returns the accumulated synthesized duration.
func (r *Request) TotalAudioDurationMillis() int64 { return r.totalMillis }

// Summary is returned by Complete once a request is finalized.
type Summary struct {
	ID                  string
	TurnID              int
	Reason              events.FinishReason
	TTFBMillis          int64
	AudioDurationMillis int64
}

// Tracker associates inbound chunks with request IDs, measures TTFB and
// synthesized audio duration, and rejects duplicate or late requests.
// Methods are safe for use from the dispatch loop and the caller path.
type Tracker struct {
	mu        sync.Mutex
	active    map[string]*Request
	completed map[string]struct{}
	obs       metrics.Observer
	log       *slog.Logger
}

func NewTracker(obs metrics.Observer, log *slog.Logger) *Tracker {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		active:    make(map[string]*Request),
		completed: make(map[string]struct{}),
		obs:       obs,
		log:       log,
	}
}

// Begin registers a new request. Turn ID is -1 when the caller does not
// correlate requests to conversation turns.
func (t *Tracker) Begin(requestID string, turnID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, done := t.completed[requestID]; done {
		return ErrRequestAlreadyCompleted
	}
	if _, ok := t.active[requestID]; ok {
		return ErrDuplicateActiveRequest
	}
	t.active[requestID] = &Request{
		ID:        requestID,
		TurnID:    turnID,
		StartedAt: time.Now(),
	}
	return nil
}

// RecordFirstByte stamps time-to-first-byte for a request. It is
// idempotent: later calls return the value recorded first.
func (t *Tracker) RecordFirstByte(requestID string) (int64, error) {
	t.mu.Lock()
	req, err := t.lookupLocked(requestID)
	if err != nil {
		t.mu.Unlock()
		return 0, err
	}
	if req.ttfbSet {
		ms := req.ttfb.Milliseconds()
		t.mu.Unlock()
		return ms, nil
	}
	req.ttfb = time.Since(req.StartedAt)
	req.ttfbSet = true
	ms := req.ttfb.Milliseconds()
	turnID := req.TurnID
	t.mu.Unlock()

	metrics.Record(t.obs, metrics.MetricTTFBMillis, float64(ms), map[string]string{
		"request_id": requestID,
		"turn_id":    strconv.Itoa(turnID),
	})
	return ms, nil
}

// AccumulateAudio adds one audio chunk's duration to the request total and
// returns the updated total in milliseconds.
func (t *Tracker) AccumulateAudio(requestID string, byteLength, sampleRate, channels, sampleWidth int) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, err := t.lookupLocked(requestID)
	if err != nil {
		return 0, err
	}
	req.totalMillis += AudioDurationMillis(byteLength, sampleRate, channels, sampleWidth)
	return req.totalMillis, nil
}

// Complete finalizes a request and moves it into the completed set. Any
// later call bearing the same request ID is rejected.
func (t *Tracker) Complete(requestID string, reason events.FinishReason) (Summary, error) {
	t.mu.Lock()
	req, err := t.lookupLocked(requestID)
	if err != nil {
		t.mu.Unlock()
		return Summary{}, err
	}
	delete(t.active, requestID)
	t.completed[requestID] = struct{}{}
	summary := Summary{
		ID:                  requestID,
		TurnID:              req.TurnID,
		Reason:              reason,
		TTFBMillis:          req.TTFBMillis(),
		AudioDurationMillis: req.totalMillis,
	}
	t.mu.Unlock()

	metrics.Record(t.obs, metrics.MetricAudioDurationMillis, float64(summary.AudioDurationMillis), map[string]string{
		"request_id": requestID,
		"turn_id":    strconv.Itoa(summary.TurnID),
		"reason":     string(reason),
	})
	t.log.Debug("request_complete",
		slog.String("request_id", requestID),
		slog.String("reason", string(reason)),
		slog.Int64("ttfb_ms", summary.TTFBMillis),
		slog.Int64("audio_ms", summary.AudioDurationMillis))
	return summary, nil
}

// IsCompleted reports whether a request ID has already been drained.
func (t *Tracker) IsCompleted(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, done := t.completed[requestID]
	return done
}

// IsActive reports whether a request ID is currently in flight.
func (t *Tracker) IsActive(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[requestID]
	return ok
}

func (t *Tracker) lookupLocked(requestID string) (*Request, error) {
	if _, done := t.completed[requestID]; done {
		return nil, ErrRequestAlreadyCompleted
	}
	req, ok := t.active[requestID]
	if !ok {
		return nil, ErrUnknownRequest
	}
	return req, nil
}

// AudioDurationMillis computes floor(byteLength / (rate*channels*width) * 1000)
// for raw PCM.
func AudioDurationMillis(byteLength, sampleRate, channels, sampleWidth int) int64 {
	bytesPerSecond := int64(sampleRate) * int64(channels) * int64(sampleWidth)
	if bytesPerSecond <= 0 || byteLength <= 0 {
		return 0
	}
	return int64(byteLength) * 1000 / bytesPerSecond
}
