package metrics

import "time"

// Canonical metric names recorded by the duplex core.
const (
	MetricTTFBMillis          = "ttfb_ms"
	MetricAudioDurationMillis = "audio_duration_ms"
	MetricReconnects          = "reconnects"
	MetricFramesReceived      = "frames_received"
	MetricFramesDropped       = "frames_dropped"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Record is a convenience for emitting a point-in-time value.
func Record(obs Observer, name string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: value,
		Tags:  tags,
	})
}
