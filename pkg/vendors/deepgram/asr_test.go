package deepgram

import (
	"testing"
	"time"
)

func TestNewRecognizerRequiresAPIKey(t *testing.T) {
	if _, err := NewRecognizer(map[string]any{}, nil); err == nil {
		t.Fatal("NewRecognizer without api_key should fail")
	}
}

func TestNewRecognizerDefaults(t *testing.T) {
	r, err := NewRecognizer(map[string]any{"api_key": "dg-key"}, nil)
	if err != nil {
		t.Fatalf("NewRecognizer: %v", err)
	}
	if r.cfg.Model != "nova-2" || r.cfg.Encoding != "linear16" || r.cfg.SampleRate != 16000 {
		t.Errorf("defaults = %+v", r.cfg)
	}
	if r.retry.MaxRetries != 3 || r.retry.Backoff != 200*time.Millisecond {
		t.Errorf("retry policy = %+v", r.retry)
	}
}

func TestNewRecognizerConnectRetrySettings(t *testing.T) {
	r, err := NewRecognizer(map[string]any{
		"api_key":     "dg-key",
		"max_retries": 5,
		"backoff_ms":  50,
	}, nil)
	if err != nil {
		t.Fatalf("NewRecognizer: %v", err)
	}
	if r.retry.MaxRetries != 5 || r.retry.Backoff != 50*time.Millisecond {
		t.Errorf("retry policy = %+v", r.retry)
	}
}

func TestNewRecognizerOverrides(t *testing.T) {
	r, err := NewRecognizer(map[string]any{
		"api_key":          "dg-key",
		"model":            "nova-3",
		"sample_rate":      8000,
		"interim":          true,
		"utterance_end_ms": 1200,
	}, nil)
	if err != nil {
		t.Fatalf("NewRecognizer: %v", err)
	}
	if r.cfg.Model != "nova-3" || r.cfg.SampleRate != 8000 || !r.cfg.Interim || r.cfg.UtteranceEndMS != 1200 {
		t.Errorf("overrides = %+v", r.cfg)
	}
}
