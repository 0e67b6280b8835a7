// Package deepgram streams caller audio to Deepgram and yields transcript
// events, the recognition-direction counterpart of the synthesis vendors.
package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/duplexkit/duplexkit/pkg/configutil"
	"github.com/duplexkit/duplexkit/pkg/events"
	"github.com/duplexkit/duplexkit/pkg/logging"
	"github.com/duplexkit/duplexkit/pkg/redact"
	"github.com/duplexkit/duplexkit/pkg/resilience"
)

type Config struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	Encoding       string `mapstructure:"encoding"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Interim        bool   `mapstructure:"interim"`
	VADEvents      bool   `mapstructure:"vad_events"`
	UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
	SessionID      string `mapstructure:"session_id"`
	MaxRetries     int    `mapstructure:"max_retries"`
	BackoffMS      int    `mapstructure:"backoff_ms"`
}

// Recognizer is a streaming speech-to-text session. Audio goes in through
// SendAudio, transcripts come out of Results.
type Recognizer struct {
	cfg    Config
	log    *slog.Logger
	out    chan events.Event
	retry  resilience.RetryPolicy
	ctx    context.Context
	cancel context.CancelFunc

	dgClient   *client.WSCallback
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	metaLogged bool
}

func NewRecognizer(raw map[string]any, log *slog.Logger) (*Recognizer, error) {
	cfg := Config{
		Model:      "nova-2",
		Language:   "en",
		Encoding:   "linear16",
		SampleRate: 16000,
		MaxRetries: 3,
		BackoffMS:  200,
	}
	if err := configutil.DecodeSettings(raw, &cfg); err != nil {
		return nil, fmt.Errorf("deepgram settings: %w", err)
	}
	if err := configutil.RequireString(cfg.APIKey, "vendor.settings.api_key"); err != nil {
		return nil, err
	}
	return &Recognizer{
		cfg:   cfg,
		log:   logging.NewComponentLogger(log, "deepgram_asr"),
		out:   make(chan events.Event, 256),
		retry: resilience.NewRetryPolicy(cfg.MaxRetries, time.Duration(cfg.BackoffMS)*time.Millisecond),
	}, nil
}

func (r *Recognizer) Name() string { return "deepgram" }

func (r *Recognizer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.pipeReader, r.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          r.cfg.Model,
		Language:       r.cfg.Language,
		Encoding:       r.cfg.Encoding,
		SampleRate:     r.cfg.SampleRate,
		InterimResults: r.cfg.Interim,
		VadEvents:      r.cfg.VADEvents,
		SmartFormat:    true,
	}
	if r.cfg.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = strconv.Itoa(r.cfg.UtteranceEndMS)
	}

	r.log.Info("connecting",
		slog.String("session_id", r.cfg.SessionID),
		slog.String("model", r.cfg.Model),
		slog.Int("sample_rate", r.cfg.SampleRate))

	// Deepgram dials over the public internet; transient handshake failures
	// get the same retry treatment as duplex reconnects.
	err := r.retry.DoContext(r.ctx, func(ctx context.Context) error {
		dgClient, err := client.NewWSUsingCallback(
			ctx, r.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: r})
		if err != nil {
			return fmt.Errorf("deepgram client: %w", err)
		}
		if connected := dgClient.Connect(); !connected {
			return fmt.Errorf("deepgram connection failed")
		}
		r.dgClient = dgClient
		return nil
	})
	if err != nil {
		return err
	}

	go func() {
		if err := r.dgClient.Stream(r.pipeReader); err != nil && r.ctx.Err() == nil {
			r.log.Error("stream error",
				slog.String("error", err.Error()),
				slog.String("session_id", r.cfg.SessionID))
		}
	}()
	return nil
}

func (r *Recognizer) SendAudio(pcm []byte) error {
	if r.pipeWriter == nil {
		return fmt.Errorf("not started")
	}
	_, err := r.pipeWriter.Write(pcm)
	return err
}

// Results yields Transcript events; interim results carry IsFinal=false.
func (r *Recognizer) Results() <-chan events.Event { return r.out }

func (r *Recognizer) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.pipeWriter != nil {
		_ = r.pipeWriter.Close()
	}
	if r.dgClient != nil {
		r.dgClient.Stop()
	}
	return nil
}

func (r *Recognizer) emit(ev events.Event) {
	select {
	case r.out <- ev:
	default:
		r.log.Warn("results channel full",
			slog.String("session_id", r.cfg.SessionID))
	}
}

type callback struct {
	parent *Recognizer
}

func (c *callback) Open(*msginterfaces.OpenResponse) error {
	c.parent.log.Info("connection opened",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	text := mr.Channel.Alternatives[0].Transcript
	if text == "" {
		return nil
	}
	isFinal := mr.IsFinal || mr.SpeechFinal
	c.parent.log.Debug("transcript",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.String("text", redact.Text(text)),
		slog.Bool("is_final", isFinal))
	c.parent.emit(events.NewTranscript(c.parent.cfg.SessionID, text, isFinal))
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.log.Info("metadata",
			slog.String("session_id", c.parent.cfg.SessionID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error {
	c.parent.emit(events.NewSentenceBoundary(c.parent.cfg.SessionID, true, ""))
	return nil
}

func (c *callback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	c.parent.emit(events.NewSentenceBoundary(c.parent.cfg.SessionID, false, ""))
	return nil
}

func (c *callback) Close(*msginterfaces.CloseResponse) error {
	c.parent.log.Info("connection closed",
		slog.String("session_id", c.parent.cfg.SessionID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.log.Error("vendor error",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	c.parent.emit(events.NewErrorInfo(0, er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.log.Debug("unhandled event",
		slog.String("session_id", c.parent.cfg.SessionID),
		slog.String("data", string(byData)))
	return nil
}
