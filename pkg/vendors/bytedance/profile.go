// Package bytedance implements the vendor profile for the ByteDance
// bidirectional TTS service (openspeech v3).
package bytedance

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/duplexkit/duplexkit/pkg/configutil"
	"github.com/duplexkit/duplexkit/pkg/duplex"
)

const (
	defaultEndpoint   = "wss://openspeech.bytedance.com/api/v3/tts/bidirection"
	defaultResourceID = "volc.service_type.10029"
	defaultSampleRate = 24000
)

type Settings struct {
	AppID      string `mapstructure:"app_id"`
	Token      string `mapstructure:"token"`
	Speaker    string `mapstructure:"speaker"`
	UID        string `mapstructure:"uid"`
	Endpoint   string `mapstructure:"endpoint"`
	ResourceID string `mapstructure:"resource_id"`
	SampleRate int    `mapstructure:"sample_rate"`
	Format     string `mapstructure:"format"`
}

// Profile speaks the openspeech duplex dialect: JSON handshake bodies in
// the BidirectionalTTS namespace, authenticated via X-Api-* headers.
type Profile struct {
	settings Settings
}

func New(raw map[string]any) (duplex.Vendor, error) {
	settings := Settings{
		UID:        "1234",
		Endpoint:   defaultEndpoint,
		ResourceID: defaultResourceID,
		SampleRate: defaultSampleRate,
		Format:     "pcm",
	}
	if err := configutil.ValidateSettings(raw, configutil.Schema{
		Required: []string{"app_id", "token", "speaker"},
		Optional: []string{"uid", "endpoint", "resource_id", "sample_rate", "format"},
	}); err != nil {
		return nil, fmt.Errorf("bytedance settings: %w", err)
	}
	if err := configutil.DecodeSettings(raw, &settings); err != nil {
		return nil, fmt.Errorf("bytedance settings: %w", err)
	}
	return &Profile{settings: settings}, nil
}

func (p *Profile) Name() string { return "bytedance" }

func (p *Profile) Endpoint() (string, http.Header, error) {
	headers := http.Header{}
	headers.Set("X-Api-App-Key", p.settings.AppID)
	headers.Set("X-Api-Access-Key", p.settings.Token)
	headers.Set("X-Api-Resource-Id", p.settings.ResourceID)
	headers.Set("X-Api-Connect-Id", uuid.New().String())
	headers.Set("X-Tt-Logid", newLogID())
	return p.settings.Endpoint, headers, nil
}

// newLogID builds the trace id the vendor echoes back in server logs:
// "02" + millisecond timestamp + zeroed local ip + 8 hex digits of random.
func newLogID() string {
	r := rand.Int31n(1<<24) + 1<<20
	return fmt.Sprintf("02%d%032d%08x", time.Now().UnixMilli(), 0, r)
}

func (p *Profile) StartConnectionPayload() []byte { return []byte("{}") }

func (p *Profile) StartSessionPayload(sessionID string) ([]byte, error) {
	return p.payload(100, "")
}

func (p *Profile) TaskPayload(sessionID, text string) ([]byte, error) {
	return p.payload(200, text)
}

func (p *Profile) FinishSessionPayload(sessionID string) []byte {
	return []byte("{}")
}

// IsFatal reports whether an error code is a permanent failure. 45xxxxxx
// covers auth and quota rejections for this service; retrying those only
// burns quota.
func (p *Profile) IsFatal(code int32) bool {
	return code >= 45000000 && code < 46000000
}

type payloadBody struct {
	User      userInfo  `json:"user"`
	Event     int32     `json:"event"`
	Namespace string    `json:"namespace"`
	ReqParams reqParams `json:"req_params"`
}

type userInfo struct {
	UID string `json:"uid"`
}

type reqParams struct {
	Text        string      `json:"text"`
	Speaker     string      `json:"speaker"`
	AudioParams audioParams `json:"audio_params"`
}

type audioParams struct {
	Format          string `json:"format"`
	SampleRate      int    `json:"sample_rate"`
	EnableTimestamp bool   `json:"enable_timestamp"`
}

func (p *Profile) payload(event int32, text string) ([]byte, error) {
	return json.Marshal(payloadBody{
		User:      userInfo{UID: p.settings.UID},
		Event:     event,
		Namespace: "BidirectionalTTS",
		ReqParams: reqParams{
			Text:    text,
			Speaker: p.settings.Speaker,
			AudioParams: audioParams{
				Format:          strings.ToLower(p.settings.Format),
				SampleRate:      p.settings.SampleRate,
				EnableTimestamp: true,
			},
		},
	})
}
