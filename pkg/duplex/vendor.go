package duplex

import (
	"fmt"
	"net/http"
	"strings"
)

// Vendor describes everything service-specific the duplex core needs:
// where to dial, how to authenticate, and the JSON bodies of the
// handshake and task frames. The binary envelope and event codes are
// shared by all vendors speaking this protocol.
type Vendor interface {
	Name() string
	Endpoint() (url string, headers http.Header, err error)
	StartConnectionPayload() []byte
	StartSessionPayload(sessionID string) ([]byte, error)
	TaskPayload(sessionID, text string) ([]byte, error)
	FinishSessionPayload(sessionID string) []byte
	// IsFatal classifies a vendor error code; fatal errors (e.g. bad
	// credentials) should not be retried by the caller.
	IsFatal(code int32) bool
}

// VendorFactory builds a vendor profile from free-form settings.
type VendorFactory func(settings map[string]any) (Vendor, error)

// Registry maps provider names to vendor factories.
type Registry struct {
	vendors map[string]VendorFactory
}

func NewRegistry() *Registry {
	return &Registry{vendors: make(map[string]VendorFactory)}
}

func (r *Registry) Register(name string, factory VendorFactory) {
	r.vendors[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *Registry) Build(provider string, settings map[string]any) (Vendor, error) {
	fn := r.vendors[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("vendor not registered: %s", provider)
	}
	return fn(settings)
}
