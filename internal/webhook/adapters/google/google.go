// Package google handles Drive/Gmail push notification channels. These carry
// no billing semantics; after the channel token is verified they are parsed to
// ErrEventIgnored so the handler acknowledges without side effects.
package google

import (
	"context"
	"crypto/hmac"
	"net/http"
	"strings"

	"github.com/smallbiznis/hookrelay/internal/webhook/domain"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "google"
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.ProviderAdapter, error) {
	token := strings.TrimSpace(cfg.Secret)
	if token == "" {
		return nil, domain.ErrInvalidConfig
	}
	return &Adapter{channelToken: token}, nil
}

type Adapter struct {
	channelToken string
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	token := strings.TrimSpace(headers.Get("X-Goog-Channel-Token"))
	if token == "" {
		return domain.ErrInvalidSignature
	}
	if !hmac.Equal([]byte(token), []byte(a.channelToken)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.BillingEvent, error) {
	return nil, domain.ErrEventIgnored
}
