package google

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/smallbiznis/hookrelay/internal/webhook/domain"
)

func TestVerifyChannelToken(t *testing.T) {
	adapter := &Adapter{channelToken: "channel-token"}

	header := http.Header{}
	header.Set("X-Goog-Channel-Token", "channel-token")
	if err := adapter.Verify(context.Background(), nil, header); err != nil {
		t.Fatalf("expected valid token, got %v", err)
	}

	header.Set("X-Goog-Channel-Token", "other")
	if err := adapter.Verify(context.Background(), nil, header); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	if err := adapter.Verify(context.Background(), nil, http.Header{}); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature for missing token, got %v", err)
	}
}

func TestParseAlwaysIgnores(t *testing.T) {
	adapter := &Adapter{channelToken: "channel-token"}
	if _, err := adapter.Parse(context.Background(), []byte(`{}`)); !errors.Is(err, domain.ErrEventIgnored) {
		t.Fatalf("expected event ignored, got %v", err)
	}
}
