package mercadopago

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/smallbiznis/hookrelay/internal/clock"
	"github.com/smallbiznis/hookrelay/internal/webhook/domain"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testAdapter(t *testing.T, secret string) *Adapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(domain.AdapterConfig{
		Provider:  "mercadopago",
		Secret:    secret,
		Tolerance: 5 * time.Minute,
		Clock:     clock.NewFakeClock(testNow),
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter.(*Adapter)
}

func signManifest(secret, dataID, requestID string, ts int64) string {
	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%d;", dataID, requestID, ts)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(manifest))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := "mp_secret"
	payload := []byte(`{"id":"evt-1","type":"payment","data":{"id":"12345"}}`)
	ts := testNow.UnixMilli()
	requestID := "req-1"

	header := http.Header{}
	header.Set("x-request-id", requestID)
	header.Set("x-signature", fmt.Sprintf("ts=%d,v1=%s", ts, signManifest(secret, "12345", requestID, ts)))

	adapter := testAdapter(t, secret)
	if err := adapter.Verify(context.Background(), payload, header); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	header.Set("x-signature", fmt.Sprintf("ts=%d,v1=%s", ts, signManifest("wrong", "12345", requestID, ts)))
	if err := adapter.Verify(context.Background(), payload, header); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}

func TestVerifyStaleTimestamp(t *testing.T) {
	secret := "mp_secret"
	payload := []byte(`{"id":"evt-1","type":"payment","data":{"id":"12345"}}`)
	ts := testNow.Add(-time.Hour).UnixMilli()

	header := http.Header{}
	header.Set("x-request-id", "req-1")
	header.Set("x-signature", fmt.Sprintf("ts=%d,v1=%s", ts, signManifest(secret, "12345", "req-1", ts)))

	adapter := testAdapter(t, secret)
	if err := adapter.Verify(context.Background(), payload, header); !errors.Is(err, domain.ErrSignatureStale) {
		t.Fatalf("expected stale signature, got %v", err)
	}
}

func TestParsePreapprovalEvents(t *testing.T) {
	adapter := testAdapter(t, "mp_secret")

	tests := []struct {
		name     string
		payload  string
		wantKind string
	}{{
		name:     "created",
		payload:  `{"id":"evt-1","type":"subscription_preapproval","action":"created","data":{"id":"pre-1","status":"authorized","external_reference":"owner-1","plan_code":"pro"}}`,
		wantKind: domain.EventKindCheckoutCompleted,
	}, {
		name:     "cancelled",
		payload:  `{"id":"evt-2","type":"subscription_preapproval","action":"updated","data":{"id":"pre-1","status":"cancelled","external_reference":"owner-1"}}`,
		wantKind: domain.EventKindSubscriptionCanceled,
	}, {
		name:     "plan change",
		payload:  `{"id":"evt-3","type":"subscription_preapproval","action":"updated","data":{"id":"pre-1","status":"authorized","external_reference":"owner-1","plan_code":"business"}}`,
		wantKind: domain.EventKindSubscriptionUpdated,
	}, {
		name:     "authorized payment",
		payload:  `{"id":"evt-4","type":"subscription_authorized_payment","data":{"id":"pay-1","preapproval_id":"pre-1"}}`,
		wantKind: domain.EventKindInvoicePaid,
	}, {
		name:     "rejected payment",
		payload:  `{"id":"evt-5","type":"payment","data":{"id":"pay-2","status":"rejected","preapproval_id":"pre-1"}}`,
		wantKind: domain.EventKindInvoicePaymentFailed,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := adapter.Parse(context.Background(), []byte(tt.payload))
			if err != nil {
				t.Fatalf("parse event: %v", err)
			}
			if event.Kind != tt.wantKind {
				t.Fatalf("expected kind %s, got %s", tt.wantKind, event.Kind)
			}
			if event.ExternalRef == "" {
				t.Fatalf("expected external ref")
			}
		})
	}
}

func TestParseIgnoresApprovedPayments(t *testing.T) {
	adapter := testAdapter(t, "mp_secret")
	payload := []byte(`{"id":"evt-6","type":"payment","data":{"id":"pay-3","status":"approved"}}`)
	if _, err := adapter.Parse(context.Background(), payload); !errors.Is(err, domain.ErrEventIgnored) {
		t.Fatalf("expected event ignored, got %v", err)
	}
}
