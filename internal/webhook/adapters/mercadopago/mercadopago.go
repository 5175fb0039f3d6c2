package mercadopago

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/hookrelay/internal/webhook/domain"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "mercadopago"
}

func (f *Factory) NewAdapter(cfg domain.AdapterConfig) (domain.ProviderAdapter, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, domain.ErrInvalidConfig
	}

	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock.Now
	}

	return &Adapter{
		webhookSecret: secret,
		tolerance:     tolerance,
		now:           now,
	}, nil
}

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
	now           func() time.Time
}

// Verify checks Mercado Pago's x-signature header. The signed manifest is the
// provider's documented template over data.id, x-request-id and ts; the
// timestamp is bounded by the tolerance window.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("x-signature"))
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}

	ts, signature, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return domain.ErrInvalidSignature
	}

	tsValue, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	// ts is reported in milliseconds
	age := a.now().UTC().Sub(time.UnixMilli(tsValue))
	if age > a.tolerance || age < -a.tolerance {
		return domain.ErrSignatureStale
	}

	var envelope mpEvent
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return domain.ErrInvalidSignature
	}
	dataID := strings.ToLower(strings.TrimSpace(envelope.Data.ID))
	requestID := strings.TrimSpace(headers.Get("x-request-id"))

	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", dataID, requestID, ts)
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(manifest))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.BillingEvent, error) {
	var event mpEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Data.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	occurredAt := event.occurredAt(a.now)

	switch strings.TrimSpace(event.Type) {
	case "subscription_preapproval":
		return a.parsePreapproval(event, payload, occurredAt)
	case "subscription_authorized_payment":
		return &domain.BillingEvent{
			Provider:        "mercadopago",
			ProviderEventID: event.ID,
			Kind:            domain.EventKindInvoicePaid,
			ExternalRef:     strings.TrimSpace(event.Data.PreapprovalID()),
			PeriodStart:     occurredAt,
			OccurredAt:      occurredAt,
			RawPayload:      payload,
		}, nil
	case "payment":
		if strings.TrimSpace(event.Data.Status) == "rejected" {
			return &domain.BillingEvent{
				Provider:        "mercadopago",
				ProviderEventID: event.ID,
				Kind:            domain.EventKindInvoicePaymentFailed,
				ExternalRef:     strings.TrimSpace(event.Data.PreapprovalID()),
				OccurredAt:      occurredAt,
				RawPayload:      payload,
			}, nil
		}
		return nil, domain.ErrEventIgnored
	default:
		return nil, domain.ErrEventIgnored
	}
}

func (a *Adapter) parsePreapproval(event mpEvent, payload []byte, occurredAt time.Time) (*domain.BillingEvent, error) {
	status := strings.ToLower(strings.TrimSpace(event.Data.Status))
	owner := strings.TrimSpace(event.Data.ExternalReference)
	plan := strings.TrimSpace(event.Data.PlanCode)

	switch strings.TrimSpace(event.Action) {
	case "created":
		if owner == "" {
			return nil, domain.ErrInvalidOwner
		}
		if plan == "" {
			return nil, domain.ErrInvalidEvent
		}
		return &domain.BillingEvent{
			Provider:        "mercadopago",
			ProviderEventID: event.ID,
			Kind:            domain.EventKindCheckoutCompleted,
			OwnerID:         owner,
			Plan:            plan,
			ExternalRef:     strings.TrimSpace(event.Data.ID),
			OccurredAt:      occurredAt,
			RawPayload:      payload,
		}, nil
	case "updated":
		if status == "cancelled" || status == "paused" {
			return &domain.BillingEvent{
				Provider:        "mercadopago",
				ProviderEventID: event.ID,
				Kind:            domain.EventKindSubscriptionCanceled,
				OwnerID:         owner,
				ExternalRef:     strings.TrimSpace(event.Data.ID),
				ProviderStatus:  status,
				OccurredAt:      occurredAt,
				RawPayload:      payload,
			}, nil
		}
		if plan == "" {
			return nil, domain.ErrEventIgnored
		}
		return &domain.BillingEvent{
			Provider:        "mercadopago",
			ProviderEventID: event.ID,
			Kind:            domain.EventKindSubscriptionUpdated,
			OwnerID:         owner,
			Plan:            plan,
			ExternalRef:     strings.TrimSpace(event.Data.ID),
			ProviderStatus:  status,
			OccurredAt:      occurredAt,
			RawPayload:      payload,
		}, nil
	default:
		return nil, domain.ErrEventIgnored
	}
}

type mpEvent struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Action      string `json:"action"`
	DateCreated string `json:"date_created"`
	Data        mpData `json:"data"`
}

type mpData struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	ExternalReference string `json:"external_reference"`
	PlanCode          string `json:"plan_code"`
	Preapproval       string `json:"preapproval_id"`
}

func (d mpData) PreapprovalID() string {
	if strings.TrimSpace(d.Preapproval) != "" {
		return d.Preapproval
	}
	return d.ID
}

func (e mpEvent) occurredAt(now func() time.Time) time.Time {
	raw := strings.TrimSpace(e.DateCreated)
	if raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			return parsed.UTC()
		}
	}
	return now().UTC()
}

func parseSignatureHeader(header string) (string, string, error) {
	parts := strings.Split(header, ",")
	var ts, signature string
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "ts" {
			ts = value
		}
		if key == "v1" {
			signature = value
		}
	}
	if ts == "" || signature == "" {
		return "", "", errors.New("invalid_signature")
	}
	return ts, signature, nil
}
