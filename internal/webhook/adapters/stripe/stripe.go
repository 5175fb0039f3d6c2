package stripe

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
	return "stripe"
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

// Verify checks the Stripe-Signature header: HMAC-SHA256 over "<t>.<body>",
// constant-time compare, and a timestamp freshness bound.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return domain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return domain.ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	age := a.now().UTC().Sub(time.Unix(ts, 0))
	if age > a.tolerance || age < -a.tolerance {
		return domain.ErrSignatureStale
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return domain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*domain.BillingEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "checkout.session.completed":
		return a.parseCheckoutSession(event, payload)
	case "invoice.paid":
		return a.parseInvoice(event, payload, domain.EventKindInvoicePaid)
	case "invoice.payment_failed":
		return a.parseInvoice(event, payload, domain.EventKindInvoicePaymentFailed)
	case "customer.subscription.deleted":
		return a.parseSubscription(event, payload, domain.EventKindSubscriptionCanceled)
	case "customer.subscription.updated":
		return a.parseSubscription(event, payload, domain.EventKindSubscriptionUpdated)
	default:
		return nil, domain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Subscription      string            `json:"subscription"`
	Created           int64             `json:"created"`
	Metadata          map[string]string `json:"metadata"`
}

type stripeInvoice struct {
	ID           string            `json:"id"`
	Subscription string            `json:"subscription"`
	PeriodStart  int64             `json:"period_start"`
	Created      int64             `json:"created"`
	Metadata     map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Created  int64             `json:"created"`
	Metadata map[string]string `json:"metadata"`
	Plan     *stripePlan       `json:"plan"`
}

type stripePlan struct {
	Nickname string            `json:"nickname"`
	Metadata map[string]string `json:"metadata"`
}

func (a *Adapter) parseCheckoutSession(event stripeEvent, payload []byte) (*domain.BillingEvent, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	ownerID := readMetadata(session.Metadata, "owner_id")
	if ownerID == "" {
		ownerID = strings.TrimSpace(session.ClientReferenceID)
	}
	if ownerID == "" {
		return nil, domain.ErrInvalidOwner
	}
	plan := readMetadata(session.Metadata, "plan")
	if plan == "" {
		return nil, domain.ErrInvalidEvent
	}

	return &domain.BillingEvent{
		Provider:        "stripe",
		ProviderEventID: event.ID,
		Kind:            domain.EventKindCheckoutCompleted,
		OwnerID:         ownerID,
		Plan:            plan,
		ExternalRef:     strings.TrimSpace(session.Subscription),
		OccurredAt:      timestamp(session.Created, event.Created),
		RawPayload:      payload,
	}, nil
}

func (a *Adapter) parseInvoice(event stripeEvent, payload []byte, kind string) (*domain.BillingEvent, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	externalRef := strings.TrimSpace(invoice.Subscription)
	if externalRef == "" {
		return nil, domain.ErrInvalidEvent
	}

	var periodStart time.Time
	if invoice.PeriodStart > 0 {
		periodStart = time.Unix(invoice.PeriodStart, 0).UTC()
	}

	return &domain.BillingEvent{
		Provider:        "stripe",
		ProviderEventID: event.ID,
		Kind:            kind,
		OwnerID:         readMetadata(invoice.Metadata, "owner_id"),
		ExternalRef:     externalRef,
		PeriodStart:     periodStart,
		OccurredAt:      timestamp(invoice.Created, event.Created),
		RawPayload:      payload,
	}, nil
}

func (a *Adapter) parseSubscription(event stripeEvent, payload []byte, kind string) (*domain.BillingEvent, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	externalRef := strings.TrimSpace(sub.ID)
	if externalRef == "" {
		return nil, domain.ErrInvalidEvent
	}

	var plan string
	if sub.Plan != nil {
		plan = readMetadata(sub.Plan.Metadata, "plan")
		if plan == "" {
			plan = strings.TrimSpace(sub.Plan.Nickname)
		}
	}
	if plan == "" {
		plan = readMetadata(sub.Metadata, "plan")
	}
	if kind == domain.EventKindSubscriptionUpdated && plan == "" {
		return nil, domain.ErrInvalidEvent
	}

	return &domain.BillingEvent{
		Provider:        "stripe",
		ProviderEventID: event.ID,
		Kind:            kind,
		OwnerID:         readMetadata(sub.Metadata, "owner_id"),
		Plan:            plan,
		ExternalRef:     externalRef,
		ProviderStatus:  strings.TrimSpace(sub.Status),
		OccurredAt:      timestamp(sub.Created, event.Created),
		RawPayload:      payload,
	}, nil
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
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
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func readMetadata(metadata map[string]string, key string) string {
	if metadata == nil {
		return ""
	}
	return strings.TrimSpace(metadata[key])
}
