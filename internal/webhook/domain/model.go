// Package domain contains the canonical inbound webhook event model and the
// adapter contracts providers implement.
package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hookrelay/internal/clock"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventRecord is one inbound provider event. The unique index on
// (provider, provider_event_id) is the idempotency claim: an insert that
// affects zero rows means the event was already seen.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:idx_webhook_events_provider_event,priority:1"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:idx_webhook_events_provider_event,priority:2"`
	EventKind       string         `json:"event_kind" gorm:"type:text;not null"`
	OwnerID         string         `json:"owner_id" gorm:"type:text;not null;index"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "webhook_events" }

// Canonical event kinds. Adapters translate provider-specific event types into
// these; everything else is ignored (acknowledged without side effects).
const (
	EventKindCheckoutCompleted    = "checkout_completed"
	EventKindInvoicePaid          = "invoice_paid"
	EventKindInvoicePaymentFailed = "invoice_payment_failed"
	EventKindSubscriptionCanceled = "subscription_canceled"
	EventKindSubscriptionUpdated  = "subscription_updated"
)

// BillingEvent is the canonical billing event parsed by adapters after the
// raw payload's signature has been verified.
type BillingEvent struct {
	Provider        string
	ProviderEventID string
	Kind            string
	OwnerID         string
	Plan            string
	ExternalRef     string
	ProviderStatus  string
	PeriodStart     time.Time
	OccurredAt      time.Time
	RawPayload      []byte
}

// AdapterConfig carries per-provider verification settings. Tolerance bounds
// the accepted age of a signed timestamp (replay-window defense). A nil Clock
// means wall-clock time.
type AdapterConfig struct {
	Provider  string
	Secret    string
	Tolerance time.Duration
	Clock     clock.Clock
}

// ProviderAdapter verifies and parses a single provider's webhooks. Verify
// operates on the exact raw bytes received, before any deserialization.
type ProviderAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*BillingEvent, error)
}

// AdapterFactory builds adapters for one provider.
type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (ProviderAdapter, error)
}

// Service ingests inbound webhooks end to end: verify, claim, reconcile, mark.
type Service interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
}

// Repository persists the idempotency ledger.
type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*EventRecord, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
}
