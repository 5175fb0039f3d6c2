// Package domain holds the outbound webhook model: endpoints registered by
// owners, the delivery log, and the dispatcher contract.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Outbound event types owners can subscribe to.
const (
	EventTypeSubscriptionActivated = "subscription.activated"
	EventTypeSubscriptionUpdated   = "subscription.updated"
	EventTypeSubscriptionCanceled  = "subscription.canceled"
	EventTypePaymentFailed         = "payment.failed"
	EventTypeUsageTracked          = "usage.tracked"
)

// KnownEventTypes enumerates every event type an endpoint may subscribe to.
var KnownEventTypes = []string{
	EventTypeSubscriptionActivated,
	EventTypeSubscriptionUpdated,
	EventTypeSubscriptionCanceled,
	EventTypePaymentFailed,
	EventTypeUsageTracked,
}

// WebhookEndpoint is an owner-registered delivery target. An empty EventTypes
// list means the endpoint receives every event type.
type WebhookEndpoint struct {
	ID         snowflake.ID                `json:"id" gorm:"primaryKey"`
	OwnerID    string                      `json:"owner_id" gorm:"type:text;not null;index"`
	URL        string                      `json:"url" gorm:"type:text;not null"`
	EventTypes datatypes.JSONSlice[string] `json:"event_types" gorm:"type:jsonb"`
	Secret     string                      `json:"-" gorm:"type:text;not null"`
	IsActive   bool                        `json:"is_active" gorm:"not null;default:true"`
	CreatedAt  time.Time                   `json:"created_at"`
	UpdatedAt  time.Time                   `json:"updated_at"`
}

func (WebhookEndpoint) TableName() string { return "webhook_endpoints" }

// WantsEventType reports whether the endpoint subscribes to the given type.
func (e *WebhookEndpoint) WantsEventType(eventType string) bool {
	if len(e.EventTypes) == 0 {
		return true
	}
	for _, t := range e.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// DeliveryAttempt is one row of the append-only delivery log. Exactly one row
// is written per endpoint per dispatched event, success or failure.
type DeliveryAttempt struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	DeliveryID      string         `json:"delivery_id" gorm:"type:text;not null;index"`
	EndpointID      snowflake.ID   `json:"endpoint_id" gorm:"not null;index"`
	OwnerID         string         `json:"owner_id" gorm:"type:text;not null;index"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	PayloadSnapshot datatypes.JSON `json:"payload_snapshot" gorm:"type:jsonb;not null"`
	AttemptNumber   int            `json:"attempt_number" gorm:"not null;default:1"`
	HTTPStatus      *int           `json:"http_status"`
	LatencyMS       int64          `json:"latency_ms" gorm:"not null"`
	Success         bool           `json:"success" gorm:"not null;index"`
	ErrorMessage    string         `json:"error_message" gorm:"type:text"`
	AttemptedAt     time.Time      `json:"attempted_at" gorm:"not null;index"`
}

func (DeliveryAttempt) TableName() string { return "delivery_attempts" }

// Event is a domain occurrence to fan out to the owner's endpoints. Payload is
// the JSON body delivered verbatim; it is snapshotted at emit time so later
// state changes never alter what subscribers receive.
type Event struct {
	OwnerID    string
	EventType  string
	OccurredAt time.Time
	Payload    []byte
}

// DomainEventRecord is the audit trail of dispatched events: one row per
// Dispatch call, written before fan-out so the log exists even when the owner
// has no endpoints.
type DomainEventRecord struct {
	ID         snowflake.ID   `json:"id" gorm:"primaryKey"`
	OwnerID    string         `json:"owner_id" gorm:"type:text;not null;index"`
	EventType  string         `json:"event_type" gorm:"type:text;not null"`
	Payload    datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	OccurredAt time.Time      `json:"occurred_at" gorm:"not null;index"`
	CreatedAt  time.Time      `json:"created_at" gorm:"not null"`
}

func (DomainEventRecord) TableName() string { return "domain_events" }

// Dispatcher fans an event out to matching endpoints. Dispatch returns after
// scheduling; deliveries run detached from the caller's request.
type Dispatcher interface {
	Dispatch(event Event)
}

// EndpointInput carries the mutable endpoint fields for create and update.
type EndpointInput struct {
	URL        string
	EventTypes []string
	IsActive   *bool
}

// AttemptFilter narrows a delivery-log listing.
type AttemptFilter struct {
	EndpointID snowflake.ID
	Success    *bool
	Limit      int
	Offset     int
}

// Service manages endpoint registration and exposes the delivery log.
type Service interface {
	CreateEndpoint(ctx context.Context, ownerID string, input EndpointInput) (*WebhookEndpoint, error)
	GetEndpoint(ctx context.Context, ownerID string, id snowflake.ID) (*WebhookEndpoint, error)
	ListEndpoints(ctx context.Context, ownerID string) ([]WebhookEndpoint, error)
	UpdateEndpoint(ctx context.Context, ownerID string, id snowflake.ID, input EndpointInput) (*WebhookEndpoint, error)
	DeleteEndpoint(ctx context.Context, ownerID string, id snowflake.ID) error
	RotateSecret(ctx context.Context, ownerID string, id snowflake.ID) (*WebhookEndpoint, error)
	ListAttempts(ctx context.Context, ownerID string, filter AttemptFilter) ([]DeliveryAttempt, error)
}

// Repository persists endpoints and the delivery log.
type Repository interface {
	CreateEndpoint(ctx context.Context, db *gorm.DB, endpoint *WebhookEndpoint) error
	FindEndpoint(ctx context.Context, db *gorm.DB, ownerID string, id snowflake.ID) (*WebhookEndpoint, error)
	ListEndpoints(ctx context.Context, db *gorm.DB, ownerID string) ([]WebhookEndpoint, error)
	ListActiveEndpoints(ctx context.Context, db *gorm.DB, ownerID string) ([]WebhookEndpoint, error)
	UpdateEndpoint(ctx context.Context, db *gorm.DB, endpoint *WebhookEndpoint) error
	DeleteEndpoint(ctx context.Context, db *gorm.DB, ownerID string, id snowflake.ID) error

	InsertAttempt(ctx context.Context, db *gorm.DB, attempt *DeliveryAttempt) error
	ListAttempts(ctx context.Context, db *gorm.DB, ownerID string, filter AttemptFilter) ([]DeliveryAttempt, error)

	InsertDomainEvent(ctx context.Context, db *gorm.DB, event *DomainEventRecord) error
}
