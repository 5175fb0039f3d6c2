package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Repository issues the guarded single-statement writes the reconciler relies
// on. Each mutation carries the event's occurred-at timestamp; rows whose
// last_event_at is newer are left untouched.
type Repository interface {
	FindByOwner(ctx context.Context, db *gorm.DB, ownerID string) (*SubscriptionRecord, error)
	FindByExternalRef(ctx context.Context, db *gorm.DB, externalRef string) (*SubscriptionRecord, error)

	UpsertCheckout(ctx context.Context, db *gorm.DB, record *SubscriptionRecord) error
	MarkInvoicePaid(ctx context.Context, db *gorm.DB, externalRef string, periodStart, periodEnd time.Time, occurredAt time.Time) (bool, error)
	MarkPaymentFailed(ctx context.Context, db *gorm.DB, externalRef string, occurredAt time.Time) (bool, error)
	Cancel(ctx context.Context, db *gorm.DB, externalRef string, occurredAt time.Time) (bool, error)
	UpdatePlan(ctx context.Context, db *gorm.DB, externalRef string, plan Plan, status Status, occurredAt time.Time) (bool, error)

	IncrementUsage(ctx context.Context, db *gorm.DB, ownerID string) error
}
