package domain

import (
	"context"

	webhookdomain "github.com/smallbiznis/hookrelay/internal/webhook/domain"
)

// Service applies verified billing events to subscription state. Every
// transition is idempotent: applying the same event twice leaves the record
// in the same state as applying it once.
type Service interface {
	Reconcile(ctx context.Context, event *webhookdomain.BillingEvent) (*SubscriptionRecord, error)
	FindByOwner(ctx context.Context, ownerID string) (*SubscriptionRecord, error)
	IncrementUsage(ctx context.Context, ownerID string) error
}
