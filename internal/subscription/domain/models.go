// Package domain contains the locally owned subscription state that inbound
// billing events reconcile against.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Plan is the commercial tier of an account.
type Plan string

const (
	PlanFree     Plan = "free"
	PlanStarter  Plan = "starter"
	PlanPro      Plan = "pro"
	PlanBusiness Plan = "business"
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusActive   Status = "active"
	StatusTrialing Status = "trialing"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// SubscriptionRecord is the single mutable row per owner. It is mutated only
// by the reconciler, always through guarded single-statement writes.
//
// Invariants:
//   - status == canceled implies plan == free (downgrade on cancel).
//   - last_event_at is monotonic: transitions older than it are ignored, so a
//     stale "invoice paid" cannot resurrect a canceled subscription.
type SubscriptionRecord struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	OwnerID     string       `json:"owner_id" gorm:"type:text;not null;uniqueIndex"`
	Plan        Plan         `json:"plan" gorm:"type:text;not null"`
	Status      Status       `json:"status" gorm:"type:text;not null"`
	PeriodStart *time.Time   `json:"period_start"`
	PeriodEnd   *time.Time   `json:"period_end"`
	ExternalRef *string      `json:"external_subscription_ref" gorm:"type:text;index"`
	UsageCount  int64        `json:"usage_count" gorm:"not null;default:0"`
	LastEventAt time.Time    `json:"last_event_at" gorm:"not null"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time    `json:"updated_at" gorm:"not null"`
}

func (SubscriptionRecord) TableName() string { return "subscription_records" }

// ParsePlan validates a plan name coming from provider metadata.
func ParsePlan(raw string) (Plan, bool) {
	switch Plan(strings.ToLower(strings.TrimSpace(raw))) {
	case PlanFree:
		return PlanFree, true
	case PlanStarter:
		return PlanStarter, true
	case PlanPro:
		return PlanPro, true
	case PlanBusiness:
		return PlanBusiness, true
	default:
		return "", false
	}
}

// StatusFromProvider derives a local status from the provider's reported one.
func StatusFromProvider(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trialing":
		return StatusTrialing
	case "past_due", "unpaid", "paused":
		return StatusPastDue
	case "canceled", "cancelled", "incomplete_expired":
		return StatusCanceled
	default:
		return StatusActive
	}
}
