package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/hookrelay/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// Reads go through the model query builder so timestamp columns are decoded
// per schema field on every supported dialect. The writes below stay raw: the
// guarded single-statement upserts are the ordering invariant.
func (r *repo) FindByOwner(ctx context.Context, db *gorm.DB, ownerID string) (*domain.SubscriptionRecord, error) {
	var item domain.SubscriptionRecord
	err := db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (r *repo) FindByExternalRef(ctx context.Context, db *gorm.DB, externalRef string) (*domain.SubscriptionRecord, error) {
	var item domain.SubscriptionRecord
	err := db.WithContext(ctx).
		Where("external_ref = ?", externalRef).
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

// UpsertCheckout creates the record on first checkout and overwrites plan and
// status on redelivery. The conflict target is the unique owner_id index;
// the guard keeps a newer transition from being clobbered by a stale replay.
func (r *repo) UpsertCheckout(ctx context.Context, db *gorm.DB, record *domain.SubscriptionRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscription_records (
			id, owner_id, plan, status, period_start, period_end,
			external_ref, usage_count, last_event_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT (owner_id) DO UPDATE SET
			plan = excluded.plan,
			status = excluded.status,
			period_start = excluded.period_start,
			external_ref = excluded.external_ref,
			last_event_at = excluded.last_event_at,
			updated_at = excluded.updated_at
		WHERE subscription_records.last_event_at <= excluded.last_event_at`,
		record.ID,
		record.OwnerID,
		record.Plan,
		record.Status,
		record.PeriodStart,
		record.PeriodEnd,
		record.ExternalRef,
		record.LastEventAt,
		record.CreatedAt,
		record.UpdatedAt,
	).Error
}

func (r *repo) MarkInvoicePaid(ctx context.Context, db *gorm.DB, externalRef string, periodStart, periodEnd time.Time, occurredAt time.Time) (bool, error) {
	now := time.Now().UTC()
	res := db.WithContext(ctx).Exec(
		`UPDATE subscription_records
		 SET status = ?, period_start = ?, period_end = ?, usage_count = 0,
			last_event_at = ?, updated_at = ?
		 WHERE external_ref = ? AND last_event_at <= ?`,
		domain.StatusActive,
		periodStart,
		periodEnd,
		occurredAt,
		now,
		externalRef,
		occurredAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkPaymentFailed(ctx context.Context, db *gorm.DB, externalRef string, occurredAt time.Time) (bool, error) {
	now := time.Now().UTC()
	res := db.WithContext(ctx).Exec(
		`UPDATE subscription_records
		 SET status = ?, last_event_at = ?, updated_at = ?
		 WHERE external_ref = ? AND last_event_at <= ?`,
		domain.StatusPastDue,
		occurredAt,
		now,
		externalRef,
		occurredAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Cancel enforces the downgrade invariant in the statement itself.
func (r *repo) Cancel(ctx context.Context, db *gorm.DB, externalRef string, occurredAt time.Time) (bool, error) {
	now := time.Now().UTC()
	res := db.WithContext(ctx).Exec(
		`UPDATE subscription_records
		 SET status = ?, plan = ?, last_event_at = ?, updated_at = ?
		 WHERE external_ref = ? AND last_event_at <= ?`,
		domain.StatusCanceled,
		domain.PlanFree,
		occurredAt,
		now,
		externalRef,
		occurredAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpdatePlan(ctx context.Context, db *gorm.DB, externalRef string, plan domain.Plan, status domain.Status, occurredAt time.Time) (bool, error) {
	now := time.Now().UTC()
	res := db.WithContext(ctx).Exec(
		`UPDATE subscription_records
		 SET plan = ?, status = ?, last_event_at = ?, updated_at = ?
		 WHERE external_ref = ? AND last_event_at <= ?`,
		plan,
		status,
		occurredAt,
		now,
		externalRef,
		occurredAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) IncrementUsage(ctx context.Context, db *gorm.DB, ownerID string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscription_records
		 SET usage_count = usage_count + 1, updated_at = ?
		 WHERE owner_id = ?`,
		time.Now().UTC(),
		ownerID,
	).Error
}
