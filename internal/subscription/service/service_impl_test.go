package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/hookrelay/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/hookrelay/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/hookrelay/internal/subscription/service"
	webhookdomain "github.com/smallbiznis/hookrelay/internal/webhook/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_sub_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE subscription_records (
			id BIGINT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			plan TEXT NOT NULL DEFAULT 'free',
			status TEXT NOT NULL DEFAULT 'active',
			period_start TIMESTAMP,
			period_end TIMESTAMP,
			external_ref TEXT,
			usage_count BIGINT NOT NULL DEFAULT 0,
			last_event_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX idx_subscription_records_owner ON subscription_records(owner_id)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func newReconciler(t *testing.T, db *gorm.DB) domain.Service {
	t.Helper()

	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return subscriptionservice.NewService(subscriptionservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  subscriptionrepo.Provide(),
	})
}

func checkoutEvent(eventID, owner, plan, ref string, occurredAt time.Time) *webhookdomain.BillingEvent {
	return &webhookdomain.BillingEvent{
		Provider:        "stripe",
		ProviderEventID: eventID,
		Kind:            webhookdomain.EventKindCheckoutCompleted,
		OwnerID:         owner,
		Plan:            plan,
		ExternalRef:     ref,
		OccurredAt:      occurredAt,
	}
}

func TestReconcileCheckoutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newReconciler(t, db)

	occurredAt := time.Now().UTC().Truncate(time.Second)
	event := checkoutEvent("evt_1", "owner-1", "pro", "sub_1", occurredAt)

	first, err := svc.Reconcile(ctx, event)
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	second, err := svc.Reconcile(ctx, event)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}

	if first.Plan != second.Plan || first.Status != second.Status {
		t.Fatalf("expected identical state, got %v/%v then %v/%v",
			first.Plan, first.Status, second.Plan, second.Status)
	}
	if !second.LastEventAt.Equal(occurredAt) {
		t.Fatalf("expected last_event_at %v read back, got %v", occurredAt, second.LastEventAt)
	}

	var count int64
	if err := db.Raw("SELECT COUNT(1) FROM subscription_records").Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one subscription row, got %d", count)
	}
}

func TestReconcileInvoicePaidExtendsPeriod(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newReconciler(t, db)

	start := time.Now().UTC().Truncate(time.Second)
	if _, err := svc.Reconcile(ctx, checkoutEvent("evt_1", "owner-1", "pro", "sub_1", start)); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	periodStart := start.Add(time.Hour)
	record, err := svc.Reconcile(ctx, &webhookdomain.BillingEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_2",
		Kind:            webhookdomain.EventKindInvoicePaid,
		ExternalRef:     "sub_1",
		PeriodStart:     periodStart,
		OccurredAt:      periodStart,
	})
	if err != nil {
		t.Fatalf("invoice paid: %v", err)
	}

	if record.Status != domain.StatusActive {
		t.Fatalf("expected active, got %s", record.Status)
	}
	if record.PeriodEnd == nil || !record.PeriodEnd.Equal(periodStart.AddDate(0, 1, 0)) {
		t.Fatalf("expected period end one month after %v, got %v", periodStart, record.PeriodEnd)
	}
	if record.UsageCount != 0 {
		t.Fatalf("expected usage reset, got %d", record.UsageCount)
	}
}

func TestReconcileInvoicePaidUnknownSubscription(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newReconciler(t, db)

	_, err := svc.Reconcile(ctx, &webhookdomain.BillingEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_1",
		Kind:            webhookdomain.EventKindInvoicePaid,
		ExternalRef:     "sub_missing",
		OccurredAt:      time.Now().UTC(),
	})
	if !errors.Is(err, domain.ErrUnknownSubscription) {
		t.Fatalf("expected unknown subscription, got %v", err)
	}
}

func TestReconcileCancelDowngradesToFree(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newReconciler(t, db)

	start := time.Now().UTC().Truncate(time.Second)
	if _, err := svc.Reconcile(ctx, checkoutEvent("evt_1", "owner-1", "business", "sub_1", start)); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	record, err := svc.Reconcile(ctx, &webhookdomain.BillingEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_2",
		Kind:            webhookdomain.EventKindSubscriptionCanceled,
		ExternalRef:     "sub_1",
		OccurredAt:      start.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if record.Status != domain.StatusCanceled {
		t.Fatalf("expected canceled, got %s", record.Status)
	}
	if record.Plan != domain.PlanFree {
		t.Fatalf("expected free plan after cancel, got %s", record.Plan)
	}
}

func TestReconcileIgnoresStaleEventAfterCancel(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newReconciler(t, db)

	start := time.Now().UTC().Truncate(time.Second)
	if _, err := svc.Reconcile(ctx, checkoutEvent("evt_1", "owner-1", "pro", "sub_1", start)); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if _, err := svc.Reconcile(ctx, &webhookdomain.BillingEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_2",
		Kind:            webhookdomain.EventKindSubscriptionCanceled,
		ExternalRef:     "sub_1",
		OccurredAt:      start.Add(2 * time.Hour),
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// a delayed update that occurred before the cancel must not resurrect it
	record, err := svc.Reconcile(ctx, &webhookdomain.BillingEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_3",
		Kind:            webhookdomain.EventKindSubscriptionUpdated,
		ExternalRef:     "sub_1",
		Plan:            "pro",
		ProviderStatus:  "active",
		OccurredAt:      start.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("stale update: %v", err)
	}

	if record.Status != domain.StatusCanceled {
		t.Fatalf("expected canceled to stick, got %s", record.Status)
	}
	if record.Plan != domain.PlanFree {
		t.Fatalf("expected free plan to stick, got %s", record.Plan)
	}
}

func TestReconcilePaymentFailedMarksPastDue(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newReconciler(t, db)

	start := time.Now().UTC().Truncate(time.Second)
	if _, err := svc.Reconcile(ctx, checkoutEvent("evt_1", "owner-1", "pro", "sub_1", start)); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	record, err := svc.Reconcile(ctx, &webhookdomain.BillingEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_2",
		Kind:            webhookdomain.EventKindInvoicePaymentFailed,
		ExternalRef:     "sub_1",
		OccurredAt:      start.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("payment failed: %v", err)
	}
	if record.Status != domain.StatusPastDue {
		t.Fatalf("expected past_due, got %s", record.Status)
	}
	if record.Plan != domain.PlanPro {
		t.Fatalf("plan should survive a failed payment, got %s", record.Plan)
	}
}

func TestReconcileUpdatedWithCanceledStatusForcesFreePlan(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newReconciler(t, db)

	start := time.Now().UTC().Truncate(time.Second)
	if _, err := svc.Reconcile(ctx, checkoutEvent("evt_1", "owner-1", "pro", "sub_1", start)); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	record, err := svc.Reconcile(ctx, &webhookdomain.BillingEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_2",
		Kind:            webhookdomain.EventKindSubscriptionUpdated,
		ExternalRef:     "sub_1",
		Plan:            "business",
		ProviderStatus:  "canceled",
		OccurredAt:      start.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if record.Status != domain.StatusCanceled {
		t.Fatalf("expected canceled, got %s", record.Status)
	}
	if record.Plan != domain.PlanFree {
		t.Fatalf("canceled rows always sit on the free plan, got %s", record.Plan)
	}
}

func TestIncrementUsage(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	svc := newReconciler(t, db)

	start := time.Now().UTC().Truncate(time.Second)
	if _, err := svc.Reconcile(ctx, checkoutEvent("evt_1", "owner-1", "pro", "sub_1", start)); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := svc.IncrementUsage(ctx, "owner-1"); err != nil {
			t.Fatalf("increment usage: %v", err)
		}
	}

	record, err := svc.FindByOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if record.UsageCount != 3 {
		t.Fatalf("expected usage 3, got %d", record.UsageCount)
	}
}
