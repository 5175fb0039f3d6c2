package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/hookrelay/internal/observability/metrics"
	"github.com/smallbiznis/hookrelay/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/hookrelay/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("subscription.reconciler"),
		genID:      p.GenID,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

// Reconcile maps a verified billing event onto the owner's subscription row.
// Transitions older than the row's last_event_at are ignored, which keeps a
// delayed redelivery from resurrecting a canceled subscription.
func (s *Service) Reconcile(ctx context.Context, event *webhookdomain.BillingEvent) (*domain.SubscriptionRecord, error) {
	if event == nil {
		return nil, domain.ErrInvalidEvent
	}
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	var (
		record *domain.SubscriptionRecord
		err    error
	)
	switch event.Kind {
	case webhookdomain.EventKindCheckoutCompleted:
		record, err = s.applyCheckout(ctx, event, occurredAt)
	case webhookdomain.EventKindInvoicePaid:
		record, err = s.applyInvoicePaid(ctx, event, occurredAt)
	case webhookdomain.EventKindInvoicePaymentFailed:
		record, err = s.applyGuarded(ctx, event, func(ref string) (bool, error) {
			return s.repo.MarkPaymentFailed(ctx, s.db, ref, occurredAt)
		})
	case webhookdomain.EventKindSubscriptionCanceled:
		record, err = s.applyGuarded(ctx, event, func(ref string) (bool, error) {
			return s.repo.Cancel(ctx, s.db, ref, occurredAt)
		})
	case webhookdomain.EventKindSubscriptionUpdated:
		record, err = s.applyPlanChange(ctx, event, occurredAt)
	default:
		return nil, webhookdomain.ErrEventIgnored
	}

	s.recordMetric(ctx, event.Kind, err)
	return record, err
}

func (s *Service) applyCheckout(ctx context.Context, event *webhookdomain.BillingEvent, occurredAt time.Time) (*domain.SubscriptionRecord, error) {
	ownerID := strings.TrimSpace(event.OwnerID)
	if ownerID == "" {
		return nil, webhookdomain.ErrInvalidOwner
	}
	plan, ok := domain.ParsePlan(event.Plan)
	if !ok {
		return nil, domain.ErrInvalidPlan
	}

	now := time.Now().UTC()
	record := &domain.SubscriptionRecord{
		ID:          s.genID.Generate(),
		OwnerID:     ownerID,
		Plan:        plan,
		Status:      domain.StatusActive,
		LastEventAt: occurredAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if ref := strings.TrimSpace(event.ExternalRef); ref != "" {
		record.ExternalRef = &ref
	}
	periodStart := occurredAt
	periodEnd := periodStart.AddDate(0, 1, 0)
	record.PeriodStart = &periodStart
	record.PeriodEnd = &periodEnd

	if err := s.repo.UpsertCheckout(ctx, s.db, record); err != nil {
		return nil, err
	}
	return s.repo.FindByOwner(ctx, s.db, ownerID)
}

func (s *Service) applyInvoicePaid(ctx context.Context, event *webhookdomain.BillingEvent, occurredAt time.Time) (*domain.SubscriptionRecord, error) {
	ref := strings.TrimSpace(event.ExternalRef)
	if ref == "" {
		return nil, domain.ErrInvalidEvent
	}

	periodStart := event.PeriodStart
	if periodStart.IsZero() {
		periodStart = occurredAt
	}
	periodEnd := periodStart.AddDate(0, 1, 0)

	updated, err := s.repo.MarkInvoicePaid(ctx, s.db, ref, periodStart, periodEnd, occurredAt)
	if err != nil {
		return nil, err
	}
	return s.resolveGuardOutcome(ctx, ref, updated)
}

func (s *Service) applyPlanChange(ctx context.Context, event *webhookdomain.BillingEvent, occurredAt time.Time) (*domain.SubscriptionRecord, error) {
	ref := strings.TrimSpace(event.ExternalRef)
	if ref == "" {
		return nil, domain.ErrInvalidEvent
	}
	plan, ok := domain.ParsePlan(event.Plan)
	if !ok {
		return nil, domain.ErrInvalidPlan
	}

	status := domain.StatusFromProvider(event.ProviderStatus)
	if status == domain.StatusCanceled {
		// downgrade invariant: canceled rows always sit on the free plan
		plan = domain.PlanFree
	}

	updated, err := s.repo.UpdatePlan(ctx, s.db, ref, plan, status, occurredAt)
	if err != nil {
		return nil, err
	}
	return s.resolveGuardOutcome(ctx, ref, updated)
}

func (s *Service) applyGuarded(ctx context.Context, event *webhookdomain.BillingEvent, apply func(ref string) (bool, error)) (*domain.SubscriptionRecord, error) {
	ref := strings.TrimSpace(event.ExternalRef)
	if ref == "" {
		return nil, domain.ErrInvalidEvent
	}
	updated, err := apply(ref)
	if err != nil {
		return nil, err
	}
	return s.resolveGuardOutcome(ctx, ref, updated)
}

// resolveGuardOutcome distinguishes "no such subscription" from "stale event".
// A stale event is a benign no-op: the current row already reflects a newer
// transition, so the caller still acknowledges the delivery.
func (s *Service) resolveGuardOutcome(ctx context.Context, externalRef string, updated bool) (*domain.SubscriptionRecord, error) {
	record, err := s.repo.FindByExternalRef(ctx, s.db, externalRef)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, domain.ErrUnknownSubscription
	}
	if !updated {
		s.log.Info("ignored stale billing event",
			zap.String("external_ref", externalRef),
			zap.Time("last_event_at", record.LastEventAt),
		)
	}
	return record, nil
}

func (s *Service) FindByOwner(ctx context.Context, ownerID string) (*domain.SubscriptionRecord, error) {
	return s.repo.FindByOwner(ctx, s.db, strings.TrimSpace(ownerID))
}

func (s *Service) IncrementUsage(ctx context.Context, ownerID string) error {
	return s.repo.IncrementUsage(ctx, s.db, strings.TrimSpace(ownerID))
}

func (s *Service) recordMetric(ctx context.Context, kind string, err error) {
	if s.obsMetrics == nil {
		return
	}
	result := "applied"
	if err != nil {
		result = "error"
	}
	s.obsMetrics.RecordReconcileTransition(ctx, kind, result)
}
