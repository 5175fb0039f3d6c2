package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hookrelay/internal/clock"
	"github.com/smallbiznis/hookrelay/internal/config"
	obsmetrics "github.com/smallbiznis/hookrelay/internal/observability/metrics"
	outbounddomain "github.com/smallbiznis/hookrelay/internal/outbound/domain"
	"github.com/smallbiznis/hookrelay/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/hookrelay/internal/subscription/domain"
	"github.com/smallbiznis/hookrelay/internal/webhook/adapters"
	"github.com/smallbiznis/hookrelay/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Cfg           config.Config
	Holder        *config.WebhookConfigHolder
	Registry      *adapters.Registry
	Repo          domain.Repository
	Subscriptions subscriptiondomain.Service
	Dispatcher    outbounddomain.Dispatcher `optional:"true"`
	Limiter       *ratelimit.IngestLimiter  `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics       `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	cfg           config.Config
	holder        *config.WebhookConfigHolder
	registry      *adapters.Registry
	repo          domain.Repository
	subscriptions subscriptiondomain.Service
	dispatcher    outbounddomain.Dispatcher
	limiter       *ratelimit.IngestLimiter
	obsMetrics    *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("webhook.ingest"),
		genID:         p.GenID,
		clock:         p.Clock,
		cfg:           p.Cfg,
		holder:        p.Holder,
		registry:      p.Registry,
		repo:          p.Repo,
		subscriptions: p.Subscriptions,
		dispatcher:    p.Dispatcher,
		limiter:       p.Limiter,
		obsMetrics:    p.ObsMetrics,
	}
}

// IngestWebhook runs the inbound pipeline: verify the signature over the raw
// bytes, claim the event in the idempotency ledger, reconcile subscription
// state, then mark the event processed. Verification failures surface as
// errors; duplicates and ignored event types are acknowledged by the handler.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return domain.ErrInvalidProvider
	}
	if !s.registry.ProviderExists(provider) {
		return domain.ErrProviderNotFound
	}

	snapshot := s.holder.Get()
	if int64(len(payload)) > snapshot.MaxPayloadBytes {
		return domain.ErrInvalidPayload
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return domain.ErrInvalidPayload
	}

	secret, err := s.secretFor(provider)
	if err != nil {
		return err
	}
	adapter, err := s.registry.NewAdapter(provider, domain.AdapterConfig{
		Provider:  provider,
		Secret:    secret,
		Tolerance: snapshot.SignatureTolerance(),
		Clock:     s.clock,
	})
	if err != nil {
		return err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.log.Warn("webhook signature rejected",
			zap.String("provider", provider),
			zap.Error(err),
		)
		return err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, domain.ErrEventIgnored) {
			s.recordInbound(ctx, provider, "ignored")
			return nil
		}
		return err
	}

	// best-effort cross-instance lock around the claim; the ledger insert is
	// still the authority, so a lock miss or redis outage just proceeds
	if token, ok, err := s.limiter.TryClaimLock(ctx, provider, event.ProviderEventID); err == nil && ok && token != "" {
		defer func() {
			if err := s.limiter.ReleaseClaimLock(ctx, provider, event.ProviderEventID, token); err != nil {
				s.log.Warn("release claim lock", zap.Error(err))
			}
		}()
	}

	record := &domain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        provider,
		ProviderEventID: event.ProviderEventID,
		EventKind:       event.Kind,
		OwnerID:         event.OwnerID,
		Payload:         payload,
		ReceivedAt:      s.clock.Now(),
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return err
	}
	if !inserted {
		existing, err := s.repo.FindEvent(ctx, s.db, provider, event.ProviderEventID)
		if err != nil {
			return err
		}
		if existing == nil || existing.ProcessedAt != nil {
			s.recordInbound(ctx, provider, "duplicate")
			return domain.ErrEventAlreadyProcessed
		}
		// claimed earlier but never finished; resume against the original row
		record = existing
	}

	subscription, err := s.subscriptions.Reconcile(ctx, event)
	if err != nil {
		if !errors.Is(err, subscriptiondomain.ErrUnknownSubscription) {
			return err
		}
		// the provider references a subscription we never created; log and
		// acknowledge so the provider stops redelivering
		s.log.Warn("billing event references unknown subscription",
			zap.String("provider", provider),
			zap.String("provider_event_id", event.ProviderEventID),
			zap.String("external_ref", event.ExternalRef),
		)
	}

	if err := s.repo.MarkProcessed(ctx, s.db, record.ID, s.clock.Now()); err != nil {
		return err
	}
	s.recordInbound(ctx, provider, event.Kind)

	if subscription != nil {
		s.emitOutbound(event, subscription)
	}
	return nil
}

func (s *Service) secretFor(provider string) (string, error) {
	var secret string
	switch provider {
	case "stripe":
		secret = s.cfg.Providers.StripeWebhookSecret
	case "mercadopago":
		secret = s.cfg.Providers.MercadoPagoWebhookSecret
	case "google":
		secret = s.cfg.Providers.GoogleChannelToken
	}
	if strings.TrimSpace(secret) == "" {
		return "", domain.ErrInvalidConfig
	}
	return secret, nil
}

// emitOutbound fans the reconciled state change out to the owner's registered
// endpoints. Delivery is fire-and-forget: the inbound acknowledgement never
// waits on it.
func (s *Service) emitOutbound(event *domain.BillingEvent, subscription *subscriptiondomain.SubscriptionRecord) {
	if s.dispatcher == nil {
		return
	}
	eventType, ok := outboundEventType(event.Kind)
	if !ok {
		return
	}

	body, err := json.Marshal(map[string]any{
		"owner_id":    subscription.OwnerID,
		"plan":        subscription.Plan,
		"status":      subscription.Status,
		"period_end":  subscription.PeriodEnd,
		"source":      event.Provider,
		"occurred_at": event.OccurredAt,
	})
	if err != nil {
		s.log.Error("marshal outbound payload", zap.Error(err))
		return
	}

	s.dispatcher.Dispatch(outbounddomain.Event{
		OwnerID:    subscription.OwnerID,
		EventType:  eventType,
		OccurredAt: event.OccurredAt,
		Payload:    body,
	})
}

func outboundEventType(kind string) (string, bool) {
	switch kind {
	case domain.EventKindCheckoutCompleted:
		return outbounddomain.EventTypeSubscriptionActivated, true
	case domain.EventKindInvoicePaid, domain.EventKindSubscriptionUpdated:
		return outbounddomain.EventTypeSubscriptionUpdated, true
	case domain.EventKindInvoicePaymentFailed:
		return outbounddomain.EventTypePaymentFailed, true
	case domain.EventKindSubscriptionCanceled:
		return outbounddomain.EventTypeSubscriptionCanceled, true
	default:
		return "", false
	}
}

func (s *Service) recordInbound(ctx context.Context, provider, kind string) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordInboundEvent(ctx, provider, kind)
}
