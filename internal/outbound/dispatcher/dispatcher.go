// Package dispatcher delivers domain events to registered endpoints. Delivery
// is detached from the triggering request: Dispatch schedules work and
// returns, a bounded worker pool performs the HTTP calls, and every call is
// recorded in the append-only delivery log.
package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/hookrelay/internal/clock"
	"github.com/smallbiznis/hookrelay/internal/config"
	obsmetrics "github.com/smallbiznis/hookrelay/internal/observability/metrics"
	"github.com/smallbiznis/hookrelay/internal/outbound/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	headerEvent     = "X-Hookrelay-Event"
	headerSignature = "X-Hookrelay-Signature"
	headerDelivery  = "X-Hookrelay-Delivery"
)

// envelope is the wire format subscribers receive. The signature in
// X-Hookrelay-Signature covers the marshaled envelope bytes, and type always
// matches the X-Hookrelay-Event header.
type envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Holder     *config.WebhookConfigHolder
	Repo       domain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Dispatcher struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	holder     *config.WebhookConfigHolder
	repo       domain.Repository
	obsMetrics *obsmetrics.Metrics

	client *http.Client
	sem    chan struct{}
	wg     sync.WaitGroup
}

func New(p Params) *Dispatcher {
	concurrency := p.Holder.Get().DeliveryConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Dispatcher{
		db:         p.DB,
		log:        p.Log.Named("outbound.dispatcher"),
		genID:      p.GenID,
		clock:      p.Clock,
		holder:     p.Holder,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
		client:     &http.Client{},
		sem:        make(chan struct{}, concurrency),
	}
}

// Dispatch schedules delivery of the event to every matching active endpoint
// and returns immediately. Failures are logged and recorded, never retried
// and never surfaced to the caller.
func (d *Dispatcher) Dispatch(event domain.Event) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.fanOut(event)
	}()
}

// Shutdown waits for in-flight deliveries to finish or the context to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) fanOut(event domain.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d.recordDomainEvent(ctx, event)

	endpoints, err := d.repo.ListActiveEndpoints(ctx, d.db, event.OwnerID)
	if err != nil {
		d.log.Error("list endpoints for dispatch",
			zap.String("owner_id", event.OwnerID),
			zap.String("event_type", event.EventType),
			zap.Error(err),
		)
		return
	}

	body, err := d.envelopeBody(event)
	if err != nil {
		d.log.Error("marshal delivery envelope",
			zap.String("owner_id", event.OwnerID),
			zap.String("event_type", event.EventType),
			zap.Error(err),
		)
		return
	}

	timeout := d.holder.Get().DeliveryTimeout()
	for i := range endpoints {
		endpoint := endpoints[i]
		if !endpoint.WantsEventType(event.EventType) {
			continue
		}
		d.wg.Add(1)
		d.sem <- struct{}{}
		go func() {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			d.deliver(endpoint, event, body, timeout)
		}()
	}
}

func (d *Dispatcher) envelopeBody(event domain.Event) ([]byte, error) {
	data := json.RawMessage(event.Payload)
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	return json.Marshal(envelope{
		Type:      event.EventType,
		Data:      data,
		Timestamp: event.OccurredAt.UTC(),
	})
}

// deliver performs exactly one HTTP attempt against one endpoint and writes
// exactly one delivery log row, whatever the outcome. The snapshot holds the
// exact envelope bytes that were sent and signed.
func (d *Dispatcher) deliver(endpoint domain.WebhookEndpoint, event domain.Event, body []byte, timeout time.Duration) {
	deliveryID := ulid.Make().String()

	attempt := &domain.DeliveryAttempt{
		ID:              d.genID.Generate(),
		DeliveryID:      deliveryID,
		EndpointID:      endpoint.ID,
		OwnerID:         endpoint.OwnerID,
		EventType:       event.EventType,
		PayloadSnapshot: body,
		AttemptNumber:   1,
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := d.clock.Now()
	status, err := d.post(ctx, endpoint, event.EventType, body, deliveryID)
	latency := d.clock.Now().Sub(start)

	attempt.AttemptedAt = start
	attempt.LatencyMS = latency.Milliseconds()
	if status != 0 {
		attempt.HTTPStatus = &status
	}
	attempt.Success = err == nil && status >= 200 && status < 300
	if err != nil {
		attempt.ErrorMessage = err.Error()
	} else if !attempt.Success {
		attempt.ErrorMessage = http.StatusText(status)
	}

	if !attempt.Success {
		d.log.Warn("webhook delivery failed",
			zap.String("delivery_id", deliveryID),
			zap.Int64("endpoint_id", int64(endpoint.ID)),
			zap.String("url", endpoint.URL),
			zap.String("event_type", event.EventType),
			zap.Int("http_status", status),
			zap.Error(err),
		)
	}
	d.recordAttempt(attempt)

	if d.obsMetrics != nil {
		d.obsMetrics.RecordDispatchAttempt(context.Background(), event.EventType, attempt.Success)
	}
}

func (d *Dispatcher) post(ctx context.Context, endpoint domain.WebhookEndpoint, eventType string, body []byte, deliveryID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, eventType)
	req.Header.Set(headerDelivery, deliveryID)
	req.Header.Set(headerSignature, Sign(endpoint.Secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// recordDomainEvent appends the event to the dispatch audit trail. Best
// effort, same as the delivery log.
func (d *Dispatcher) recordDomainEvent(ctx context.Context, event domain.Event) {
	record := &domain.DomainEventRecord{
		ID:         d.genID.Generate(),
		OwnerID:    event.OwnerID,
		EventType:  event.EventType,
		Payload:    event.Payload,
		OccurredAt: event.OccurredAt,
		CreatedAt:  d.clock.Now(),
	}
	if err := d.repo.InsertDomainEvent(ctx, d.db, record); err != nil {
		d.log.Error("record domain event",
			zap.String("owner_id", event.OwnerID),
			zap.String("event_type", event.EventType),
			zap.Error(err),
		)
	}
}

// recordAttempt writes the delivery log row. The log is best effort: a write
// failure is logged and dropped rather than failing or retrying the delivery.
func (d *Dispatcher) recordAttempt(attempt *domain.DeliveryAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.repo.InsertAttempt(ctx, d.db, attempt); err != nil {
		d.log.Error("record delivery attempt",
			zap.String("delivery_id", attempt.DeliveryID),
			zap.Error(err),
		)
	}
}

// Sign computes the hex HMAC-SHA256 of the payload under the endpoint secret.
// Subscribers recompute it to authenticate deliveries.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
