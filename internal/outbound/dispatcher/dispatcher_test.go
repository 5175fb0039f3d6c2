package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/hookrelay/internal/clock"
	"github.com/smallbiznis/hookrelay/internal/config"
	"github.com/smallbiznis/hookrelay/internal/outbound/domain"
	outboundrepo "github.com/smallbiznis/hookrelay/internal/outbound/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_dispatch_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&domain.WebhookEndpoint{}, &domain.DeliveryAttempt{}, &domain.DomainEventRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newDispatcher(t *testing.T, db *gorm.DB, cfg config.WebhookConfig) *Dispatcher {
	t.Helper()

	node, err := snowflake.NewNode(5)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return New(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clock.NewSystemClock(),
		Holder: config.NewStaticWebhookConfigHolder(cfg),
		Repo:   outboundrepo.Provide(),
	})
}

func seedEndpoint(t *testing.T, db *gorm.DB, node *snowflake.Node, ownerID, url, secret string, eventTypes []string) *domain.WebhookEndpoint {
	t.Helper()

	now := time.Now().UTC()
	endpoint := &domain.WebhookEndpoint{
		ID:        node.Generate(),
		OwnerID:   ownerID,
		URL:       url,
		Secret:    secret,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, et := range eventTypes {
		endpoint.EventTypes = append(endpoint.EventTypes, et)
	}
	if err := db.Create(endpoint).Error; err != nil {
		t.Fatalf("seed endpoint: %v", err)
	}
	return endpoint
}

func drain(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil {
		t.Fatalf("drain dispatcher: %v", err)
	}
}

func TestDispatchDeliversSignedPayload(t *testing.T) {
	db := setupTestDB(t)

	var mu sync.Mutex
	var gotSignature, gotEvent, gotDelivery, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotSignature = r.Header.Get("X-Hookrelay-Signature")
		gotEvent = r.Header.Get("X-Hookrelay-Event")
		gotDelivery = r.Header.Get("X-Hookrelay-Delivery")
		gotBody = string(body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	node, _ := snowflake.NewNode(6)
	seedEndpoint(t, db, node, "owner-1", srv.URL, "secret-1", nil)

	d := newDispatcher(t, db, config.DefaultWebhookConfig())
	payload := []byte(`{"owner_id":"owner-1","plan":"pro"}`)
	occurredAt := time.Now().UTC().Truncate(time.Second)
	d.Dispatch(domain.Event{
		OwnerID:    "owner-1",
		EventType:  domain.EventTypeSubscriptionActivated,
		OccurredAt: occurredAt,
		Payload:    payload,
	})
	drain(t, d)

	mu.Lock()
	defer mu.Unlock()
	if gotEvent != domain.EventTypeSubscriptionActivated {
		t.Fatalf("expected event header, got %q", gotEvent)
	}
	if gotDelivery == "" {
		t.Fatalf("expected delivery id header")
	}
	if gotSignature != Sign("secret-1", []byte(gotBody)) {
		t.Fatalf("signature mismatch: %q", gotSignature)
	}

	var body struct {
		Type      string          `json:"type"`
		Data      json.RawMessage `json:"data"`
		Timestamp time.Time       `json:"timestamp"`
	}
	if err := json.Unmarshal([]byte(gotBody), &body); err != nil {
		t.Fatalf("decode delivered body: %v", err)
	}
	if body.Type != domain.EventTypeSubscriptionActivated {
		t.Fatalf("expected envelope type %s, got %q", domain.EventTypeSubscriptionActivated, body.Type)
	}
	if string(body.Data) != string(payload) {
		t.Fatalf("expected event payload under data, got %s", body.Data)
	}
	if !body.Timestamp.Equal(occurredAt) {
		t.Fatalf("expected envelope timestamp %v, got %v", occurredAt, body.Timestamp)
	}

	var attempts []domain.DeliveryAttempt
	if err := db.Find(&attempts).Error; err != nil {
		t.Fatalf("load attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected one attempt row, got %d", len(attempts))
	}
	if !attempts[0].Success {
		t.Fatalf("expected success, got %+v", attempts[0])
	}
	if attempts[0].HTTPStatus == nil || *attempts[0].HTTPStatus != http.StatusOK {
		t.Fatalf("expected http 200 recorded, got %v", attempts[0].HTTPStatus)
	}

	var events []domain.DomainEventRecord
	if err := db.Find(&events).Error; err != nil {
		t.Fatalf("load domain events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != domain.EventTypeSubscriptionActivated {
		t.Fatalf("expected one domain event row, got %+v", events)
	}
}

func TestDispatchReturnsBeforeSlowEndpointResponds(t *testing.T) {
	db := setupTestDB(t)

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	node, _ := snowflake.NewNode(6)
	seedEndpoint(t, db, node, "owner-1", srv.URL, "secret-1", nil)

	d := newDispatcher(t, db, config.DefaultWebhookConfig())

	start := time.Now()
	d.Dispatch(domain.Event{
		OwnerID:    "owner-1",
		EventType:  domain.EventTypeUsageTracked,
		OccurredAt: time.Now().UTC(),
		Payload:    []byte(`{}`),
	})
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("dispatch blocked the caller for %v", elapsed)
	}
}

func TestDispatchRecordsFailedDelivery(t *testing.T) {
	db := setupTestDB(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	node, _ := snowflake.NewNode(6)
	seedEndpoint(t, db, node, "owner-1", srv.URL, "secret-1", nil)

	d := newDispatcher(t, db, config.DefaultWebhookConfig())
	d.Dispatch(domain.Event{
		OwnerID:    "owner-1",
		EventType:  domain.EventTypePaymentFailed,
		OccurredAt: time.Now().UTC(),
		Payload:    []byte(`{}`),
	})
	drain(t, d)

	var attempts []domain.DeliveryAttempt
	if err := db.Find(&attempts).Error; err != nil {
		t.Fatalf("load attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected one attempt row, got %d", len(attempts))
	}
	if attempts[0].Success {
		t.Fatalf("expected failure recorded")
	}
	if attempts[0].HTTPStatus == nil || *attempts[0].HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected http 500 recorded, got %v", attempts[0].HTTPStatus)
	}
}

func TestDispatchTimesOutSlowEndpoint(t *testing.T) {
	db := setupTestDB(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	node, _ := snowflake.NewNode(6)
	seedEndpoint(t, db, node, "owner-1", srv.URL, "secret-1", nil)

	cfg := config.DefaultWebhookConfig()
	cfg.DeliveryTimeoutSeconds = 1
	d := newDispatcher(t, db, cfg)
	d.Dispatch(domain.Event{
		OwnerID:    "owner-1",
		EventType:  domain.EventTypeUsageTracked,
		OccurredAt: time.Now().UTC(),
		Payload:    []byte(`{}`),
	})
	drain(t, d)

	var attempts []domain.DeliveryAttempt
	if err := db.Find(&attempts).Error; err != nil {
		t.Fatalf("load attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected one attempt row, got %d", len(attempts))
	}
	if attempts[0].Success {
		t.Fatalf("expected timeout failure")
	}
	if attempts[0].ErrorMessage == "" {
		t.Fatalf("expected error message for timeout")
	}
}

func TestDispatchFansOutOnlyToSubscribedEndpoints(t *testing.T) {
	db := setupTestDB(t)

	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	node, _ := snowflake.NewNode(6)
	seedEndpoint(t, db, node, "owner-1", srv.URL, "s1", []string{domain.EventTypeSubscriptionCanceled})
	seedEndpoint(t, db, node, "owner-1", srv.URL, "s2", []string{domain.EventTypeUsageTracked})
	seedEndpoint(t, db, node, "owner-1", srv.URL, "s3", nil) // subscribes to everything
	other := seedEndpoint(t, db, node, "owner-2", srv.URL, "s4", nil)
	_ = other

	d := newDispatcher(t, db, config.DefaultWebhookConfig())
	d.Dispatch(domain.Event{
		OwnerID:    "owner-1",
		EventType:  domain.EventTypeSubscriptionCanceled,
		OccurredAt: time.Now().UTC(),
		Payload:    []byte(`{}`),
	})
	drain(t, d)

	if got := atomic.LoadInt64(&hits); got != 2 {
		t.Fatalf("expected 2 deliveries, got %d", got)
	}

	var attempts []domain.DeliveryAttempt
	if err := db.Find(&attempts).Error; err != nil {
		t.Fatalf("load attempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempt rows, got %d", len(attempts))
	}
	for _, attempt := range attempts {
		if attempt.OwnerID != "owner-1" {
			t.Fatalf("attempt leaked to owner %s", attempt.OwnerID)
		}
	}
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	db := setupTestDB(t)

	var inFlight, maxInFlight int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt64(&inFlight, 1)
		for {
			observed := atomic.LoadInt64(&maxInFlight)
			if current <= observed || atomic.CompareAndSwapInt64(&maxInFlight, observed, current) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	node, _ := snowflake.NewNode(6)
	for i := 0; i < 6; i++ {
		seedEndpoint(t, db, node, "owner-1", srv.URL, fmt.Sprintf("s%d", i), nil)
	}

	cfg := config.DefaultWebhookConfig()
	cfg.DeliveryConcurrency = 2
	d := newDispatcher(t, db, cfg)
	d.Dispatch(domain.Event{
		OwnerID:    "owner-1",
		EventType:  domain.EventTypeUsageTracked,
		OccurredAt: time.Now().UTC(),
		Payload:    []byte(`{}`),
	})
	drain(t, d)

	if got := atomic.LoadInt64(&maxInFlight); got > 2 {
		t.Fatalf("expected at most 2 concurrent deliveries, observed %d", got)
	}
}
