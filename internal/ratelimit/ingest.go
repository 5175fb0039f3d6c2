package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/hookrelay/internal/config"
)

const (
	keyEventIngestOwner = "ingest:events:owner:%s"
	keyWebhookProvider  = "ingest:webhooks:provider:%s"
	keyEventClaimLock   = "ingest:claim:%s:%s"
)

// IngestLimiter throttles the two inbound surfaces: provider webhooks (keyed
// per provider) and owner event ingestion (keyed per owner). A nil limiter
// allows everything, so callers never branch on whether redis is configured.
type IngestLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	eventRate    float64
	eventBurst   int
	webhookRate  float64
	webhookBurst int
	lockTTL      time.Duration
}

func NewIngestLimiter(cfg config.Config) (*IngestLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.EventIngestRate <= 0 || limitCfg.EventIngestBurst <= 0 {
		return nil, errors.New("event ingest rate limit must be positive")
	}
	if limitCfg.WebhookRate <= 0 || limitCfg.WebhookBurst <= 0 {
		return nil, errors.New("webhook rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &IngestLimiter{
		enabled:      true,
		bucket:       NewTokenBucket(client),
		locker:       NewLocker(client),
		eventRate:    limitCfg.EventIngestRate,
		eventBurst:   limitCfg.EventIngestBurst,
		webhookRate:  limitCfg.WebhookRate,
		webhookBurst: limitCfg.WebhookBurst,
		lockTTL:      time.Duration(limitCfg.ClaimLockTTLSecs) * time.Second,
	}, nil
}

func (l *IngestLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *IngestLimiter) AllowEvent(ctx context.Context, ownerID string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyEventIngestOwner, strings.TrimSpace(ownerID)), l.eventRate, l.eventBurst)
}

func (l *IngestLimiter) AllowWebhook(ctx context.Context, provider string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyWebhookProvider, strings.TrimSpace(provider)), l.webhookRate, l.webhookBurst)
}

// TryClaimLock serializes concurrent deliveries of the same provider event
// across instances while the database claim is in flight.
func (l *IngestLimiter) TryClaimLock(ctx context.Context, provider, providerEventID string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	key := fmt.Sprintf(keyEventClaimLock, strings.TrimSpace(provider), strings.TrimSpace(providerEventID))
	return l.locker.TryLock(ctx, key, l.lockTTL)
}

func (l *IngestLimiter) ReleaseClaimLock(ctx context.Context, provider, providerEventID, token string) error {
	if !l.Enabled() {
		return nil
	}
	key := fmt.Sprintf(keyEventClaimLock, strings.TrimSpace(provider), strings.TrimSpace(providerEventID))
	return l.locker.Release(ctx, key, token)
}
