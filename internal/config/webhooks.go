package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// WebhookConfig carries the tuning knobs shared by the inbound verifier and the
// outbound dispatcher. Snapshots are immutable: callers read a value once per
// request and never observe in-place mutation.
type WebhookConfig struct {
	SignatureToleranceSeconds int   `mapstructure:"signatureToleranceSeconds"`
	DeliveryTimeoutSeconds    int   `mapstructure:"deliveryTimeoutSeconds"`
	DeliveryConcurrency       int   `mapstructure:"deliveryConcurrency"`
	MaxPayloadBytes           int64 `mapstructure:"maxPayloadBytes"`
}

func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		SignatureToleranceSeconds: 300,
		DeliveryTimeoutSeconds:    10,
		DeliveryConcurrency:       10,
		MaxPayloadBytes:           1 << 20,
	}
}

func (c WebhookConfig) SignatureTolerance() time.Duration {
	return time.Duration(c.SignatureToleranceSeconds) * time.Second
}

func (c WebhookConfig) DeliveryTimeout() time.Duration {
	return time.Duration(c.DeliveryTimeoutSeconds) * time.Second
}

type WebhookConfigHolder struct {
	current atomic.Value // holds WebhookConfig
}

// NewWebhookConfigHolder reads webhooks.yml and watches it for changes. A
// reload replaces the stored snapshot wholesale; invalid configs are ignored.
func NewWebhookConfigHolder(log *zap.Logger) (*WebhookConfigHolder, error) {
	log = log.Named("config.webhooks")
	v := viper.New()

	v.SetConfigName("webhooks")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/hookrelay/config")
	v.AddConfigPath("/etc/hookrelay")
	v.AddConfigPath(".")

	v.SetEnvPrefix("HOOKRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultWebhookConfig()
	v.SetDefault("webhooks.signatureToleranceSeconds", defaults.SignatureToleranceSeconds)
	v.SetDefault("webhooks.deliveryTimeoutSeconds", defaults.DeliveryTimeoutSeconds)
	v.SetDefault("webhooks.deliveryConcurrency", defaults.DeliveryConcurrency)
	v.SetDefault("webhooks.maxPayloadBytes", defaults.MaxPayloadBytes)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg WebhookConfig
	if err := v.UnmarshalKey("webhooks", &cfg); err != nil {
		return nil, err
	}
	if err := validateWebhookConfig(cfg); err != nil {
		return nil, err
	}

	holder := &WebhookConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated WebhookConfig
		if err := v.UnmarshalKey("webhooks", &updated); err != nil {
			log.Error("config reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if err := validateWebhookConfig(updated); err != nil {
			log.Warn("invalid config ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *WebhookConfigHolder) Get() WebhookConfig {
	return h.current.Load().(WebhookConfig)
}

// NewStaticWebhookConfigHolder returns a holder that never reloads. Used by tests.
func NewStaticWebhookConfigHolder(cfg WebhookConfig) *WebhookConfigHolder {
	holder := &WebhookConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func validateWebhookConfig(cfg WebhookConfig) error {
	if cfg.SignatureToleranceSeconds <= 0 {
		return errors.New("webhooks.signatureToleranceSeconds must be positive")
	}
	if cfg.DeliveryTimeoutSeconds <= 0 {
		return errors.New("webhooks.deliveryTimeoutSeconds must be positive")
	}
	if cfg.DeliveryConcurrency <= 0 {
		return errors.New("webhooks.deliveryConcurrency must be positive")
	}
	if cfg.MaxPayloadBytes <= 0 {
		return errors.New("webhooks.maxPayloadBytes must be positive")
	}
	return nil
}
