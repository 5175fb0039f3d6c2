package webhook

import (
	"github.com/smallbiznis/hookrelay/internal/webhook/adapters"
	"github.com/smallbiznis/hookrelay/internal/webhook/adapters/google"
	"github.com/smallbiznis/hookrelay/internal/webhook/adapters/mercadopago"
	"github.com/smallbiznis/hookrelay/internal/webhook/adapters/stripe"
	"github.com/smallbiznis/hookrelay/internal/webhook/repository"
	"github.com/smallbiznis/hookrelay/internal/webhook/service"
	"go.uber.org/fx"
)

func newRegistry() *adapters.Registry {
	return adapters.NewRegistry(
		stripe.NewFactory(),
		mercadopago.NewFactory(),
		google.NewFactory(),
	)
}

var Module = fx.Module("webhook.service",
	fx.Provide(newRegistry),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
