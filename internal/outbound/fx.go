package outbound

import (
	"context"

	"github.com/smallbiznis/hookrelay/internal/outbound/dispatcher"
	"github.com/smallbiznis/hookrelay/internal/outbound/domain"
	"github.com/smallbiznis/hookrelay/internal/outbound/repository"
	"github.com/smallbiznis/hookrelay/internal/outbound/service"
	"go.uber.org/fx"
)

var Module = fx.Module("outbound.service",
	fx.Provide(repository.Provide),
	fx.Provide(dispatcher.New),
	fx.Provide(func(d *dispatcher.Dispatcher) domain.Dispatcher { return d }),
	fx.Provide(service.NewService),
	fx.Invoke(registerHooks),
)

// registerHooks drains in-flight deliveries on shutdown.
func registerHooks(lc fx.Lifecycle, d *dispatcher.Dispatcher) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return d.Shutdown(ctx)
		},
	})
}
