package routing

import (
	"github.com/nsxo/enterprise-telegram-bot/internal/routing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("routing.service",
	fx.Provide(service.New),
)
