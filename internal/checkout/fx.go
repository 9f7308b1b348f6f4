package checkout

import (
	"github.com/nsxo/enterprise-telegram-bot/internal/checkout/service"
	"go.uber.org/fx"
)

var Module = fx.Module("checkout.service",
	fx.Provide(service.New),
)
