package settings

import (
	"github.com/nsxo/enterprise-telegram-bot/internal/settings/repository"
	"github.com/nsxo/enterprise-telegram-bot/internal/settings/service"
	"go.uber.org/fx"
)

var Module = fx.Module("settings.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
