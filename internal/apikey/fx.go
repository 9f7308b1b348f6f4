package apikey

import (
	"github.com/nsxo/enterprise-telegram-bot/internal/apikey/repository"
	"github.com/nsxo/enterprise-telegram-bot/internal/apikey/service"
	"go.uber.org/fx"
)

var Module = fx.Module("apikey.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
