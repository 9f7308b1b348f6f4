package audit

import (
	"github.com/nsxo/enterprise-telegram-bot/internal/audit/repository"
	"github.com/nsxo/enterprise-telegram-bot/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
