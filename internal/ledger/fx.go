package ledger

import (
	"github.com/nsxo/enterprise-telegram-bot/internal/ledger/repository"
	"github.com/nsxo/enterprise-telegram-bot/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
