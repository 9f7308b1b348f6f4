package transaction

import (
	"github.com/nsxo/enterprise-telegram-bot/internal/transaction/repository"
	"github.com/nsxo/enterprise-telegram-bot/internal/transaction/service"
	"go.uber.org/fx"
)

var Module = fx.Module("transaction.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
