package conversation

import (
	"github.com/nsxo/enterprise-telegram-bot/internal/conversation/repository"
	"github.com/nsxo/enterprise-telegram-bot/internal/conversation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("conversation.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
