package providers

import (
	"github.com/nsxo/enterprise-telegram-bot/internal/providers/billing"
	"github.com/nsxo/enterprise-telegram-bot/internal/providers/pdf"
	"github.com/nsxo/enterprise-telegram-bot/internal/providers/telegram"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	telegram.Module,
	billing.Module,
	pdf.Module,
)
