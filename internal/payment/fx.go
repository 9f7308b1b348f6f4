package payment

import (
	"github.com/nsxo/enterprise-telegram-bot/internal/payment/adapters"
	"github.com/nsxo/enterprise-telegram-bot/internal/payment/adapters/stripe"
	"github.com/nsxo/enterprise-telegram-bot/internal/payment/repository"
	paymentservice "github.com/nsxo/enterprise-telegram-bot/internal/payment/service"
	"github.com/nsxo/enterprise-telegram-bot/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(stripe.NewFactory())
	}),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)
