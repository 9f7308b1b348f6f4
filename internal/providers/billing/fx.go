package billing

import (
	"net/http"
	"time"

	"github.com/nsxo/enterprise-telegram-bot/internal/config"
	"github.com/nsxo/enterprise-telegram-bot/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.billing",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config, log *zap.Logger) Provider {
	if cfg.StripeAPIKey == "" {
		log.Warn("STRIPE_API_KEY is empty, billing provider is a no-op")
		return &NoOpProvider{}
	}

	client := tracing.WrapHTTPClient(&http.Client{Timeout: 12 * time.Second})
	return NewStripe(Config{APIKey: cfg.StripeAPIKey}, log.Named("providers.billing"), client)
}
