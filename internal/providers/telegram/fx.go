package telegram

import (
	"net/http"
	"time"

	"github.com/nsxo/enterprise-telegram-bot/internal/config"
	"github.com/nsxo/enterprise-telegram-bot/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.telegram",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config, log *zap.Logger) (Provider, error) {
	if cfg.TelegramBotToken == "" {
		log.Warn("TELEGRAM_BOT_TOKEN is empty, telegram provider is a no-op")
		return &NoOpProvider{}, nil
	}

	client := tracing.WrapHTTPClient(&http.Client{Timeout: 30 * time.Second})
	return New(Config{
		Token:     cfg.TelegramBotToken,
		ServerURL: cfg.TelegramAPIBaseURL,
	}, log.Named("providers.telegram"), client)
}
