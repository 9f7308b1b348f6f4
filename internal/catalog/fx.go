package catalog

import (
	"context"
	"time"

	"github.com/nsxo/enterprise-telegram-bot/internal/catalog/domain"
	"github.com/nsxo/enterprise-telegram-bot/internal/catalog/repository"
	"github.com/nsxo/enterprise-telegram-bot/internal/catalog/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("catalog.service",
	fx.Provide(NewFileHolder),
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Invoke(RegisterSync),
)

// RegisterSync reconciles the products table at startup and after every
// catalog file reload.
func RegisterSync(lc fx.Lifecycle, holder *FileHolder, svc domain.Service, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if _, err := svc.Sync(ctx, holder.Entries()); err != nil {
				return err
			}
			holder.Subscribe(func(entries []domain.CatalogEntry) {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if _, err := svc.Sync(ctx, entries); err != nil {
					log.Warn("catalog resync failed", zap.Error(err))
				}
			})
			return nil
		},
	})
}
