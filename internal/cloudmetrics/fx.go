package cloudmetrics

import (
	"context"
	"runtime"
	"time"

	"github.com/nsxo/enterprise-telegram-bot/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const pushInterval = 30 * time.Minute

var Module = fx.Module("cloud.metrics",
	fx.Provide(func() *prometheus.Registry {
		return prometheus.NewRegistry()
	}),
	fx.Provide(NewPusher),
	fx.Provide(func(cfg config.Config, registry *prometheus.Registry, pusher Pusher, logger *zap.Logger) *CloudMetrics {
		if !cfg.Cloud.Metrics.Enabled || pusher == nil {
			return nil
		}
		return New(registry, pusher, cfg.InstanceID, cfg.AppVersion, logger)
	}),
	fx.Invoke(func(lc fx.Lifecycle, c *CloudMetrics, logger *zap.Logger, db *gorm.DB) {
		if c == nil {
			return
		}

		if logger == nil {
			logger = zap.NewNop()
		}

		ctx, cancel := context.WithCancel(context.Background())
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				logger.Info("starting cloud metrics background worker")
				go func() {
					ticker := time.NewTicker(pushInterval)
					defer ticker.Stop()

					snapshotAndPush(ctx, c, db, logger)

					for {
						select {
						case <-ticker.C:
							snapshotAndPush(ctx, c, db, logger)
						case <-ctx.Done():
							logger.Info("stopping cloud metrics background worker")
							return
						}
					}
				}()
				return nil
			},
			OnStop: func(context.Context) error {
				cancel()
				return nil
			},
		})
	}),
)

func snapshotAndPush(ctx context.Context, c *CloudMetrics, db *gorm.DB, logger *zap.Logger) {
	updateSystemMetrics(c)
	updateFleetGauges(ctx, c, db)
	if err := c.Push(ctx); err != nil {
		logger.Warn("cloud metrics push failed", zap.Error(err))
	}
}

func updateSystemMetrics(c *CloudMetrics) {
	if c == nil {
		return
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	c.SetMemoryUsage(m.Sys)
}

func updateFleetGauges(ctx context.Context, c *CloudMetrics, db *gorm.DB) {
	if c == nil || db == nil {
		return
	}

	var count int64
	if err := db.WithContext(ctx).Table("users").Count(&count).Error; err == nil {
		c.SetUsersTotal(count)
	}
	if err := db.WithContext(ctx).Table("conversations").Where("status = ?", "open").Count(&count).Error; err == nil {
		c.SetOpenConversations(count)
	}
	if err := db.WithContext(ctx).Table("transactions").Where("status = ?", "completed").Count(&count).Error; err == nil {
		c.SetCompletedTransactions(count)
	}

	var credits struct{ Total int64 }
	if err := db.WithContext(ctx).Table("users").Select("COALESCE(SUM(credits), 0) AS total").Scan(&credits).Error; err == nil {
		c.SetCreditsOutstanding(credits.Total)
	}
}
