package migration

import (
	"github.com/nsxo/enterprise-telegram-bot/internal/config"
	"github.com/nsxo/enterprise-telegram-bot/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			if err := AutoMigrate(conn); err != nil {
				return err
			}
		}

		if err := seed.EnsureDefaultSettings(conn); err != nil {
			return err
		}
		if cfg.BootstrapAdminAPIKey != "" {
			return seed.EnsureBootstrapAPIKey(conn, cfg.BootstrapAdminAPIKey)
		}
		return nil
	}),
)
