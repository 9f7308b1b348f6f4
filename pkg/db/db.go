package db

import (
	"fmt"
	"time"

	"github.com/nsxo/enterprise-telegram-bot/internal/config"
	obslogger "github.com/nsxo/enterprise-telegram-bot/internal/observability/logger"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormprometheus "gorm.io/plugin/prometheus"
)

var Module = fx.Module("db",
	fx.Provide(New),
)

type Params struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

func New(p Params) (*gorm.DB, error) {
	dialector, err := Dialect(p.Cfg)
	if err != nil {
		return nil, err
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: obslogger.NewGormLogger(obslogger.DefaultGormLoggerConfig()),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := gdb.Use(otelgorm.NewPlugin(otelgorm.WithDBName(p.Cfg.DBName))); err != nil {
		return nil, fmt.Errorf("register otelgorm plugin: %w", err)
	}
	if err := gdb.Use(gormprometheus.New(gormprometheus.Config{
		DBName:          p.Cfg.DBName,
		RefreshInterval: 15,
	})); err != nil {
		return nil, fmt.Errorf("register gorm prometheus plugin: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(p.Cfg.DBMaxIdleConn)
	sqlDB.SetMaxOpenConns(p.Cfg.DBMaxOpenConn)
	sqlDB.SetConnMaxLifetime(time.Duration(p.Cfg.DBConnMaxLifetime) * time.Second)
	sqlDB.SetConnMaxIdleTime(time.Duration(p.Cfg.DBConnMaxIdleTime) * time.Second)

	p.Log.Info("database connected",
		zap.String("type", p.Cfg.DBType),
		zap.String("name", p.Cfg.DBName),
	)

	return gdb, nil
}
