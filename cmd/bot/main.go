package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/nsxo/enterprise-telegram-bot/internal/clock"
	"github.com/nsxo/enterprise-telegram-bot/internal/migration"
	"github.com/nsxo/enterprise-telegram-bot/internal/observability"
	"github.com/nsxo/enterprise-telegram-bot/internal/scheduler"
	"github.com/nsxo/enterprise-telegram-bot/internal/server"
	"github.com/nsxo/enterprise-telegram-bot/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		scheduler.Module,

		// server.Module pulls in config plus every feature module.
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
