package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/drawdown/internal/clock"
	"github.com/smallbiznis/drawdown/internal/config"
	"github.com/smallbiznis/drawdown/internal/entitlement"
	"github.com/smallbiznis/drawdown/internal/migration"
	"github.com/smallbiznis/drawdown/internal/observability"
	"github.com/smallbiznis/drawdown/internal/server"
	"github.com/smallbiznis/drawdown/internal/usage"
	"github.com/smallbiznis/drawdown/internal/usage/batch"
	"github.com/smallbiznis/drawdown/pkg/db"
	"github.com/smallbiznis/drawdown/pkg/redis"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		redis.Module,
		clock.Module,
		migration.Module,

		// Domains
		fx.Provide(provideBatchConfig),
		batch.Module,
		entitlement.Module,
		usage.Module,

		// HTTP surface
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		log.Fatalf("snowflake node: %v", err)
	}
	return node
}

func provideBatchConfig(holder *config.EngineConfigHolder) batch.Config {
	engine := holder.Get()
	return batch.Config{
		QueueBound:    engine.BatchQueueBound,
		FlushSize:     engine.BatchFlushSize,
		FlushInterval: engine.BatchFlushInterval,
	}
}
