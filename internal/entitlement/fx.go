package entitlement

import (
	"context"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/drawdown/internal/config"
	"github.com/smallbiznis/drawdown/internal/entitlement/fallback"
	"github.com/smallbiznis/drawdown/internal/entitlement/fastpath"
	"github.com/smallbiznis/drawdown/internal/entitlement/service"
	"github.com/smallbiznis/drawdown/internal/entitlement/writeback"
	"github.com/smallbiznis/drawdown/internal/idempotency"
	"github.com/smallbiznis/drawdown/internal/lock"
	"github.com/smallbiznis/drawdown/internal/usage/batch"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Module wires the deduction engine: fast path, durable fallback,
// idempotency guard, warm locks, and the orchestrating service. All
// Redis-backed pieces degrade to nil when no client is configured, in
// which case every request runs on the durable store.
var Module = fx.Module("entitlement",
	fx.Provide(
		provideFastPathClient,
		provideFastPath,
		provideCoordinator,
		provideFallback,
		provideGuard,
		provideWarmLocks,
		provideEventSink,
		provideWritebackQueue,
		provideWriteback,
		service.New,
	),
	fx.Invoke(registerScript),
	fx.Invoke(runWritebackWorker),
)

func provideFastPathClient(rdb *redis.Client, log *zap.Logger, holder *config.EngineConfigHolder) *fastpath.Client {
	if rdb == nil {
		return nil
	}
	return fastpath.NewClient(rdb, log, holder.Get().SnapshotTTL)
}

func provideFastPath(client *fastpath.Client) service.FastPath {
	if client == nil {
		return nil
	}
	return client
}

func provideCoordinator(db *gorm.DB, log *zap.Logger, node *snowflake.Node, holder *config.EngineConfigHolder) *fallback.Coordinator {
	return fallback.NewCoordinator(db, log, node, holder.Get().UseStoredFunction)
}

func provideFallback(coordinator *fallback.Coordinator) service.Fallback {
	return coordinator
}

func provideGuard(rdb *redis.Client, log *zap.Logger, holder *config.EngineConfigHolder) service.Guard {
	if rdb == nil {
		return nil
	}
	return idempotency.NewGuard(rdb, log, holder.Get().IdempotencyRetention)
}

func provideWarmLocks(rdb *redis.Client) service.WarmLocks {
	if rdb == nil {
		return nil
	}
	return lock.NewManager(rdb)
}

func provideEventSink(batcher *batch.Batcher) service.EventSink {
	if batcher == nil {
		return nil
	}
	return batcher
}

// The write-back queue exists only alongside a fast path; without one,
// every deduction already lands on the durable store directly.
func provideWritebackQueue(coordinator *fallback.Coordinator, client *fastpath.Client, log *zap.Logger) *writeback.Queue {
	if client == nil {
		return nil
	}
	return writeback.NewQueue(coordinator, log, writeback.DefaultConfig())
}

func provideWriteback(queue *writeback.Queue) service.Writeback {
	if queue == nil {
		return nil
	}
	return queue
}

func runWritebackWorker(lc fx.Lifecycle, queue *writeback.Queue, log *zap.Logger) {
	if queue == nil {
		return
	}
	worker := writeback.NewWorker(queue, log, writeback.DefaultConfig())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go worker.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}

func registerScript(lc fx.Lifecycle, client *fastpath.Client, log *zap.Logger) {
	if client == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Register(ctx); err != nil {
				// The script still loads lazily on first EVAL; startup
				// registration is an optimization, not a requirement.
				log.Warn("deduction script preload failed", zap.Error(err))
			}
			return nil
		},
	})
}
