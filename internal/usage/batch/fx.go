package batch

import (
	"context"

	"github.com/smallbiznis/drawdown/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Config  Config           `optional:"true"`
	Metrics *metrics.Metrics `optional:"true"`
}

var Module = fx.Module("usage.batch",
	fx.Provide(func(p Params) *Batcher {
		return NewBatcher(p.DB, p.Log, p.Config)
	}),
	fx.Provide(func(p Params, batcher *Batcher) *Worker {
		w := NewWorker(batcher, p.Log, p.Config)
		w.metrics = p.Metrics
		return w
	}),
	fx.Invoke(runWorker),
)

func runWorker(lc fx.Lifecycle, worker *Worker) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
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
