package batch

import (
	"context"
	"time"

	"github.com/smallbiznis/drawdown/internal/observability/metrics"
	"go.uber.org/zap"
)

// Worker owns the flush loop. It wakes on the interval tick, or early
// when the batcher signals a full buffer, and drains once more on
// shutdown.
type Worker struct {
	batcher *Batcher
	log     *zap.Logger
	cfg     Config
	metrics *metrics.Metrics
}

func NewWorker(batcher *Batcher, log *zap.Logger, cfg Config) *Worker {
	return &Worker{
		batcher: batcher,
		log:     log.Named("usage.batch"),
		cfg:     cfg.withDefaults(),
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case <-ticker.C:
		case <-w.batcher.wake:
		}

		if err := w.RunOnce(ctx); err != nil {
			w.log.Warn("usage batch flush failed", zap.Error(err))
		}
	}
}

func (w *Worker) RunOnce(parentCtx context.Context) error {
	ctx, cancel := context.WithTimeout(parentCtx, w.cfg.FlushTimeout)
	defer cancel()

	pending := w.batcher.Len()
	if err := w.batcher.Flush(ctx); err != nil {
		return err
	}
	if pending > 0 {
		w.metrics.RecordBatchFlush(ctx, pending)
	}
	return nil
}

// drain flushes what remains after the run context is cancelled.
func (w *Worker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.FlushTimeout)
	defer cancel()
	if err := w.batcher.Flush(ctx); err != nil {
		w.log.Warn("usage batch drain failed", zap.Error(err))
	}
}
