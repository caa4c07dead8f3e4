package writeback

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Worker drains the queue on an interval, early when Enqueue signals,
// and once more on shutdown.
type Worker struct {
	queue *Queue
	log   *zap.Logger
	cfg   Config
}

func NewWorker(queue *Queue, log *zap.Logger, cfg Config) *Worker {
	return &Worker{
		queue: queue,
		log:   log.Named("entitlement.writeback"),
		cfg:   cfg.withDefaults(),
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
		case <-w.queue.wake:
		}

		if err := w.RunOnce(ctx); err != nil {
			w.log.Warn("write-back flush failed", zap.Error(err))
		}
	}
}

func (w *Worker) RunOnce(parentCtx context.Context) error {
	ctx, cancel := context.WithTimeout(parentCtx, w.cfg.FlushTimeout)
	defer cancel()
	return w.queue.Flush(ctx)
}

func (w *Worker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.FlushTimeout)
	defer cancel()
	if err := w.queue.Flush(ctx); err != nil {
		w.log.Warn("write-back drain failed", zap.Error(err))
	}
}
