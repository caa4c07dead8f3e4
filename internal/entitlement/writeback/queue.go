// Package writeback replays fast-path deduction results onto the
// durable store, so a cache eviction never resurrects balance that was
// already spent on the fast path.
package writeback

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/drawdown/internal/entitlement/domain"
	"go.uber.org/zap"
)

// Applier persists one result's record states.
type Applier interface {
	ApplyResult(ctx context.Context, result *domain.DeductionResult, now time.Time) error
}

type entry struct {
	result *domain.DeductionResult
	at     time.Time
}

// Queue buffers fast-path results in arrival order. Record states are
// absolute, so replaying FIFO leaves the durable rows at the newest
// state the cache produced.
type Queue struct {
	mu      sync.Mutex
	buf     []entry
	applier Applier
	log     *zap.Logger
	cfg     Config

	// wake nudges the worker after every enqueue; divergence between
	// the stores lasts only until the next flush.
	wake chan struct{}
}

func NewQueue(applier Applier, log *zap.Logger, cfg Config) *Queue {
	return &Queue{
		applier: applier,
		log:     log.Named("entitlement.writeback"),
		cfg:     cfg.withDefaults(),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue records one fast-path result for replay. At the queue bound
// the caller flushes inline rather than dropping deltas.
func (q *Queue) Enqueue(ctx context.Context, result *domain.DeductionResult, at time.Time) {
	if result == nil {
		return
	}

	q.mu.Lock()
	q.buf = append(q.buf, entry{result: result, at: at})
	size := len(q.buf)
	q.mu.Unlock()

	if size >= q.cfg.QueueBound {
		if err := q.Flush(ctx); err != nil {
			q.log.Warn("inline write-back flush failed", zap.Error(err))
		}
		return
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Flush replays buffered results in order. An infrastructure failure
// stops the run and re-queues the remainder; a rejected entry is
// dropped so it cannot wedge the queue.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	pending := q.buf
	q.buf = nil
	q.mu.Unlock()

	for i, e := range pending {
		err := q.applier.ApplyResult(ctx, e.result, e.at)
		if err == nil {
			continue
		}
		if domain.KindOf(err) == domain.KindInfrastructure {
			q.requeue(pending[i:])
			return err
		}
		q.log.Warn("dropping unreplayable write-back entry", zap.Error(err))
	}
	return nil
}

// Len reports the number of buffered results.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

func (q *Queue) requeue(entries []entry) {
	q.mu.Lock()
	q.buf = append(append(make([]entry, 0, len(entries)+len(q.buf)), entries...), q.buf...)
	q.mu.Unlock()
}
