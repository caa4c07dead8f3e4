// Package batch buffers usage events in memory and writes them to the
// durable store in bulk, so the deduction hot path never waits on an
// insert.
package batch

import (
	"context"
	"sync"

	usagedomain "github.com/smallbiznis/drawdown/internal/usage/domain"
	pkgdb "github.com/smallbiznis/drawdown/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InsertFunc persists one chunk of events. Chunks never exceed
// Config.FlushSize.
type InsertFunc func(ctx context.Context, events []usagedomain.UsageEvent) error

// Batcher accumulates events and hands them to the flush worker. When
// the buffer reaches the queue bound the producing caller flushes
// inline rather than growing without limit.
type Batcher struct {
	mu     sync.Mutex
	buf    []usagedomain.UsageEvent
	insert InsertFunc
	log    *zap.Logger
	cfg    Config

	// wake nudges the worker when the buffer crosses the flush size.
	wake chan struct{}
}

func NewBatcher(db *gorm.DB, log *zap.Logger, cfg Config) *Batcher {
	return newBatcher(defaultInsert(db), log, cfg)
}

func newBatcher(insert InsertFunc, log *zap.Logger, cfg Config) *Batcher {
	cfg = cfg.withDefaults()
	return &Batcher{
		buf:    make([]usagedomain.UsageEvent, 0, cfg.FlushSize),
		insert: insert,
		log:    log.Named("usage.batch"),
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
	}
}

// defaultInsert writes a chunk in one statement. Conflicts on the
// idempotency index are dropped rather than failing the chunk: the
// deduction they describe already happened exactly once.
func defaultInsert(db *gorm.DB) InsertFunc {
	return func(ctx context.Context, events []usagedomain.UsageEvent) error {
		err := db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&events).Error
		if err == nil || !pkgdb.IsDuplicateKeyErr(err) {
			return err
		}

		// Some dialects cannot target the partial idempotency index with
		// ON CONFLICT. Insert row by row and drop the duplicates.
		for i := range events {
			rowErr := db.WithContext(ctx).Create(&events[i]).Error
			if rowErr != nil && !pkgdb.IsDuplicateKeyErr(rowErr) {
				return rowErr
			}
		}
		return nil
	}
}

// Enqueue adds events to the buffer. It blocks only when the buffer is
// at its bound, in which case the caller pays for the flush.
func (b *Batcher) Enqueue(ctx context.Context, events ...usagedomain.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	b.mu.Lock()
	b.buf = append(b.buf, events...)
	size := len(b.buf)
	b.mu.Unlock()

	if size >= b.cfg.QueueBound {
		return b.Flush(ctx)
	}
	if size >= b.cfg.FlushSize {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush drains the buffer, inserting at most FlushSize events per
// statement. A failed chunk is re-queued so a transient store outage
// loses nothing.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	pending := b.buf
	b.buf = make([]usagedomain.UsageEvent, 0, b.cfg.FlushSize)
	b.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	for start := 0; start < len(pending); start += b.cfg.FlushSize {
		end := start + b.cfg.FlushSize
		if end > len(pending) {
			end = len(pending)
		}
		chunk := pending[start:end]
		if err := b.insert(ctx, chunk); err != nil {
			b.requeue(pending[start:])
			return err
		}
	}
	return nil
}

// Len reports the number of buffered events.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func (b *Batcher) requeue(events []usagedomain.UsageEvent) {
	b.mu.Lock()
	b.buf = append(append(make([]usagedomain.UsageEvent, 0, len(events)+len(b.buf)), events...), b.buf...)
	b.mu.Unlock()
}
