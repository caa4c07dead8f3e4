// Package idempotency rejects retried requests before they reach the
// deduction path. The marker is advisory: the durable store's unique
// index on (org, idempotency key) remains the final arbiter.
package idempotency

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/drawdown/internal/entitlement/domain"
	"go.uber.org/zap"
)

const keyFormat = "drawdown:idem:%s:%s"

// RedisClient is the slice of the Redis command surface the guard
// needs. *redis.Client satisfies it.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Guard claims an idempotency key for the retention window. A second
// claim of the same key within the window is a duplicate.
type Guard struct {
	rdb RedisClient
	log *zap.Logger
	ttl time.Duration
}

func NewGuard(rdb RedisClient, log *zap.Logger, retention time.Duration) *Guard {
	if rdb == nil {
		return nil
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Guard{
		rdb: rdb,
		log: log.Named("idempotency"),
		ttl: retention,
	}
}

// Key scopes a marker to one organization, mirroring the durable
// store's unique index.
func Key(orgID, idempotencyKey string) string {
	return fmt.Sprintf(keyFormat, orgID, idempotencyKey)
}

// Acquire claims the key. It returns ErrDuplicateRequest when the key
// was already claimed, and an infrastructure error when the marker
// store cannot answer.
func (g *Guard) Acquire(ctx context.Context, orgID, idempotencyKey string) error {
	if g == nil || strings.TrimSpace(idempotencyKey) == "" {
		return nil
	}
	ok, err := g.rdb.SetNX(ctx, Key(orgID, idempotencyKey), time.Now().UnixMilli(), g.ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInfrastructure, err)
	}
	if !ok {
		return domain.ErrDuplicateRequest
	}
	return nil
}

// Release drops the marker so the caller may retry. Only called after
// a terminal failure, where no deduction was recorded.
func (g *Guard) Release(ctx context.Context, orgID, idempotencyKey string) {
	if g == nil || strings.TrimSpace(idempotencyKey) == "" {
		return
	}
	if err := g.rdb.Del(ctx, Key(orgID, idempotencyKey)).Err(); err != nil {
		g.log.Warn("failed to release idempotency marker",
			zap.String("org_id", orgID),
			zap.Error(err),
		)
	}
}
