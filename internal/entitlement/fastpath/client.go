package fastpath

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/drawdown/internal/entitlement/domain"
	"go.uber.org/zap"
)

// RedisClient is the slice of the Redis command surface the fast path
// needs. *redis.Client satisfies it.
type RedisClient interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Client invokes the atomic deduction script and classifies its outcome.
type Client struct {
	rdb    RedisClient
	script *redis.Script
	log    *zap.Logger
	ttl    time.Duration
}

func NewClient(rdb RedisClient, log *zap.Logger, snapshotTTL time.Duration) *Client {
	if rdb == nil {
		return nil
	}
	if snapshotTTL <= 0 {
		snapshotTTL = 24 * time.Hour
	}
	return &Client{
		rdb:    rdb,
		script: Script,
		log:    log.Named("entitlement.fastpath"),
		ttl:    snapshotTTL,
	}
}

// Register loads the script into the store's script cache so the common
// case is a single EVALSHA.
func (c *Client) Register(ctx context.Context) error {
	if err := c.script.Load(ctx, c.rdb).Err(); err != nil {
		return fmt.Errorf("load deduction script: %w", err)
	}
	return nil
}

// Deduct runs the whole request as one indivisible script invocation.
// Any transport-level failure is reported as an infrastructure error so
// the caller can decide on fallback.
func (c *Client) Deduct(ctx context.Context, req domain.DeductionRequest, now time.Time) (*domain.DeductionResult, error) {
	payload, err := json.Marshal(scriptRequest{
		Features: req.Features,
		Policy:   string(req.Policy),
		EntityID: req.EntityID,
		NowMs:    now.UnixMilli(),
	})
	if err != nil {
		return nil, err
	}

	key := Key(req.OrgID.String(), req.Env, req.CustomerID.String())
	raw, err := c.script.Run(ctx, c.rdb, []string{key}, string(payload)).Text()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInfrastructure, err)
	}
	return decodeReply(raw)
}

// Warm writes a fresh snapshot so subsequent deductions stay on the
// fast path. Best effort: the durable store remains the source when the
// key is missing.
func (c *Client) Warm(ctx context.Context, snapshot *domain.CustomerSnapshot) error {
	if snapshot == nil {
		return nil
	}
	encoded, err := EncodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	key := Key(snapshot.OrgID, snapshot.Env, snapshot.CustomerID)
	if err := c.rdb.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInfrastructure, err)
	}
	return nil
}

// Snapshot reads the cached snapshot, if any.
func (c *Client) Snapshot(ctx context.Context, orgID, env, customerID string) (*domain.CustomerSnapshot, error) {
	raw, err := c.rdb.Get(ctx, Key(orgID, env, customerID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrCustomerNotFound
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrInfrastructure, err)
	}
	return DecodeSnapshot(raw)
}

// Invalidate drops the cached snapshot for a customer. Adjacent flows
// call this after out-of-band grant changes.
func (c *Client) Invalidate(ctx context.Context, orgID, env, customerID string) error {
	return c.rdb.Del(ctx, Key(orgID, env, customerID)).Err()
}
