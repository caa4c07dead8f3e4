// Package lock provides short-lived distributed locks used to serialize
// snapshot rebuilds for a single customer.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RedisClient is the slice of the Redis command surface the manager
// needs. *redis.Client satisfies it.
type RedisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Manager hands out fenced locks keyed by an opaque token, so a holder
// can never release a lock that expired and was re-acquired by another
// worker.
type Manager struct {
	client RedisClient
	script *redis.Script
}

func NewManager(client RedisClient) *Manager {
	if client == nil {
		return nil
	}
	return &Manager{
		client: client,
		script: redis.NewScript(releaseScript),
	}
}

// WarmKey names the lock guarding one customer's snapshot rebuild.
func WarmKey(orgID, env, customerID string) string {
	return fmt.Sprintf("drawdown:lock:warm:%s:%s:%s", orgID, env, customerID)
}

// TryLock attempts to acquire the lock without blocking. On success it
// returns the holder token required to release.
func (m *Manager) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if m == nil || m.client == nil {
		return "", false, errors.New("lock client not configured")
	}
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// Release drops the lock only when the caller still holds it.
func (m *Manager) Release(ctx context.Context, key, token string) error {
	if m == nil || m.client == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return m.script.Run(ctx, m.client, []string{key}, token).Err()
}
