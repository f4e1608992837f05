package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/rbac"
)

const decisionVersionKey = "rbac:decisions:version"

// RedisDecisionCache shares decisions between engine instances. Purge bumps a
// version counter instead of scanning keys; stale entries age out by TTL.
type RedisDecisionCache struct {
	client *redis.Client
	prefix string
}

func NewRedisDecisionCache(client *redis.Client) *RedisDecisionCache {
	return &RedisDecisionCache{client: client, prefix: "rbac:decision"}
}

func (c *RedisDecisionCache) version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, decisionVersionKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return ver, err
}

func (c *RedisDecisionCache) key(ctx context.Context, key string) (string, error) {
	ver, err := c.version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d:%s", c.prefix, ver, key), nil
}

func (c *RedisDecisionCache) Get(ctx context.Context, key string) (*rbac.AccessCheckResult, bool, error) {
	k, err := c.key(ctx, key)
	if err != nil {
		return nil, false, err
	}
	payload, err := c.client.Get(ctx, k).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var res rbac.AccessCheckResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, false, fmt.Errorf("decode cached decision: %w", err)
	}
	return &res, true, nil
}

func (c *RedisDecisionCache) Set(ctx context.Context, key string, res *rbac.AccessCheckResult, ttl time.Duration) error {
	k, err := c.key(ctx, key)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, k, raw, ttl).Err()
}

func (c *RedisDecisionCache) Purge(ctx context.Context) error {
	return c.client.Incr(ctx, decisionVersionKey).Err()
}
