package stores

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQuotaCounter counts quota usage across engine instances.
type RedisQuotaCounter struct {
	client *redis.Client
	prefix string
}

func NewRedisQuotaCounter(client *redis.Client) *RedisQuotaCounter {
	return &RedisQuotaCounter{client: client, prefix: "rbac:"}
}

func (q *RedisQuotaCounter) Count(ctx context.Context, key string) (int64, error) {
	n, err := q.client.Get(ctx, q.prefix+key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// Increment bumps the counter and sets its expiry in one round trip.
func (q *RedisQuotaCounter) Increment(ctx context.Context, key string, expiresAt time.Time) (int64, error) {
	var incr *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, q.prefix+key)
		p.ExpireAt(ctx, q.prefix+key, expiresAt)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
