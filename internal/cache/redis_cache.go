package cache

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const deductionGuardTTL = 24 * time.Hour

type RedisDeductionGuard struct {
	client *redis.Client
}

func NewRedisDeductionGuard(addr string, password string, db int) *RedisDeductionGuard {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisDeductionGuard{client: client}
}

func (g *RedisDeductionGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

func (g *RedisDeductionGuard) Close() error {
	return g.client.Close()
}

func (g *RedisDeductionGuard) Acquire(ctx context.Context, billNumber string, batchID string) (bool, error) {
	return g.client.SetNX(ctx, guardKey(billNumber, batchID), "1", deductionGuardTTL).Result()
}

// Release frees the guard after a deduction attempt that did not apply, so a
// retry is not blocked by the fast path.
func (g *RedisDeductionGuard) Release(ctx context.Context, billNumber string, batchID string) error {
	return g.client.Del(ctx, guardKey(billNumber, batchID)).Err()
}

func guardKey(billNumber string, batchID string) string {
	return "deduct:" + billNumber + ":" + batchID
}
