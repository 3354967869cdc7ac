package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

const (
	stockKeyPrefix       = "stock:"
	idempotencyKeyPrefix = "idempotency:"
	idempotencyKeyTTL    = 24 * time.Hour
)

// returns -1 on miss, 0 if insufficient, 1 on success. DECRBY keeps the TTL.
var decrementStockScript = redis.NewScript(`
local key = KEYS[1]
local quantity = tonumber(ARGV[1])

local current = redis.call('GET', key)
if not current then
	return -1
end

current = tonumber(current)
if current >= quantity then
	redis.call('DECRBY', key, quantity)
	return 1
end

return 0
`)

type RedisAdapter struct {
	client redis.UniversalClient
}

func NewRedisAdapter(client redis.UniversalClient) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func stockKey(inventoryID string) string {
	return stockKeyPrefix + inventoryID
}

func (r *RedisAdapter) Get(ctx context.Context, inventoryID string) (int, bool, error) {
	amount, err := r.client.Get(ctx, stockKey(inventoryID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get stock: %w", err)
	}
	return amount, true, nil
}

func (r *RedisAdapter) Populate(ctx context.Context, inventoryID string, amount int, ttl time.Duration) error {
	if err := r.client.SetNX(ctx, stockKey(inventoryID), amount, ttl).Err(); err != nil {
		return fmt.Errorf("populate stock: %w", err)
	}
	return nil
}

func (r *RedisAdapter) Invalidate(ctx context.Context, inventoryID string) error {
	if err := r.client.Del(ctx, stockKey(inventoryID)).Err(); err != nil {
		return fmt.Errorf("invalidate stock: %w", err)
	}
	return nil
}

func (r *RedisAdapter) DecrementLocal(ctx context.Context, inventoryID string, quantity int) (bool, error) {
	result, err := decrementStockScript.Run(ctx, r.client, []string{stockKey(inventoryID)}, quantity).Int()
	if err != nil {
		return false, fmt.Errorf("decrement stock: %w", err)
	}

	switch result {
	case 1:
		return true, nil
	case -1:
		return false, domain.ErrCacheMiss
	default:
		return false, nil
	}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ClearIdempotency(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, idempotencyKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("clear idempotency key: %w", err)
	}
	return nil
}
