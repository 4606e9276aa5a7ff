package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/credits"
	"github.com/xraph/credits/credit"
)

var _ BalanceCache = (*Redis)(nil)

// DefaultRedisPrefix namespaces balance keys.
const DefaultRedisPrefix = "credits:balance:"

// Redis is a BalanceCache shared by every process that talks to the same
// Redis. Values are JSON and expire after the TTL.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis cache. The caller owns client. An empty prefix
// uses DefaultRedisPrefix and a ttl <= 0 uses DefaultTTL.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) Get(ctx context.Context, tenantID, userID string) (credit.Balances, error) {
	k := r.prefix + key(tenantID, userID)

	data, err := r.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return credit.Balances{}, credits.ErrCacheMiss
	}
	if err != nil {
		return credit.Balances{}, fmt.Errorf("cache: get balances: %w", err)
	}

	var b credit.Balances
	if err := json.Unmarshal(data, &b); err != nil {
		// Corrupt entry: drop it and treat as a miss.
		_ = r.client.Del(ctx, k).Err()
		return credit.Balances{}, credits.ErrCacheMiss
	}
	return b, nil
}

func (r *Redis) Set(ctx context.Context, tenantID, userID string, b credit.Balances) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("cache: marshal balances: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+key(tenantID, userID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set balances: %w", err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, tenantID, userID string) error {
	if err := r.client.Del(ctx, r.prefix+key(tenantID, userID)).Err(); err != nil {
		return fmt.Errorf("cache: invalidate: %w", err)
	}
	return nil
}
