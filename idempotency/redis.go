package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces idempotency keys in a shared Redis.
const DefaultKeyPrefix = "credits:webhook:"

var _ Store = (*Redis)(nil)

// Redis shares processed keys across instances using SET NX with a TTL.
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedis wraps an existing client. An empty prefix uses DefaultKeyPrefix.
func NewRedis(client *redis.Client, keyPrefix string) *Redis {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Redis{client: client, keyPrefix: keyPrefix}
}

func (r *Redis) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.keyPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: mark %q: %w", key, err)
	}
	return ok, nil
}

func (r *Redis) Forget(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("idempotency: forget %q: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
