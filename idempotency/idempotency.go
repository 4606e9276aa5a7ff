// Package idempotency remembers which webhook deliveries were already
// handled, so a redelivered event is applied at most once.
package idempotency

import (
	"context"
	"time"
)

// DefaultTTL is how long a processed key is remembered. Providers retry
// failed deliveries for up to three days.
const DefaultTTL = 72 * time.Hour

// Store marks keys as processed.
type Store interface {
	// MarkProcessed records key with a TTL. It returns true if the key was
	// newly marked and false if it was already processed.
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Forget removes key so a later delivery is processed again.
	Forget(ctx context.Context, key string) error

	Close() error
}
