// Package cache is the client-side balance cache and proxy.
//
// A Proxy sits in front of the ledger (or any Source) in the calling
// process. Reads are served from a BalanceCache, every mutation goes
// through to the source and drops the cached entry, and the Invalidator
// plugin lets the ledger tell other processes to drop theirs.
package cache

import (
	"context"
	"time"

	"github.com/xraph/credits/credit"
)

// DefaultTTL bounds how stale a cached balance can be when an
// invalidation is lost.
const DefaultTTL = 30 * time.Second

// BalanceCache stores balances per (tenant, user). Get returns
// credits.ErrCacheMiss when nothing usable is cached.
type BalanceCache interface {
	Get(ctx context.Context, tenantID, userID string) (credit.Balances, error)
	Set(ctx context.Context, tenantID, userID string, b credit.Balances) error
	Invalidate(ctx context.Context, tenantID, userID string) error
}

func key(tenantID, userID string) string {
	return tenantID + ":" + userID
}
