package cache

import (
	"context"
	"sync"
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/credit"
)

var _ BalanceCache = (*Memory)(nil)

type memoryEntry struct {
	balances  credit.Balances
	expiresAt time.Time
}

// Memory is an in-process BalanceCache. Expired entries are dropped lazily
// on read.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory creates a Memory cache. A ttl <= 0 uses DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, tenantID, userID string) (credit.Balances, error) {
	k := key(tenantID, userID)

	m.mu.RLock()
	e, ok := m.entries[k]
	m.mu.RUnlock()

	if !ok {
		return credit.Balances{}, credits.ErrCacheMiss
	}
	if !m.now().Before(e.expiresAt) {
		m.mu.Lock()
		// Re-check: a Set may have refreshed the entry meanwhile.
		if cur, ok := m.entries[k]; ok && !m.now().Before(cur.expiresAt) {
			delete(m.entries, k)
		}
		m.mu.Unlock()
		return credit.Balances{}, credits.ErrCacheMiss
	}
	return e.balances, nil
}

func (m *Memory) Set(_ context.Context, tenantID, userID string, b credit.Balances) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key(tenantID, userID)] = memoryEntry{balances: b, expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *Memory) Invalidate(_ context.Context, tenantID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key(tenantID, userID))
	return nil
}

// Len returns the number of entries, including expired ones not yet read.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
