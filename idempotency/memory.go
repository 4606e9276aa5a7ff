package idempotency

import (
	"context"
	"sync"
	"time"
)

var _ Store = (*Memory)(nil)

// Memory keeps processed keys in a map and sweeps expired ones in the
// background. Suitable for single-instance deployments and tests.
type Memory struct {
	mu        sync.Mutex
	entries   map[string]time.Time
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewMemory creates a Memory store and starts its cleanup loop.
func NewMemory() *Memory {
	m := &Memory{
		entries:  make(map[string]time.Time),
		stopChan: make(chan struct{}),
	}

	m.wg.Add(1)
	go m.cleanupLoop(5 * time.Minute)

	return m
}

func (m *Memory) MarkProcessed(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if expiresAt, ok := m.entries[key]; ok && now.Before(expiresAt) {
		return false, nil
	}

	m.entries[key] = now.Add(ttl)
	return true, nil
}

func (m *Memory) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Close stops the cleanup loop. Safe to call more than once.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopChan)
		m.wg.Wait()
	})
	return nil
}

// Size returns the number of remembered keys, expired or not.
func (m *Memory) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) cleanupLoop(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *Memory) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for key, expiresAt := range m.entries {
		if now.After(expiresAt) {
			delete(m.entries, key)
		}
	}
}
