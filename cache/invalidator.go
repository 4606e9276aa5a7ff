package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/credits/plugin"
)

// DefaultChannel is the pub/sub channel balance invalidations travel on.
const DefaultChannel = "credits:invalidate"

// Invalidation names the account whose cached balances are stale.
type Invalidation struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}

// Notifier carries invalidations to caches in other processes.
type Notifier interface {
	Notify(ctx context.Context, inv Invalidation) error
}

// Invalidator is a ledger plugin that drops an account's cached balances
// whenever they change, then tells other processes to do the same.
type Invalidator struct {
	cache    BalanceCache
	notifier Notifier
}

var (
	_ plugin.Plugin           = (*Invalidator)(nil)
	_ plugin.OnBalanceChanged = (*Invalidator)(nil)
)

// NewInvalidator creates the plugin. Either argument may be nil.
func NewInvalidator(c BalanceCache, n Notifier) *Invalidator {
	return &Invalidator{cache: c, notifier: n}
}

func (i *Invalidator) Name() string { return "cache-invalidator" }

func (i *Invalidator) OnBalanceChanged(ctx context.Context, tenantID, userID string) error {
	if i.cache != nil {
		if err := i.cache.Invalidate(ctx, tenantID, userID); err != nil {
			return err
		}
	}
	if i.notifier != nil {
		return i.notifier.Notify(ctx, Invalidation{TenantID: tenantID, UserID: userID})
	}
	return nil
}

// LocalNotifier delivers invalidations to proxies in the same process.
type LocalNotifier struct {
	mu      sync.RWMutex
	proxies []*Proxy
}

func (n *LocalNotifier) Attach(p *Proxy) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.proxies = append(n.proxies, p)
}

func (n *LocalNotifier) Notify(ctx context.Context, inv Invalidation) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, p := range n.proxies {
		p.Invalidate(ctx, inv.TenantID, inv.UserID)
	}
	return nil
}

// RedisNotifier publishes invalidations on a Redis channel and, through
// Listen, applies the ones published by other processes.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisNotifier creates a notifier on channel. An empty channel uses
// DefaultChannel.
func NewRedisNotifier(client *redis.Client, channel string, logger *slog.Logger) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisNotifier{client: client, channel: channel, logger: logger}
}

func (n *RedisNotifier) Notify(ctx context.Context, inv Invalidation) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("cache: marshal invalidation: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, data).Err(); err != nil {
		return fmt.Errorf("cache: publish invalidation: %w", err)
	}
	return nil
}

// Listen subscribes to the channel and invalidates p for every message
// until ctx is done. It blocks; run it in a goroutine. ready, if non-nil,
// is closed once the subscription is confirmed.
func (n *RedisNotifier) Listen(ctx context.Context, p *Proxy, ready chan<- struct{}) error {
	sub := n.client.Subscribe(ctx, n.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("cache: subscribe %s: %w", n.channel, err)
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var inv Invalidation
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				n.logger.Warn("dropping malformed invalidation", "payload", msg.Payload, "error", err)
				continue
			}
			p.Invalidate(ctx, inv.TenantID, inv.UserID)
		}
	}
}
