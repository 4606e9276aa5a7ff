package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits"
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/txlog"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLedger(t *testing.T, opts ...credits.Option) *credits.Ledger {
	t.Helper()
	opts = append([]credits.Option{
		credits.WithLogger(quietLogger()),
		credits.WithSweepInterval(0),
	}, opts...)
	l := credits.New(memory.New(), opts...)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop() })
	return l
}

// countingSource records how often reads reach the ledger.
type countingSource struct {
	*credits.Ledger
	reads atomic.Int64
}

func (c *countingSource) GetBalances(ctx context.Context, tenantID, userID string) (credit.Balances, error) {
	c.reads.Add(1)
	return c.Ledger.GetBalances(ctx, tenantID, userID)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	c := NewMemory(time.Minute)
	clock := time.Now()
	c.now = func() time.Time { return clock }

	_, err := c.Get(ctx, "site-a", "u1")
	assert.ErrorIs(t, err, credits.ErrCacheMiss)

	want := credit.Balances{Article: 4, Image: 10, Rewrite: 3}
	require.NoError(t, c.Set(ctx, "site-a", "u1", want))

	got, err := c.Get(ctx, "site-a", "u1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = c.Get(ctx, "site-b", "u1")
	assert.ErrorIs(t, err, credits.ErrCacheMiss, "tenants must not share entries")

	clock = clock.Add(2 * time.Minute)
	_, err = c.Get(ctx, "site-a", "u1")
	assert.ErrorIs(t, err, credits.ErrCacheMiss)
	assert.Equal(t, 0, c.Len())

	require.NoError(t, c.Set(ctx, "site-a", "u1", want))
	require.NoError(t, c.Invalidate(ctx, "site-a", "u1"))
	_, err = c.Get(ctx, "site-a", "u1")
	assert.ErrorIs(t, err, credits.ErrCacheMiss)
}

func TestRedis(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	c := NewRedis(client, "", time.Minute)

	want := credit.Balances{Article: 1, Image: 2, Rewrite: 3}
	require.NoError(t, c.Set(ctx, "site-a", "u1", want))

	got, err := c.Get(ctx, "site-a", "u1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	mr.FastForward(2 * time.Minute)
	_, err = c.Get(ctx, "site-a", "u1")
	assert.ErrorIs(t, err, credits.ErrCacheMiss)

	t.Run("corrupt entry is a miss", func(t *testing.T) {
		require.NoError(t, mr.Set(DefaultRedisPrefix+"site-a:u2", "{not json"))

		_, err := c.Get(ctx, "site-a", "u2")
		assert.ErrorIs(t, err, credits.ErrCacheMiss)
		assert.False(t, mr.Exists(DefaultRedisPrefix+"site-a:u2"))
	})

	t.Run("unreachable redis is an error", func(t *testing.T) {
		mr.Close()
		_, err := c.Get(ctx, "site-a", "u1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, credits.ErrCacheMiss)
	})
}

func TestProxyReadThrough(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{Ledger: newLedger(t)}
	p := NewProxy(src, nil, WithProxyLogger(quietLogger()))

	first, err := p.GetBalances(ctx, "site-a", "u1")
	require.NoError(t, err)
	assert.Equal(t, credit.DefaultSeed(), first)

	_, err = p.GetBalances(ctx, "site-a", "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), src.reads.Load(), "second read should be cached")

	_, err = p.Deduct(ctx, credits.DeductInput{TenantID: "site-a", UserID: "u1", Type: credit.Article, Amount: 1})
	require.NoError(t, err)

	after, err := p.GetBalances(ctx, "site-a", "u1")
	require.NoError(t, err)
	assert.Equal(t, first.Article-1, after.Article)
	assert.Equal(t, int64(2), src.reads.Load())
}

func TestSpend(t *testing.T) {
	ctx := context.Background()

	t.Run("success keeps the deduction", func(t *testing.T) {
		l := newLedger(t)
		p := NewProxy(l, nil, WithProxyLogger(quietLogger()))

		ran := false
		res, err := p.Spend(ctx, SpendRequest{TenantID: "site-a", UserID: "u1", Type: credit.Image}, func(context.Context) error {
			ran = true
			return nil
		})
		require.NoError(t, err)
		assert.True(t, ran)
		assert.Equal(t, credit.DefaultSeed().Image-1, res.Balance)
	})

	t.Run("failure refunds the reservation", func(t *testing.T) {
		l := newLedger(t)
		p := NewProxy(l, nil, WithProxyLogger(quietLogger()))
		boom := errors.New("generation failed")

		_, err := p.Spend(ctx, SpendRequest{TenantID: "site-a", UserID: "u1", Type: credit.Article, Amount: 2}, func(context.Context) error {
			return boom
		})
		require.ErrorIs(t, err, boom)

		bal, err := p.GetBalances(ctx, "site-a", "u1")
		require.NoError(t, err)
		assert.Equal(t, credit.DefaultSeed().Article, bal.Article)

		entries, err := l.History(ctx, "site-a", "u1", txlog.ListOpts{})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, txlog.ReasonGeneration, entries[0].Reason)
		assert.Equal(t, txlog.ReasonRefund, entries[1].Reason)
		assert.Equal(t, entries[0].ID.String(), entries[1].ExternalReference)
	})

	t.Run("cancelled caller still gets refunded", func(t *testing.T) {
		l := newLedger(t)
		p := NewProxy(l, nil, WithProxyLogger(quietLogger()))
		cctx, cancel := context.WithCancel(ctx)

		_, err := p.Spend(cctx, SpendRequest{TenantID: "site-a", UserID: "u1", Type: credit.Rewrite}, func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		})
		require.ErrorIs(t, err, context.Canceled)

		bal, err := l.GetBalances(ctx, "site-a", "u1")
		require.NoError(t, err)
		assert.Equal(t, credit.DefaultSeed().Rewrite, bal.Rewrite)
	})

	t.Run("empty balance never runs the generation", func(t *testing.T) {
		l := newLedger(t, credits.WithDefaultSeed(credit.Balances{}))
		p := NewProxy(l, nil, WithProxyLogger(quietLogger()))

		_, err := p.Spend(ctx, SpendRequest{TenantID: "site-a", UserID: "u1", Type: credit.Article}, func(context.Context) error {
			t.Fatal("generation ran without credits")
			return nil
		})
		assert.ErrorIs(t, err, credits.ErrInsufficientCredits)
	})

	t.Run("cached low balance fails fast", func(t *testing.T) {
		src := &countingSource{Ledger: newLedger(t, credits.WithDefaultSeed(credit.Balances{}))}
		c := NewMemory(time.Minute)
		require.NoError(t, c.Set(ctx, "site-a", "u1", credit.Balances{}))
		p := NewProxy(src, c, WithProxyLogger(quietLogger()))

		_, err := p.Spend(ctx, SpendRequest{TenantID: "site-a", UserID: "u1", Type: credit.Article}, func(context.Context) error {
			return nil
		})
		assert.ErrorIs(t, err, credits.ErrInsufficientCredits)

		entries, err := src.History(ctx, "site-a", "u1", txlog.ListOpts{})
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestInvalidatorWithLocalNotifier(t *testing.T) {
	ctx := context.Background()
	notifier := &LocalNotifier{}
	l := newLedger(t, credits.WithPlugin(NewInvalidator(nil, notifier)))

	p := NewProxy(l, nil, WithProxyLogger(quietLogger()))
	notifier.Attach(p)

	before, err := p.GetBalances(ctx, "site-a", "u1")
	require.NoError(t, err)

	// A change made directly on the ledger, as a settled purchase would be.
	_, err = l.Grant(ctx, credits.GrantInput{TenantID: "site-a", UserID: "u1", Type: credit.Article, Amount: 10})
	require.NoError(t, err)

	after, err := p.GetBalances(ctx, "site-a", "u1")
	require.NoError(t, err)
	assert.Equal(t, before.Article+10, after.Article)
}

func TestRedisNotifier(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, client := newRedis(t)

	c := NewMemory(time.Minute)
	p := NewProxy(&countingSource{Ledger: newLedger(t)}, c, WithProxyLogger(quietLogger()))
	require.NoError(t, c.Set(ctx, "site-a", "u1", credit.Balances{Article: 99}))

	n := NewRedisNotifier(client, "", quietLogger())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- n.Listen(ctx, p, ready) }()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not confirmed")
	}

	inv := NewInvalidator(nil, n)
	require.NoError(t, inv.OnBalanceChanged(ctx, "site-a", "u1"))

	assert.Eventually(t, func() bool {
		_, err := c.Get(ctx, "site-a", "u1")
		return errors.Is(err, credits.ErrCacheMiss)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
