package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/credits"
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/txlog"
)

// Source is the authority behind a Proxy. *credits.Ledger satisfies it.
type Source interface {
	GetBalances(ctx context.Context, tenantID, userID string) (credit.Balances, error)
	Deduct(ctx context.Context, in credits.DeductInput) (*credits.Result, error)
	Grant(ctx context.Context, in credits.GrantInput) (*credits.Result, error)
}

var _ Source = (*credits.Ledger)(nil)

// Proxy serves balance reads from a cache and forwards every mutation to
// its Source. The cache is never written from a mutation result, only
// dropped, so a racing read cannot pin a stale value past the TTL.
type Proxy struct {
	source Source
	cache  BalanceCache
	logger *slog.Logger
}

// ProxyOption configures a Proxy.
type ProxyOption func(*Proxy)

// WithProxyLogger sets the logger. Cache failures are logged, never returned.
func WithProxyLogger(l *slog.Logger) ProxyOption {
	return func(p *Proxy) { p.logger = l }
}

// NewProxy creates a Proxy. A nil cache uses a Memory cache with DefaultTTL.
func NewProxy(source Source, c BalanceCache, opts ...ProxyOption) *Proxy {
	if c == nil {
		c = NewMemory(DefaultTTL)
	}
	p := &Proxy{
		source: source,
		cache:  c,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetBalances returns cached balances, loading them from the source on a
// miss.
func (p *Proxy) GetBalances(ctx context.Context, tenantID, userID string) (credit.Balances, error) {
	b, err := p.cache.Get(ctx, tenantID, userID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, credits.ErrCacheMiss) {
		p.logger.Warn("balance cache read failed", "tenant_id", tenantID, "user_id", userID, "error", err)
	}

	b, err = p.source.GetBalances(ctx, tenantID, userID)
	if err != nil {
		return credit.Balances{}, err
	}

	if err := p.cache.Set(ctx, tenantID, userID, b); err != nil {
		p.logger.Warn("balance cache write failed", "tenant_id", tenantID, "user_id", userID, "error", err)
	}
	return b, nil
}

// Deduct forwards to the source and drops the cached entry.
func (p *Proxy) Deduct(ctx context.Context, in credits.DeductInput) (*credits.Result, error) {
	res, err := p.source.Deduct(ctx, in)
	p.Invalidate(ctx, in.TenantID, in.UserID)
	return res, err
}

// Grant forwards to the source and drops the cached entry.
func (p *Proxy) Grant(ctx context.Context, in credits.GrantInput) (*credits.Result, error) {
	res, err := p.source.Grant(ctx, in)
	p.Invalidate(ctx, in.TenantID, in.UserID)
	return res, err
}

// Invalidate drops the cached balances of one account. Call it when the
// ledger reports a change made elsewhere, such as a settled purchase.
func (p *Proxy) Invalidate(ctx context.Context, tenantID, userID string) {
	if err := p.cache.Invalidate(ctx, tenantID, userID); err != nil {
		p.logger.Warn("balance cache invalidate failed", "tenant_id", tenantID, "user_id", userID, "error", err)
	}
}

// SpendRequest describes credits reserved for one generation.
type SpendRequest struct {
	TenantID string
	UserID   string
	Type     credit.Type
	// Amount defaults to 1.
	Amount int64
}

// Spend reserves the credits, then runs fn. If fn fails the reservation is
// refunded and fn's error is returned. fn never runs without a successful
// deduction, so a failed or cancelled generation cannot be paid for and a
// successful one cannot go unpaid.
//
// A cached balance that is already too low fails fast with
// ErrInsufficientCredits without calling the source.
func (p *Proxy) Spend(ctx context.Context, req SpendRequest, fn func(ctx context.Context) error) (*credits.Result, error) {
	if req.Amount == 0 {
		req.Amount = 1
	}

	if b, err := p.cache.Get(ctx, req.TenantID, req.UserID); err == nil && b.Get(req.Type) < req.Amount {
		return nil, fmt.Errorf("%w: %d %s requested", credits.ErrInsufficientCredits, req.Amount, req.Type)
	}

	res, err := p.Deduct(ctx, credits.DeductInput{
		TenantID: req.TenantID,
		UserID:   req.UserID,
		Type:     req.Type,
		Amount:   req.Amount,
		Reason:   txlog.ReasonGeneration,
	})
	if err != nil {
		return nil, err
	}

	fnErr := fn(ctx)
	if fnErr == nil {
		return res, nil
	}

	// The caller's context may be what failed fn; the refund must still land.
	_, refundErr := p.Grant(context.WithoutCancel(ctx), credits.GrantInput{
		TenantID:          req.TenantID,
		UserID:            req.UserID,
		Type:              req.Type,
		Amount:            req.Amount,
		Reason:            txlog.ReasonRefund,
		ExternalReference: res.Entry.ID.String(),
	})
	if refundErr != nil {
		p.logger.Error("failed to refund reserved credits",
			"tenant_id", req.TenantID,
			"user_id", req.UserID,
			"credit_type", req.Type,
			"amount", req.Amount,
			"reservation", res.Entry.ID.String(),
			"error", refundErr,
		)
		return nil, errors.Join(fnErr, fmt.Errorf("refund: %w", refundErr))
	}

	return nil, fnErr
}
