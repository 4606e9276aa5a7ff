package credits

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/checkout"
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/provider"
	"github.com/xraph/credits/txlog"
	"github.com/xraph/credits/types"
)

// CheckoutInput starts a purchase of one package.
type CheckoutInput struct {
	TenantID  string
	UserID    string
	PackageID id.PackageID
}

// Settlement is the outcome of VerifyAndSettle. Replayed is set when the
// session was already completed and the stored result is returned.
type Settlement struct {
	SessionID      string            `json:"session_id"`
	CreditType     credit.Type       `json:"credit_type"`
	CreditsAdded   int64             `json:"credits_added"`
	TransactionRef string            `json:"transaction_ref"`
	Balance        int64             `json:"balance"`
	Replayed       bool              `json:"replayed,omitempty"`
	Session        *checkout.Session `json:"-"`
}

// Err returns ErrAlreadyCompleted for a replayed settlement, for callers
// that treat a repeat verification as an error outcome.
func (s *Settlement) Err() error {
	if s.Replayed {
		return ErrAlreadyCompleted
	}
	return nil
}

// ──────────────────────────────────────────────────
// Checkout
// ──────────────────────────────────────────────────

// CreateCheckout opens a provider checkout for a package and records a
// pending session.
func (l *Ledger) CreateCheckout(ctx context.Context, in CheckoutInput) (*checkout.Session, error) {
	if err := validateOwner(in.TenantID, in.UserID); err != nil {
		return nil, err
	}

	pkg, err := l.activePackage(ctx, in.PackageID)
	if err != nil {
		return nil, err
	}

	p, err := l.paymentProvider(ctx)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, l.providerTimeout)
	defer cancel()

	info, err := p.CreateSession(pctx, provider.SessionRequest{
		TenantID: in.TenantID,
		UserID:   in.UserID,
		Package:  pkg,
	})
	if err != nil {
		return nil, fmt.Errorf("credits: create checkout session: %w", err)
	}

	now := l.now()
	sess := &checkout.Session{
		ID:          info.ID,
		TenantID:    in.TenantID,
		UserID:      in.UserID,
		PackageID:   pkg.ID,
		CreditType:  pkg.CreditType,
		Credits:     pkg.Credits,
		Amount:      pkg.Price,
		Provider:    p.Name(),
		Status:      checkout.StatusPending,
		RedirectURL: info.URL,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(l.sessionTTL),
	}

	if err := l.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	l.logger.Info("checkout session created",
		"tenant_id", sess.TenantID,
		"user_id", sess.UserID,
		"session_id", sess.ID,
		"package_id", sess.PackageID.String(),
		"amount", sess.Amount.String(),
	)

	l.plugins.EmitCheckoutCreated(ctx, sess)
	return sess, nil
}

// Session returns a checkout session scoped by tenant.
func (l *Ledger) Session(ctx context.Context, tenantID, sessionID string) (*checkout.Session, error) {
	return l.store.GetSession(ctx, tenantID, sessionID)
}

// Sessions lists a tenant's checkout sessions, newest first.
func (l *Ledger) Sessions(ctx context.Context, tenantID string, opts checkout.ListOpts) ([]*checkout.Session, error) {
	return l.store.ListSessions(ctx, tenantID, opts)
}

// VerifyAndSettle confirms payment of a session with the provider and
// grants its credits exactly once. Calling it again for a completed
// session returns the stored result with Replayed set and changes nothing.
func (l *Ledger) VerifyAndSettle(ctx context.Context, tenantID, sessionID string) (*Settlement, error) {
	if tenantID == "" {
		return nil, ValidationError{Field: "tenant_id", Message: "is required"}
	}
	if sessionID == "" {
		return nil, ValidationError{Field: "session_id", Message: "is required"}
	}

	sess, err := l.store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}

	switch sess.Status {
	case checkout.StatusCompleted:
		return l.replay(ctx, sess)
	case checkout.StatusExpired:
		return nil, ErrSessionExpired
	case checkout.StatusFailed:
		return nil, ErrPaymentFailed
	}

	status, err := l.paymentStatus(ctx, sess)
	if err != nil {
		if IsConfiguration(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrPaymentNotCompleted, err)
	}

	switch status {
	case provider.StatusPaid:
		return l.settle(ctx, sess)
	case provider.StatusExpired:
		if _, err := l.closeSession(ctx, sess, checkout.StatusExpired); err != nil {
			return nil, err
		}
		return nil, ErrSessionExpired
	default:
		return nil, fmt.Errorf("%w: provider reports %s", ErrPaymentNotCompleted, status)
	}
}

// paymentStatus asks the provider about a session within the provider
// timeout, even if the provider ignores its context.
func (l *Ledger) paymentStatus(ctx context.Context, sess *checkout.Session) (provider.PaymentStatus, error) {
	p, err := l.paymentProvider(ctx)
	if err != nil {
		return provider.StatusUnknown, err
	}

	pctx, cancel := context.WithTimeout(ctx, l.providerTimeout)
	defer cancel()

	type result struct {
		status provider.PaymentStatus
		err    error
	}
	done := make(chan result, 1)

	go func() {
		status, err := p.SessionStatus(pctx, sess.ID)
		done <- result{status, err}
	}()

	select {
	case r := <-done:
		return r.status, r.err
	case <-pctx.Done():
		l.logger.Warn("payment provider did not answer in time",
			"tenant_id", sess.TenantID,
			"session_id", sess.ID,
			"timeout", l.providerTimeout,
		)
		return provider.StatusUnknown, pctx.Err()
	}
}

// settle grants a paid session's credits under a claim lease and marks
// the session completed.
func (l *Ledger) settle(ctx context.Context, sess *checkout.Session) (*Settlement, error) {
	if _, err := l.store.GetPackage(ctx, sess.PackageID); err != nil {
		if IsNotFound(err) {
			l.logger.Error("paid checkout references a missing package",
				"tenant_id", sess.TenantID,
				"session_id", sess.ID,
				"package_id", sess.PackageID.String(),
			)
			return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, sess.PackageID)
		}
		return nil, err
	}

	now := l.now()
	token := rand.Text()

	won, err := l.store.ClaimSession(ctx, sess.TenantID, sess.ID, token, now.Add(l.claimLease), now)
	if err != nil {
		return nil, err
	}
	if !won {
		return l.afterLostClaim(ctx, sess)
	}

	var (
		added   int64
		txRef   string
		balance int64
	)

	// A previous holder may have granted and then crashed before completing.
	prior, err := l.store.FindEntryByReference(ctx, sess.TenantID, txlog.ReasonPurchase, sess.ID)
	switch {
	case err == nil:
		added, txRef = prior.Amount, prior.ID.String()
		a, err := l.store.GetAccount(ctx, sess.TenantID, sess.UserID)
		if err != nil {
			return nil, err
		}
		balance = a.Balances.Get(sess.CreditType)

		l.logger.Warn("resuming settlement with an existing purchase entry",
			"tenant_id", sess.TenantID,
			"session_id", sess.ID,
			"entry_id", txRef,
		)

	case errors.Is(err, ErrEntryNotFound):
		res, err := l.Grant(ctx, GrantInput{
			TenantID:          sess.TenantID,
			UserID:            sess.UserID,
			Type:              sess.CreditType,
			Amount:            sess.Credits,
			Reason:            txlog.ReasonPurchase,
			ExternalReference: sess.ID,
		})
		if err != nil {
			return nil, err
		}
		added, txRef, balance = res.Entry.Amount, res.Entry.ID.String(), res.Balance

	default:
		return nil, err
	}

	done := l.now()
	ok, err := l.store.CompleteSession(ctx, sess.TenantID, sess.ID, token, added, txRef, done)
	if err != nil {
		return nil, err
	}
	if !ok {
		return l.afterLostClaim(ctx, sess)
	}

	sess.Status = checkout.StatusCompleted
	sess.CreditsAdded = added
	sess.TransactionRef = txRef
	sess.CompletedAt = done
	sess.UpdatedAt = done

	l.logger.Info("checkout settled",
		"tenant_id", sess.TenantID,
		"user_id", sess.UserID,
		"session_id", sess.ID,
		"credit_type", sess.CreditType,
		"credits_added", added,
		"transaction_ref", txRef,
	)

	l.plugins.EmitCheckoutSettled(ctx, sess)

	return &Settlement{
		SessionID:      sess.ID,
		CreditType:     sess.CreditType,
		CreditsAdded:   added,
		TransactionRef: txRef,
		Balance:        balance,
		Session:        sess,
	}, nil
}

// afterLostClaim waits for the caller holding the settlement lease. It
// returns the stored result once the session completes, and
// ErrSettlementInProgress when the lease lapses or the wait runs out first.
func (l *Ledger) afterLostClaim(ctx context.Context, sess *checkout.Session) (*Settlement, error) {
	deadline := time.NewTimer(l.providerTimeout)
	defer deadline.Stop()

	wait := claimPollMin
	for {
		cur, err := l.store.GetSession(ctx, sess.TenantID, sess.ID)
		if err != nil {
			return nil, err
		}
		switch cur.Status {
		case checkout.StatusCompleted:
			return l.replay(ctx, cur)
		case checkout.StatusExpired:
			return nil, ErrSessionExpired
		case checkout.StatusFailed:
			return nil, ErrPaymentFailed
		}

		// The holder is gone; the next call may take the lease.
		if cur.Claimable(l.now()) {
			return nil, ErrSettlementInProgress
		}

		poll := time.NewTimer(wait)
		select {
		case <-poll.C:
		case <-deadline.C:
			poll.Stop()
			l.logger.Debug("gave up waiting for a concurrent settlement",
				"tenant_id", sess.TenantID,
				"session_id", sess.ID,
			)
			return nil, ErrSettlementInProgress
		case <-ctx.Done():
			poll.Stop()
			return nil, fmt.Errorf("%w: %w", ErrSettlementInProgress, ctx.Err())
		}
		wait = min(wait*2, claimPollMax)
	}
}

// replay returns the stored result of a completed session.
func (l *Ledger) replay(ctx context.Context, sess *checkout.Session) (*Settlement, error) {
	a, err := l.store.GetAccount(ctx, sess.TenantID, sess.UserID)
	if err != nil {
		return nil, err
	}

	l.logger.Debug("checkout already settled",
		"tenant_id", sess.TenantID,
		"session_id", sess.ID,
	)

	return &Settlement{
		SessionID:      sess.ID,
		CreditType:     sess.CreditType,
		CreditsAdded:   sess.CreditsAdded,
		TransactionRef: sess.TransactionRef,
		Balance:        a.Balances.Get(sess.CreditType),
		Replayed:       true,
		Session:        sess,
	}, nil
}

// closeSession moves a pending session to expired or failed. It reports
// false when the session was no longer closable.
func (l *Ledger) closeSession(ctx context.Context, sess *checkout.Session, status checkout.Status) (bool, error) {
	now := l.now()
	ok, err := l.store.CloseSession(ctx, sess.TenantID, sess.ID, status, now)
	if err != nil || !ok {
		return ok, err
	}

	sess.Status = status
	sess.UpdatedAt = now

	l.logger.Info("checkout session closed",
		"tenant_id", sess.TenantID,
		"session_id", sess.ID,
		"status", status,
	)

	l.plugins.EmitCheckoutClosed(ctx, sess)
	return true, nil
}

// ExpireStaleSessions settles or expires pending sessions past their
// expiry. A session the provider reports paid is settled; one it reports
// unpaid or expired is closed. It returns the number expired.
func (l *Ledger) ExpireStaleSessions(ctx context.Context) (int, error) {
	stale, err := l.store.ListStaleSessions(ctx, l.now(), sweepBatchSize)
	if err != nil {
		return 0, err
	}

	var (
		expired int
		errs    MultiError
	)

	for _, sess := range stale {
		status, err := l.paymentStatus(ctx, sess)
		if err != nil {
			if IsConfiguration(err) {
				return expired, err
			}
			// Unreachable provider: retry on the next sweep.
			errs.Add(fmt.Errorf("session %s: %w", sess.ID, err))
			continue
		}

		switch status {
		case provider.StatusPaid:
			if _, err := l.settle(ctx, sess); err != nil && !errors.Is(err, ErrSettlementInProgress) {
				errs.Add(fmt.Errorf("session %s: %w", sess.ID, err))
			}

		case provider.StatusUnpaid, provider.StatusExpired:
			ok, err := l.closeSession(ctx, sess, checkout.StatusExpired)
			if err != nil {
				errs.Add(fmt.Errorf("session %s: %w", sess.ID, err))
				continue
			}
			if ok {
				expired++
			}
		}
	}

	if errs.HasErrors() {
		l.logger.Warn("some stale checkout sessions could not be swept",
			"failed", len(errs.Errors),
			"error", errs.Errors[0],
		)
	}

	return expired, nil
}

// ──────────────────────────────────────────────────
// Package catalog
// ──────────────────────────────────────────────────

// CreatePackage adds a package to the catalog.
func (l *Ledger) CreatePackage(ctx context.Context, p *catalog.Package) error {
	if p.ID.IsNil() {
		p.ID = id.NewPackageID()
	}
	p.Entity = types.NewEntity()

	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	return l.store.CreatePackage(ctx, p)
}

// GetPackage returns a package by id.
func (l *Ledger) GetPackage(ctx context.Context, packageID id.PackageID) (*catalog.Package, error) {
	return l.store.GetPackage(ctx, packageID)
}

// ListPackages lists the catalog.
func (l *Ledger) ListPackages(ctx context.Context, opts catalog.ListOpts) ([]*catalog.Package, error) {
	return l.store.ListPackages(ctx, opts)
}

// UpdatePackage replaces a package. Sessions keep the credits and price
// they were opened with.
func (l *Ledger) UpdatePackage(ctx context.Context, p *catalog.Package) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	p.Touch()
	return l.store.UpdatePackage(ctx, p)
}

func (l *Ledger) activePackage(ctx context.Context, packageID id.PackageID) (*catalog.Package, error) {
	pkg, err := l.store.GetPackage(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if !pkg.Active {
		return nil, fmt.Errorf("%w: %s is inactive", ErrPackageNotFound, packageID)
	}
	return pkg, nil
}

// ──────────────────────────────────────────────────
// Provider configuration
// ──────────────────────────────────────────────────

// SaveProviderConfig stores a provider config with a keyed upsert. A
// provider built from the previous config is rebuilt on next use.
func (l *Ledger) SaveProviderConfig(ctx context.Context, cfg *provider.Config) error {
	if cfg.Provider == "" {
		return ValidationError{Field: "provider", Message: "is required"}
	}
	cfg.UpdatedAt = l.now()

	if err := l.store.SaveProviderConfig(ctx, cfg); err != nil {
		return err
	}

	l.resetProvider()
	l.logger.Info("payment provider config saved", "provider", cfg.Provider)
	return nil
}

// ProviderConfig returns the stored config for a provider.
func (l *Ledger) ProviderConfig(ctx context.Context, name string) (*provider.Config, error) {
	return l.store.GetProviderConfig(ctx, name)
}
