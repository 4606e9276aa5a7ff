package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/txlog"
)

// DeductInput describes a debit. Reason defaults to generation.
type DeductInput struct {
	TenantID string
	UserID   string
	Type     credit.Type
	Amount   int64
	Reason   txlog.Reason
}

// GrantInput describes a credit. Reason defaults to admin_adjustment.
type GrantInput struct {
	TenantID          string
	UserID            string
	Type              credit.Type
	Amount            int64
	Reason            txlog.Reason
	ExternalReference string
}

// Result is the outcome of a balance change. Unlogged is set when the
// balance moved but its log entry could not be written; the account then
// needs reconciliation.
type Result struct {
	Balance  int64        `json:"balance"`
	Entry    *txlog.Entry `json:"entry"`
	Unlogged bool         `json:"unlogged,omitempty"`
}

// Reconciliation compares stored balances with a replay of the log.
type Reconciliation struct {
	TenantID string          `json:"tenant_id"`
	UserID   string          `json:"user_id"`
	Stored   credit.Balances `json:"stored"`
	Replayed credit.Balances `json:"replayed"`
	Drift    credit.Balances `json:"drift"`
	Entries  int             `json:"entries"`
}

// Consistent reports whether the log explains the stored balances.
func (r *Reconciliation) Consistent() bool {
	return r.Drift == credit.Balances{}
}

// Account returns the full account, creating it with the default seed on
// first access.
func (l *Ledger) Account(ctx context.Context, tenantID, userID string) (*credit.Account, error) {
	if err := validateOwner(tenantID, userID); err != nil {
		return nil, err
	}
	return l.store.GetOrCreateAccount(ctx, tenantID, userID, l.seed)
}

// GetBalances returns the spendable balances of an account.
func (l *Ledger) GetBalances(ctx context.Context, tenantID, userID string) (credit.Balances, error) {
	a, err := l.Account(ctx, tenantID, userID)
	if err != nil {
		return credit.Balances{}, err
	}
	return a.Balances, nil
}

// Deduct takes Amount credits of Type if the balance covers it. When it
// does not, ErrInsufficientCredits is returned and nothing is written.
func (l *Ledger) Deduct(ctx context.Context, in DeductInput) (*Result, error) {
	if in.Reason == "" {
		in.Reason = txlog.ReasonGeneration
	}
	if err := validateChange(in.TenantID, in.UserID, in.Type, in.Amount, in.Reason); err != nil {
		return nil, err
	}

	// A brand new user can spend the seed.
	if _, err := l.store.GetOrCreateAccount(ctx, in.TenantID, in.UserID, l.seed); err != nil {
		return nil, err
	}

	balance, err := l.store.TryDeduct(ctx, in.TenantID, in.UserID, in.Type, in.Amount)
	if errors.Is(err, ErrInsufficientCredits) {
		l.logger.Debug("insufficient credits",
			"tenant_id", in.TenantID,
			"user_id", in.UserID,
			"credit_type", in.Type,
			"requested", in.Amount,
		)
		l.plugins.EmitInsufficientCredits(ctx, in.TenantID, in.UserID, in.Type, in.Amount)
		return nil, fmt.Errorf("%w: %d %s requested", ErrInsufficientCredits, in.Amount, in.Type)
	}
	if err != nil {
		return nil, err
	}

	entry := txlog.NewEntry(in.TenantID, in.UserID, in.Type, txlog.Debit, in.Amount, balance, in.Reason, "")
	res := l.record(ctx, entry)

	l.plugins.EmitCreditsDeducted(ctx, entry)
	l.plugins.EmitBalanceChanged(ctx, in.TenantID, in.UserID)

	return res, nil
}

// Grant adds Amount credits of Type. There is no upper bound.
func (l *Ledger) Grant(ctx context.Context, in GrantInput) (*Result, error) {
	if in.Reason == "" {
		in.Reason = txlog.ReasonAdminAdjustment
	}
	if err := validateChange(in.TenantID, in.UserID, in.Type, in.Amount, in.Reason); err != nil {
		return nil, err
	}
	if in.Reason == txlog.ReasonGeneration {
		return nil, ValidationError{Field: "reason", Message: "generation is a debit reason"}
	}

	if _, err := l.store.GetOrCreateAccount(ctx, in.TenantID, in.UserID, l.seed); err != nil {
		return nil, err
	}

	balance, err := l.store.GrantCredits(ctx, in.TenantID, in.UserID, in.Type, in.Amount)
	if err != nil {
		return nil, err
	}

	entry := txlog.NewEntry(in.TenantID, in.UserID, in.Type, txlog.Credit, in.Amount, balance, in.Reason, in.ExternalReference)
	res := l.record(ctx, entry)

	l.logger.Info("credits granted",
		"tenant_id", in.TenantID,
		"user_id", in.UserID,
		"credit_type", in.Type,
		"amount", in.Amount,
		"reason", in.Reason,
		"balance", balance,
	)

	l.plugins.EmitCreditsGranted(ctx, entry)
	l.plugins.EmitBalanceChanged(ctx, in.TenantID, in.UserID)

	return res, nil
}

// record appends entry to the log. The balance change already happened,
// so a failed append is flagged rather than returned.
func (l *Ledger) record(ctx context.Context, entry *txlog.Entry) *Result {
	res := &Result{Balance: entry.ResultingBalance, Entry: entry}

	if err := l.store.AppendEntry(ctx, entry); err != nil {
		res.Unlogged = true

		l.logger.Error("failed to write transaction log entry",
			"tenant_id", entry.TenantID,
			"user_id", entry.UserID,
			"entry_id", entry.ID.String(),
			"credit_type", entry.CreditType,
			"direction", entry.Direction,
			"amount", entry.Amount,
			"error", err,
		)
		l.plugins.EmitReconciliationNeeded(ctx, entry.TenantID, entry.UserID, err)
	}

	return res
}

// History returns an account's log entries in creation order.
func (l *Ledger) History(ctx context.Context, tenantID, userID string, opts txlog.ListOpts) ([]*txlog.Entry, error) {
	if err := validateOwner(tenantID, userID); err != nil {
		return nil, err
	}
	return l.store.ListEntries(ctx, tenantID, userID, opts)
}

// Reconcile replays the account's seed and log and compares the result
// with its stored balances. Changes racing with the read show up as drift.
func (l *Ledger) Reconcile(ctx context.Context, tenantID, userID string) (*Reconciliation, error) {
	if err := validateOwner(tenantID, userID); err != nil {
		return nil, err
	}

	a, err := l.store.GetAccount(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	entries, err := l.store.ListEntries(ctx, tenantID, userID, txlog.ListOpts{})
	if err != nil {
		return nil, err
	}

	rec := &Reconciliation{
		TenantID: tenantID,
		UserID:   userID,
		Stored:   a.Balances,
		Replayed: txlog.Replay(a.Seed, entries),
		Entries:  len(entries),
	}
	for _, t := range credit.Types() {
		rec.Drift.Add(t, rec.Stored.Get(t)-rec.Replayed.Get(t))
	}

	if !rec.Consistent() {
		l.logger.Warn("credit account drift detected",
			"tenant_id", tenantID,
			"user_id", userID,
			"stored", rec.Stored,
			"replayed", rec.Replayed,
		)
	}

	return rec, nil
}

func validateOwner(tenantID, userID string) error {
	if tenantID == "" {
		return ValidationError{Field: "tenant_id", Message: "is required"}
	}
	if userID == "" {
		return ValidationError{Field: "user_id", Message: "is required"}
	}
	return nil
}

func validateChange(tenantID, userID string, t credit.Type, amount int64, reason txlog.Reason) error {
	if err := validateOwner(tenantID, userID); err != nil {
		return err
	}
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCreditType, t)
	}
	if amount <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}
	if !reason.Valid() {
		return ValidationError{Field: "reason", Message: fmt.Sprintf("unknown reason %q", reason)}
	}
	return nil
}
