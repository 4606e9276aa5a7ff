// Package credits provides a multi-tenant credit ledger for pay-per-use
// content generation.
//
// Every (tenant, user) pair owns one credit account holding a balance per
// credit type (article, image, rewrite). Generations spend credits, and
// purchases made through a hosted checkout add them. It provides:
//
//   - Atomic, never-negative deductions that are safe under concurrency
//   - An append-only transaction log that explains every balance
//   - Idempotent checkout settlement: a paid session grants credits once
//   - Webhook handling with event deduplication
//   - A read-through balance cache for callers in other processes
//
// # Quick Start
//
// Create a ledger with your preferred store:
//
//	import (
//	    "github.com/xraph/credits"
//	    "github.com/xraph/credits/store/memory"
//	)
//
//	l := credits.New(memory.New())
//	if err := l.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer l.Stop()
//
// # Spending credits
//
// Deduct before doing the costly work. A rejected deduction returns
// ErrInsufficientCredits and writes nothing:
//
//	res, err := l.Deduct(ctx, credits.DeductInput{
//	    TenantID: "site-a",
//	    UserID:   "42",
//	    Type:     credits.Article,
//	    Amount:   1,
//	})
//	if errors.Is(err, credits.ErrInsufficientCredits) {
//	    // show the purchase page
//	}
//
// The cache package's Spend wraps this pattern and refunds the credits when
// the generation fails.
//
// # Buying credits
//
// CreateCheckout opens a provider session for a catalog package. When the
// buyer returns, or the provider's webhook arrives, VerifyAndSettle asks the
// provider whether the session is paid and grants the package's credits.
// Any number of concurrent or repeated calls grant at most once:
//
//	s, err := l.VerifyAndSettle(ctx, "site-a", sessionID)
//	switch {
//	case errors.Is(err, credits.ErrPaymentNotCompleted):
//	    // try again later
//	case err == nil && s.Replayed:
//	    // already settled; s carries the original result
//	}
//
// # TypeID
//
// Accounts, log entries and packages use TypeIDs:
//
//	acct_01h2xcejqtf2nbrexx3vqjhp41  // Account ID
//	txn_01h2xcejqtf2nbrexx3vqjhp41   // Transaction ID
//	pkg_01h455vb4pex5vsknk084sn02q   // Package ID
//
// TypeIDs are K-sortable, so log entries sort in creation order.
package credits
