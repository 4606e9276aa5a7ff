package credit

import "context"

// Store persists credit accounts. Every mutation is a single atomic
// operation on the backend; callers never read-modify-write a balance.
type Store interface {
	// GetOrCreateAccount returns the account for (tenantID, userID),
	// inserting it with seed balances if absent. Concurrent first access
	// creates exactly one account.
	GetOrCreateAccount(ctx context.Context, tenantID, userID string, seed Balances) (*Account, error)

	GetAccount(ctx context.Context, tenantID, userID string) (*Account, error)

	// TryDeduct decrements the counter for t and increments its usage
	// counter, only if the balance covers amount. A missing account is a
	// zero balance.
	TryDeduct(ctx context.Context, tenantID, userID string, t Type, amount int64) (int64, error)

	GrantCredits(ctx context.Context, tenantID, userID string, t Type, amount int64) (int64, error)

	ListAccounts(ctx context.Context, tenantID string, opts ListOpts) ([]*Account, error)
}

type ListOpts struct {
	Limit  int
	Offset int
}
