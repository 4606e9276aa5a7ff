package credits

import (
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/types"
)

// Re-export common types for convenience so users don't have to import the
// leaf packages for everyday calls.

// Money is re-exported from types package.
type Money = types.Money

// Balances is re-exported from credit package.
type Balances = credit.Balances

// CreditType is re-exported from credit package.
type CreditType = credit.Type

// Credit types.
const (
	Article = credit.Article
	Image   = credit.Image
	Rewrite = credit.Rewrite
)

// Re-export Money constructors
var (
	USD  = types.USD
	EUR  = types.EUR
	GBP  = types.GBP
	JPY  = types.JPY
	Zero = types.Zero
)
