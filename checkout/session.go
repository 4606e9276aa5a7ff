// Package checkout models payment checkout sessions and their settlement
// state machine: pending moves once to completed, expired or failed, and
// terminal states never change again.
package checkout

import (
	"time"

	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// DefaultTTL is how long a pending session waits for payment.
const DefaultTTL = 24 * time.Hour

// Session is keyed by the provider's session id and always read scoped by
// tenant, so the same id under another tenant is not found.
type Session struct {
	ID         string       `json:"id"`
	TenantID   string       `json:"tenant_id"`
	UserID     string       `json:"user_id"`
	PackageID  id.PackageID `json:"package_id"`
	CreditType credit.Type  `json:"credit_type"`
	Credits    int64        `json:"credits"`
	Amount     types.Money  `json:"amount"`
	Provider   string       `json:"provider"`
	Status     Status       `json:"status"`

	// Set once when the session completes.
	CreditsAdded   int64  `json:"credits_added,omitempty"`
	TransactionRef string `json:"transaction_ref,omitempty"`

	RedirectURL string `json:"redirect_url,omitempty"`

	// ClaimToken and ClaimExpiresAt form the settlement lease. Only the
	// holder of a live claim may complete the session.
	ClaimToken     string    `json:"-"`
	ClaimExpiresAt time.Time `json:"-"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// Expired reports whether a pending session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return s.Status == StatusPending && !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Claimable reports whether a new settlement lease may be taken at now.
func (s *Session) Claimable(now time.Time) bool {
	return s.Status == StatusPending && (s.ClaimToken == "" || now.After(s.ClaimExpiresAt))
}
