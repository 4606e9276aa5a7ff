package checkout

import (
	"context"
	"time"
)

// Store persists checkout sessions. The Claim, Complete and Close methods
// are compare-and-swap transitions: they report false, not an error, when
// the session is no longer in the expected state.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, tenantID, sessionID string) (*Session, error)

	// ClaimSession takes the settlement lease if the session is pending and
	// no live claim exists at now.
	ClaimSession(ctx context.Context, tenantID, sessionID, token string, until, now time.Time) (bool, error)

	// CompleteSession moves pending to completed if token still holds the claim.
	CompleteSession(ctx context.Context, tenantID, sessionID, token string, creditsAdded int64, txRef string, at time.Time) (bool, error)

	// CloseSession moves pending to status (expired or failed) if no live
	// claim exists at at.
	CloseSession(ctx context.Context, tenantID, sessionID string, status Status, at time.Time) (bool, error)

	// ListStaleSessions returns pending sessions, across tenants, whose
	// expiry is before the given time.
	ListStaleSessions(ctx context.Context, before time.Time, limit int) ([]*Session, error)

	ListSessions(ctx context.Context, tenantID string, opts ListOpts) ([]*Session, error)
}

type ListOpts struct {
	UserID string
	Status Status
	Limit  int
	Offset int
}
