// Package memory is an in-process Store. Each method runs under one lock,
// so every operation is atomic. Useful for tests and single-node setups.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/checkout"
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/provider"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/txlog"
	"github.com/xraph/credits/types"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	// Accounts keyed by tenant and user
	accounts map[string]*credit.Account

	// Transaction log in append order
	entries []*txlog.Entry

	// Checkout sessions keyed by provider session id
	sessions map[string]*checkout.Session

	packages map[string]*catalog.Package
	configs  map[string]*provider.Config

	closed bool
}

func New() *Store {
	return &Store{
		accounts: make(map[string]*credit.Account),
		entries:  make([]*txlog.Entry, 0),
		sessions: make(map[string]*checkout.Session),
		packages: make(map[string]*catalog.Package),
		configs:  make(map[string]*provider.Config),
	}
}

func accountKey(tenantID, userID string) string {
	return tenantID + "\x00" + userID
}

// Account Store implementation
func (s *Store) GetOrCreateAccount(_ context.Context, tenantID, userID string, seed credit.Balances) (*credit.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := accountKey(tenantID, userID)
	if a, ok := s.accounts[key]; ok {
		return copyAccount(a), nil
	}

	a := &credit.Account{
		Entity:   types.NewEntity(),
		ID:       id.NewAccountID(),
		TenantID: tenantID,
		UserID:   userID,
		Balances: seed,
		Seed:     seed,
	}
	s.accounts[key] = a
	return copyAccount(a), nil
}

func (s *Store) GetAccount(_ context.Context, tenantID, userID string) (*credit.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.accounts[accountKey(tenantID, userID)]; ok {
		return copyAccount(a), nil
	}
	return nil, credits.ErrAccountNotFound
}

func (s *Store) TryDeduct(_ context.Context, tenantID, userID string, t credit.Type, amount int64) (int64, error) {
	if !t.Valid() {
		return 0, credits.ErrInvalidCreditType
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountKey(tenantID, userID)]
	if !ok || a.Balances.Get(t) < amount {
		return 0, credits.ErrInsufficientCredits
	}

	a.Balances.Add(t, -amount)
	a.Usage.Add(t, amount)
	a.Touch()
	return a.Balances.Get(t), nil
}

func (s *Store) GrantCredits(_ context.Context, tenantID, userID string, t credit.Type, amount int64) (int64, error) {
	if !t.Valid() {
		return 0, credits.ErrInvalidCreditType
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountKey(tenantID, userID)]
	if !ok {
		return 0, credits.ErrAccountNotFound
	}

	a.Balances.Add(t, amount)
	a.Touch()
	return a.Balances.Get(t), nil
}

func (s *Store) ListAccounts(_ context.Context, tenantID string, opts credit.ListOpts) ([]*credit.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*credit.Account, 0)
	for _, a := range s.accounts {
		if a.TenantID == tenantID {
			result = append(result, copyAccount(a))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UserID < result[j].UserID })

	return page(result, opts.Offset, opts.Limit), nil
}

// Transaction log implementation
func (s *Store) AppendEntry(_ context.Context, e *txlog.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *Store) ListEntries(_ context.Context, tenantID, userID string, opts txlog.ListOpts) ([]*txlog.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*txlog.Entry, 0)
	for _, e := range s.entries {
		if e.TenantID != tenantID || e.UserID != userID {
			continue
		}
		if opts.CreditType != "" && e.CreditType != opts.CreditType {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) FindEntryByReference(_ context.Context, tenantID string, reason txlog.Reason, ref string) (*txlog.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		if e.TenantID == tenantID && e.Reason == reason && e.ExternalReference == ref {
			cp := *e
			return &cp, nil
		}
	}
	return nil, credits.ErrEntryNotFound
}

// Checkout session implementation
func (s *Store) CreateSession(_ context.Context, sess *checkout.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return credits.ErrAlreadyExists
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *Store) GetSession(_ context.Context, tenantID, sessionID string) (*checkout.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.TenantID != tenantID {
		return nil, credits.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) ClaimSession(_ context.Context, tenantID, sessionID, token string, until, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.TenantID != tenantID {
		return false, credits.ErrSessionNotFound
	}
	if !sess.Claimable(now) {
		return false, nil
	}

	sess.ClaimToken = token
	sess.ClaimExpiresAt = until
	sess.UpdatedAt = now
	return true, nil
}

func (s *Store) CompleteSession(_ context.Context, tenantID, sessionID, token string, creditsAdded int64, txRef string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.TenantID != tenantID {
		return false, credits.ErrSessionNotFound
	}
	if sess.Status != checkout.StatusPending || sess.ClaimToken != token {
		return false, nil
	}

	sess.Status = checkout.StatusCompleted
	sess.CreditsAdded = creditsAdded
	sess.TransactionRef = txRef
	sess.CompletedAt = at
	sess.UpdatedAt = at
	sess.ClaimToken = ""
	sess.ClaimExpiresAt = time.Time{}
	return true, nil
}

func (s *Store) CloseSession(_ context.Context, tenantID, sessionID string, status checkout.Status, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.TenantID != tenantID {
		return false, credits.ErrSessionNotFound
	}
	if !sess.Claimable(at) {
		return false, nil
	}

	sess.Status = status
	sess.UpdatedAt = at
	return true, nil
}

func (s *Store) ListStaleSessions(_ context.Context, before time.Time, limit int) ([]*checkout.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*checkout.Session, 0)
	for _, sess := range s.sessions {
		if sess.Status == checkout.StatusPending && sess.ExpiresAt.Before(before) {
			cp := *sess
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })

	return page(result, 0, limit), nil
}

func (s *Store) ListSessions(_ context.Context, tenantID string, opts checkout.ListOpts) ([]*checkout.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*checkout.Session, 0)
	for _, sess := range s.sessions {
		if sess.TenantID != tenantID {
			continue
		}
		if opts.UserID != "" && sess.UserID != opts.UserID {
			continue
		}
		if opts.Status != "" && sess.Status != opts.Status {
			continue
		}
		cp := *sess
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })

	return page(result, opts.Offset, opts.Limit), nil
}

// Package implementation
func (s *Store) CreatePackage(_ context.Context, p *catalog.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.packages[p.ID.String()]; exists {
		return credits.ErrAlreadyExists
	}
	cp := *p
	s.packages[p.ID.String()] = &cp
	return nil
}

func (s *Store) GetPackage(_ context.Context, packageID id.PackageID) (*catalog.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.packages[packageID.String()]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, credits.ErrPackageNotFound
}

func (s *Store) ListPackages(_ context.Context, opts catalog.ListOpts) ([]*catalog.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*catalog.Package, 0)
	for _, p := range s.packages {
		if opts.ActiveOnly && !p.Active {
			continue
		}
		if opts.CreditType != "" && p.CreditType != opts.CreditType {
			continue
		}
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID.Compare(result[j].ID) < 0 })

	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) UpdatePackage(_ context.Context, p *catalog.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.packages[p.ID.String()]; !exists {
		return credits.ErrPackageNotFound
	}
	cp := *p
	s.packages[p.ID.String()] = &cp
	return nil
}

// Provider config implementation
func (s *Store) SaveProviderConfig(_ context.Context, cfg *provider.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *cfg
	s.configs[cfg.Provider] = &cp
	return nil
}

func (s *Store) GetProviderConfig(_ context.Context, name string) (*provider.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cfg, ok := s.configs[name]; ok {
		cp := *cfg
		return &cp, nil
	}
	return nil, credits.ErrProviderNotConfigured
}

// Store management
func (s *Store) Migrate(_ context.Context) error {
	return nil // No migration needed for memory store
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return credits.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// Helper functions
func copyAccount(a *credit.Account) *credit.Account {
	cp := *a
	return &cp
}

func page[T any](items []T, offset, limit int) []T {
	start := min(offset, len(items))
	end := len(items)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return items[start:end]
}
