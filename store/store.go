package store

import (
	"context"
	"time"

	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/checkout"
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/provider"
	"github.com/xraph/credits/txlog"
)

// Store is the unified storage interface for all credit entities.
// Instead of embedding the sub-interfaces, we explicitly declare all methods
// to avoid naming conflicts.
type Store interface {
	// Account methods
	GetOrCreateAccount(ctx context.Context, tenantID, userID string, seed credit.Balances) (*credit.Account, error)
	GetAccount(ctx context.Context, tenantID, userID string) (*credit.Account, error)
	TryDeduct(ctx context.Context, tenantID, userID string, t credit.Type, amount int64) (int64, error)
	GrantCredits(ctx context.Context, tenantID, userID string, t credit.Type, amount int64) (int64, error)
	ListAccounts(ctx context.Context, tenantID string, opts credit.ListOpts) ([]*credit.Account, error)

	// Transaction log methods
	AppendEntry(ctx context.Context, e *txlog.Entry) error
	ListEntries(ctx context.Context, tenantID, userID string, opts txlog.ListOpts) ([]*txlog.Entry, error)
	FindEntryByReference(ctx context.Context, tenantID string, reason txlog.Reason, ref string) (*txlog.Entry, error)

	// Checkout session methods
	CreateSession(ctx context.Context, s *checkout.Session) error
	GetSession(ctx context.Context, tenantID, sessionID string) (*checkout.Session, error)
	ClaimSession(ctx context.Context, tenantID, sessionID, token string, until, now time.Time) (bool, error)
	CompleteSession(ctx context.Context, tenantID, sessionID, token string, creditsAdded int64, txRef string, at time.Time) (bool, error)
	CloseSession(ctx context.Context, tenantID, sessionID string, status checkout.Status, at time.Time) (bool, error)
	ListStaleSessions(ctx context.Context, before time.Time, limit int) ([]*checkout.Session, error)
	ListSessions(ctx context.Context, tenantID string, opts checkout.ListOpts) ([]*checkout.Session, error)

	// Package methods
	CreatePackage(ctx context.Context, p *catalog.Package) error
	GetPackage(ctx context.Context, packageID id.PackageID) (*catalog.Package, error)
	ListPackages(ctx context.Context, opts catalog.ListOpts) ([]*catalog.Package, error)
	UpdatePackage(ctx context.Context, p *catalog.Package) error

	// Provider config methods
	SaveProviderConfig(ctx context.Context, cfg *provider.Config) error
	GetProviderConfig(ctx context.Context, name string) (*provider.Config, error)

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Compile-time checks that the aggregate covers each sub-interface.
var (
	_ credit.Store         = Store(nil)
	_ txlog.Store          = Store(nil)
	_ checkout.Store       = Store(nil)
	_ catalog.Store        = Store(nil)
	_ provider.ConfigStore = Store(nil)
)
