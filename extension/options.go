package extension

import (
	"time"

	credits "github.com/xraph/credits"
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/store"
)

// Option configures the credits Forge extension.
type Option func(*Extension)

// WithStore sets the store for the ledger. Without it an in-memory store
// is used.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithLedgerOption passes a credits.Option through to the underlying ledger.
func WithLedgerOption(opt credits.Option) Option {
	return func(e *Extension) {
		e.ledgerOpts = append(e.ledgerOpts, opt)
	}
}

// WithPlugin registers a ledger plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.ledgerOpts = append(e.ledgerOpts, credits.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithSessionTTL sets how long a pending checkout waits for payment.
func WithSessionTTL(d time.Duration) Option {
	return func(e *Extension) { e.config.SessionTTL = d }
}

// WithClaimLease sets the settlement claim duration.
func WithClaimLease(d time.Duration) Option {
	return func(e *Extension) { e.config.ClaimLease = d }
}

// WithSweepInterval sets how often stale sessions are expired.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.SweepInterval = d }
}

// WithSeed sets the free-tier grant for new accounts.
func WithSeed(b credit.Balances) Option {
	return func(e *Extension) {
		e.config.Seed = SeedConfig{Article: b.Article, Image: b.Image, Rewrite: b.Rewrite}
	}
}
