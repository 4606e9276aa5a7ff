package extension

import (
	"time"

	credits "github.com/xraph/credits"
	"github.com/xraph/credits/checkout"
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/idempotency"
)

// Config holds the credits extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.credits" or "credits" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// SessionTTL is how long a pending checkout waits for payment (default: 24h).
	SessionTTL time.Duration `json:"session_ttl" mapstructure:"session_ttl" yaml:"session_ttl"`

	// ProviderTimeout bounds each payment provider call (default: 10s).
	ProviderTimeout time.Duration `json:"provider_timeout" mapstructure:"provider_timeout" yaml:"provider_timeout"`

	// ClaimLease is how long a settlement claim holds a session (default: 2m).
	ClaimLease time.Duration `json:"claim_lease" mapstructure:"claim_lease" yaml:"claim_lease"`

	// SweepInterval is how often stale sessions are expired (default: 5m).
	// A negative value disables the sweeper.
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// WebhookTTL is how long processed webhook event ids are remembered
	// (default: 72h).
	WebhookTTL time.Duration `json:"webhook_ttl" mapstructure:"webhook_ttl" yaml:"webhook_ttl"`

	// Seed is the free-tier grant given to new accounts. Leave all fields
	// zero to use the built-in seed.
	Seed SeedConfig `json:"seed" mapstructure:"seed" yaml:"seed"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// SeedConfig mirrors credit.Balances for config binding.
type SeedConfig struct {
	Article int64 `json:"article" mapstructure:"article" yaml:"article"`
	Image   int64 `json:"image"   mapstructure:"image"   yaml:"image"`
	Rewrite int64 `json:"rewrite" mapstructure:"rewrite" yaml:"rewrite"`
}

// Balances converts the seed. ok is false when no field is set.
func (s SeedConfig) Balances() (b credit.Balances, ok bool) {
	b = credit.Balances{Article: s.Article, Image: s.Image, Rewrite: s.Rewrite}
	return b, b != credit.Balances{}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionTTL:      checkout.DefaultTTL,
		ProviderTimeout: credits.DefaultProviderTimeout,
		ClaimLease:      credits.DefaultClaimLease,
		SweepInterval:   credits.DefaultSweepInterval,
		WebhookTTL:      idempotency.DefaultTTL,
	}
}
