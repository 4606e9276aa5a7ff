// Package extension provides the Forge extension adapter for the credit
// ledger.
//
// It implements the forge.Extension interface to integrate the ledger
// into a Forge application with DI registration and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.credits" or "credits" keys.
package extension

import (
	"context"
	"errors"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	credits "github.com/xraph/credits"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "credits"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Per-user credit ledger with idempotent checkout settlement"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the credit ledger as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *credits.Ledger
	store      store.Store
	ledgerOpts []credits.Option
}

// New creates a new credits Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying Ledger instance.
// This is nil until Register is called.
func (e *Extension) Engine() *credits.Ledger { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the ledger, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	e.engine = e.buildEngine()

	return vessel.Provide(fapp.Container(), func() (*credits.Ledger, error) {
		return e.engine, nil
	})
}

// buildEngine constructs the ledger from the resolved config.
func (e *Extension) buildEngine() *credits.Ledger {
	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.store = memory.New()
	}

	s := e.store
	if e.config.DisableMigrate {
		s = noMigrate{s}
	}
	return credits.New(s, e.buildLedgerOpts()...)
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("credits: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("credits: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildLedgerOpts constructs credits.Option values from the resolved config.
func (e *Extension) buildLedgerOpts() []credits.Option {
	opts := make([]credits.Option, 0, len(e.ledgerOpts)+6)

	// Apply config-derived options.
	opts = append(opts,
		credits.WithSessionTTL(e.config.SessionTTL),
		credits.WithProviderTimeout(e.config.ProviderTimeout),
		credits.WithClaimLease(e.config.ClaimLease),
		credits.WithSweepInterval(e.config.SweepInterval),
		credits.WithWebhookTTL(e.config.WebhookTTL),
	)
	if seed, ok := e.config.Seed.Balances(); ok {
		opts = append(opts, credits.WithDefaultSeed(seed))
	}

	// Pass-through options come last so they win.
	opts = append(opts, e.ledgerOpts...)

	return opts
}

// noMigrate leaves schema management to the operator.
type noMigrate struct{ store.Store }

func (noMigrate) Migrate(context.Context) error { return nil }

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("credits: configuration is required but not found in config files; " +
				"ensure 'extensions.credits' or 'credits' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("credits: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("session_ttl", e.config.SessionTTL),
		forge.F("provider_timeout", e.config.ProviderTimeout),
		forge.F("claim_lease", e.config.ClaimLease),
		forge.F("sweep_interval", e.config.SweepInterval),
		forge.F("webhook_ttl", e.config.WebhookTTL),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	// Try "extensions.credits" first (namespaced pattern).
	if cm.IsSet("extensions.credits") {
		if err := cm.Bind("extensions.credits", &cfg); err == nil {
			e.Logger().Debug("credits: loaded config from file",
				forge.F("key", "extensions.credits"),
			)
			return cfg, true
		}
		e.Logger().Warn("credits: failed to bind extensions.credits config",
			forge.F("error", "bind failed"),
		)
	}

	// Try top-level "credits" key.
	if cm.IsSet("credits") {
		if err := cm.Bind("credits", &cfg); err == nil {
			e.Logger().Debug("credits: loaded config from file",
				forge.F("key", "credits"),
			)
			return cfg, true
		}
		e.Logger().Warn("credits: failed to bind credits config",
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = defaults.SessionTTL
	}
	if cfg.ProviderTimeout == 0 {
		cfg.ProviderTimeout = defaults.ProviderTimeout
	}
	if cfg.ClaimLease == 0 {
		cfg.ClaimLease = defaults.ClaimLease
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.WebhookTTL == 0 {
		cfg.WebhookTTL = defaults.WebhookTTL
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	if yamlConfig.SessionTTL == 0 {
		yamlConfig.SessionTTL = programmaticConfig.SessionTTL
	}
	if yamlConfig.ProviderTimeout == 0 {
		yamlConfig.ProviderTimeout = programmaticConfig.ProviderTimeout
	}
	if yamlConfig.ClaimLease == 0 {
		yamlConfig.ClaimLease = programmaticConfig.ClaimLease
	}
	if yamlConfig.SweepInterval == 0 {
		yamlConfig.SweepInterval = programmaticConfig.SweepInterval
	}
	if yamlConfig.WebhookTTL == 0 {
		yamlConfig.WebhookTTL = programmaticConfig.WebhookTTL
	}
	if _, ok := yamlConfig.Seed.Balances(); !ok {
		yamlConfig.Seed = programmaticConfig.Seed
	}

	// Fill remaining zeros with defaults.
	return mergeWithDefaults(yamlConfig)
}
