package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/credits/checkout"
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/idempotency"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/provider"
	"github.com/xraph/credits/store"
)

// Defaults for the tunables exposed as options.
const (
	DefaultProviderTimeout = 10 * time.Second
	DefaultClaimLease      = 2 * time.Minute
	DefaultSweepInterval   = 5 * time.Minute
	sweepBatchSize         = 100

	// Backoff bounds while waiting on another caller's settlement.
	claimPollMin = 5 * time.Millisecond
	claimPollMax = 200 * time.Millisecond
)

// ProviderFactory builds a payment provider from its stored config.
type ProviderFactory func(cfg *provider.Config) (provider.Provider, error)

// Ledger is the credit engine. It owns balance changes, the transaction
// log and checkout settlement for every tenant sharing its store.
type Ledger struct {
	store       store.Store
	plugins     *plugin.Registry
	logger      *slog.Logger
	idempotency idempotency.Store
	now         func() time.Time

	// Payment provider, set directly or built lazily from stored config.
	mu              sync.RWMutex
	provider        provider.Provider
	providerName    string
	providerFactory ProviderFactory
	providerBuilt   bool

	// Background workers
	stopChan chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// Configuration
	seed            credit.Balances
	sessionTTL      time.Duration
	providerTimeout time.Duration
	claimLease      time.Duration
	sweepInterval   time.Duration
	webhookTTL      time.Duration
}

// New creates a new Ledger instance.
func New(s store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:           s,
		plugins:         plugin.NewRegistry(),
		logger:          slog.Default(),
		now:             func() time.Time { return time.Now().UTC() },
		stopChan:        make(chan struct{}),
		seed:            credit.DefaultSeed(),
		sessionTTL:      checkout.DefaultTTL,
		providerTimeout: DefaultProviderTimeout,
		claimLease:      DefaultClaimLease,
		sweepInterval:   DefaultSweepInterval,
		webhookTTL:      idempotency.DefaultTTL,
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.idempotency == nil {
		l.idempotency = idempotency.NewMemory()
	}

	return l
}

// Option configures a Ledger instance.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
		l.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(l *Ledger) {
		_ = l.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithProvider sets the payment provider used for checkout.
func WithProvider(p provider.Provider) Option {
	return func(l *Ledger) {
		l.provider = p
	}
}

// WithProviderFactory builds the payment provider on first use from the
// config stored under name. Saving a new config for that name rebuilds it.
func WithProviderFactory(name string, f ProviderFactory) Option {
	return func(l *Ledger) {
		l.providerName = name
		l.providerFactory = f
	}
}

// WithDefaultSeed sets the free-tier balances given to new accounts.
func WithDefaultSeed(seed credit.Balances) Option {
	return func(l *Ledger) {
		l.seed = seed
	}
}

// WithSessionTTL sets how long a pending checkout session waits for payment.
func WithSessionTTL(d time.Duration) Option {
	return func(l *Ledger) {
		l.sessionTTL = d
	}
}

// WithProviderTimeout bounds every call to the payment provider.
func WithProviderTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		l.providerTimeout = d
	}
}

// WithClaimLease sets how long a settlement claim on a session is held.
func WithClaimLease(d time.Duration) Option {
	return func(l *Ledger) {
		l.claimLease = d
	}
}

// WithSweepInterval sets how often stale sessions are expired. Zero
// disables the sweeper.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Ledger) {
		l.sweepInterval = d
	}
}

// WithIdempotencyStore sets the store used to dedupe webhook deliveries.
func WithIdempotencyStore(s idempotency.Store) Option {
	return func(l *Ledger) {
		l.idempotency = s
	}
}

// WithWebhookTTL sets how long a processed webhook event id is remembered.
func WithWebhookTTL(d time.Duration) Option {
	return func(l *Ledger) {
		l.webhookTTL = d
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// Store returns the underlying store.
func (l *Ledger) Store() store.Store { return l.store }

// Plugins returns the plugin registry.
func (l *Ledger) Plugins() *plugin.Registry { return l.plugins }

// Start runs migrations, initializes plugins and starts the session sweeper.
func (l *Ledger) Start(ctx context.Context) error {
	if err := l.store.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
	}

	l.plugins.EmitInit(ctx, l)

	if l.sweepInterval > 0 {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		l.cancel = cancel

		l.wg.Add(1)
		go l.sweepWorker(runCtx)
	}

	l.logger.Info("credits ledger started",
		"session_ttl", l.sessionTTL,
		"sweep_interval", l.sweepInterval,
		"provider_timeout", l.providerTimeout,
	)

	return nil
}

// Stop shuts down background workers, plugins and the store.
func (l *Ledger) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.stopChan)
		if l.cancel != nil {
			l.cancel()
		}
		l.wg.Wait()

		l.plugins.EmitShutdown(context.Background())

		err = errors.Join(l.idempotency.Close(), l.store.Close())
	})
	return err
}

// sweepWorker periodically expires stale checkout sessions.
func (l *Ledger) sweepWorker(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return

		case <-ticker.C:
			n, err := l.ExpireStaleSessions(ctx)
			if err != nil {
				l.logger.Error("failed to sweep stale checkout sessions", "error", err)
				continue
			}
			if n > 0 {
				l.logger.Debug("swept stale checkout sessions", "expired", n)
			}
		}
	}
}

// paymentProvider resolves the provider: explicit option first, then a
// plugin, then the factory over stored config.
func (l *Ledger) paymentProvider(ctx context.Context) (provider.Provider, error) {
	l.mu.RLock()
	p, factory, name := l.provider, l.providerFactory, l.providerName
	l.mu.RUnlock()

	if p != nil {
		return p, nil
	}
	if p := l.plugins.PaymentProvider(); p != nil {
		return p, nil
	}
	if factory == nil {
		return nil, ErrProviderNotConfigured
	}

	cfg, err := l.store.GetProviderConfig(ctx, name)
	if err != nil {
		return nil, err
	}
	p, err = factory(cfg)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.provider == nil {
		l.provider = p
		l.providerBuilt = true
	}
	p = l.provider
	l.mu.Unlock()

	return p, nil
}

// resetProvider drops a provider built from stored config so the next
// call rebuilds it.
func (l *Ledger) resetProvider() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.providerBuilt {
		l.provider = nil
		l.providerBuilt = false
	}
}
