package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/credits/checkout"
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/provider"
	"github.com/xraph/credits/txlog"
)

// DefaultHookTimeout bounds a single hook call.
const DefaultHookTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// Hook lists are cached per interface at registration time.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit                 []OnInit
	onShutdown             []OnShutdown
	onCreditsDeducted      []OnCreditsDeducted
	onCreditsGranted       []OnCreditsGranted
	onInsufficientCredits  []OnInsufficientCredits
	onBalanceChanged       []OnBalanceChanged
	onReconciliationNeeded []OnReconciliationNeeded
	onCheckoutCreated      []OnCheckoutCreated
	onCheckoutSettled      []OnCheckoutSettled
	onCheckoutClosed       []OnCheckoutClosed
	onWebhookReceived      []OnWebhookReceived
	paymentProviders       []PaymentProviderPlugin
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnCreditsDeducted); ok {
		r.onCreditsDeducted = append(r.onCreditsDeducted, v)
	}
	if v, ok := p.(OnCreditsGranted); ok {
		r.onCreditsGranted = append(r.onCreditsGranted, v)
	}
	if v, ok := p.(OnInsufficientCredits); ok {
		r.onInsufficientCredits = append(r.onInsufficientCredits, v)
	}
	if v, ok := p.(OnBalanceChanged); ok {
		r.onBalanceChanged = append(r.onBalanceChanged, v)
	}
	if v, ok := p.(OnReconciliationNeeded); ok {
		r.onReconciliationNeeded = append(r.onReconciliationNeeded, v)
	}
	if v, ok := p.(OnCheckoutCreated); ok {
		r.onCheckoutCreated = append(r.onCheckoutCreated, v)
	}
	if v, ok := p.(OnCheckoutSettled); ok {
		r.onCheckoutSettled = append(r.onCheckoutSettled, v)
	}
	if v, ok := p.(OnCheckoutClosed); ok {
		r.onCheckoutClosed = append(r.onCheckoutClosed, v)
	}
	if v, ok := p.(OnWebhookReceived); ok {
		r.onWebhookReceived = append(r.onWebhookReceived, v)
	}
	if v, ok := p.(PaymentProviderPlugin); ok {
		r.paymentProviders = append(r.paymentProviders, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

var hookTypes = []struct {
	name string
	typ  reflect.Type
}{
	{"OnInit", reflect.TypeFor[OnInit]()},
	{"OnShutdown", reflect.TypeFor[OnShutdown]()},
	{"OnCreditsDeducted", reflect.TypeFor[OnCreditsDeducted]()},
	{"OnCreditsGranted", reflect.TypeFor[OnCreditsGranted]()},
	{"OnInsufficientCredits", reflect.TypeFor[OnInsufficientCredits]()},
	{"OnBalanceChanged", reflect.TypeFor[OnBalanceChanged]()},
	{"OnReconciliationNeeded", reflect.TypeFor[OnReconciliationNeeded]()},
	{"OnCheckoutCreated", reflect.TypeFor[OnCheckoutCreated]()},
	{"OnCheckoutSettled", reflect.TypeFor[OnCheckoutSettled]()},
	{"OnCheckoutClosed", reflect.TypeFor[OnCheckoutClosed]()},
	{"OnWebhookReceived", reflect.TypeFor[OnWebhookReceived]()},
	{"PaymentProvider", reflect.TypeFor[PaymentProviderPlugin]()},
}

// implementedInterfaces lists the hooks a plugin implements, for logging.
func implementedInterfaces(p Plugin) []string {
	var names []string
	v := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if v.Implements(h.typ) {
			names = append(names, h.name)
		}
	}
	return names
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// PaymentProvider returns the first provider supplied by a plugin, or nil.
func (r *Registry) PaymentProvider() provider.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.paymentProviders {
		if pp := p.Provider(); pp != nil {
			return pp
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, l any) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	emit(r, ctx, "OnInit", plugins, func(p OnInit) error {
		return p.OnInit(ctx, l)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	emit(r, ctx, "OnShutdown", plugins, func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

// EmitCreditsDeducted emits a deduction event.
func (r *Registry) EmitCreditsDeducted(ctx context.Context, entry *txlog.Entry) {
	r.mu.RLock()
	plugins := r.onCreditsDeducted
	r.mu.RUnlock()

	emit(r, ctx, "OnCreditsDeducted", plugins, func(p OnCreditsDeducted) error {
		return p.OnCreditsDeducted(ctx, entry)
	})
}

// EmitCreditsGranted emits a grant event.
func (r *Registry) EmitCreditsGranted(ctx context.Context, entry *txlog.Entry) {
	r.mu.RLock()
	plugins := r.onCreditsGranted
	r.mu.RUnlock()

	emit(r, ctx, "OnCreditsGranted", plugins, func(p OnCreditsGranted) error {
		return p.OnCreditsGranted(ctx, entry)
	})
}

// EmitInsufficientCredits emits a rejected deduction.
func (r *Registry) EmitInsufficientCredits(ctx context.Context, tenantID, userID string, t credit.Type, requested int64) {
	r.mu.RLock()
	plugins := r.onInsufficientCredits
	r.mu.RUnlock()

	emit(r, ctx, "OnInsufficientCredits", plugins, func(p OnInsufficientCredits) error {
		return p.OnInsufficientCredits(ctx, tenantID, userID, t, requested)
	})
}

// EmitBalanceChanged emits a balance change for an account.
func (r *Registry) EmitBalanceChanged(ctx context.Context, tenantID, userID string) {
	r.mu.RLock()
	plugins := r.onBalanceChanged
	r.mu.RUnlock()

	emit(r, ctx, "OnBalanceChanged", plugins, func(p OnBalanceChanged) error {
		return p.OnBalanceChanged(ctx, tenantID, userID)
	})
}

// EmitReconciliationNeeded flags an account whose log is behind its balances.
func (r *Registry) EmitReconciliationNeeded(ctx context.Context, tenantID, userID string, cause error) {
	r.mu.RLock()
	plugins := r.onReconciliationNeeded
	r.mu.RUnlock()

	emit(r, ctx, "OnReconciliationNeeded", plugins, func(p OnReconciliationNeeded) error {
		return p.OnReconciliationNeeded(ctx, tenantID, userID, cause)
	})
}

// EmitCheckoutCreated emits a checkout created event.
func (r *Registry) EmitCheckoutCreated(ctx context.Context, sess *checkout.Session) {
	r.mu.RLock()
	plugins := r.onCheckoutCreated
	r.mu.RUnlock()

	emit(r, ctx, "OnCheckoutCreated", plugins, func(p OnCheckoutCreated) error {
		return p.OnCheckoutCreated(ctx, sess)
	})
}

// EmitCheckoutSettled emits a checkout settled event.
func (r *Registry) EmitCheckoutSettled(ctx context.Context, sess *checkout.Session) {
	r.mu.RLock()
	plugins := r.onCheckoutSettled
	r.mu.RUnlock()

	emit(r, ctx, "OnCheckoutSettled", plugins, func(p OnCheckoutSettled) error {
		return p.OnCheckoutSettled(ctx, sess)
	})
}

// EmitCheckoutClosed emits a checkout closed event.
func (r *Registry) EmitCheckoutClosed(ctx context.Context, sess *checkout.Session) {
	r.mu.RLock()
	plugins := r.onCheckoutClosed
	r.mu.RUnlock()

	emit(r, ctx, "OnCheckoutClosed", plugins, func(p OnCheckoutClosed) error {
		return p.OnCheckoutClosed(ctx, sess)
	})
}

// EmitWebhookReceived emits a verified webhook delivery.
func (r *Registry) EmitWebhookReceived(ctx context.Context, providerName string, event *provider.WebhookEvent) {
	r.mu.RLock()
	plugins := r.onWebhookReceived
	r.mu.RUnlock()

	emit(r, ctx, "OnWebhookReceived", plugins, func(p OnWebhookReceived) error {
		return p.OnWebhookReceived(ctx, providerName, event)
	})
}

func emit[T Plugin](r *Registry, ctx context.Context, hook string, plugins []T, call func(T) error) {
	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return call(p)
		}); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the credit pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
