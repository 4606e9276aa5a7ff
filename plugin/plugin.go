// Package plugin provides an extensible plugin system for the credit ledger.
// Plugins can hook into account, checkout and webhook events to extend
// functionality. Hooks run after the state change is durable; a failing
// hook is logged and never undoes the operation.
package plugin

import (
	"context"

	"github.com/xraph/credits/checkout"
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/provider"
	"github.com/xraph/credits/txlog"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the ledger starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, l any) error
}

// OnShutdown is called when the ledger stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Balance hooks
// ──────────────────────────────────────────────────

// OnCreditsDeducted is called after a successful deduction.
type OnCreditsDeducted interface {
	Plugin
	OnCreditsDeducted(ctx context.Context, entry *txlog.Entry) error
}

// OnCreditsGranted is called after credits are added, by purchase or otherwise.
type OnCreditsGranted interface {
	Plugin
	OnCreditsGranted(ctx context.Context, entry *txlog.Entry) error
}

// OnInsufficientCredits is called when a deduction is rejected.
type OnInsufficientCredits interface {
	Plugin
	OnInsufficientCredits(ctx context.Context, tenantID, userID string, t credit.Type, requested int64) error
}

// OnBalanceChanged is called whenever an account's balances move.
type OnBalanceChanged interface {
	Plugin
	OnBalanceChanged(ctx context.Context, tenantID, userID string) error
}

// OnReconciliationNeeded is called when a balance changed but its log entry
// could not be written.
type OnReconciliationNeeded interface {
	Plugin
	OnReconciliationNeeded(ctx context.Context, tenantID, userID string, cause error) error
}

// ──────────────────────────────────────────────────
// Checkout hooks
// ──────────────────────────────────────────────────

// OnCheckoutCreated is called when a pending session is persisted.
type OnCheckoutCreated interface {
	Plugin
	OnCheckoutCreated(ctx context.Context, sess *checkout.Session) error
}

// OnCheckoutSettled is called once per session, when it completes.
type OnCheckoutSettled interface {
	Plugin
	OnCheckoutSettled(ctx context.Context, sess *checkout.Session) error
}

// OnCheckoutClosed is called when a session moves to expired or failed.
type OnCheckoutClosed interface {
	Plugin
	OnCheckoutClosed(ctx context.Context, sess *checkout.Session) error
}

// ──────────────────────────────────────────────────
// Provider hooks
// ──────────────────────────────────────────────────

// OnWebhookReceived is called for every verified webhook delivery.
type OnWebhookReceived interface {
	Plugin
	OnWebhookReceived(ctx context.Context, providerName string, event *provider.WebhookEvent) error
}

// PaymentProviderPlugin supplies the checkout provider when none is set
// explicitly on the ledger.
type PaymentProviderPlugin interface {
	Plugin
	Provider() provider.Provider
}
