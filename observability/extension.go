// Package observability provides a metrics extension for the credit ledger
// that records balance, checkout and webhook event counts via a
// MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/credits/checkout"
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/provider"
	"github.com/xraph/credits/txlog"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                 = (*MetricsExtension)(nil)
	_ plugin.OnCreditsDeducted      = (*MetricsExtension)(nil)
	_ plugin.OnCreditsGranted       = (*MetricsExtension)(nil)
	_ plugin.OnInsufficientCredits  = (*MetricsExtension)(nil)
	_ plugin.OnReconciliationNeeded = (*MetricsExtension)(nil)
	_ plugin.OnCheckoutCreated      = (*MetricsExtension)(nil)
	_ plugin.OnCheckoutSettled      = (*MetricsExtension)(nil)
	_ plugin.OnCheckoutClosed       = (*MetricsExtension)(nil)
	_ plugin.OnWebhookReceived      = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide ledger metrics.
// Register it as a Ledger plugin to track credit movement.
type MetricsExtension struct {
	factory MetricFactory

	// Balance metrics
	CreditsDeducted      Counter
	CreditsGranted       Counter
	CreditsRefunded      Counter
	CreditsPurchased     Counter
	InsufficientCredits  Counter
	ReconciliationNeeded Counter
	DeductAmount         Histogram

	// Checkout metrics
	CheckoutCreated Counter
	CheckoutSettled Counter
	CheckoutExpired Counter
	CheckoutFailed  Counter
	CheckoutCents   Histogram

	// Provider metrics
	WebhookReceived Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		CreditsDeducted:      factory.Counter("credits.deducted"),
		CreditsGranted:       factory.Counter("credits.granted"),
		CreditsRefunded:      factory.Counter("credits.refunded"),
		CreditsPurchased:     factory.Counter("credits.purchased"),
		InsufficientCredits:  factory.Counter("credits.insufficient"),
		ReconciliationNeeded: factory.Counter("credits.reconciliation.needed"),
		DeductAmount:         factory.Histogram("credits.deduct.amount"),

		CheckoutCreated: factory.Counter("credits.checkout.created"),
		CheckoutSettled: factory.Counter("credits.checkout.settled"),
		CheckoutExpired: factory.Counter("credits.checkout.expired"),
		CheckoutFailed:  factory.Counter("credits.checkout.failed"),
		CheckoutCents:   factory.Histogram("credits.checkout.amount_cents"),

		WebhookReceived: factory.Counter("credits.webhook.received"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ──────────────────────────────────────────────────
// Balance hooks
// ──────────────────────────────────────────────────

// OnCreditsDeducted implements plugin.OnCreditsDeducted.
func (m *MetricsExtension) OnCreditsDeducted(_ context.Context, entry *txlog.Entry) error {
	m.CreditsDeducted.Add(float64(entry.Amount))
	m.DeductAmount.Observe(float64(entry.Amount))
	return nil
}

// OnCreditsGranted implements plugin.OnCreditsGranted.
func (m *MetricsExtension) OnCreditsGranted(_ context.Context, entry *txlog.Entry) error {
	amount := float64(entry.Amount)
	switch entry.Reason {
	case txlog.ReasonRefund:
		m.CreditsRefunded.Add(amount)
	case txlog.ReasonPurchase:
		m.CreditsPurchased.Add(amount)
	default:
		m.CreditsGranted.Add(amount)
	}
	return nil
}

// OnInsufficientCredits implements plugin.OnInsufficientCredits.
func (m *MetricsExtension) OnInsufficientCredits(_ context.Context, _, _ string, _ credit.Type, _ int64) error {
	m.InsufficientCredits.Inc()
	return nil
}

// OnReconciliationNeeded implements plugin.OnReconciliationNeeded.
func (m *MetricsExtension) OnReconciliationNeeded(_ context.Context, _, _ string, _ error) error {
	m.ReconciliationNeeded.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Checkout hooks
// ──────────────────────────────────────────────────

// OnCheckoutCreated implements plugin.OnCheckoutCreated.
func (m *MetricsExtension) OnCheckoutCreated(_ context.Context, sess *checkout.Session) error {
	m.CheckoutCreated.Inc()
	m.CheckoutCents.Observe(float64(sess.Amount.Amount))
	return nil
}

// OnCheckoutSettled implements plugin.OnCheckoutSettled.
func (m *MetricsExtension) OnCheckoutSettled(_ context.Context, _ *checkout.Session) error {
	m.CheckoutSettled.Inc()
	return nil
}

// OnCheckoutClosed implements plugin.OnCheckoutClosed.
func (m *MetricsExtension) OnCheckoutClosed(_ context.Context, sess *checkout.Session) error {
	if sess.Status == checkout.StatusFailed {
		m.CheckoutFailed.Inc()
	} else {
		m.CheckoutExpired.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Provider hooks
// ──────────────────────────────────────────────────

// OnWebhookReceived implements plugin.OnWebhookReceived.
func (m *MetricsExtension) OnWebhookReceived(_ context.Context, _ string, _ *provider.WebhookEvent) error {
	m.WebhookReceived.Inc()
	return nil
}
