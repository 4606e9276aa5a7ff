// Package audithook bridges credit ledger events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not import an
// audit backend directly. Callers inject a RecorderFunc adapter at wiring
// time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/credits/checkout"
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/provider"
	"github.com/xraph/credits/txlog"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                 = (*Extension)(nil)
	_ plugin.OnCreditsDeducted      = (*Extension)(nil)
	_ plugin.OnCreditsGranted       = (*Extension)(nil)
	_ plugin.OnInsufficientCredits  = (*Extension)(nil)
	_ plugin.OnReconciliationNeeded = (*Extension)(nil)
	_ plugin.OnCheckoutCreated      = (*Extension)(nil)
	_ plugin.OnCheckoutSettled      = (*Extension)(nil)
	_ plugin.OnCheckoutClosed       = (*Extension)(nil)
	_ plugin.OnWebhookReceived      = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a backend-neutral audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges ledger events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Balance hooks
// ──────────────────────────────────────────────────

// OnCreditsDeducted implements plugin.OnCreditsDeducted.
func (e *Extension) OnCreditsDeducted(ctx context.Context, entry *txlog.Entry) error {
	return e.record(ctx, ActionCreditsDeducted, SeverityInfo, OutcomeSuccess,
		ResourceAccount, entry.UserID, entry.TenantID, CategoryUsage, nil,
		entryMeta(entry)...,
	)
}

// OnCreditsGranted implements plugin.OnCreditsGranted. Refunds get their own action.
func (e *Extension) OnCreditsGranted(ctx context.Context, entry *txlog.Entry) error {
	action, category := ActionCreditsGranted, CategoryBilling
	if entry.Reason == txlog.ReasonRefund {
		action, category = ActionCreditsRefunded, CategoryUsage
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceAccount, entry.UserID, entry.TenantID, category, nil,
		entryMeta(entry)...,
	)
}

// OnInsufficientCredits implements plugin.OnInsufficientCredits.
func (e *Extension) OnInsufficientCredits(ctx context.Context, tenantID, userID string, t credit.Type, requested int64) error {
	return e.record(ctx, ActionInsufficientCredits, SeverityWarning, OutcomeFailure,
		ResourceAccount, userID, tenantID, CategoryUsage, nil,
		"credit_type", string(t),
		"requested", requested,
	)
}

// OnReconciliationNeeded implements plugin.OnReconciliationNeeded.
func (e *Extension) OnReconciliationNeeded(ctx context.Context, tenantID, userID string, cause error) error {
	return e.record(ctx, ActionReconciliationNeeded, SeverityCritical, OutcomeFailure,
		ResourceAccount, userID, tenantID, CategoryUsage, cause,
	)
}

// ──────────────────────────────────────────────────
// Checkout hooks
// ──────────────────────────────────────────────────

// OnCheckoutCreated implements plugin.OnCheckoutCreated.
func (e *Extension) OnCheckoutCreated(ctx context.Context, sess *checkout.Session) error {
	return e.record(ctx, ActionCheckoutCreated, SeverityInfo, OutcomeSuccess,
		ResourceCheckout, sess.ID, sess.TenantID, CategoryPayment, nil,
		sessionMeta(sess)...,
	)
}

// OnCheckoutSettled implements plugin.OnCheckoutSettled.
func (e *Extension) OnCheckoutSettled(ctx context.Context, sess *checkout.Session) error {
	return e.record(ctx, ActionCheckoutSettled, SeverityInfo, OutcomeSuccess,
		ResourceCheckout, sess.ID, sess.TenantID, CategoryPayment, nil,
		append(sessionMeta(sess),
			"credits_added", sess.CreditsAdded,
			"transaction_ref", sess.TransactionRef,
		)...,
	)
}

// OnCheckoutClosed implements plugin.OnCheckoutClosed.
func (e *Extension) OnCheckoutClosed(ctx context.Context, sess *checkout.Session) error {
	action := ActionCheckoutExpired
	if sess.Status == checkout.StatusFailed {
		action = ActionCheckoutFailed
	}
	return e.record(ctx, action, SeverityInfo, OutcomeFailure,
		ResourceCheckout, sess.ID, sess.TenantID, CategoryPayment, nil,
		sessionMeta(sess)...,
	)
}

// ──────────────────────────────────────────────────
// Provider hooks
// ──────────────────────────────────────────────────

// OnWebhookReceived implements plugin.OnWebhookReceived.
func (e *Extension) OnWebhookReceived(ctx context.Context, providerName string, evt *provider.WebhookEvent) error {
	return e.record(ctx, ActionWebhookReceived, SeverityInfo, OutcomeSuccess,
		ResourceWebhook, evt.ID, evt.TenantID, CategoryIntegration, nil,
		"provider", providerName,
		"type", string(evt.Type),
		"session_id", evt.SessionID,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

func entryMeta(entry *txlog.Entry) []any {
	meta := []any{
		"entry_id", entry.ID.String(),
		"credit_type", string(entry.CreditType),
		"amount", entry.Amount,
		"resulting_balance", entry.ResultingBalance,
		"reason", string(entry.Reason),
	}
	if entry.ExternalReference != "" {
		meta = append(meta, "external_reference", entry.ExternalReference)
	}
	return meta
}

func sessionMeta(sess *checkout.Session) []any {
	return []any{
		"user_id", sess.UserID,
		"package_id", sess.PackageID.String(),
		"credit_type", string(sess.CreditType),
		"credits", sess.Credits,
		"amount", sess.Amount.String(),
		"provider", sess.Provider,
	}
}

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, tenantID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		TenantID:   tenantID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
