// Package provider defines the payment provider port used for checkout.
//
// The ledger only needs three things from a provider: open a hosted
// checkout session, report the authoritative payment status of a session,
// and verify and decode webhook deliveries.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/credits/catalog"
)

var (
	// ErrNotConfigured is returned when credentials are missing.
	ErrNotConfigured = errors.New("credits: payment provider not configured")

	// ErrWebhookInvalid is returned when a webhook signature or body is rejected.
	ErrWebhookInvalid = errors.New("credits: webhook validation failed")
)

// PaymentStatus is the provider's view of a checkout session.
type PaymentStatus string

const (
	StatusPaid    PaymentStatus = "paid"
	StatusUnpaid  PaymentStatus = "unpaid"
	StatusExpired PaymentStatus = "expired"
	StatusUnknown PaymentStatus = "unknown"
)

// Metadata keys attached to provider sessions so webhooks can be routed
// back to a tenant.
const (
	MetaTenantID  = "tenant_id"
	MetaUserID    = "user_id"
	MetaPackageID = "package_id"
)

type SessionRequest struct {
	TenantID string
	UserID   string
	Package  *catalog.Package
}

type SessionInfo struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

type EventType string

const (
	EventCheckoutCompleted EventType = "checkout.completed"
	EventCheckoutExpired   EventType = "checkout.expired"
	EventCheckoutFailed    EventType = "checkout.failed"
	EventIgnored           EventType = "ignored"
)

// WebhookEvent is a verified, provider-neutral webhook delivery.
type WebhookEvent struct {
	ID        string
	Type      EventType
	SessionID string
	TenantID  string
	Status    PaymentStatus
}

type Provider interface {
	Name() string
	CreateSession(ctx context.Context, req SessionRequest) (*SessionInfo, error)
	SessionStatus(ctx context.Context, sessionID string) (PaymentStatus, error)
	ParseWebhook(payload []byte, signature string) (*WebhookEvent, error)
}
