// Package stripe implements the checkout provider port on Stripe Checkout.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	stripego "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/xraph/credits/provider"
)

// Name is the provider name stored on sessions and configs.
const Name = "stripe"

var _ provider.Provider = (*Provider)(nil)

// Provider talks to Stripe with its own API key; it never touches the
// package-level stripe.Key.
type Provider struct {
	sessions      *session.Client
	webhookSecret string
	successURL    string
	cancelURL     string
	logger        *slog.Logger
}

type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// WithBackend overrides the Stripe API backend.
func WithBackend(b stripego.Backend) Option {
	return func(p *Provider) { p.sessions.B = b }
}

// New builds a Provider from a stored config.
func New(cfg *provider.Config, opts ...Option) (*Provider, error) {
	if !cfg.Configured() {
		return nil, provider.ErrNotConfigured
	}

	p := &Provider{
		sessions: &session.Client{
			B:   stripego.GetBackend(stripego.APIBackend),
			Key: cfg.SecretKey,
		},
		webhookSecret: cfg.WebhookSecret,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return Name }

// CreateSession opens a one-off payment Checkout Session for a package.
func (p *Provider) CreateSession(ctx context.Context, req provider.SessionRequest) (*provider.SessionInfo, error) {
	pkg := req.Package

	params := &stripego.CheckoutSessionParams{
		Mode:       stripego.String(string(stripego.CheckoutSessionModePayment)),
		SuccessURL: stripego.String(withSessionPlaceholder(p.successURL)),
		CancelURL:  stripego.String(p.cancelURL),
		LineItems: []*stripego.CheckoutSessionLineItemParams{
			{
				PriceData: &stripego.CheckoutSessionLineItemPriceDataParams{
					Currency: stripego.String(pkg.Price.Currency),
					ProductData: &stripego.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripego.String(pkg.Name),
					},
					UnitAmount: stripego.Int64(pkg.Price.Amount),
				},
				Quantity: stripego.Int64(1),
			},
		},
		ClientReferenceID: stripego.String(req.UserID),
		Metadata: map[string]string{
			provider.MetaTenantID:  req.TenantID,
			provider.MetaUserID:    req.UserID,
			provider.MetaPackageID: pkg.ID.String(),
		},
	}
	params.Context = ctx

	sess, err := p.sessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	p.logger.Debug("stripe checkout session created",
		"session_id", sess.ID,
		"tenant_id", req.TenantID,
		"package_id", pkg.ID.String(),
	)

	info := &provider.SessionInfo{ID: sess.ID, URL: sess.URL}
	if sess.ExpiresAt > 0 {
		info.ExpiresAt = time.Unix(sess.ExpiresAt, 0).UTC()
	}
	return info, nil
}

// SessionStatus asks Stripe for the authoritative payment status.
func (p *Provider) SessionStatus(ctx context.Context, sessionID string) (provider.PaymentStatus, error) {
	params := &stripego.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := p.sessions.Get(sessionID, params)
	if err != nil {
		return provider.StatusUnknown, fmt.Errorf("stripe: get checkout session: %w", err)
	}
	return statusOf(sess), nil
}

// ParseWebhook verifies the Stripe-Signature header and decodes checkout
// session events. Other event types come back as provider.EventIgnored.
func (p *Provider) ParseWebhook(payload []byte, signature string) (*provider.WebhookEvent, error) {
	if p.webhookSecret == "" {
		return nil, provider.ErrNotConfigured
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrWebhookInvalid, err)
	}

	out := &provider.WebhookEvent{ID: event.ID, Type: provider.EventIgnored}

	switch event.Type {
	case stripego.EventTypeCheckoutSessionCompleted,
		stripego.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		out.Type = provider.EventCheckoutCompleted
	case stripego.EventTypeCheckoutSessionExpired:
		out.Type = provider.EventCheckoutExpired
	case stripego.EventTypeCheckoutSessionAsyncPaymentFailed:
		out.Type = provider.EventCheckoutFailed
	default:
		return out, nil
	}

	var sess stripego.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("%w: decode checkout session: %w", provider.ErrWebhookInvalid, err)
	}

	out.SessionID = sess.ID
	out.TenantID = sess.Metadata[provider.MetaTenantID]
	out.Status = statusOf(&sess)
	return out, nil
}

func statusOf(sess *stripego.CheckoutSession) provider.PaymentStatus {
	switch {
	case sess.PaymentStatus == stripego.CheckoutSessionPaymentStatusPaid,
		sess.PaymentStatus == stripego.CheckoutSessionPaymentStatusNoPaymentRequired:
		return provider.StatusPaid
	case sess.Status == stripego.CheckoutSessionStatusExpired:
		return provider.StatusExpired
	case sess.PaymentStatus == stripego.CheckoutSessionPaymentStatusUnpaid:
		return provider.StatusUnpaid
	default:
		return provider.StatusUnknown
	}
}

// withSessionPlaceholder appends Stripe's {CHECKOUT_SESSION_ID} template so
// the success page can call verify with the session id.
func withSessionPlaceholder(u string) string {
	if strings.Contains(u, "{CHECKOUT_SESSION_ID}") {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "session_id={CHECKOUT_SESSION_ID}"
}
