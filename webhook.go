package credits

import (
	"context"
	"errors"

	"github.com/xraph/credits/checkout"
	"github.com/xraph/credits/provider"
)

// HandleWebhook verifies a provider webhook and applies it. Each event id
// is applied at most once; a delivery that fails with a retryable error is
// forgotten so the provider's redelivery is processed.
func (l *Ledger) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	p, err := l.paymentProvider(ctx)
	if err != nil {
		return err
	}

	evt, err := p.ParseWebhook(payload, signature)
	if err != nil {
		l.logger.Warn("rejected webhook", "provider", p.Name(), "error", err)
		return err
	}

	l.plugins.EmitWebhookReceived(ctx, p.Name(), evt)

	if evt.Type == provider.EventIgnored {
		l.logger.Debug("ignoring webhook event", "provider", p.Name(), "event_id", evt.ID)
		return nil
	}

	key := p.Name() + ":" + evt.ID
	fresh, err := l.idempotency.MarkProcessed(ctx, key, l.webhookTTL)
	if err != nil {
		return err
	}
	if !fresh {
		l.logger.Debug("duplicate webhook delivery", "provider", p.Name(), "event_id", evt.ID)
		return nil
	}

	if err := l.applyWebhook(ctx, evt); err != nil {
		if ferr := l.idempotency.Forget(ctx, key); ferr != nil {
			l.logger.Warn("failed to release webhook event", "event_id", evt.ID, "error", ferr)
		}
		return err
	}

	return nil
}

func (l *Ledger) applyWebhook(ctx context.Context, evt *provider.WebhookEvent) error {
	if evt.TenantID == "" || evt.SessionID == "" {
		l.logger.Warn("webhook event without tenant or session",
			"event_id", evt.ID,
			"type", evt.Type,
		)
		return nil
	}

	switch evt.Type {
	case provider.EventCheckoutCompleted:
		_, err := l.VerifyAndSettle(ctx, evt.TenantID, evt.SessionID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrSessionNotFound):
			// Not opened through this ledger.
			l.logger.Debug("webhook for unknown checkout session", "session_id", evt.SessionID)
			return nil
		case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrPaymentFailed):
			return nil
		default:
			return err
		}

	case provider.EventCheckoutExpired, provider.EventCheckoutFailed:
		sess, err := l.store.GetSession(ctx, evt.TenantID, evt.SessionID)
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return nil
		}

		status := checkout.StatusExpired
		if evt.Type == provider.EventCheckoutFailed {
			status = checkout.StatusFailed
		}
		_, err = l.closeSession(ctx, sess, status)
		return err
	}

	return nil
}
