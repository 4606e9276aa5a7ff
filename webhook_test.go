package credits_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/xraph/credits"
	"github.com/xraph/credits/checkout"
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/provider"
)

type webhookRecorder struct {
	mu     sync.Mutex
	events []*provider.WebhookEvent
}

func (r *webhookRecorder) Name() string { return "webhook-recorder" }

func (r *webhookRecorder) OnWebhookReceived(_ context.Context, _ string, evt *provider.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func webhookPayload(t *testing.T, evt provider.WebhookEvent) []byte {
	t.Helper()
	b, err := json.Marshal(evt)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestHandleWebhookSettlesOnce(t *testing.T) {
	ctx := context.Background()
	rec := &webhookRecorder{}
	f := newCheckoutFixture(t, credits.WithPlugin(rec))
	sess := f.open(t, "site-a", "u1")
	f.provider.setStatus(sess.ID, provider.StatusPaid)

	payload := webhookPayload(t, provider.WebhookEvent{
		ID: "evt_1", Type: provider.EventCheckoutCompleted,
		SessionID: sess.ID, TenantID: "site-a", Status: provider.StatusPaid,
	})

	if err := f.ledger.HandleWebhook(ctx, payload, "valid"); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	calls := f.provider.calls.Load()

	// Redelivery of the same event is dropped before reaching the provider.
	if err := f.ledger.HandleWebhook(ctx, payload, "valid"); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if f.provider.calls.Load() != calls {
		t.Error("duplicate delivery was processed again")
	}

	bal, _ := f.ledger.GetBalances(ctx, "site-a", "u1")
	if bal.Article != credit.DefaultSeed().Article+10 {
		t.Errorf("article balance = %d", bal.Article)
	}
	if len(rec.events) != 2 {
		t.Errorf("plugin saw %d deliveries, want 2", len(rec.events))
	}
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	f := newCheckoutFixture(t)

	err := f.ledger.HandleWebhook(context.Background(), []byte(`{}`), "forged")
	if !errors.Is(err, credits.ErrWebhookInvalid) {
		t.Errorf("got %v", err)
	}
}

func TestHandleWebhookRetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)
	sess := f.open(t, "site-a", "u1")

	payload := webhookPayload(t, provider.WebhookEvent{
		ID: "evt_2", Type: provider.EventCheckoutCompleted,
		SessionID: sess.ID, TenantID: "site-a",
	})

	// The provider has not confirmed payment yet.
	err := f.ledger.HandleWebhook(ctx, payload, "valid")
	if !errors.Is(err, credits.ErrPaymentNotCompleted) {
		t.Fatalf("got %v", err)
	}

	f.provider.setStatus(sess.ID, provider.StatusPaid)

	if err := f.ledger.HandleWebhook(ctx, payload, "valid"); err != nil {
		t.Fatalf("redelivery after failure: %v", err)
	}
	stored, _ := f.ledger.Session(ctx, "site-a", sess.ID)
	if stored.Status != checkout.StatusCompleted {
		t.Errorf("status = %q", stored.Status)
	}
}

func TestHandleWebhookClosesSession(t *testing.T) {
	tests := []struct {
		event provider.EventType
		want  checkout.Status
	}{
		{provider.EventCheckoutExpired, checkout.StatusExpired},
		{provider.EventCheckoutFailed, checkout.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(string(tt.event), func(t *testing.T) {
			ctx := context.Background()
			f := newCheckoutFixture(t)
			sess := f.open(t, "site-a", "u1")

			payload := webhookPayload(t, provider.WebhookEvent{
				ID: "evt_" + string(tt.want), Type: tt.event,
				SessionID: sess.ID, TenantID: "site-a",
			})
			if err := f.ledger.HandleWebhook(ctx, payload, "valid"); err != nil {
				t.Fatal(err)
			}

			stored, _ := f.ledger.Session(ctx, "site-a", sess.ID)
			if stored.Status != tt.want {
				t.Errorf("status = %q, want %q", stored.Status, tt.want)
			}
		})
	}
}

func TestHandleWebhookIgnoresUnknownSessions(t *testing.T) {
	f := newCheckoutFixture(t)

	payload := webhookPayload(t, provider.WebhookEvent{
		ID: "evt_3", Type: provider.EventCheckoutCompleted,
		SessionID: "cs_elsewhere", TenantID: "site-a",
	})
	if err := f.ledger.HandleWebhook(context.Background(), payload, "valid"); err != nil {
		t.Errorf("got %v", err)
	}

	ignored := webhookPayload(t, provider.WebhookEvent{ID: "evt_4", Type: provider.EventIgnored})
	if err := f.ledger.HandleWebhook(context.Background(), ignored, "valid"); err != nil {
		t.Errorf("got %v", err)
	}
}
