package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/txlog"
)

type recordingPlugin struct {
	name string

	mu      sync.Mutex
	changed []string
	granted []*txlog.Entry
	fail    error
}

func (p *recordingPlugin) Name() string { return p.name }

func (p *recordingPlugin) OnBalanceChanged(_ context.Context, tenantID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changed = append(p.changed, tenantID+"/"+userID)
	return p.fail
}

func (p *recordingPlugin) OnCreditsGranted(_ context.Context, entry *txlog.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.granted = append(p.granted, entry)
	return nil
}

type slowPlugin struct{}

func (slowPlugin) Name() string { return "slow" }

func (slowPlugin) OnBalanceChanged(ctx context.Context, _, _ string) error {
	time.Sleep(200 * time.Millisecond)
	return nil
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&recordingPlugin{name: "a"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(&recordingPlugin{name: "a"}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if r.Count() != 1 {
		t.Errorf("Count = %d, want 1", r.Count())
	}
	if r.Get("a") == nil || r.Get("missing") != nil {
		t.Error("Get returned unexpected result")
	}
}

func TestEmitDispatchesByInterface(t *testing.T) {
	r := NewRegistry()
	p := &recordingPlugin{name: "rec"}
	if err := r.Register(p); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	r.EmitBalanceChanged(ctx, "site-a", "u1")
	r.EmitCreditsGranted(ctx, txlog.NewEntry("site-a", "u1", credit.Article, txlog.Credit, 10, 15, txlog.ReasonPurchase, "cs_1"))
	// No plugin implements this hook; it must be a no-op.
	r.EmitInsufficientCredits(ctx, "site-a", "u1", credit.Image, 1)

	if len(p.changed) != 1 || p.changed[0] != "site-a/u1" {
		t.Errorf("changed = %v", p.changed)
	}
	if len(p.granted) != 1 || p.granted[0].ExternalReference != "cs_1" {
		t.Errorf("granted = %v", p.granted)
	}
}

func TestEmitSurvivesFailingPlugin(t *testing.T) {
	r := NewRegistry()
	failing := &recordingPlugin{name: "failing", fail: errors.New("boom")}
	ok := &recordingPlugin{name: "ok"}
	_ = r.Register(failing)
	_ = r.Register(ok)

	r.EmitBalanceChanged(context.Background(), "t", "u")

	if len(failing.changed) != 1 || len(ok.changed) != 1 {
		t.Errorf("every plugin should be called, got %d and %d", len(failing.changed), len(ok.changed))
	}
}

func TestEmitTimesOut(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	_ = r.Register(slowPlugin{})

	start := time.Now()
	r.EmitBalanceChanged(context.Background(), "t", "u")
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("emit blocked for %v", elapsed)
	}
}

func TestImplementedInterfaces(t *testing.T) {
	got := implementedInterfaces(&recordingPlugin{name: "rec"})
	want := map[string]bool{"OnCreditsGranted": true, "OnBalanceChanged": true}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for _, name := range got {
		if !want[name] {
			t.Errorf("unexpected interface %q", name)
		}
	}
}
