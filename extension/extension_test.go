package extension

import (
	"context"
	"testing"
	"time"

	"github.com/xraph/credits/checkout"
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/store/memory"
)

func TestMergeWithDefaults(t *testing.T) {
	cfg := mergeWithDefaults(Config{ClaimLease: time.Minute})

	if cfg.ClaimLease != time.Minute {
		t.Errorf("ClaimLease = %v, want explicit 1m", cfg.ClaimLease)
	}
	if cfg.SessionTTL != checkout.DefaultTTL {
		t.Errorf("SessionTTL = %v, want default", cfg.SessionTTL)
	}
	if cfg.WebhookTTL == 0 || cfg.ProviderTimeout == 0 || cfg.SweepInterval == 0 {
		t.Errorf("zero durations left after merge: %+v", cfg)
	}
}

func TestMergeConfigurations(t *testing.T) {
	yaml := Config{SessionTTL: time.Hour}
	prog := Config{
		SessionTTL:     2 * time.Hour,
		ClaimLease:     30 * time.Second,
		DisableMigrate: true,
		Seed:           SeedConfig{Article: 1},
	}

	cfg := mergeConfigurations(yaml, prog)

	tests := []struct {
		name string
		ok   bool
	}{
		{"yaml wins when set", cfg.SessionTTL == time.Hour},
		{"programmatic fills gaps", cfg.ClaimLease == 30*time.Second},
		{"programmatic flag overrides", cfg.DisableMigrate},
		{"programmatic seed fills gap", cfg.Seed.Article == 1},
		{"defaults fill the rest", cfg.WebhookTTL > 0},
	}
	for _, tt := range tests {
		if !tt.ok {
			t.Errorf("%s: %+v", tt.name, cfg)
		}
	}
}

func TestBuildEngine(t *testing.T) {
	ctx := context.Background()
	e := New(
		WithStore(memory.New()),
		WithSeed(credit.Balances{Article: 2}),
		WithSweepInterval(-1),
		WithDisableMigrate(),
	)
	e.config = mergeWithDefaults(e.config)
	e.engine = e.buildEngine()

	if err := e.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}
	if err := e.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = e.engine.Stop() }()

	b, err := e.engine.GetBalances(ctx, "site-a", "u1")
	if err != nil {
		t.Fatalf("GetBalances: %v", err)
	}
	if b != (credit.Balances{Article: 2}) {
		t.Errorf("balances = %+v, want configured seed", b)
	}
	if _, ok := e.engine.Store().(noMigrate); !ok {
		t.Errorf("store = %T, want migrations disabled", e.engine.Store())
	}
}

func TestStartBeforeRegister(t *testing.T) {
	if err := New().Start(context.Background()); err == nil {
		t.Fatal("expected error starting an unregistered extension")
	}
}
