// Package storetest holds the behaviour every store.Store backend must
// share. Backend packages call Run from their tests with a constructor
// for a fresh, empty store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/checkout"
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/provider"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/txlog"
	"github.com/xraph/credits/types"
)

// Factory returns a new, empty store. The store is migrated and closed by
// the ledger Run builds around it.
type Factory func(t *testing.T) store.Store

// Run exercises s against the ledger's storage contract.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, newStore Factory)
	}{
		{"GrantOnEmptyAccount", testGrantOnEmptyAccount},
		{"DeductUntilEmpty", testDeductUntilEmpty},
		{"SettleOnce", testSettleOnce},
		{"UnpaidLeavesSessionPending", testUnpaidLeavesSessionPending},
		{"ConcurrentDeductNeverOverdraws", testConcurrentDeduct},
		{"ConcurrentFirstAccess", testConcurrentFirstAccess},
		{"ReplayMatchesStoredBalances", testReplay},
		{"SessionsAreScopedByTenant", testSessionTenantScope},
		{"SessionTransitions", testSessionTransitions},
		{"StaleSessions", testStaleSessions},
		{"Packages", testPackages},
		{"ProviderConfigUpsert", testProviderConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) { tt.fn(t, newStore) })
	}
}

// ──────────────────────────────────────────────────
// Fixtures
// ──────────────────────────────────────────────────

type paymentStub struct {
	mu       sync.Mutex
	n        int
	statuses map[string]provider.PaymentStatus
}

func (p *paymentStub) Name() string { return "stub" }

func (p *paymentStub) CreateSession(_ context.Context, req provider.SessionRequest) (*provider.SessionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	sid := fmt.Sprintf("cs_%s_%d", req.TenantID, p.n)
	p.statuses[sid] = provider.StatusUnpaid
	return &provider.SessionInfo{ID: sid, URL: "https://pay.test/" + sid}, nil
}

func (p *paymentStub) SessionStatus(_ context.Context, sessionID string) (provider.PaymentStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statuses[sessionID], nil
}

func (p *paymentStub) ParseWebhook([]byte, string) (*provider.WebhookEvent, error) {
	return nil, provider.ErrWebhookInvalid
}

func (p *paymentStub) pay(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[sessionID] = provider.StatusPaid
}

type fixture struct {
	store    store.Store
	ledger   *credits.Ledger
	provider *paymentStub
}

func newFixture(t *testing.T, newStore Factory, opts ...credits.Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    newStore(t),
		provider: &paymentStub{statuses: make(map[string]provider.PaymentStatus)},
	}
	base := []credits.Option{
		credits.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		credits.WithSweepInterval(0),
		credits.WithProvider(f.provider),
	}
	f.ledger = credits.New(f.store, append(base, opts...)...)
	if err := f.ledger.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = f.ledger.Stop() })
	return f
}

func (f *fixture) articlePackage(t *testing.T) *catalog.Package {
	t.Helper()
	p := &catalog.Package{
		Name:       "10 articles",
		CreditType: credit.Article,
		Credits:    10,
		Price:      types.JPY(750),
		Active:     true,
	}
	if err := f.ledger.CreatePackage(context.Background(), p); err != nil {
		t.Fatalf("CreatePackage: %v", err)
	}
	return p
}

func (f *fixture) history(t *testing.T, tenantID, userID string) []*txlog.Entry {
	t.Helper()
	entries, err := f.ledger.History(context.Background(), tenantID, userID, txlog.ListOpts{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	return entries
}

func pendingSession(tenantID, sessionID string, pkg id.PackageID, created, expires time.Time) *checkout.Session {
	return &checkout.Session{
		ID:         sessionID,
		TenantID:   tenantID,
		UserID:     "u1",
		PackageID:  pkg,
		CreditType: credit.Article,
		Credits:    10,
		Amount:     types.JPY(750),
		Provider:   "stub",
		Status:     checkout.StatusPending,
		CreatedAt:  created,
		UpdatedAt:  created,
		ExpiresAt:  expires,
	}
}

// ──────────────────────────────────────────────────
// Balances
// ──────────────────────────────────────────────────

func testGrantOnEmptyAccount(t *testing.T, newStore Factory) {
	ctx := context.Background()
	f := newFixture(t, newStore, credits.WithDefaultSeed(credit.Balances{}))

	res, err := f.ledger.Grant(ctx, credits.GrantInput{
		TenantID: "site-a", UserID: "u1",
		Type: credit.Article, Amount: 5, Reason: txlog.ReasonBonus,
	})
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if res.Balance != 5 || res.Unlogged {
		t.Errorf("result = %+v", res)
	}

	bal, err := f.ledger.GetBalances(ctx, "site-a", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if bal != (credit.Balances{Article: 5}) {
		t.Errorf("balances = %+v", bal)
	}

	entries := f.history(t, "site-a", "u1")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Direction != txlog.Credit || e.Amount != 5 || e.ResultingBalance != 5 || e.Reason != txlog.ReasonBonus {
		t.Errorf("entry = %+v", e)
	}
	if e.CreatedAt.IsZero() {
		t.Error("entry timestamp was not stored")
	}
}

func testDeductUntilEmpty(t *testing.T, newStore Factory) {
	ctx := context.Background()
	f := newFixture(t, newStore, credits.WithDefaultSeed(credit.Balances{Article: 2}))

	in := credits.DeductInput{TenantID: "site-a", UserID: "u1", Type: credit.Article, Amount: 1}
	for _, want := range []int64{1, 0} {
		res, err := f.ledger.Deduct(ctx, in)
		if err != nil {
			t.Fatalf("Deduct: %v", err)
		}
		if res.Balance != want || res.Entry.ResultingBalance != want {
			t.Errorf("balance = %d, want %d", res.Balance, want)
		}
	}

	if _, err := f.ledger.Deduct(ctx, in); !errors.Is(err, credits.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	a, err := f.ledger.Account(ctx, "site-a", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Balances.Article != 0 || a.Usage.Article != 2 || a.Seed.Article != 2 {
		t.Errorf("account = %+v", a)
	}
	if n := len(f.history(t, "site-a", "u1")); n != 2 {
		t.Errorf("rejected deduction must not write an entry, got %d entries", n)
	}

	// A store-level deduct on a missing account fails fast.
	if _, err := f.store.TryDeduct(ctx, "site-a", "nobody", credit.Article, 1); !errors.Is(err, credits.ErrInsufficientCredits) {
		t.Errorf("TryDeduct on missing account = %v", err)
	}
	if _, err := f.store.GrantCredits(ctx, "site-a", "nobody", credit.Article, 1); !errors.Is(err, credits.ErrAccountNotFound) {
		t.Errorf("GrantCredits on missing account = %v", err)
	}
}

func testConcurrentDeduct(t *testing.T, newStore Factory) {
	const units = 10
	ctx := context.Background()
	f := newFixture(t, newStore, credits.WithDefaultSeed(credit.Balances{Image: units}))

	if _, err := f.ledger.Account(ctx, "site-a", "u1"); err != nil {
		t.Fatal(err)
	}

	var (
		wg       sync.WaitGroup
		ok       atomic.Int64
		rejected atomic.Int64
	)
	for range units + 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.Deduct(ctx, credits.DeductInput{TenantID: "site-a", UserID: "u1", Type: credit.Image, Amount: 1})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, credits.ErrInsufficientCredits):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != units || rejected.Load() != 1 {
		t.Errorf("succeeded %d, rejected %d", ok.Load(), rejected.Load())
	}

	rec, err := f.ledger.Reconcile(ctx, "site-a", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Stored.Image != 0 || !rec.Consistent() || rec.Entries != units {
		t.Errorf("reconciliation = %+v", rec)
	}
}

func testConcurrentFirstAccess(t *testing.T, newStore Factory) {
	ctx := context.Background()
	f := newFixture(t, newStore)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := f.ledger.Account(ctx, "site-a", "new-user")
			if err != nil {
				t.Errorf("Account: %v", err)
				return
			}
			ids[i] = a.ID.String()
		}()
	}
	wg.Wait()

	for _, got := range ids[1:] {
		if got != ids[0] {
			t.Fatalf("concurrent first access created different accounts: %v", ids)
		}
	}
	accounts, err := f.store.ListAccounts(ctx, "site-a", credit.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 || accounts[0].Balances != credit.DefaultSeed() {
		t.Errorf("accounts = %+v", accounts)
	}
}

func testReplay(t *testing.T, newStore Factory) {
	ctx := context.Background()
	f := newFixture(t, newStore)

	ops := []func() error{
		func() error {
			_, err := f.ledger.Deduct(ctx, credits.DeductInput{TenantID: "site-a", UserID: "u1", Type: credit.Article, Amount: 2})
			return err
		},
		func() error {
			_, err := f.ledger.Grant(ctx, credits.GrantInput{TenantID: "site-a", UserID: "u1", Type: credit.Image, Amount: 7, Reason: txlog.ReasonBonus})
			return err
		},
		func() error {
			_, err := f.ledger.Deduct(ctx, credits.DeductInput{TenantID: "site-a", UserID: "u1", Type: credit.Image, Amount: 4})
			return err
		},
		func() error {
			_, err := f.ledger.Grant(ctx, credits.GrantInput{TenantID: "site-a", UserID: "u1", Type: credit.Article, Amount: 1, Reason: txlog.ReasonRefund, ExternalReference: "gen-1"})
			return err
		},
	}
	for i, op := range ops {
		if err := op(); err != nil {
			t.Fatalf("op %d: %v", i, err)
		}
	}

	a, err := f.ledger.Account(ctx, "site-a", "u1")
	if err != nil {
		t.Fatal(err)
	}
	entries := f.history(t, "site-a", "u1")
	if got := txlog.Replay(a.Seed, entries); got != a.Balances {
		t.Errorf("replay = %+v, stored = %+v", got, a.Balances)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].CreatedAt.Before(entries[i-1].CreatedAt) {
			t.Errorf("history out of order at %d", i)
		}
	}

	e, err := f.store.FindEntryByReference(ctx, "site-a", txlog.ReasonRefund, "gen-1")
	if err != nil || e.Amount != 1 {
		t.Errorf("FindEntryByReference = %+v, %v", e, err)
	}
	if _, err := f.store.FindEntryByReference(ctx, "site-b", txlog.ReasonRefund, "gen-1"); !errors.Is(err, credits.ErrEntryNotFound) {
		t.Errorf("cross-tenant reference lookup = %v", err)
	}
}

// ──────────────────────────────────────────────────
// Checkout
// ──────────────────────────────────────────────────

func testSettleOnce(t *testing.T, newStore Factory) {
	ctx := context.Background()
	f := newFixture(t, newStore)
	pkg := f.articlePackage(t)

	sess, err := f.ledger.CreateCheckout(ctx, credits.CheckoutInput{TenantID: "site-a", UserID: "u1", PackageID: pkg.ID})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}
	before, _ := f.ledger.GetBalances(ctx, "site-a", "u1")
	f.provider.pay(sess.ID)

	first, err := f.ledger.VerifyAndSettle(ctx, "site-a", sess.ID)
	if err != nil {
		t.Fatalf("VerifyAndSettle: %v", err)
	}
	if first.Replayed || first.CreditsAdded != 10 || first.Balance != before.Article+10 {
		t.Errorf("first = %+v", first)
	}

	second, err := f.ledger.VerifyAndSettle(ctx, "site-a", sess.ID)
	if err != nil {
		t.Fatalf("second VerifyAndSettle: %v", err)
	}
	if !second.Replayed || second.CreditsAdded != 10 || second.TransactionRef != first.TransactionRef {
		t.Errorf("second = %+v", second)
	}

	after, _ := f.ledger.GetBalances(ctx, "site-a", "u1")
	if after.Article != before.Article+10 {
		t.Errorf("article = %d, want %d", after.Article, before.Article+10)
	}

	stored, err := f.store.GetSession(ctx, "site-a", sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != checkout.StatusCompleted || stored.CreditsAdded != 10 || stored.CompletedAt.IsZero() {
		t.Errorf("stored session = %+v", stored)
	}

	var purchases int
	for _, e := range f.history(t, "site-a", "u1") {
		if e.Reason == txlog.ReasonPurchase {
			purchases++
			if e.ExternalReference != sess.ID {
				t.Errorf("purchase reference = %q", e.ExternalReference)
			}
		}
	}
	if purchases != 1 {
		t.Errorf("%d purchase entries, want 1", purchases)
	}
}

func testUnpaidLeavesSessionPending(t *testing.T, newStore Factory) {
	ctx := context.Background()
	f := newFixture(t, newStore)
	pkg := f.articlePackage(t)

	sess, err := f.ledger.CreateCheckout(ctx, credits.CheckoutInput{TenantID: "site-a", UserID: "u1", PackageID: pkg.ID})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.ledger.VerifyAndSettle(ctx, "site-a", sess.ID); !errors.Is(err, credits.ErrPaymentNotCompleted) {
		t.Fatalf("expected ErrPaymentNotCompleted, got %v", err)
	}

	stored, err := f.store.GetSession(ctx, "site-a", sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != checkout.StatusPending || stored.ClaimToken != "" {
		t.Errorf("stored session = %+v", stored)
	}
	if n := len(f.history(t, "site-a", "u1")); n != 0 {
		t.Errorf("%d log entries, want 0", n)
	}
}

func testSessionTenantScope(t *testing.T, newStore Factory) {
	ctx := context.Background()
	f := newFixture(t, newStore)
	pkg := f.articlePackage(t)

	sess, err := f.ledger.CreateCheckout(ctx, credits.CheckoutInput{TenantID: "site-a", UserID: "u1", PackageID: pkg.ID})
	if err != nil {
		t.Fatal(err)
	}
	f.provider.pay(sess.ID)

	if _, err := f.store.GetSession(ctx, "site-b", sess.ID); !errors.Is(err, credits.ErrSessionNotFound) {
		t.Errorf("cross-tenant GetSession = %v", err)
	}
	if _, err := f.ledger.VerifyAndSettle(ctx, "site-b", sess.ID); !errors.Is(err, credits.ErrSessionNotFound) {
		t.Errorf("cross-tenant VerifyAndSettle = %v", err)
	}
	now := time.Now().UTC()
	// A backend may report the miss as a failed swap or as not found.
	ok, err := f.store.ClaimSession(ctx, "site-b", sess.ID, "tok", now.Add(time.Minute), now)
	if ok || (err != nil && !errors.Is(err, credits.ErrSessionNotFound)) {
		t.Errorf("cross-tenant ClaimSession = %v, %v", ok, err)
	}

	list, err := f.store.ListSessions(ctx, "site-b", checkout.ListOpts{})
	if err != nil || len(list) != 0 {
		t.Errorf("site-b sessions = %d, %v", len(list), err)
	}
	list, err = f.store.ListSessions(ctx, "site-a", checkout.ListOpts{UserID: "u1"})
	if err != nil || len(list) != 1 {
		t.Errorf("site-a sessions for u1 = %d, %v", len(list), err)
	}

	if _, err := f.ledger.VerifyAndSettle(ctx, "site-a", sess.ID); err != nil {
		t.Errorf("owner VerifyAndSettle: %v", err)
	}
	b, _ := f.ledger.GetBalances(ctx, "site-b", "u1")
	if b != credit.DefaultSeed() {
		t.Errorf("site-b balances changed: %+v", b)
	}
}

func testSessionTransitions(t *testing.T, newStore Factory) {
	ctx := context.Background()
	f := newFixture(t, newStore)
	pkg := f.articlePackage(t)

	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := f.store.CreateSession(ctx, pendingSession("site-a", "cs_cas", pkg.ID, now, now.Add(time.Hour))); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := f.store.CreateSession(ctx, pendingSession("site-a", "cs_cas", pkg.ID, now, now.Add(time.Hour))); !errors.Is(err, credits.ErrAlreadyExists) {
		t.Errorf("duplicate CreateSession = %v", err)
	}

	steps := []struct {
		name string
		do   func() (bool, error)
		want bool
	}{
		{"claim", func() (bool, error) {
			return f.store.ClaimSession(ctx, "site-a", "cs_cas", "a", now.Add(time.Minute), now)
		}, true},
		{"claim while held", func() (bool, error) {
			return f.store.ClaimSession(ctx, "site-a", "cs_cas", "b", now.Add(time.Minute), now.Add(time.Second))
		}, false},
		{"close while held", func() (bool, error) {
			return f.store.CloseSession(ctx, "site-a", "cs_cas", checkout.StatusExpired, now.Add(time.Second))
		}, false},
		{"claim after lease lapses", func() (bool, error) {
			return f.store.ClaimSession(ctx, "site-a", "cs_cas", "b", now.Add(3*time.Minute), now.Add(2*time.Minute))
		}, true},
		{"complete with stale token", func() (bool, error) {
			return f.store.CompleteSession(ctx, "site-a", "cs_cas", "a", 10, "txn_a", now.Add(2*time.Minute))
		}, false},
		{"complete with live token", func() (bool, error) {
			return f.store.CompleteSession(ctx, "site-a", "cs_cas", "b", 10, "txn_b", now.Add(2*time.Minute))
		}, true},
		{"complete twice", func() (bool, error) {
			return f.store.CompleteSession(ctx, "site-a", "cs_cas", "b", 10, "txn_b", now.Add(2*time.Minute))
		}, false},
		{"close after completion", func() (bool, error) {
			return f.store.CloseSession(ctx, "site-a", "cs_cas", checkout.StatusExpired, now.Add(time.Hour))
		}, false},
	}
	for _, st := range steps {
		got, err := st.do()
		if err != nil {
			t.Fatalf("%s: %v", st.name, err)
		}
		if got != st.want {
			t.Errorf("%s = %v, want %v", st.name, got, st.want)
		}
	}

	sess, err := f.store.GetSession(ctx, "site-a", "cs_cas")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != checkout.StatusCompleted || sess.TransactionRef != "txn_b" || sess.ClaimToken != "" {
		t.Errorf("session = %+v", sess)
	}
	if !sess.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("expires_at = %v, want %v", sess.ExpiresAt, now.Add(time.Hour))
	}
}

func testStaleSessions(t *testing.T, newStore Factory) {
	ctx := context.Background()
	f := newFixture(t, newStore)
	pkg := f.articlePackage(t)

	now := time.Now().UTC()
	sessions := []*checkout.Session{
		pendingSession("site-a", "cs_old", pkg.ID, now.Add(-48*time.Hour), now.Add(-24*time.Hour)),
		pendingSession("site-b", "cs_older", pkg.ID, now.Add(-72*time.Hour), now.Add(-48*time.Hour)),
		pendingSession("site-a", "cs_fresh", pkg.ID, now, now.Add(24*time.Hour)),
	}
	for _, s := range sessions {
		if err := f.store.CreateSession(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	if ok, err := f.store.CloseSession(ctx, "site-a", "cs_old", checkout.StatusFailed, now); err != nil || !ok {
		t.Fatalf("CloseSession = %v, %v", ok, err)
	}
	if err := f.store.CreateSession(ctx, pendingSession("site-a", "cs_stale", pkg.ID, now.Add(-2*time.Hour), now.Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}

	stale, err := f.store.ListStaleSessions(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, s := range stale {
		got = append(got, s.ID)
	}
	if len(got) != 2 || got[0] != "cs_older" || got[1] != "cs_stale" {
		t.Errorf("stale sessions = %v, want [cs_older cs_stale]", got)
	}
}

// ──────────────────────────────────────────────────
// Catalog and provider config
// ──────────────────────────────────────────────────

func testPackages(t *testing.T, newStore Factory) {
	ctx := context.Background()
	f := newFixture(t, newStore)
	pkg := f.articlePackage(t)

	got, err := f.ledger.GetPackage(ctx, pkg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Credits != 10 || !got.Price.Equal(types.JPY(750)) || !got.Active {
		t.Errorf("package = %+v", got)
	}

	got.Active = false
	if err := f.ledger.UpdatePackage(ctx, got); err != nil {
		t.Fatal(err)
	}
	active, err := f.ledger.ListPackages(ctx, catalog.ListOpts{ActiveOnly: true})
	if err != nil || len(active) != 0 {
		t.Errorf("active packages = %d, %v", len(active), err)
	}
	all, err := f.ledger.ListPackages(ctx, catalog.ListOpts{})
	if err != nil || len(all) != 1 {
		t.Errorf("all packages = %d, %v", len(all), err)
	}

	if _, err := f.store.GetPackage(ctx, id.NewPackageID()); !errors.Is(err, credits.ErrPackageNotFound) {
		t.Errorf("missing package = %v", err)
	}
}

func testProviderConfig(t *testing.T, newStore Factory) {
	ctx := context.Background()
	f := newFixture(t, newStore)

	if _, err := f.store.GetProviderConfig(ctx, "stripe"); !errors.Is(err, credits.ErrProviderNotConfigured) {
		t.Errorf("unset config = %v", err)
	}

	for _, key := range []string{"sk_test_1", "sk_test_2"} {
		err := f.store.SaveProviderConfig(ctx, &provider.Config{
			Provider:  "stripe",
			SecretKey: key,
			Currency:  "jpy",
			UpdatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("SaveProviderConfig: %v", err)
		}
	}

	cfg, err := f.store.GetProviderConfig(ctx, "stripe")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SecretKey != "sk_test_2" || cfg.Currency != "jpy" {
		t.Errorf("config = %+v", cfg)
	}
}
