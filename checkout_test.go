package credits_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/credits"
	"github.com/xraph/credits/checkout"
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/provider"
	"github.com/xraph/credits/store/memory"
	"github.com/xraph/credits/txlog"
	"github.com/xraph/credits/types"
)

type checkoutFixture struct {
	ledger   *credits.Ledger
	store    *memory.Store
	provider *fakeProvider
	clock    *testClock
	pkg      id.PackageID
}

func newCheckoutFixture(t *testing.T, opts ...credits.Option) *checkoutFixture {
	t.Helper()
	f := &checkoutFixture{
		store:    memory.New(),
		provider: newFakeProvider(),
		clock:    newTestClock(),
	}
	base := []credits.Option{
		credits.WithProvider(f.provider),
		credits.WithClock(f.clock.Now),
	}
	f.ledger = newTestLedger(t, f.store, append(base, opts...)...)
	f.pkg = createPackage(t, f.ledger, credit.Article, 10, types.JPY(750)).ID
	return f
}

func (f *checkoutFixture) open(t *testing.T, tenantID, userID string) *checkout.Session {
	t.Helper()
	sess, err := f.ledger.CreateCheckout(context.Background(), credits.CheckoutInput{
		TenantID:  tenantID,
		UserID:    userID,
		PackageID: f.pkg,
	})
	if err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}
	return sess
}

func (f *checkoutFixture) purchases(t *testing.T, tenantID, userID string) []*txlog.Entry {
	t.Helper()
	entries, err := f.ledger.History(context.Background(), tenantID, userID, txlog.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	var out []*txlog.Entry
	for _, e := range entries {
		if e.Reason == txlog.ReasonPurchase {
			out = append(out, e)
		}
	}
	return out
}

func TestCreateCheckout(t *testing.T) {
	f := newCheckoutFixture(t)
	sess := f.open(t, "site-a", "u1")

	if sess.Status != checkout.StatusPending {
		t.Errorf("status = %q", sess.Status)
	}
	if sess.Credits != 10 || sess.CreditType != credit.Article || !sess.Amount.Equal(types.JPY(750)) {
		t.Errorf("session snapshot = %+v", sess)
	}
	if want := f.clock.Now().Add(checkout.DefaultTTL); !sess.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", sess.ExpiresAt, want)
	}
	if sess.RedirectURL == "" || sess.Provider != "fake" {
		t.Errorf("session = %+v", sess)
	}
}

func TestCreateCheckoutErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("inactive package", func(t *testing.T) {
		f := newCheckoutFixture(t)
		pkg, _ := f.ledger.GetPackage(ctx, f.pkg)
		pkg.Active = false
		if err := f.ledger.UpdatePackage(ctx, pkg); err != nil {
			t.Fatal(err)
		}

		_, err := f.ledger.CreateCheckout(ctx, credits.CheckoutInput{TenantID: "t", UserID: "u", PackageID: f.pkg})
		if !errors.Is(err, credits.ErrPackageNotFound) {
			t.Errorf("got %v", err)
		}
	})

	t.Run("unknown package", func(t *testing.T) {
		f := newCheckoutFixture(t)
		_, err := f.ledger.CreateCheckout(ctx, credits.CheckoutInput{TenantID: "t", UserID: "u", PackageID: id.NewPackageID()})
		if !errors.Is(err, credits.ErrPackageNotFound) {
			t.Errorf("got %v", err)
		}
	})

	t.Run("no provider", func(t *testing.T) {
		l := newTestLedger(t, memory.New())
		pkg := createPackage(t, l, credit.Image, 20, types.USD(500))

		_, err := l.CreateCheckout(ctx, credits.CheckoutInput{TenantID: "t", UserID: "u", PackageID: pkg.ID})
		if !errors.Is(err, credits.ErrProviderNotConfigured) || !credits.IsConfiguration(err) {
			t.Errorf("got %v", err)
		}
	})
}

func TestVerifyAndSettlePaid(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)
	sess := f.open(t, "site-a", "u1")
	f.provider.setStatus(sess.ID, provider.StatusPaid)

	got, err := f.ledger.VerifyAndSettle(ctx, "site-a", sess.ID)
	if err != nil {
		t.Fatalf("VerifyAndSettle: %v", err)
	}
	wantBalance := credit.DefaultSeed().Article + 10
	if got.Replayed || got.CreditsAdded != 10 || got.Balance != wantBalance || got.TransactionRef == "" {
		t.Errorf("settlement = %+v", got)
	}

	stored, _ := f.ledger.Session(ctx, "site-a", sess.ID)
	if stored.Status != checkout.StatusCompleted || stored.CreditsAdded != 10 || stored.TransactionRef != got.TransactionRef {
		t.Errorf("stored session = %+v", stored)
	}

	purchases := f.purchases(t, "site-a", "u1")
	if len(purchases) != 1 || purchases[0].ExternalReference != sess.ID || purchases[0].ID.String() != got.TransactionRef {
		t.Fatalf("purchases = %+v", purchases)
	}

	calls := f.provider.calls.Load()

	again, err := f.ledger.VerifyAndSettle(ctx, "site-a", sess.ID)
	if err != nil {
		t.Fatalf("second VerifyAndSettle: %v", err)
	}
	if !again.Replayed || again.CreditsAdded != 10 || again.TransactionRef != got.TransactionRef {
		t.Errorf("replay = %+v", again)
	}
	if !errors.Is(again.Err(), credits.ErrAlreadyCompleted) {
		t.Errorf("replay Err() = %v", again.Err())
	}
	if f.provider.calls.Load() != calls {
		t.Error("a completed session must not call the provider again")
	}

	bal, _ := f.ledger.GetBalances(ctx, "site-a", "u1")
	if bal.Article != wantBalance {
		t.Errorf("article balance = %d, want %d", bal.Article, wantBalance)
	}
}

func TestVerifyAndSettleUnpaid(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)
	sess := f.open(t, "site-a", "u1")

	_, err := f.ledger.VerifyAndSettle(ctx, "site-a", sess.ID)
	if !errors.Is(err, credits.ErrPaymentNotCompleted) || !credits.IsRetryable(err) {
		t.Fatalf("expected ErrPaymentNotCompleted, got %v", err)
	}

	stored, _ := f.ledger.Session(ctx, "site-a", sess.ID)
	if stored.Status != checkout.StatusPending {
		t.Errorf("status = %q", stored.Status)
	}
	hist, _ := f.ledger.History(ctx, "site-a", "u1", txlog.ListOpts{})
	if len(hist) != 0 {
		t.Errorf("unpaid verification wrote %d entries", len(hist))
	}
}

func TestConcurrentVerifyGrantsOnce(t *testing.T) {
	const callers = 16
	ctx := context.Background()
	f := newCheckoutFixture(t)
	sess := f.open(t, "site-a", "u1")
	f.provider.setStatus(sess.ID, provider.StatusPaid)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		settled  int
		replayed int
		refs     = map[string]bool{}
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := f.ledger.VerifyAndSettle(ctx, "site-a", sess.ID)
			if err != nil {
				t.Errorf("VerifyAndSettle: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if s.Replayed {
				replayed++
			} else {
				settled++
			}
			if s.CreditsAdded != 10 {
				t.Errorf("credits_added = %d", s.CreditsAdded)
			}
			refs[s.TransactionRef] = true
		}()
	}
	wg.Wait()

	if settled != 1 || replayed != callers-1 {
		t.Errorf("settled %d, replayed %d; want 1 and %d", settled, replayed, callers-1)
	}
	if len(refs) != 1 {
		t.Errorf("callers saw %d transaction refs", len(refs))
	}
	if n := len(f.purchases(t, "site-a", "u1")); n != 1 {
		t.Errorf("%d purchase entries, want 1", n)
	}
	bal, _ := f.ledger.GetBalances(ctx, "site-a", "u1")
	if bal.Article != credit.DefaultSeed().Article+10 {
		t.Errorf("article balance = %d", bal.Article)
	}
}

// reentrantSettler verifies the same session again from inside the first
// settlement's grant hook, while the first caller still holds the lease.
type reentrantSettler struct {
	ledger   *credits.Ledger
	provider *fakeProvider
	once     sync.Once
	result   chan error
	second   *credits.Settlement
}

func (r *reentrantSettler) Name() string { return "reentrant-settler" }

func (r *reentrantSettler) OnCreditsGranted(ctx context.Context, e *txlog.Entry) error {
	if e.Reason != txlog.ReasonPurchase {
		return nil
	}
	r.once.Do(func() {
		go func() {
			s, err := r.ledger.VerifyAndSettle(ctx, e.TenantID, e.ExternalReference)
			r.second = s
			r.result <- err
		}()
		// Hold the lease until the second caller has reached the provider.
		deadline := time.Now().Add(time.Second)
		for r.provider.calls.Load() < 2 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(20 * time.Millisecond)
	})
	return nil
}

func TestVerifyWaitsForConcurrentSettlement(t *testing.T) {
	ctx := context.Background()
	hook := &reentrantSettler{result: make(chan error, 1)}
	f := newCheckoutFixture(t, credits.WithPlugin(hook))
	hook.ledger, hook.provider = f.ledger, f.provider

	sess := f.open(t, "site-a", "u1")
	f.provider.setStatus(sess.ID, provider.StatusPaid)

	first, err := f.ledger.VerifyAndSettle(ctx, "site-a", sess.ID)
	if err != nil {
		t.Fatalf("VerifyAndSettle: %v", err)
	}
	if first.Replayed || first.CreditsAdded != 10 {
		t.Fatalf("first = %+v", first)
	}

	select {
	case err := <-hook.result:
		if err != nil {
			t.Fatalf("second VerifyAndSettle: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second caller never returned")
	}

	second := hook.second
	if !second.Replayed || second.CreditsAdded != first.CreditsAdded || second.TransactionRef != first.TransactionRef {
		t.Errorf("second = %+v, want replay of %+v", second, first)
	}
	if !errors.Is(second.Err(), credits.ErrAlreadyCompleted) {
		t.Errorf("second.Err() = %v", second.Err())
	}
	if n := len(f.purchases(t, "site-a", "u1")); n != 1 {
		t.Errorf("%d purchase entries, want 1", n)
	}
}

func TestVerifyGivesUpWhenHolderStalls(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t, credits.WithProviderTimeout(50*time.Millisecond))
	sess := f.open(t, "site-a", "u1")
	f.provider.setStatus(sess.ID, provider.StatusPaid)

	// A live lease held by a caller that never completes.
	now := f.clock.Now()
	if ok, err := f.store.ClaimSession(ctx, "site-a", sess.ID, "stalled", now.Add(time.Minute), now); err != nil || !ok {
		t.Fatalf("ClaimSession = %v, %v", ok, err)
	}

	_, err := f.ledger.VerifyAndSettle(ctx, "site-a", sess.ID)
	if !errors.Is(err, credits.ErrSettlementInProgress) || !credits.IsRetryable(err) {
		t.Fatalf("expected retryable ErrSettlementInProgress, got %v", err)
	}
	if n := len(f.purchases(t, "site-a", "u1")); n != 0 {
		t.Errorf("%d purchase entries, want 0", n)
	}

	// Once the lease lapses the next call settles.
	f.clock.Advance(2 * time.Minute)
	s, err := f.ledger.VerifyAndSettle(ctx, "site-a", sess.ID)
	if err != nil || s.Replayed {
		t.Fatalf("after lease expiry: %+v, %v", s, err)
	}
}

func TestVerifyIsScopedByTenant(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)
	sess := f.open(t, "site-a", "u1")
	f.provider.setStatus(sess.ID, provider.StatusPaid)

	_, err := f.ledger.VerifyAndSettle(ctx, "site-b", sess.ID)
	if !errors.Is(err, credits.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if f.provider.calls.Load() != 0 {
		t.Error("a foreign tenant must not reach the provider")
	}

	bal, _ := f.ledger.GetBalances(ctx, "site-b", "u1")
	if bal.Article != credit.DefaultSeed().Article {
		t.Errorf("site-b balance changed: %+v", bal)
	}
}

func TestVerifyProviderTimeout(t *testing.T) {
	f := newCheckoutFixture(t, credits.WithProviderTimeout(20*time.Millisecond))
	sess := f.open(t, "site-a", "u1")
	f.provider.setStatus(sess.ID, provider.StatusPaid)
	f.provider.delay = 300 * time.Millisecond

	start := time.Now()
	_, err := f.ledger.VerifyAndSettle(context.Background(), "site-a", sess.ID)
	if !errors.Is(err, credits.ErrPaymentNotCompleted) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout as ErrPaymentNotCompleted, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("verification waited %v", elapsed)
	}

	stored, _ := f.ledger.Session(context.Background(), "site-a", sess.ID)
	if stored.Status != checkout.StatusPending {
		t.Errorf("status = %q", stored.Status)
	}
}

func TestVerifyProviderError(t *testing.T) {
	f := newCheckoutFixture(t)
	sess := f.open(t, "site-a", "u1")
	f.provider.err = errors.New("connection reset")

	_, err := f.ledger.VerifyAndSettle(context.Background(), "site-a", sess.ID)
	if !errors.Is(err, credits.ErrPaymentNotCompleted) {
		t.Errorf("got %v", err)
	}
}

func TestVerifyExpiredSession(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)
	sess := f.open(t, "site-a", "u1")
	f.provider.setStatus(sess.ID, provider.StatusExpired)

	_, err := f.ledger.VerifyAndSettle(ctx, "site-a", sess.ID)
	if !errors.Is(err, credits.ErrSessionExpired) {
		t.Fatalf("got %v", err)
	}

	stored, _ := f.ledger.Session(ctx, "site-a", sess.ID)
	if stored.Status != checkout.StatusExpired {
		t.Errorf("status = %q", stored.Status)
	}

	calls := f.provider.calls.Load()
	_, err = f.ledger.VerifyAndSettle(ctx, "site-a", sess.ID)
	if !errors.Is(err, credits.ErrSessionExpired) || f.provider.calls.Load() != calls {
		t.Errorf("terminal session: err=%v, provider calls %d -> %d", err, calls, f.provider.calls.Load())
	}
}

func TestVerifyMissingPackage(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)

	now := f.clock.Now()
	sess := &checkout.Session{
		ID: "cs_orphan", TenantID: "site-a", UserID: "u1",
		PackageID: id.NewPackageID(), CreditType: credit.Image, Credits: 5,
		Amount: types.USD(100), Provider: "fake", Status: checkout.StatusPending,
		CreatedAt: now, UpdatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	if err := f.store.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	f.provider.setStatus(sess.ID, provider.StatusPaid)

	_, err := f.ledger.VerifyAndSettle(ctx, "site-a", sess.ID)
	if !errors.Is(err, credits.ErrPackageNotFound) {
		t.Fatalf("got %v", err)
	}

	stored, _ := f.ledger.Session(ctx, "site-a", sess.ID)
	if stored.Status != checkout.StatusPending {
		t.Errorf("status = %q", stored.Status)
	}
	hist, _ := f.ledger.History(ctx, "site-a", "u1", txlog.ListOpts{})
	if len(hist) != 0 {
		t.Errorf("wrote %d entries", len(hist))
	}
}

func TestSettleResumesAfterCrash(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)
	sess := f.open(t, "site-a", "u1")
	f.provider.setStatus(sess.ID, provider.StatusPaid)

	// A previous settlement granted the credits but never completed the session.
	prior, err := f.ledger.Grant(ctx, credits.GrantInput{
		TenantID: "site-a", UserID: "u1", Type: credit.Article, Amount: 10,
		Reason: txlog.ReasonPurchase, ExternalReference: sess.ID,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := f.ledger.VerifyAndSettle(ctx, "site-a", sess.ID)
	if err != nil {
		t.Fatalf("VerifyAndSettle: %v", err)
	}
	if got.TransactionRef != prior.Entry.ID.String() || got.CreditsAdded != 10 {
		t.Errorf("settlement = %+v", got)
	}

	bal, _ := f.ledger.GetBalances(ctx, "site-a", "u1")
	if bal.Article != credit.DefaultSeed().Article+10 {
		t.Errorf("credits granted twice: article = %d", bal.Article)
	}
}

func TestExpireStaleSessions(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t)

	unpaid := f.open(t, "site-a", "u1")
	paid := f.open(t, "site-a", "u2")
	other := f.open(t, "site-b", "u3")
	f.provider.setStatus(paid.ID, provider.StatusPaid)

	f.clock.Advance(checkout.DefaultTTL + time.Minute)
	late := f.open(t, "site-b", "u4")

	n, err := f.ledger.ExpireStaleSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expired %d sessions, want 2", n)
	}

	want := map[string]checkout.Status{
		unpaid.ID: checkout.StatusExpired,
		paid.ID:   checkout.StatusCompleted,
		other.ID:  checkout.StatusExpired,
		late.ID:   checkout.StatusPending,
	}
	for sid, status := range want {
		tenant := "site-a"
		if sid == other.ID || sid == late.ID {
			tenant = "site-b"
		}
		got, _ := f.ledger.Session(ctx, tenant, sid)
		if got.Status != status {
			t.Errorf("session %s: status %q, want %q", sid, got.Status, status)
		}
	}

	bal, _ := f.ledger.GetBalances(ctx, "site-a", "u2")
	if bal.Article != credit.DefaultSeed().Article+10 {
		t.Errorf("late payment not settled: %+v", bal)
	}
}

func TestSweeperRunsInBackground(t *testing.T) {
	ctx := context.Background()
	f := newCheckoutFixture(t, credits.WithSweepInterval(10*time.Millisecond))
	sess := f.open(t, "site-a", "u1")
	f.clock.Advance(checkout.DefaultTTL + time.Second)

	if err := f.ledger.Start(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := f.ledger.Session(ctx, "site-a", sess.ID)
		if got.Status == checkout.StatusExpired {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("sweeper did not expire the stale session")
}

func TestProviderFromStoredConfig(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProvider()
	var built int

	l := newTestLedger(t, memory.New(), credits.WithProviderFactory("fake", func(cfg *provider.Config) (provider.Provider, error) {
		if !cfg.Configured() {
			return nil, provider.ErrNotConfigured
		}
		built++
		return fp, nil
	}))
	pkg := createPackage(t, l, credit.Rewrite, 5, types.EUR(300))
	in := credits.CheckoutInput{TenantID: "t", UserID: "u", PackageID: pkg.ID}

	if _, err := l.CreateCheckout(ctx, in); !errors.Is(err, credits.ErrProviderNotConfigured) {
		t.Fatalf("expected ErrProviderNotConfigured before config is saved, got %v", err)
	}

	cfg := &provider.Config{Provider: "fake", SecretKey: "sk", SuccessURL: "https://s", CancelURL: "https://c"}
	if err := l.SaveProviderConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := l.CreateCheckout(ctx, in); err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}
	if _, err := l.CreateCheckout(ctx, in); err != nil {
		t.Fatalf("CreateCheckout: %v", err)
	}
	if built != 1 {
		t.Errorf("provider built %d times, want 1", built)
	}

	// Saving again replaces the config in place and rebuilds the provider.
	cfg.SuccessURL = "https://s2"
	if err := l.SaveProviderConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	stored, err := l.ProviderConfig(ctx, "fake")
	if err != nil || stored.SuccessURL != "https://s2" {
		t.Fatalf("stored = %+v, err = %v", stored, err)
	}
	if _, err := l.CreateCheckout(ctx, in); err != nil {
		t.Fatal(err)
	}
	if built != 2 {
		t.Errorf("provider built %d times, want 2", built)
	}
}
