package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits"
	"github.com/xraph/credits/provider"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/memory"
)

// keepOpen lets one memory store outlive the ledger of each invocation.
type keepOpen struct{ store.Store }

func (keepOpen) Close() error { return nil }

type stubProvider struct {
	mu       sync.Mutex
	n        int
	statuses map[string]provider.PaymentStatus
}

func newStubProvider() *stubProvider {
	return &stubProvider{statuses: make(map[string]provider.PaymentStatus)}
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) CreateSession(_ context.Context, req provider.SessionRequest) (*provider.SessionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	sid := fmt.Sprintf("cs_test_%d", p.n)
	p.statuses[sid] = provider.StatusUnpaid
	return &provider.SessionInfo{ID: sid, URL: "https://pay.test/" + sid}, nil
}

func (p *stubProvider) SessionStatus(_ context.Context, sessionID string) (provider.PaymentStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statuses[sessionID], nil
}

func (p *stubProvider) ParseWebhook(payload []byte, signature string) (*provider.WebhookEvent, error) {
	if signature != "valid" {
		return nil, provider.ErrWebhookInvalid
	}
	var evt provider.WebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, provider.ErrWebhookInvalid
	}
	return &evt, nil
}

func (p *stubProvider) pay(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[sessionID] = provider.StatusPaid
}

type cliEnv struct {
	store    store.Store
	provider *stubProvider
	stdin    string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	t.Chdir(t.TempDir())
	return &cliEnv{store: keepOpen{memory.New()}, provider: newStubProvider()}
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := newRootCmd(withStore(e.store), withLedgerOption(credits.WithProvider(e.provider)))
	stdout := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(e.stdin))
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), err
}

func TestBalanceShowsSeedForNewUser(t *testing.T) {
	env := newCLIEnv(t)

	stdout, err := env.run(t, "balance", "u1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "article\t5")
	assert.Contains(t, stdout, "image\t10")
	assert.Contains(t, stdout, "rewrite\t3")
}

func TestGrantPersistsAcrossInvocations(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "grant", "u1", "--type", "image", "--amount", "4", "--reason", "bonus")
	require.NoError(t, err)

	stdout, err := env.run(t, "balance", "u1", "--json")
	require.NoError(t, err)
	var b map[string]int64
	require.NoError(t, json.Unmarshal([]byte(stdout), &b))
	assert.Equal(t, int64(14), b["image"])

	stdout, err = env.run(t, "history", "u1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "bonus\t+4\t14")
}

func TestDeductErrors(t *testing.T) {
	env := newCLIEnv(t)

	t.Run("missing type", func(t *testing.T) {
		_, err := env.run(t, "deduct", "u1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "required flag(s) \"type\" not set")
	})

	t.Run("insufficient", func(t *testing.T) {
		_, err := env.run(t, "deduct", "u1", "--type", "rewrite", "--amount", "4")
		require.ErrorIs(t, err, credits.ErrInsufficientCredits)

		stdout, err := env.run(t, "balance", "u1")
		require.NoError(t, err)
		assert.Contains(t, stdout, "rewrite\t3")
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := env.run(t, "deduct", "u1", "--type", "video")
		require.ErrorIs(t, err, credits.ErrInvalidCreditType)
	})
}

func TestTenantFlagIsolatesBalances(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "deduct", "u1", "--tenant", "site-a", "--type", "article", "--amount", "5")
	require.NoError(t, err)

	stdout, err := env.run(t, "balance", "u1", "--tenant", "site-b")
	require.NoError(t, err)
	assert.Contains(t, stdout, "article\t5")

	stdout, err = env.run(t, "balance", "u1", "--tenant", "site-a")
	require.NoError(t, err)
	assert.Contains(t, stdout, "article\t0")
}

func TestCheckoutSettlesOnce(t *testing.T) {
	env := newCLIEnv(t)

	stdout, err := env.run(t, "packages", "create", "--name", "10 articles", "--type", "article", "--credits", "10", "--price", "750")
	require.NoError(t, err)
	pkgID := strings.TrimSpace(stdout)

	stdout, err = env.run(t, "checkout", "create", "u1", "--package", pkgID)
	require.NoError(t, err)
	sessionID := strings.Fields(stdout)[0]
	assert.Contains(t, stdout, "https://pay.test/"+sessionID)

	_, err = env.run(t, "checkout", "verify", sessionID)
	require.ErrorIs(t, err, credits.ErrPaymentNotCompleted)

	env.provider.pay(sessionID)

	var first, second credits.Settlement
	stdout, err = env.run(t, "checkout", "verify", sessionID)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(stdout), &first))
	assert.Equal(t, int64(10), first.CreditsAdded)
	assert.Equal(t, int64(15), first.Balance)
	assert.False(t, first.Replayed)

	stdout, err = env.run(t, "checkout", "verify", sessionID)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(stdout), &second))
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionRef, second.TransactionRef)

	stdout, err = env.run(t, "balance", "u1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "article\t15")
}

func TestPackagesDeactivate(t *testing.T) {
	env := newCLIEnv(t)

	stdout, err := env.run(t, "packages", "create", "--name", "5 images", "--type", "image", "--credits", "5", "--price", "300")
	require.NoError(t, err)
	pkgID := strings.TrimSpace(stdout)

	_, err = env.run(t, "packages", "deactivate", pkgID)
	require.NoError(t, err)

	stdout, err = env.run(t, "packages", "list")
	require.NoError(t, err)
	assert.NotContains(t, stdout, pkgID)

	stdout, err = env.run(t, "packages", "list", "--all")
	require.NoError(t, err)
	assert.Contains(t, stdout, pkgID)

	_, err = env.run(t, "checkout", "create", "u1", "--package", pkgID)
	require.ErrorIs(t, err, credits.ErrPackageNotFound)
}

func TestWebhookFromStdin(t *testing.T) {
	env := newCLIEnv(t)

	stdout, err := env.run(t, "packages", "create", "--name", "3 rewrites", "--type", "rewrite", "--credits", "3", "--price", "200")
	require.NoError(t, err)
	pkgID := strings.TrimSpace(stdout)

	stdout, err = env.run(t, "checkout", "create", "u1", "--package", pkgID)
	require.NoError(t, err)
	sessionID := strings.Fields(stdout)[0]
	env.provider.pay(sessionID)

	payload, err := json.Marshal(provider.WebhookEvent{
		ID:        "evt_1",
		Type:      provider.EventCheckoutCompleted,
		SessionID: sessionID,
		TenantID:  "default",
		Status:    provider.StatusPaid,
	})
	require.NoError(t, err)

	env.stdin = string(payload)
	_, err = env.run(t, "webhook", "--signature", "bad")
	require.ErrorIs(t, err, provider.ErrWebhookInvalid)

	stdout, err = env.run(t, "webhook", "--signature", "valid")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", stdout)

	env.stdin = ""
	stdout, err = env.run(t, "balance", "u1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "rewrite\t6")
}

func TestReconcileReportsConsistentLog(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "deduct", "u1", "--type", "image", "--amount", "2")
	require.NoError(t, err)

	stdout, err := env.run(t, "reconcile", "u1")
	require.NoError(t, err)
	var rec credits.Reconciliation
	require.NoError(t, json.Unmarshal([]byte(stdout), &rec))
	assert.True(t, rec.Consistent())
	assert.Equal(t, 1, rec.Entries)
}

func TestConfigFileSetsSeedAndTenant(t *testing.T) {
	env := newCLIEnv(t)
	path := filepath.Join(t.TempDir(), "credits.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tenant: site-z\nseed:\n  article: 7\n  image: 1\n  rewrite: 1\n"), 0o644))

	_, err := env.run(t, "--config", path, "deduct", "u1", "--type", "article")
	require.NoError(t, err)

	stdout, err := env.run(t, "balance", "u1", "--tenant", "site-z")
	require.NoError(t, err)
	assert.Contains(t, stdout, "article\t6")
}

func TestUnknownBackend(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CREDITS_STORE", "cassandra")

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"balance", "u1"})

	err := root.Execute()
	require.ErrorIs(t, err, errUnknownBackend)
}
