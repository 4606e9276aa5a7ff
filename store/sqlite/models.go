package sqlite

import (
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/checkout"
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/provider"
	"github.com/xraph/credits/txlog"
	"github.com/xraph/credits/types"
)

// Times are written in UTC. The driver stores them as text, so range
// filters and ordering on timestamp columns compare strings.

// ==================== Account models ====================

// accountModel keeps one column per credit type so a deduction is a single
// conditional UPDATE on one row.
type accountModel struct {
	grove.BaseModel `grove:"table:credit_accounts"`

	ID             string    `grove:"id,pk"`
	TenantID       string    `grove:"tenant_id"`
	UserID         string    `grove:"user_id"`
	ArticleBalance int64     `grove:"article_balance"`
	ImageBalance   int64     `grove:"image_balance"`
	RewriteBalance int64     `grove:"rewrite_balance"`
	ArticleUsed    int64     `grove:"article_used"`
	ImageUsed      int64     `grove:"image_used"`
	RewriteUsed    int64     `grove:"rewrite_used"`
	ArticleSeed    int64     `grove:"article_seed"`
	ImageSeed      int64     `grove:"image_seed"`
	RewriteSeed    int64     `grove:"rewrite_seed"`
	CreatedAt      time.Time `grove:"created_at"`
	UpdatedAt      time.Time `grove:"updated_at"`
}

func newAccountModel(tenantID, userID string, seed credit.Balances) *accountModel {
	t := now()
	return &accountModel{
		ID:             id.NewAccountID().String(),
		TenantID:       tenantID,
		UserID:         userID,
		ArticleBalance: seed.Article,
		ImageBalance:   seed.Image,
		RewriteBalance: seed.Rewrite,
		ArticleSeed:    seed.Article,
		ImageSeed:      seed.Image,
		RewriteSeed:    seed.Rewrite,
		CreatedAt:      t,
		UpdatedAt:      t,
	}
}

func fromAccountModel(m *accountModel) (*credit.Account, error) {
	accountID, err := id.ParseAccountID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse account id: %w", err)
	}
	return &credit.Account{
		Entity:   types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:       accountID,
		TenantID: m.TenantID,
		UserID:   m.UserID,
		Balances: credit.Balances{Article: m.ArticleBalance, Image: m.ImageBalance, Rewrite: m.RewriteBalance},
		Usage:    credit.Balances{Article: m.ArticleUsed, Image: m.ImageUsed, Rewrite: m.RewriteUsed},
		Seed:     credit.Balances{Article: m.ArticleSeed, Image: m.ImageSeed, Rewrite: m.RewriteSeed},
	}, nil
}

// balanceColumn returns the balance and usage columns for t. t must be valid.
func balanceColumn(t credit.Type) (balance, used string) {
	return string(t) + "_balance", string(t) + "_used"
}

// ==================== Transaction log models ====================

type entryModel struct {
	grove.BaseModel `grove:"table:credit_transactions"`

	ID                string    `grove:"id,pk"`
	TenantID          string    `grove:"tenant_id"`
	UserID            string    `grove:"user_id"`
	CreditType        string    `grove:"credit_type"`
	Direction         string    `grove:"direction"`
	Amount            int64     `grove:"amount"`
	ResultingBalance  int64     `grove:"resulting_balance"`
	Reason            string    `grove:"reason"`
	ExternalReference string    `grove:"external_reference"`
	CreatedAt         time.Time `grove:"created_at"`
}

func toEntryModel(e *txlog.Entry) *entryModel {
	return &entryModel{
		ID:                e.ID.String(),
		TenantID:          e.TenantID,
		UserID:            e.UserID,
		CreditType:        string(e.CreditType),
		Direction:         string(e.Direction),
		Amount:            e.Amount,
		ResultingBalance:  e.ResultingBalance,
		Reason:            string(e.Reason),
		ExternalReference: e.ExternalReference,
		CreatedAt:         e.CreatedAt.UTC(),
	}
}

func fromEntryModel(m *entryModel) (*txlog.Entry, error) {
	entryID, err := id.ParseTransactionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse transaction id: %w", err)
	}
	return &txlog.Entry{
		ID:                entryID,
		TenantID:          m.TenantID,
		UserID:            m.UserID,
		CreditType:        credit.Type(m.CreditType),
		Direction:         txlog.Direction(m.Direction),
		Amount:            m.Amount,
		ResultingBalance:  m.ResultingBalance,
		Reason:            txlog.Reason(m.Reason),
		ExternalReference: m.ExternalReference,
		CreatedAt:         m.CreatedAt,
	}, nil
}

// ==================== Checkout session models ====================

type sessionModel struct {
	grove.BaseModel `grove:"table:credit_checkout_sessions"`

	ID             string     `grove:"id,pk"`
	TenantID       string     `grove:"tenant_id"`
	UserID         string     `grove:"user_id"`
	PackageID      string     `grove:"package_id"`
	CreditType     string     `grove:"credit_type"`
	Credits        int64      `grove:"credits"`
	AmountCents    int64      `grove:"amount_cents"`
	AmountCurrency string     `grove:"amount_currency"`
	Provider       string     `grove:"provider"`
	Status         string     `grove:"status"`
	CreditsAdded   int64      `grove:"credits_added"`
	TransactionRef string     `grove:"transaction_ref"`
	RedirectURL    string     `grove:"redirect_url"`
	ClaimToken     string     `grove:"claim_token"`
	ClaimExpiresAt *time.Time `grove:"claim_expires_at"`
	CreatedAt      time.Time  `grove:"created_at"`
	UpdatedAt      time.Time  `grove:"updated_at"`
	ExpiresAt      time.Time  `grove:"expires_at"`
	CompletedAt    *time.Time `grove:"completed_at"`
}

func toSessionModel(s *checkout.Session) *sessionModel {
	return &sessionModel{
		ID:             s.ID,
		TenantID:       s.TenantID,
		UserID:         s.UserID,
		PackageID:      s.PackageID.String(),
		CreditType:     string(s.CreditType),
		Credits:        s.Credits,
		AmountCents:    s.Amount.Amount,
		AmountCurrency: s.Amount.Currency,
		Provider:       s.Provider,
		Status:         string(s.Status),
		CreditsAdded:   s.CreditsAdded,
		TransactionRef: s.TransactionRef,
		RedirectURL:    s.RedirectURL,
		ClaimToken:     s.ClaimToken,
		ClaimExpiresAt: timePtr(s.ClaimExpiresAt),
		CreatedAt:      s.CreatedAt.UTC(),
		UpdatedAt:      s.UpdatedAt.UTC(),
		ExpiresAt:      s.ExpiresAt.UTC(),
		CompletedAt:    timePtr(s.CompletedAt),
	}
}

func fromSessionModel(m *sessionModel) (*checkout.Session, error) {
	pkgID, err := id.ParsePackageID(m.PackageID)
	if err != nil {
		return nil, fmt.Errorf("parse package id: %w", err)
	}
	return &checkout.Session{
		ID:             m.ID,
		TenantID:       m.TenantID,
		UserID:         m.UserID,
		PackageID:      pkgID,
		CreditType:     credit.Type(m.CreditType),
		Credits:        m.Credits,
		Amount:         types.Money{Amount: m.AmountCents, Currency: m.AmountCurrency},
		Provider:       m.Provider,
		Status:         checkout.Status(m.Status),
		CreditsAdded:   m.CreditsAdded,
		TransactionRef: m.TransactionRef,
		RedirectURL:    m.RedirectURL,
		ClaimToken:     m.ClaimToken,
		ClaimExpiresAt: derefTime(m.ClaimExpiresAt),
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		ExpiresAt:      m.ExpiresAt,
		CompletedAt:    derefTime(m.CompletedAt),
	}, nil
}

// ==================== Package models ====================

type packageModel struct {
	grove.BaseModel `grove:"table:credit_packages"`

	ID            string    `grove:"id,pk"`
	Name          string    `grove:"name"`
	CreditType    string    `grove:"credit_type"`
	Credits       int64     `grove:"credits"`
	PriceCents    int64     `grove:"price_cents"`
	PriceCurrency string    `grove:"price_currency"`
	Active        bool      `grove:"active"`
	CreatedAt     time.Time `grove:"created_at"`
	UpdatedAt     time.Time `grove:"updated_at"`
}

func toPackageModel(p *catalog.Package) *packageModel {
	return &packageModel{
		ID:            p.ID.String(),
		Name:          p.Name,
		CreditType:    string(p.CreditType),
		Credits:       p.Credits,
		PriceCents:    p.Price.Amount,
		PriceCurrency: p.Price.Currency,
		Active:        p.Active,
		CreatedAt:     p.CreatedAt.UTC(),
		UpdatedAt:     p.UpdatedAt.UTC(),
	}
}

func fromPackageModel(m *packageModel) (*catalog.Package, error) {
	pkgID, err := id.ParsePackageID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse package id: %w", err)
	}
	return &catalog.Package{
		Entity:     types.Entity{CreatedAt: m.CreatedAt, UpdatedAt: m.UpdatedAt},
		ID:         pkgID,
		Name:       m.Name,
		CreditType: credit.Type(m.CreditType),
		Credits:    m.Credits,
		Price:      types.Money{Amount: m.PriceCents, Currency: m.PriceCurrency},
		Active:     m.Active,
	}, nil
}

// ==================== Provider config models ====================

type providerConfigModel struct {
	grove.BaseModel `grove:"table:credit_provider_configs"`

	Provider      string    `grove:"provider,pk"`
	SecretKey     string    `grove:"secret_key"`
	WebhookSecret string    `grove:"webhook_secret"`
	Currency      string    `grove:"currency"`
	SuccessURL    string    `grove:"success_url"`
	CancelURL     string    `grove:"cancel_url"`
	UpdatedAt     time.Time `grove:"updated_at"`
}

func toProviderConfigModel(c *provider.Config) *providerConfigModel {
	return &providerConfigModel{
		Provider:      c.Provider,
		SecretKey:     c.SecretKey,
		WebhookSecret: c.WebhookSecret,
		Currency:      c.Currency,
		SuccessURL:    c.SuccessURL,
		CancelURL:     c.CancelURL,
		UpdatedAt:     c.UpdatedAt.UTC(),
	}
}

func fromProviderConfigModel(m *providerConfigModel) *provider.Config {
	return &provider.Config{
		Provider:      m.Provider,
		SecretKey:     m.SecretKey,
		WebhookSecret: m.WebhookSecret,
		Currency:      m.Currency,
		SuccessURL:    m.SuccessURL,
		CancelURL:     m.CancelURL,
		UpdatedAt:     m.UpdatedAt,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
