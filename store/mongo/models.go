package mongo

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

// ==================== Account models ====================

type accountModel struct {
	grove.BaseModel `grove:"table:credit_accounts"`

	ID        string          `grove:"id,pk" bson:"_id"`
	TenantID  string          `grove:"tenant_id" bson:"tenant_id"`
	UserID    string          `grove:"user_id" bson:"user_id"`
	Balances  credit.Balances `grove:"balances" bson:"balances"`
	Usage     credit.Balances `grove:"usage" bson:"usage"`
	Seed      credit.Balances `grove:"seed" bson:"seed"`
	CreatedAt time.Time       `grove:"created_at" bson:"created_at"`
	UpdatedAt time.Time       `grove:"updated_at" bson:"updated_at"`
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
		Balances: m.Balances,
		Usage:    m.Usage,
		Seed:     m.Seed,
	}, nil
}

// ==================== Transaction log models ====================

type entryModel struct {
	grove.BaseModel `grove:"table:credit_transactions"`

	ID                string    `grove:"id,pk" bson:"_id"`
	TenantID          string    `grove:"tenant_id" bson:"tenant_id"`
	UserID            string    `grove:"user_id" bson:"user_id"`
	CreditType        string    `grove:"credit_type" bson:"credit_type"`
	Direction         string    `grove:"direction" bson:"direction"`
	Amount            int64     `grove:"amount" bson:"amount"`
	ResultingBalance  int64     `grove:"resulting_balance" bson:"resulting_balance"`
	Reason            string    `grove:"reason" bson:"reason"`
	ExternalReference string    `grove:"external_reference" bson:"external_reference,omitempty"`
	CreatedAt         time.Time `grove:"created_at" bson:"created_at"`
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
		CreatedAt:         e.CreatedAt,
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

	ID             string    `grove:"id,pk" bson:"_id"`
	TenantID       string    `grove:"tenant_id" bson:"tenant_id"`
	UserID         string    `grove:"user_id" bson:"user_id"`
	PackageID      string    `grove:"package_id" bson:"package_id"`
	CreditType     string    `grove:"credit_type" bson:"credit_type"`
	Credits        int64     `grove:"credits" bson:"credits"`
	AmountCents    int64     `grove:"amount_cents" bson:"amount_cents"`
	AmountCurrency string    `grove:"amount_currency" bson:"amount_currency"`
	Provider       string    `grove:"provider" bson:"provider"`
	Status         string    `grove:"status" bson:"status"`
	CreditsAdded   int64     `grove:"credits_added" bson:"credits_added"`
	TransactionRef string    `grove:"transaction_ref" bson:"transaction_ref"`
	RedirectURL    string    `grove:"redirect_url" bson:"redirect_url"`
	ClaimToken     string    `grove:"claim_token" bson:"claim_token"`
	ClaimExpiresAt time.Time `grove:"claim_expires_at" bson:"claim_expires_at"`
	CreatedAt      time.Time `grove:"created_at" bson:"created_at"`
	UpdatedAt      time.Time `grove:"updated_at" bson:"updated_at"`
	ExpiresAt      time.Time `grove:"expires_at" bson:"expires_at"`
	CompletedAt    time.Time `grove:"completed_at" bson:"completed_at,omitempty"`
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
		ClaimExpiresAt: s.ClaimExpiresAt,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		ExpiresAt:      s.ExpiresAt,
		CompletedAt:    s.CompletedAt,
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
		ClaimExpiresAt: m.ClaimExpiresAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		ExpiresAt:      m.ExpiresAt,
		CompletedAt:    m.CompletedAt,
	}, nil
}

// ==================== Package models ====================

type packageModel struct {
	grove.BaseModel `grove:"table:credit_packages"`

	ID            string    `grove:"id,pk" bson:"_id"`
	Name          string    `grove:"name" bson:"name"`
	CreditType    string    `grove:"credit_type" bson:"credit_type"`
	Credits       int64     `grove:"credits" bson:"credits"`
	PriceCents    int64     `grove:"price_cents" bson:"price_cents"`
	PriceCurrency string    `grove:"price_currency" bson:"price_currency"`
	Active        bool      `grove:"active" bson:"active"`
	CreatedAt     time.Time `grove:"created_at" bson:"created_at"`
	UpdatedAt     time.Time `grove:"updated_at" bson:"updated_at"`
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
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
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

	Provider      string    `grove:"provider,pk" bson:"_id"`
	SecretKey     string    `grove:"secret_key" bson:"secret_key"`
	WebhookSecret string    `grove:"webhook_secret" bson:"webhook_secret"`
	Currency      string    `grove:"currency" bson:"currency"`
	SuccessURL    string    `grove:"success_url" bson:"success_url"`
	CancelURL     string    `grove:"cancel_url" bson:"cancel_url"`
	UpdatedAt     time.Time `grove:"updated_at" bson:"updated_at"`
}

func toProviderConfigModel(c *provider.Config) *providerConfigModel {
	return &providerConfigModel{
		Provider:      c.Provider,
		SecretKey:     c.SecretKey,
		WebhookSecret: c.WebhookSecret,
		Currency:      c.Currency,
		SuccessURL:    c.SuccessURL,
		CancelURL:     c.CancelURL,
		UpdatedAt:     c.UpdatedAt,
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
