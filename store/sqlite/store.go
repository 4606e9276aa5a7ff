package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate" // registers the "sqlite" migration executor
	"github.com/xraph/grove/migrate"

	"github.com/xraph/credits"
	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/checkout"
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/provider"
	creditsstore "github.com/xraph/credits/store"
	"github.com/xraph/credits/txlog"
)

// compile-time interface check
var _ creditsstore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("credits/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("credits/sqlite: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Account Store ====================

func (s *Store) GetOrCreateAccount(ctx context.Context, tenantID, userID string, seed credit.Balances) (*credit.Account, error) {
	m := newAccountModel(tenantID, userID, seed)
	_, err := s.sdb.NewInsert(m).
		OnConflict("(tenant_id, user_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	return s.GetAccount(ctx, tenantID, userID)
}

func (s *Store) GetAccount(ctx context.Context, tenantID, userID string) (*credit.Account, error) {
	m := new(accountModel)
	err := s.sdb.NewSelect(m).
		Where("tenant_id = ?", tenantID).
		Where("user_id = ?", userID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrAccountNotFound
		}
		return nil, err
	}
	return fromAccountModel(m)
}

func (s *Store) TryDeduct(ctx context.Context, tenantID, userID string, t credit.Type, amount int64) (int64, error) {
	if !t.Valid() {
		return 0, credits.ErrInvalidCreditType
	}
	bal, used := balanceColumn(t)

	// SQLite serialises writers, and the guard lives in the same statement
	// as the decrement.
	var remaining int64
	err := s.sdb.NewRaw(fmt.Sprintf(`
		UPDATE credit_accounts
		SET %[1]s = %[1]s - ?, %[2]s = %[2]s + ?, updated_at = ?
		WHERE tenant_id = ? AND user_id = ? AND %[1]s >= ?
		RETURNING %[1]s
	`, bal, used), amount, amount, now(), tenantID, userID, amount).Scan(ctx, &remaining)
	if err != nil {
		if isNoRows(err) {
			return 0, credits.ErrInsufficientCredits
		}
		return 0, err
	}
	return remaining, nil
}

func (s *Store) GrantCredits(ctx context.Context, tenantID, userID string, t credit.Type, amount int64) (int64, error) {
	if !t.Valid() {
		return 0, credits.ErrInvalidCreditType
	}
	bal, _ := balanceColumn(t)

	var balance int64
	err := s.sdb.NewRaw(fmt.Sprintf(`
		UPDATE credit_accounts
		SET %[1]s = %[1]s + ?, updated_at = ?
		WHERE tenant_id = ? AND user_id = ?
		RETURNING %[1]s
	`, bal), amount, now(), tenantID, userID).Scan(ctx, &balance)
	if err != nil {
		if isNoRows(err) {
			return 0, credits.ErrAccountNotFound
		}
		return 0, err
	}
	return balance, nil
}

func (s *Store) ListAccounts(ctx context.Context, tenantID string, opts credit.ListOpts) ([]*credit.Account, error) {
	var models []accountModel
	q := s.sdb.NewSelect(&models).Where("tenant_id = ?", tenantID)

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("user_id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*credit.Account, len(models))
	for i := range models {
		a, err := fromAccountModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = a
	}
	return result, nil
}

// ==================== Transaction log Store ====================

func (s *Store) AppendEntry(ctx context.Context, e *txlog.Entry) error {
	_, err := s.sdb.NewInsert(toEntryModel(e)).Exec(ctx)
	return err
}

func (s *Store) ListEntries(ctx context.Context, tenantID, userID string, opts txlog.ListOpts) ([]*txlog.Entry, error) {
	var models []entryModel
	q := s.sdb.NewSelect(&models).
		Where("tenant_id = ?", tenantID).
		Where("user_id = ?", userID)

	if opts.CreditType != "" {
		q = q.Where("credit_type = ?", string(opts.CreditType))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at ASC, id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*txlog.Entry, len(models))
	for i := range models {
		e, err := fromEntryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = e
	}
	return result, nil
}

func (s *Store) FindEntryByReference(ctx context.Context, tenantID string, reason txlog.Reason, ref string) (*txlog.Entry, error) {
	m := new(entryModel)
	err := s.sdb.NewSelect(m).
		Where("tenant_id = ?", tenantID).
		Where("reason = ?", string(reason)).
		Where("external_reference = ?", ref).
		OrderExpr("created_at ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrEntryNotFound
		}
		return nil, err
	}
	return fromEntryModel(m)
}

// ==================== Checkout Store ====================

func (s *Store) CreateSession(ctx context.Context, sess *checkout.Session) error {
	res, err := s.sdb.NewInsert(toSessionModel(sess)).
		OnConflict("(id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return credits.ErrAlreadyExists
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, tenantID, sessionID string) (*checkout.Session, error) {
	m := new(sessionModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", sessionID).
		Where("tenant_id = ?", tenantID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrSessionNotFound
		}
		return nil, err
	}
	return fromSessionModel(m)
}

func (s *Store) ClaimSession(ctx context.Context, tenantID, sessionID, token string, until, at time.Time) (bool, error) {
	until, at = until.UTC(), at.UTC()
	res, err := s.sdb.NewUpdate((*sessionModel)(nil)).
		Set("claim_token = ?", token).
		Set("claim_expires_at = ?", until).
		Set("updated_at = ?", at).
		Where("id = ?", sessionID).
		Where("tenant_id = ?", tenantID).
		Where("status = ?", string(checkout.StatusPending)).
		Where("(claim_token = '' OR claim_expires_at IS NULL OR claim_expires_at < ?)", at).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (s *Store) CompleteSession(ctx context.Context, tenantID, sessionID, token string, creditsAdded int64, txRef string, at time.Time) (bool, error) {
	at = at.UTC()
	res, err := s.sdb.NewUpdate((*sessionModel)(nil)).
		Set("status = ?", string(checkout.StatusCompleted)).
		Set("credits_added = ?", creditsAdded).
		Set("transaction_ref = ?", txRef).
		Set("completed_at = ?", at).
		Set("updated_at = ?", at).
		Set("claim_token = ''").
		Set("claim_expires_at = NULL").
		Where("id = ?", sessionID).
		Where("tenant_id = ?", tenantID).
		Where("status = ?", string(checkout.StatusPending)).
		Where("claim_token = ?", token).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (s *Store) CloseSession(ctx context.Context, tenantID, sessionID string, status checkout.Status, at time.Time) (bool, error) {
	at = at.UTC()
	res, err := s.sdb.NewUpdate((*sessionModel)(nil)).
		Set("status = ?", string(status)).
		Set("updated_at = ?", at).
		Where("id = ?", sessionID).
		Where("tenant_id = ?", tenantID).
		Where("status = ?", string(checkout.StatusPending)).
		Where("(claim_token = '' OR claim_expires_at IS NULL OR claim_expires_at < ?)", at).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (s *Store) ListStaleSessions(ctx context.Context, before time.Time, limit int) ([]*checkout.Session, error) {
	var models []sessionModel
	q := s.sdb.NewSelect(&models).
		Where("status = ?", string(checkout.StatusPending)).
		Where("expires_at < ?", before.UTC()).
		OrderExpr("expires_at ASC")

	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromSessionModels(models)
}

func (s *Store) ListSessions(ctx context.Context, tenantID string, opts checkout.ListOpts) ([]*checkout.Session, error) {
	var models []sessionModel
	q := s.sdb.NewSelect(&models).Where("tenant_id = ?", tenantID)

	if opts.UserID != "" {
		q = q.Where("user_id = ?", opts.UserID)
	}
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromSessionModels(models)
}

func fromSessionModels(models []sessionModel) ([]*checkout.Session, error) {
	result := make([]*checkout.Session, len(models))
	for i := range models {
		sess, err := fromSessionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sess
	}
	return result, nil
}

// ==================== Package Store ====================

func (s *Store) CreatePackage(ctx context.Context, p *catalog.Package) error {
	_, err := s.sdb.NewInsert(toPackageModel(p)).Exec(ctx)
	return err
}

func (s *Store) GetPackage(ctx context.Context, packageID id.PackageID) (*catalog.Package, error) {
	m := new(packageModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", packageID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrPackageNotFound
		}
		return nil, err
	}
	return fromPackageModel(m)
}

func (s *Store) ListPackages(ctx context.Context, opts catalog.ListOpts) ([]*catalog.Package, error) {
	var models []packageModel
	q := s.sdb.NewSelect(&models)

	if opts.ActiveOnly {
		q = q.Where("active = ?", true)
	}
	if opts.CreditType != "" {
		q = q.Where("credit_type = ?", string(opts.CreditType))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*catalog.Package, len(models))
	for i := range models {
		p, err := fromPackageModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = p
	}
	return result, nil
}

func (s *Store) UpdatePackage(ctx context.Context, p *catalog.Package) error {
	m := toPackageModel(p)
	res, err := s.sdb.NewUpdate(m).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return credits.ErrPackageNotFound
	}
	return nil
}

// ==================== Provider config Store ====================

func (s *Store) SaveProviderConfig(ctx context.Context, cfg *provider.Config) error {
	m := toProviderConfigModel(cfg)
	_, err := s.sdb.NewInsert(m).
		OnConflict("(provider) DO UPDATE").
		Set("secret_key = EXCLUDED.secret_key").
		Set("webhook_secret = EXCLUDED.webhook_secret").
		Set("currency = EXCLUDED.currency").
		Set("success_url = EXCLUDED.success_url").
		Set("cancel_url = EXCLUDED.cancel_url").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) GetProviderConfig(ctx context.Context, name string) (*provider.Config, error) {
	m := new(providerConfigModel)
	err := s.sdb.NewSelect(m).
		Where("provider = ?", name).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, credits.ErrProviderNotConfigured
		}
		return nil, err
	}
	return fromProviderConfigModel(m), nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoRows checks for sql.ErrNoRows.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

// affectedOne reports whether a compare-and-swap update matched its row.
func affectedOne(res rowsAffecter) (bool, error) {
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}
