package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate" // registers the "pg" migration executor
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

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("credits/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("credits/postgres: migration failed: %w", err)
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
	_, err := s.pg.NewInsert(m).
		OnConflict("(tenant_id, user_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	return s.GetAccount(ctx, tenantID, userID)
}

func (s *Store) GetAccount(ctx context.Context, tenantID, userID string) (*credit.Account, error) {
	m := new(accountModel)
	err := s.pg.NewSelect(m).
		Where("tenant_id = $1", tenantID).
		Where("user_id = $2", userID).
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

	// The WHERE guard and the decrement are one statement, so two
	// concurrent callers cannot both pass the check.
	var remaining int64
	err := s.pg.NewRaw(fmt.Sprintf(`
		UPDATE credit_accounts
		SET %[1]s = %[1]s - $1, %[2]s = %[2]s + $1, updated_at = $2
		WHERE tenant_id = $3 AND user_id = $4 AND %[1]s >= $1
		RETURNING %[1]s
	`, bal, used), amount, now(), tenantID, userID).Scan(ctx, &remaining)
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
	err := s.pg.NewRaw(fmt.Sprintf(`
		UPDATE credit_accounts
		SET %[1]s = %[1]s + $1, updated_at = $2
		WHERE tenant_id = $3 AND user_id = $4
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
	q := s.pg.NewSelect(&models).Where("tenant_id = $1", tenantID)

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
	_, err := s.pg.NewInsert(toEntryModel(e)).Exec(ctx)
	return err
}

func (s *Store) ListEntries(ctx context.Context, tenantID, userID string, opts txlog.ListOpts) ([]*txlog.Entry, error) {
	var models []entryModel
	q := s.pg.NewSelect(&models).
		Where("tenant_id = $1", tenantID).
		Where("user_id = $2", userID)

	if opts.CreditType != "" {
		q = q.Where("credit_type = $3", string(opts.CreditType))
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
	err := s.pg.NewSelect(m).
		Where("tenant_id = $1", tenantID).
		Where("reason = $2", string(reason)).
		Where("external_reference = $3", ref).
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
	res, err := s.pg.NewInsert(toSessionModel(sess)).
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
	err := s.pg.NewSelect(m).
		Where("id = $1", sessionID).
		Where("tenant_id = $2", tenantID).
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
	res, err := s.pg.NewUpdate((*sessionModel)(nil)).
		Set("claim_token = $1", token).
		Set("claim_expires_at = $2", until).
		Set("updated_at = $3", at).
		Where("id = $4", sessionID).
		Where("tenant_id = $5", tenantID).
		Where("status = $6", string(checkout.StatusPending)).
		Where("(claim_token = '' OR claim_expires_at IS NULL OR claim_expires_at < $7)", at).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (s *Store) CompleteSession(ctx context.Context, tenantID, sessionID, token string, creditsAdded int64, txRef string, at time.Time) (bool, error) {
	res, err := s.pg.NewUpdate((*sessionModel)(nil)).
		Set("status = $1", string(checkout.StatusCompleted)).
		Set("credits_added = $2", creditsAdded).
		Set("transaction_ref = $3", txRef).
		Set("completed_at = $4", at).
		Set("updated_at = $5", at).
		Set("claim_token = ''").
		Set("claim_expires_at = NULL").
		Where("id = $6", sessionID).
		Where("tenant_id = $7", tenantID).
		Where("status = $8", string(checkout.StatusPending)).
		Where("claim_token = $9", token).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (s *Store) CloseSession(ctx context.Context, tenantID, sessionID string, status checkout.Status, at time.Time) (bool, error) {
	res, err := s.pg.NewUpdate((*sessionModel)(nil)).
		Set("status = $1", string(status)).
		Set("updated_at = $2", at).
		Where("id = $3", sessionID).
		Where("tenant_id = $4", tenantID).
		Where("status = $5", string(checkout.StatusPending)).
		Where("(claim_token = '' OR claim_expires_at IS NULL OR claim_expires_at < $6)", at).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (s *Store) ListStaleSessions(ctx context.Context, before time.Time, limit int) ([]*checkout.Session, error) {
	var models []sessionModel
	q := s.pg.NewSelect(&models).
		Where("status = $1", string(checkout.StatusPending)).
		Where("expires_at < $2", before).
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
	q := s.pg.NewSelect(&models).Where("tenant_id = $1", tenantID)

	argIdx := 1
	if opts.UserID != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("user_id = $%d", argIdx), opts.UserID)
	}
	if opts.Status != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("status = $%d", argIdx), string(opts.Status))
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
	_, err := s.pg.NewInsert(toPackageModel(p)).Exec(ctx)
	return err
}

func (s *Store) GetPackage(ctx context.Context, packageID id.PackageID) (*catalog.Package, error) {
	m := new(packageModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", packageID.String()).
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
	q := s.pg.NewSelect(&models)

	argIdx := 0
	if opts.ActiveOnly {
		argIdx++
		q = q.Where(fmt.Sprintf("active = $%d", argIdx), true)
	}
	if opts.CreditType != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("credit_type = $%d", argIdx), string(opts.CreditType))
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
	res, err := s.pg.NewUpdate(m).WherePK().Exec(ctx)
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
	_, err := s.pg.NewInsert(m).
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
	err := s.pg.NewSelect(m).
		Where("provider = $1", name).
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
