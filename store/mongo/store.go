package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/credits"
	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/checkout"
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/provider"
	creditsstore "github.com/xraph/credits/store"
	"github.com/xraph/credits/txlog"
)

// Collection name constants.
const (
	colAccounts        = "credit_accounts"
	colTransactions    = "credit_transactions"
	colSessions        = "credit_checkout_sessions"
	colPackages        = "credit_packages"
	colProviderConfigs = "credit_provider_configs"
)

// compile-time interface check
var _ creditsstore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB via Grove ORM.
//
// Every balance change and session transition is one conditional update on
// a single document, so no multi-document transaction is needed. Account
// counters use FindOneAndUpdate on the driver collection because the caller
// needs the post-update balance from the same round trip.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all credit collections.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := migrationIndexes()

	for col, models := range indexes {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("credits/mongo: migrate %s indexes: %w", col, err)
		}
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
	t := now()
	filter := bson.M{"tenant_id": tenantID, "user_id": userID}
	update := bson.M{"$setOnInsert": bson.M{
		"_id":        id.NewAccountID().String(),
		"tenant_id":  tenantID,
		"user_id":    userID,
		"balances":   seed,
		"usage":      credit.Balances{},
		"seed":       seed,
		"created_at": t,
		"updated_at": t,
	}}

	var m accountModel
	err := s.mdb.Collection(colAccounts).
		FindOneAndUpdate(ctx, filter, update,
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)).
		Decode(&m)
	if err != nil {
		// Two concurrent upserts can both miss and race on the unique
		// index. The loser reads the winner's document.
		if mongo.IsDuplicateKeyError(err) {
			return s.GetAccount(ctx, tenantID, userID)
		}
		return nil, fmt.Errorf("credits/mongo: get or create account: %w", err)
	}
	return fromAccountModel(&m)
}

func (s *Store) GetAccount(ctx context.Context, tenantID, userID string) (*credit.Account, error) {
	var m accountModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"tenant_id": tenantID, "user_id": userID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrAccountNotFound
		}
		return nil, fmt.Errorf("credits/mongo: get account: %w", err)
	}
	return fromAccountModel(&m)
}

func (s *Store) TryDeduct(ctx context.Context, tenantID, userID string, t credit.Type, amount int64) (int64, error) {
	if !t.Valid() {
		return 0, credits.ErrInvalidCreditType
	}

	field := "balances." + string(t)
	filter := bson.M{
		"tenant_id": tenantID,
		"user_id":   userID,
		field:       bson.M{"$gte": amount},
	}
	update := bson.M{
		"$inc": bson.M{field: -amount, "usage." + string(t): amount},
		"$set": bson.M{"updated_at": now()},
	}

	var m accountModel
	err := s.mdb.Collection(colAccounts).
		FindOneAndUpdate(ctx, filter, update, options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return 0, credits.ErrInsufficientCredits
		}
		return 0, fmt.Errorf("credits/mongo: deduct: %w", err)
	}
	return m.Balances.Get(t), nil
}

func (s *Store) GrantCredits(ctx context.Context, tenantID, userID string, t credit.Type, amount int64) (int64, error) {
	if !t.Valid() {
		return 0, credits.ErrInvalidCreditType
	}

	update := bson.M{
		"$inc": bson.M{"balances." + string(t): amount},
		"$set": bson.M{"updated_at": now()},
	}

	var m accountModel
	err := s.mdb.Collection(colAccounts).
		FindOneAndUpdate(ctx, bson.M{"tenant_id": tenantID, "user_id": userID}, update,
			options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return 0, credits.ErrAccountNotFound
		}
		return 0, fmt.Errorf("credits/mongo: grant: %w", err)
	}
	return m.Balances.Get(t), nil
}

func (s *Store) ListAccounts(ctx context.Context, tenantID string, opts credit.ListOpts) ([]*credit.Account, error) {
	var models []accountModel

	q := s.mdb.NewFind(&models).
		Filter(bson.M{"tenant_id": tenantID}).
		Sort(bson.D{{Key: "user_id", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credits/mongo: list accounts: %w", err)
	}

	result := make([]*credit.Account, 0, len(models))
	for i := range models {
		a, err := fromAccountModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, nil
}

// ==================== Transaction log Store ====================

func (s *Store) AppendEntry(ctx context.Context, e *txlog.Entry) error {
	_, err := s.mdb.NewInsert(toEntryModel(e)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return credits.ErrAlreadyExists
		}
		return fmt.Errorf("credits/mongo: append entry: %w", err)
	}
	return nil
}

func (s *Store) ListEntries(ctx context.Context, tenantID, userID string, opts txlog.ListOpts) ([]*txlog.Entry, error) {
	filter := bson.M{"tenant_id": tenantID, "user_id": userID}
	if opts.CreditType != "" {
		filter["credit_type"] = string(opts.CreditType)
	}

	var models []entryModel

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credits/mongo: list entries: %w", err)
	}

	result := make([]*txlog.Entry, 0, len(models))
	for i := range models {
		e, err := fromEntryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, nil
}

func (s *Store) FindEntryByReference(ctx context.Context, tenantID string, reason txlog.Reason, ref string) (*txlog.Entry, error) {
	var m entryModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"tenant_id": tenantID, "reason": string(reason), "external_reference": ref}).
		Sort(bson.D{{Key: "created_at", Value: 1}}).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrEntryNotFound
		}
		return nil, fmt.Errorf("credits/mongo: find entry: %w", err)
	}
	return fromEntryModel(&m)
}

// ==================== Checkout Store ====================

func (s *Store) CreateSession(ctx context.Context, sess *checkout.Session) error {
	_, err := s.mdb.NewInsert(toSessionModel(sess)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return credits.ErrAlreadyExists
		}
		return fmt.Errorf("credits/mongo: create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, tenantID, sessionID string) (*checkout.Session, error) {
	var m sessionModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": sessionID, "tenant_id": tenantID}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrSessionNotFound
		}
		return nil, fmt.Errorf("credits/mongo: get session: %w", err)
	}
	return fromSessionModel(&m)
}

// unclaimed matches a session with no live settlement lease at t.
func unclaimed(t time.Time) bson.A {
	return bson.A{
		bson.M{"claim_token": ""},
		bson.M{"claim_expires_at": bson.M{"$lt": t}},
	}
}

// transition applies set to the pending session matching filter and
// reports whether it matched.
func (s *Store) transition(ctx context.Context, filter bson.M, set bson.M) (bool, error) {
	filter["status"] = string(checkout.StatusPending)

	res, err := s.mdb.NewUpdate((*sessionModel)(nil)).
		Filter(filter).
		SetUpdate(bson.M{"$set": set}).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	return res.MatchedCount() == 1, nil
}

func (s *Store) ClaimSession(ctx context.Context, tenantID, sessionID, token string, until, at time.Time) (bool, error) {
	ok, err := s.transition(ctx,
		bson.M{"_id": sessionID, "tenant_id": tenantID, "$or": unclaimed(at)},
		bson.M{"claim_token": token, "claim_expires_at": until, "updated_at": at},
	)
	if err != nil {
		return false, fmt.Errorf("credits/mongo: claim session: %w", err)
	}
	return ok, nil
}

func (s *Store) CompleteSession(ctx context.Context, tenantID, sessionID, token string, creditsAdded int64, txRef string, at time.Time) (bool, error) {
	ok, err := s.transition(ctx,
		bson.M{"_id": sessionID, "tenant_id": tenantID, "claim_token": token},
		bson.M{
			"status":           string(checkout.StatusCompleted),
			"credits_added":    creditsAdded,
			"transaction_ref":  txRef,
			"completed_at":     at,
			"updated_at":       at,
			"claim_token":      "",
			"claim_expires_at": time.Time{},
		},
	)
	if err != nil {
		return false, fmt.Errorf("credits/mongo: complete session: %w", err)
	}
	return ok, nil
}

func (s *Store) CloseSession(ctx context.Context, tenantID, sessionID string, status checkout.Status, at time.Time) (bool, error) {
	ok, err := s.transition(ctx,
		bson.M{"_id": sessionID, "tenant_id": tenantID, "$or": unclaimed(at)},
		bson.M{"status": string(status), "updated_at": at},
	)
	if err != nil {
		return false, fmt.Errorf("credits/mongo: close session: %w", err)
	}
	return ok, nil
}

func (s *Store) ListStaleSessions(ctx context.Context, before time.Time, limit int) ([]*checkout.Session, error) {
	var models []sessionModel

	q := s.mdb.NewFind(&models).
		Filter(bson.M{
			"status":     string(checkout.StatusPending),
			"expires_at": bson.M{"$lt": before},
		}).
		Sort(bson.D{{Key: "expires_at", Value: 1}})

	if limit > 0 {
		q = q.Limit(int64(limit))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credits/mongo: list stale sessions: %w", err)
	}
	return fromSessionModels(models)
}

func (s *Store) ListSessions(ctx context.Context, tenantID string, opts checkout.ListOpts) ([]*checkout.Session, error) {
	filter := bson.M{"tenant_id": tenantID}
	if opts.UserID != "" {
		filter["user_id"] = opts.UserID
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	var models []sessionModel

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credits/mongo: list sessions: %w", err)
	}
	return fromSessionModels(models)
}

func fromSessionModels(models []sessionModel) ([]*checkout.Session, error) {
	result := make([]*checkout.Session, 0, len(models))
	for i := range models {
		sess, err := fromSessionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, nil
}

// ==================== Package Store ====================

func (s *Store) CreatePackage(ctx context.Context, p *catalog.Package) error {
	_, err := s.mdb.NewInsert(toPackageModel(p)).Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return credits.ErrAlreadyExists
		}
		return fmt.Errorf("credits/mongo: create package: %w", err)
	}
	return nil
}

func (s *Store) GetPackage(ctx context.Context, packageID id.PackageID) (*catalog.Package, error) {
	var m packageModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": packageID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrPackageNotFound
		}
		return nil, fmt.Errorf("credits/mongo: get package: %w", err)
	}
	return fromPackageModel(&m)
}

func (s *Store) ListPackages(ctx context.Context, opts catalog.ListOpts) ([]*catalog.Package, error) {
	filter := bson.M{}
	if opts.ActiveOnly {
		filter["active"] = true
	}
	if opts.CreditType != "" {
		filter["credit_type"] = string(opts.CreditType)
	}

	var models []packageModel

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "_id", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("credits/mongo: list packages: %w", err)
	}

	result := make([]*catalog.Package, 0, len(models))
	for i := range models {
		p, err := fromPackageModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

func (s *Store) UpdatePackage(ctx context.Context, p *catalog.Package) error {
	m := toPackageModel(p)
	m.UpdatedAt = now()

	res, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.ID}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("credits/mongo: update package: %w", err)
	}
	if res.MatchedCount() == 0 {
		return credits.ErrPackageNotFound
	}
	return nil
}

// ==================== Provider config Store ====================

func (s *Store) SaveProviderConfig(ctx context.Context, cfg *provider.Config) error {
	m := toProviderConfigModel(cfg)

	_, err := s.mdb.NewUpdate(m).
		Filter(bson.M{"_id": m.Provider}).
		SetUpdate(bson.M{"$set": bson.M{
			"secret_key":     m.SecretKey,
			"webhook_secret": m.WebhookSecret,
			"currency":       m.Currency,
			"success_url":    m.SuccessURL,
			"cancel_url":     m.CancelURL,
			"updated_at":     m.UpdatedAt,
		}}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("credits/mongo: save provider config: %w", err)
	}
	return nil
}

func (s *Store) GetProviderConfig(ctx context.Context, name string) (*provider.Config, error) {
	var m providerConfigModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": name}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, credits.ErrProviderNotConfigured
		}
		return nil, fmt.Errorf("credits/mongo: get provider config: %w", err)
	}
	return fromProviderConfigModel(&m), nil
}

// ==================== Helpers ====================

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all credit collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colAccounts: {
			{
				Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "user_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colTransactions: {
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "user_id", Value: 1}, {Key: "created_at", Value: 1}}},
			{
				Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "reason", Value: 1}, {Key: "external_reference", Value: 1}},
				Options: options.Index().SetPartialFilterExpression(bson.M{
					"external_reference": bson.M{"$exists": true},
				}),
			},
		},
		colSessions: {
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
		},
		colPackages: {
			{Keys: bson.D{{Key: "active", Value: 1}, {Key: "credit_type", Value: 1}}},
		},
	}
}
