package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the credits store (SQLite).
var Migrations = migrate.NewGroup("credits")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_credit_accounts",
			Version: "20250101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_accounts (
    id              TEXT PRIMARY KEY,
    tenant_id       TEXT NOT NULL,
    user_id         TEXT NOT NULL,
    article_balance INTEGER NOT NULL DEFAULT 0 CHECK (article_balance >= 0),
    image_balance   INTEGER NOT NULL DEFAULT 0 CHECK (image_balance >= 0),
    rewrite_balance INTEGER NOT NULL DEFAULT 0 CHECK (rewrite_balance >= 0),
    article_used    INTEGER NOT NULL DEFAULT 0,
    image_used      INTEGER NOT NULL DEFAULT 0,
    rewrite_used    INTEGER NOT NULL DEFAULT 0,
    article_seed    INTEGER NOT NULL DEFAULT 0,
    image_seed      INTEGER NOT NULL DEFAULT 0,
    rewrite_seed    INTEGER NOT NULL DEFAULT 0,
    created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_accounts_owner ON credit_accounts (tenant_id, user_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS credit_accounts`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_credit_transactions",
			Version: "20250101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_transactions (
    id                 TEXT PRIMARY KEY,
    tenant_id          TEXT NOT NULL,
    user_id            TEXT NOT NULL,
    credit_type        TEXT NOT NULL,
    direction          TEXT NOT NULL,
    amount             INTEGER NOT NULL CHECK (amount > 0),
    resulting_balance  INTEGER NOT NULL,
    reason             TEXT NOT NULL,
    external_reference TEXT NOT NULL DEFAULT '',
    created_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_credit_tx_owner ON credit_transactions (tenant_id, user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_credit_tx_reference ON credit_transactions (tenant_id, reason, external_reference)
    WHERE external_reference != '';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS credit_transactions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_credit_checkout_sessions",
			Version: "20250101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_checkout_sessions (
    id               TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    user_id          TEXT NOT NULL,
    package_id       TEXT NOT NULL,
    credit_type      TEXT NOT NULL,
    credits          INTEGER NOT NULL,
    amount_cents     INTEGER NOT NULL DEFAULT 0,
    amount_currency  TEXT NOT NULL DEFAULT '',
    provider         TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'pending',
    credits_added    INTEGER NOT NULL DEFAULT 0,
    transaction_ref  TEXT NOT NULL DEFAULT '',
    redirect_url     TEXT NOT NULL DEFAULT '',
    claim_token      TEXT NOT NULL DEFAULT '',
    claim_expires_at DATETIME,
    created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at       DATETIME NOT NULL DEFAULT (datetime('now')),
    expires_at       DATETIME NOT NULL,
    completed_at     DATETIME
);

CREATE INDEX IF NOT EXISTS idx_credit_sessions_tenant ON credit_checkout_sessions (tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_credit_sessions_owner ON credit_checkout_sessions (tenant_id, user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_credit_sessions_stale ON credit_checkout_sessions (expires_at)
    WHERE status = 'pending';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS credit_checkout_sessions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_credit_packages",
			Version: "20250101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_packages (
    id             TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    credit_type    TEXT NOT NULL,
    credits        INTEGER NOT NULL CHECK (credits > 0),
    price_cents    INTEGER NOT NULL DEFAULT 0,
    price_currency TEXT NOT NULL DEFAULT '',
    active         INTEGER NOT NULL DEFAULT 1,
    created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_credit_packages_active ON credit_packages (active, credit_type);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS credit_packages`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_credit_provider_configs",
			Version: "20250101000005",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_provider_configs (
    provider       TEXT PRIMARY KEY,
    secret_key     TEXT NOT NULL DEFAULT '',
    webhook_secret TEXT NOT NULL DEFAULT '',
    currency       TEXT NOT NULL DEFAULT '',
    success_url    TEXT NOT NULL DEFAULT '',
    cancel_url     TEXT NOT NULL DEFAULT '',
    updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS credit_provider_configs`)
				return err
			},
		},
	)
}
