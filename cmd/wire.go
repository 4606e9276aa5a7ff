package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/drivers/sqlitedriver"

	"github.com/xraph/credits"
	audithook "github.com/xraph/credits/audit_hook"
	"github.com/xraph/credits/cache"
	"github.com/xraph/credits/credit"
	"github.com/xraph/credits/idempotency"
	"github.com/xraph/credits/provider"
	"github.com/xraph/credits/provider/stripe"
	"github.com/xraph/credits/store"
	"github.com/xraph/credits/store/memory"
	mongostore "github.com/xraph/credits/store/mongo"
	pgstore "github.com/xraph/credits/store/postgres"
	sqlitestore "github.com/xraph/credits/store/sqlite"
)

var errUnknownBackend = errors.New("unknown store backend")

// app holds everything a command needs. It is filled in by wire before a
// command runs and released by close after it.
type app struct {
	v      *viper.Viper
	logger *slog.Logger
	zap    *zap.Logger

	ledger *credits.Ledger
	proxy  *cache.Proxy

	// Injected by tests.
	store      store.Store
	ledgerOpts []credits.Option

	stopListener context.CancelFunc
}

type appOption func(*app)

func withStore(s store.Store) appOption {
	return func(a *app) { a.store = s }
}

func withLedgerOption(opt credits.Option) appOption {
	return func(a *app) { a.ledgerOpts = append(a.ledgerOpts, opt) }
}

func loadConfig(configFile string) (*viper.Viper, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("store", "memory")
	v.SetDefault("tenant", "default")
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "credits")
	v.SetDefault("sqlite.dsn", "file:credits.db?_pragma=busy_timeout(5000)")
	v.SetDefault("postgres.dsn", "postgres://localhost:5432/credits?sslmode=disable")
	v.SetDefault("redis.db", 0)
	v.SetDefault("stripe.currency", "jpy")

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("credits")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/credits")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("CREDITS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

func newLogger(w io.Writer, debug bool) (*zap.Logger, *slog.Logger) {
	level := zapcore.InfoLevel
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	if debug {
		level = zapcore.DebugLevel
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	zl := zap.New(zapcore.NewCore(encoder, zapcore.AddSync(w), level))
	return zl, slog.New(zapslog.NewHandler(zl.Core()))
}

// wire builds the ledger for one command invocation.
func (a *app) wire(cmd *cobra.Command) error {
	configFile, _ := cmd.Flags().GetString("config")
	v, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if err := v.BindPFlag("tenant", cmd.Flags().Lookup("tenant")); err != nil {
		return err
	}
	a.v = v

	debug, _ := cmd.Flags().GetBool("debug")
	a.zap, a.logger = newLogger(cmd.ErrOrStderr(), debug)

	ctx := cmd.Context()

	s := a.store
	if s == nil {
		if s, err = openStore(ctx, v); err != nil {
			return err
		}
	}

	opts := []credits.Option{
		credits.WithLogger(a.logger),
		// Commands are short-lived; "checkout expire" sweeps on demand.
		credits.WithSweepInterval(0),
		credits.WithProviderFactory(stripe.Name, func(cfg *provider.Config) (provider.Provider, error) {
			return stripe.New(cfg, stripe.WithLogger(a.logger))
		}),
	}
	if seed := seedFromConfig(v); seed != (credit.Balances{}) {
		opts = append(opts, credits.WithDefaultSeed(seed))
	}
	if v.GetBool("audit") {
		opts = append(opts, credits.WithPlugin(audithook.New(a.auditRecorder(), audithook.WithLogger(a.logger))))
	}

	var balanceCache cache.BalanceCache
	var notifier *cache.RedisNotifier
	if addr := v.GetString("redis.addr"); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		})
		balanceCache = cache.NewRedis(client, "", cache.DefaultTTL)
		notifier = cache.NewRedisNotifier(client, "", a.logger)
		opts = append(opts,
			credits.WithIdempotencyStore(idempotency.NewRedis(client, "")),
			credits.WithPlugin(cache.NewInvalidator(balanceCache, notifier)),
		)
	}
	opts = append(opts, a.ledgerOpts...)

	a.ledger = credits.New(s, opts...)
	if err := a.ledger.Start(ctx); err != nil {
		return errors.Join(fmt.Errorf("start ledger: %w", err), a.close())
	}
	a.proxy = cache.NewProxy(a.ledger, balanceCache, cache.WithProxyLogger(a.logger))

	if notifier != nil {
		lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a.stopListener = cancel
		go func() {
			if err := notifier.Listen(lctx, a.proxy, nil); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("invalidation listener stopped", "error", err)
			}
		}()
	}

	if key := v.GetString("stripe.secret_key"); key != "" {
		if err := a.ledger.SaveProviderConfig(ctx, stripeConfigFromViper(v)); err != nil {
			return errors.Join(fmt.Errorf("save stripe config: %w", err), a.close())
		}
	}

	return nil
}

// close stops the ledger, which closes the store and any Redis client.
// It is safe to call more than once.
func (a *app) close() error {
	if a.stopListener != nil {
		a.stopListener()
	}
	var err error
	if a.ledger != nil {
		err = a.ledger.Stop()
	}
	if a.zap != nil {
		_ = a.zap.Sync()
	}
	return err
}

func (a *app) tenant() string {
	return a.v.GetString("tenant")
}

func (a *app) auditRecorder() audithook.Recorder {
	return audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
		a.logger.InfoContext(ctx, "audit",
			"action", evt.Action,
			"resource", evt.Resource,
			"resource_id", evt.ResourceID,
			"tenant_id", evt.TenantID,
			"outcome", evt.Outcome,
			"metadata", evt.Metadata,
		)
		return nil
	})
}

func openStore(ctx context.Context, v *viper.Viper) (store.Store, error) {
	switch backend := v.GetString("store"); backend {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		sdrv := sqlitedriver.New()
		if err := sdrv.Open(ctx, v.GetString("sqlite.dsn")); err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db, err := grove.Open(sdrv)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return sqlitestore.New(db), nil
	case "postgres":
		pdrv := pgdriver.New()
		if err := pdrv.Open(ctx, v.GetString("postgres.dsn")); err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db, err := grove.Open(pdrv)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return pgstore.New(db), nil
	case "mongo":
		mdrv := mongodriver.New()
		octx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := mdrv.Open(octx, v.GetString("mongo.uri"), mongodriver.WithDatabase(v.GetString("mongo.database"))); err != nil {
			return nil, fmt.Errorf("open mongo: %w", err)
		}
		db, err := grove.Open(mdrv)
		if err != nil {
			return nil, fmt.Errorf("open mongo: %w", err)
		}
		if err := db.Ping(octx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		return mongostore.New(db), nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownBackend, backend)
	}
}

func seedFromConfig(v *viper.Viper) credit.Balances {
	return credit.Balances{
		Article: v.GetInt64("seed.article"),
		Image:   v.GetInt64("seed.image"),
		Rewrite: v.GetInt64("seed.rewrite"),
	}
}

func stripeConfigFromViper(v *viper.Viper) *provider.Config {
	return &provider.Config{
		Provider:      stripe.Name,
		SecretKey:     v.GetString("stripe.secret_key"),
		WebhookSecret: v.GetString("stripe.webhook_secret"),
		Currency:      v.GetString("stripe.currency"),
		SuccessURL:    v.GetString("stripe.success_url"),
		CancelURL:     v.GetString("stripe.cancel_url"),
	}
}
