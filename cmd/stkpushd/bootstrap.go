package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	stkpush "github.com/goliatone/go-stkpush"
	"github.com/goliatone/go-stkpush/adapters/gocommand"
	"github.com/goliatone/go-stkpush/adapters/goredis"
	"github.com/goliatone/go-stkpush/core"
	"github.com/goliatone/go-stkpush/migrations"
	sqlstore "github.com/goliatone/go-stkpush/store/sql"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

const transactionCacheTTL = 10 * time.Minute

type bootstrapOptions struct {
	envFile  string
	debug    bool
	database bool
	migrate  bool
	events   bool
	jobs     bool
}

type application struct {
	config  core.Config
	logger  glog.Logger
	runtime *stkpush.Runtime
	jobs    *jobWorkers
	closers []func() error
}

func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown step failed", "error", err.Error())
		}
	}
}

// bootstrap loads configuration and wires the runtime. Without a database
// the service keeps its in-memory stores.
func bootstrap(ctx context.Context, opts bootstrapOptions) (*application, error) {
	cfg, err := loadConfig(ctx, opts.envFile)
	if err != nil {
		return nil, err
	}
	logger := newConsoleLogger(opts.debug)
	app := &application{config: cfg, logger: logger}

	runtimeOptions := []stkpush.RuntimeOption{stkpush.WithRuntimeLogger(logger)}

	if opts.database {
		client, dialect, err := openPersistence(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, client.Close)
		if opts.migrate {
			if err := migrate(ctx, client, dialect); err != nil {
				app.Close()
				return nil, err
			}
		}
		stores, err := sqlStores(client)
		if err != nil {
			app.Close()
			return nil, err
		}
		runtimeOptions = append(runtimeOptions, stkpush.WithStores(stores))
	}

	jobsEnabled := opts.jobs && cfg.Jobs.Enabled
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.Redis.Addr) != "" && (opts.events || jobsEnabled) {
		redisClient, err = goredis.Dial(ctx, cfg.Redis)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.closers = append(app.closers, redisClient.Close)
	}

	if opts.events {
		handlers := []core.EventHandler{eventLogHandler(logger)}
		if redisClient != nil {
			publisher, err := goredis.NewPublisher(redisClient, cfg.Redis.Channel)
			if err != nil {
				app.Close()
				return nil, err
			}
			handlers = append(handlers, publisher)
			logger.Info("payment events forwarded to redis", "channel", publisher.Channel())
		}
		runtimeOptions = append(runtimeOptions, stkpush.WithEventHandlers(handlers...))
	}

	runtime, err := stkpush.NewRuntime(cfg, runtimeOptions...)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.runtime = runtime
	app.config = runtime.Config

	commands, err := gocommand.RegisterPaymentHandlers(gocommand.NewRegistryAdapter(nil), runtime.Service, runtime.Sweeper)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.closers = append(app.closers, func() error {
		commands.Close()
		return nil
	})

	if jobsEnabled {
		q, err := goredis.NewJobQueue(redisClient, cfg.Jobs.QueueName)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.jobs, err = newJobWorkers(app.config, logger, q, runtime.Sweeper, runtime.Dispatcher)
		if err != nil {
			app.Close()
			return nil, err
		}
	}
	return app, nil
}

// runWorkers runs the queue-backed job workers when configured and the
// in-process loops otherwise.
func (a *application) runWorkers(ctx context.Context) error {
	if a.jobs != nil {
		return a.jobs.Run(ctx)
	}
	return a.runtime.RunWorkers(ctx)
}

func loadConfig(ctx context.Context, envFile string) (core.Config, error) {
	if envFile = strings.TrimSpace(envFile); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return core.Config{}, fmt.Errorf("stkpushd: load %s: %w", envFile, err)
		}
	}
	return core.LoadConfig(ctx, core.NewEnvConfigLoader())
}

func sqlStores(client *persistence.Client) (stkpush.Stores, error) {
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(client)
	if err != nil {
		return stkpush.Stores{}, err
	}
	cacheConfig := repositorycache.DefaultConfig()
	cacheConfig.TTL = transactionCacheTTL
	cacheService, err := repositorycache.NewCacheService(cacheConfig)
	if err != nil {
		return stkpush.Stores{}, err
	}
	reader, err := sqlstore.NewCachedTransactionReader(factory.TransactionStore(), cacheService)
	if err != nil {
		return stkpush.Stores{}, err
	}
	rateLimitState, err := sqlstore.NewCachedRateLimitStateStore(factory.RateLimitStateStore(), cacheService)
	if err != nil {
		return stkpush.Stores{}, err
	}
	return stkpush.Stores{
		Transactions:   factory.TransactionStore(),
		Reader:         reader,
		Outbox:         factory.OutboxStore(),
		Ledger:         factory.CallbackDeliveryStore(),
		RateLimitState: rateLimitState,
	}, nil
}

type persistenceConfig struct {
	driver string
	server string
	debug  bool
}

func (c persistenceConfig) GetDebug() bool                { return c.debug }
func (c persistenceConfig) GetDriver() string             { return c.driver }
func (c persistenceConfig) GetServer() string             { return c.server }
func (c persistenceConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c persistenceConfig) GetOtelIdentifier() string     { return "go-stkpush" }

// openPersistence returns the client and the migrations dialect it speaks.
func openPersistence(_ context.Context, cfg core.DatabaseConfig) (*persistence.Client, string, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, "", fmt.Errorf("stkpushd: database dsn is required")
	}

	var (
		driverName string
		dialect    string
		bunDialect schema.Dialect
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "postgres", "postgresql", "pg":
		driverName, dialect, bunDialect = "postgres", migrations.DialectPostgres, pgdialect.New()
	case "", "sqlite", "sqlite3":
		driverName, dialect, bunDialect = "sqlite3", migrations.DialectSQLite, sqlitedialect.New()
	default:
		return nil, "", fmt.Errorf("stkpushd: unsupported database driver %q", cfg.Driver)
	}

	sqlDB, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("stkpushd: open %s: %w", driverName, err)
	}
	if dialect == migrations.DialectSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	client, err := persistence.New(persistenceConfig{driver: driverName, server: dsn, debug: cfg.Debug}, sqlDB, bunDialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, "", err
	}
	return client, dialect, nil
}

func migrate(ctx context.Context, client *persistence.Client, dialect string) error {
	fsys, err := migrations.ForDialect(dialect)
	if err != nil {
		return err
	}
	client.RegisterSQLMigrations(fsys)
	return client.Migrate(ctx)
}

func eventLogHandler(logger glog.Logger) core.EventHandler {
	return core.EventHandlerFunc(func(ctx context.Context, event core.PaymentEvent) error {
		logger.WithContext(ctx).Info("payment event",
			"event", event.Name,
			"checkout_request_id", event.CheckoutRequestID,
			"branch", event.Branch,
			"product", event.Product,
			"amount", event.Amount,
			"phone", core.MaskPhone(event.Phone),
		)
		return nil
	})
}
