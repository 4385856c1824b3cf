package adminauth

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	filestore "github.com/verostack/adminauth/pkg/store/file"
	memorystore "github.com/verostack/adminauth/pkg/store/memory"
	postgresstore "github.com/verostack/adminauth/pkg/store/postgres"
	redisstore "github.com/verostack/adminauth/pkg/store/redis"
)

type StoreBackend string

const (
	StoreBackendNone     StoreBackend = "none"
	StoreBackendMemory   StoreBackend = "memory"
	StoreBackendFile     StoreBackend = "file"
	StoreBackendRedis    StoreBackend = "redis"
	StoreBackendPostgres StoreBackend = "postgres"
)

type RuntimeConfig struct {
	Store StoreConfig
}

type StoreConfig struct {
	Backend  StoreBackend
	File     FileStoreConfig
	Redis    RedisStoreConfig
	Postgres PostgresStoreConfig
}

type FileStoreConfig struct {
	Directory string
}

type RedisStoreConfig struct {
	Address     string
	Username    string
	Password    string
	Database    int
	Namespace   string
	DialTimeout time.Duration
	TTL         time.Duration
}

type PostgresStoreConfig struct {
	DriverName      string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration
	OpenDB          func(driverName string, dsn string) (*sql.DB, error)
}

func (c Config) initialize(ctx context.Context) (func() error, Config, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	config := c
	config.Logger = resolveLogger(config.Logger)
	if config.Clock == nil {
		config.Clock = time.Now
	}

	closeStore, config, err := initializeSessionBackend(ctx, config)
	if err != nil {
		return nil, Config{}, err
	}

	return closeStore, config, nil
}

func initializeSessionBackend(ctx context.Context, config Config) (func() error, Config, error) {
	if config.SessionBackend != nil {
		return noopCloser, config, nil
	}

	backend := config.Runtime.Store.Backend
	if backend == "" || backend == StoreBackendNone {
		backend = StoreBackendMemory
	}

	switch backend {
	case StoreBackendMemory:
		config.SessionBackend = memorystore.NewAdapter()
		config.Logger.V(1).Info("initialized memory session backend")
		return noopCloser, config, nil
	case StoreBackendFile:
		return initializeFileBackend(config)
	case StoreBackendRedis:
		return initializeRedisBackend(config)
	case StoreBackendPostgres:
		return initializePostgresBackend(ctx, config)
	default:
		return nil, Config{}, fmt.Errorf("adminauth config: unsupported runtime.store.backend %q", backend)
	}
}

func initializeFileBackend(config Config) (func() error, Config, error) {
	fileConfig := config.Runtime.Store.File
	if fileConfig.Directory == "" {
		return nil, Config{}, fmt.Errorf("adminauth config: runtime.store.file.directory is required")
	}

	adapter, err := filestore.NewAdapter(fileConfig.Directory)
	if err != nil {
		return nil, Config{}, fmt.Errorf("adminauth config: failed to initialize file session backend: %w", err)
	}

	config.SessionBackend = adapter
	config.Logger.V(1).Info("initialized file session backend", "directory", fileConfig.Directory)
	return noopCloser, config, nil
}

func initializeRedisBackend(config Config) (func() error, Config, error) {
	redisConfig := config.Runtime.Store.Redis
	if redisConfig.Address == "" {
		return nil, Config{}, fmt.Errorf("adminauth config: runtime.store.redis.address is required")
	}
	if redisConfig.DialTimeout <= 0 {
		redisConfig.DialTimeout = 5 * time.Second
	}

	adapter, err := redisstore.NewAdapter(redisstore.Config{
		Address:     redisConfig.Address,
		Username:    redisConfig.Username,
		Password:    redisConfig.Password,
		Database:    redisConfig.Database,
		Namespace:   redisConfig.Namespace,
		DialTimeout: redisConfig.DialTimeout,
		TTL:         redisConfig.TTL,
	})
	if err != nil {
		return nil, Config{}, fmt.Errorf("adminauth config: failed to initialize redis session backend: %w", err)
	}

	config.SessionBackend = adapter
	config.Runtime.Store.Redis = redisConfig
	config.Logger.V(1).Info("initialized redis session backend", "address", redisConfig.Address, "database", redisConfig.Database, "namespace", redisConfig.Namespace)
	return adapter.Close, config, nil
}

func initializePostgresBackend(ctx context.Context, config Config) (func() error, Config, error) {
	pgConfig := config.Runtime.Store.Postgres
	if pgConfig.DSN == "" {
		return nil, Config{}, fmt.Errorf("adminauth config: runtime.store.postgres.dsn is required")
	}

	if pgConfig.DriverName == "" {
		pgConfig.DriverName = "pgx"
	}
	if pgConfig.PingTimeout <= 0 {
		pgConfig.PingTimeout = 5 * time.Second
	}
	if pgConfig.OpenDB == nil {
		pgConfig.OpenDB = sql.Open
	}

	db, err := pgConfig.OpenDB(pgConfig.DriverName, pgConfig.DSN)
	if err != nil {
		return nil, Config{}, fmt.Errorf("adminauth config: failed to open postgres database: %w", err)
	}

	if pgConfig.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pgConfig.MaxOpenConns)
	}
	if pgConfig.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pgConfig.MaxIdleConns)
	}
	if pgConfig.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pgConfig.ConnMaxLifetime)
	}
	if pgConfig.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pgConfig.ConnMaxIdleTime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pgConfig.PingTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, Config{}, fmt.Errorf("adminauth config: failed to ping postgres database: %w", err)
	}

	adapter, err := postgresstore.NewAdapter(db)
	if err != nil {
		_ = db.Close()
		return nil, Config{}, fmt.Errorf("adminauth config: failed to initialize postgres session backend: %w", err)
	}

	config.SessionBackend = adapter
	config.Runtime.Store.Postgres = pgConfig
	config.Logger.V(1).Info("initialized postgres session backend", "driver", pgConfig.DriverName, "max_open_conns", pgConfig.MaxOpenConns, "max_idle_conns", pgConfig.MaxIdleConns)
	return joinClosers(db.Close, adapter.Close), config, nil
}

func joinClosers(closers ...func() error) func() error {
	return func() error {
		var errs []error

		for i := len(closers) - 1; i >= 0; i-- {
			if closers[i] == nil {
				continue
			}
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}

		return stderrors.Join(errs...)
	}
}

func noopCloser() error {
	return nil
}
