package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tendant/simple-variants/pkg/simplevariants"
	rediscache "github.com/tendant/simple-variants/pkg/simplevariants/cache/redis"
	redislock "github.com/tendant/simple-variants/pkg/simplevariants/keylock/redis"
	"github.com/tendant/simple-variants/pkg/simplevariants/refstrategy"
	"github.com/tendant/simple-variants/pkg/simplevariants/repo/memory"
	repopg "github.com/tendant/simple-variants/pkg/simplevariants/repo/postgres"
	fsstorage "github.com/tendant/simple-variants/pkg/simplevariants/storage/fs"
	memorystorage "github.com/tendant/simple-variants/pkg/simplevariants/storage/memory"
	s3storage "github.com/tendant/simple-variants/pkg/simplevariants/storage/s3"
)

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	worker := simplevariants.DefaultWorkerConfig()
	return ServerConfig{
		Port:                  "8080",
		Environment:           "development",
		DatabaseType:          "memory",
		DBSchema:              "variants",
		DefaultStorageBackend: "memory",
		StorageBackends: []StorageBackendConfig{
			{Name: "memory", Type: "memory"},
		},
		Worker:             worker,
		ListingTTL:         simplevariants.DefaultListingTTL,
		DowngradePolicy:    "keep",
		RefStrategy:        refstrategy.Config{Type: "api", APIBaseURL: "/api/v1"},
		LogFormat:          "text",
		LogLevel:           "info",
		EnableEventLogging: true,
	}
}

// ServerConfig represents server configuration for the simple-variants service
type ServerConfig struct {
	Port        string
	Environment string // development, production, testing

	// Database configuration
	DatabaseURL  string
	DatabaseType string // "memory", "postgres"
	DBSchema     string // Postgres schema to use (default: variants)
	AutoMigrate  bool   // apply embedded migrations when the service is built

	// Storage configuration
	DefaultStorageBackend string
	StorageBackends       []StorageBackendConfig

	// RedisURL enables the shared listing cache and distributed variant locks.
	RedisURL string

	Worker          simplevariants.WorkerConfig
	ListingTTL      time.Duration
	DowngradePolicy string // "keep", "remove"
	RefStrategy     refstrategy.Config

	// HTTP authentication
	JWTSecret string

	LogFormat          string // "text", "json"
	LogLevel           string // "debug", "info", "warn", "error"
	EnableEventLogging bool
}

// StorageBackendConfig represents configuration for a storage backend
type StorageBackendConfig struct {
	Name    string
	Type    string // "memory", "fs", "s3"
	BaseDir string // fs only
	S3      s3storage.Config
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}

	if c.DatabaseType != "memory" && c.DatabaseType != "postgres" {
		return errors.New("database_type must be 'memory' or 'postgres'")
	}

	if c.DatabaseType == "postgres" && c.DatabaseURL == "" {
		return errors.New("database_url is required when using postgres")
	}

	found := false
	for _, backend := range c.StorageBackends {
		if backend.Name == c.DefaultStorageBackend {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("default storage backend '%s' not found in configured backends", c.DefaultStorageBackend)
	}

	if _, err := simplevariants.ParseDowngradePolicy(c.DowngradePolicy); err != nil {
		return err
	}
	if c.ListingTTL <= 0 {
		return errors.New("listing_ttl must be positive")
	}
	if c.Worker.Workers < 0 || c.Worker.QueueSize < 0 {
		return errors.New("worker count and queue size cannot be negative")
	}
	if c.Environment == "production" && c.JWTSecret == "" {
		return errors.New("jwt_secret is required in production")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Runtime owns a built service and the connections behind it.
type Runtime struct {
	Service simplevariants.Service
	Metrics *simplevariants.Metrics

	pool  *pgxpool.Pool
	redis *goredis.Client
}

// Close stops the service, waiting for outstanding generation work until ctx
// is done, then releases database and Redis connections.
func (r *Runtime) Close(ctx context.Context) error {
	err := r.Service.Close(ctx)
	if r.redis != nil {
		if cerr := r.redis.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if r.pool != nil {
		r.pool.Close()
	}
	return err
}

// BuildService creates a Service instance from the server configuration.
// Collectors are registered on reg when it is not nil.
func (c *ServerConfig) BuildService(ctx context.Context, logger *slog.Logger, reg prometheus.Registerer) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{Metrics: simplevariants.NewMetrics(reg)}
	policy, err := simplevariants.ParseDowngradePolicy(c.DowngradePolicy)
	if err != nil {
		return nil, err
	}
	refs, err := refstrategy.New(c.RefStrategy)
	if err != nil {
		return nil, fmt.Errorf("failed to build reference strategy: %w", err)
	}

	options := []simplevariants.Option{
		simplevariants.WithLogger(logger),
		simplevariants.WithMetrics(rt.Metrics),
		simplevariants.WithDowngradePolicy(policy),
		simplevariants.WithRefStrategy(refs),
		simplevariants.WithListingTTL(c.ListingTTL),
		simplevariants.WithWorkerConfig(c.Worker),
		simplevariants.WithDefaultStorageBackend(c.DefaultStorageBackend),
	}

	repo, err := c.buildRepository(ctx, rt)
	if err != nil {
		rt.closeConnections()
		return nil, fmt.Errorf("failed to build repository: %w", err)
	}
	options = append(options, simplevariants.WithRepository(repo))

	for _, backendConfig := range c.StorageBackends {
		store, err := c.buildStorageBackend(ctx, backendConfig)
		if err != nil {
			rt.closeConnections()
			return nil, fmt.Errorf("failed to build storage backend %s: %w", backendConfig.Name, err)
		}
		options = append(options, simplevariants.WithBlobStore(backendConfig.Name, store))
	}

	if c.RedisURL != "" {
		redisOptions, err := c.buildRedis(ctx, rt)
		if err != nil {
			rt.closeConnections()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		options = append(options, redisOptions...)
	}

	if c.EnableEventLogging {
		options = append(options, simplevariants.WithEventSink(simplevariants.NewLoggingEventSink(logger)))
	}

	svc, err := simplevariants.New(options...)
	if err != nil {
		rt.closeConnections()
		return nil, err
	}
	rt.Service = svc
	return rt, nil
}

func (r *Runtime) closeConnections() {
	if r.redis != nil {
		_ = r.redis.Close()
	}
	if r.pool != nil {
		r.pool.Close()
	}
}

// buildRepository creates a Repository based on the configuration
func (c *ServerConfig) buildRepository(ctx context.Context, rt *Runtime) (simplevariants.Repository, error) {
	switch c.DatabaseType {
	case "memory":
		return memory.New(), nil
	case "postgres":
		pool, err := OpenPostgres(ctx, c.DatabaseURL, c.DBSchema)
		if err != nil {
			return nil, err
		}
		rt.pool = pool
		if c.AutoMigrate {
			if err := MigrateDatabase(ctx, pool, c.DBSchema); err != nil {
				return nil, err
			}
		}
		return repopg.NewWithPool(pool), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}
}

// OpenPostgres connects a pool whose sessions use schema as search_path and
// verifies connectivity.
func OpenPostgres(ctx context.Context, databaseURL, schema string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, errors.New("database_url is required")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	cfg.AfterConnect = repopg.SetSearchPath(schema)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}

// MigrateDatabase creates the schema if needed and applies embedded migrations.
func MigrateDatabase(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	if err := repopg.EnsureSchema(ctx, pool, schema); err != nil {
		return err
	}
	return repopg.Migrate(pool)
}

// buildStorageBackend creates a BlobStore based on the backend configuration
func (c *ServerConfig) buildStorageBackend(ctx context.Context, config StorageBackendConfig) (simplevariants.BlobStore, error) {
	switch config.Type {
	case "memory":
		return memorystorage.New(), nil
	case "fs":
		return fsstorage.New(fsstorage.Config{BaseDir: config.BaseDir})
	case "s3":
		return s3storage.New(ctx, config.S3)
	default:
		return nil, fmt.Errorf("unsupported storage backend type: %s", config.Type)
	}
}

func (c *ServerConfig) buildRedis(ctx context.Context, rt *Runtime) ([]simplevariants.Option, error) {
	opts, err := goredis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := goredis.NewClient(opts)
	rt.redis = client

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}

	cache, err := rediscache.New(client, "listing")
	if err != nil {
		return nil, err
	}
	locker, err := redislock.New(client)
	if err != nil {
		return nil, err
	}
	return []simplevariants.Option{
		simplevariants.WithListingCache(cache),
		simplevariants.WithKeyLocker(locker),
	}, nil
}
