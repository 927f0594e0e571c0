package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/tendant/simple-variants/pkg/simplevariants/refstrategy"
	s3storage "github.com/tendant/simple-variants/pkg/simplevariants/storage/s3"
)

// EnvConfig is the environment surface of the server.
//
//	DATABASE_URL - "memory" (default) or "postgres://..." / "postgresql://..."
//	STORAGE_URL  - "memory://" (default), "file:///path/to/data" or
//	               "s3://bucket/prefix?region=us-east-1&endpoint=http://localhost:9000"
//	REDIS_URL    - optional; enables the shared listing cache and lock
type EnvConfig struct {
	Port        string `env:"PORT" env-default:"8080"`
	Environment string `env:"ENVIRONMENT" env-default:"development"`

	DatabaseURL string `env:"DATABASE_URL" env-default:"memory"`
	DBSchema    string `env:"DB_SCHEMA" env-default:"variants"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" env-default:"false"`

	StorageURL string `env:"STORAGE_URL" env-default:"memory://"`
	RedisURL   string `env:"REDIS_URL"`

	WorkerCount     int           `env:"WORKER_COUNT" env-default:"4"`
	WorkerQueueSize int           `env:"WORKER_QUEUE_SIZE" env-default:"256"`
	MaxAttempts     int           `env:"GENERATION_MAX_ATTEMPTS" env-default:"5"`
	InitialBackoff  time.Duration `env:"GENERATION_INITIAL_BACKOFF" env-default:"500ms"`
	ReconcileFanOut int           `env:"RECONCILE_FAN_OUT" env-default:"8"`
	ListingTTL      time.Duration `env:"LISTING_TTL" env-default:"15m"`
	DowngradePolicy string        `env:"DOWNGRADE_POLICY" env-default:"keep"`
	APIBaseURL      string        `env:"API_BASE_URL" env-default:"/api/v1"`
	CDNBaseURL      string        `env:"CDN_BASE_URL"`
	JWTSecret       string        `env:"JWT_SECRET"`
	LogFormat       string        `env:"LOG_FORMAT" env-default:"text"`
	LogLevel        string        `env:"LOG_LEVEL" env-default:"info"`
	EventLogging    bool          `env:"EVENT_LOGGING" env-default:"true"`

	AWS AWSConfig
}

// AWSConfig carries S3 credentials and options not expressed in STORAGE_URL.
type AWSConfig struct {
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	Region          string `env:"AWS_REGION"`
	Endpoint        string `env:"AWS_S3_ENDPOINT"`
	UsePathStyle    bool   `env:"AWS_S3_USE_PATH_STYLE" env-default:"false"`
	EnableSSE       bool   `env:"AWS_S3_ENABLE_SSE" env-default:"false"`
	SSEKMSKeyID     string `env:"AWS_S3_SSE_KMS_KEY_ID"`
	CreateBucket    bool   `env:"AWS_S3_CREATE_BUCKET" env-default:"false"`
}

// WithEnv reads EnvConfig from the process environment and applies it.
func WithEnv() Option {
	return func(c *ServerConfig) error {
		var env EnvConfig
		if err := cleanenv.ReadEnv(&env); err != nil {
			return fmt.Errorf("failed to read environment: %w", err)
		}
		return env.apply(c)
	}
}

func (e EnvConfig) apply(c *ServerConfig) error {
	c.Port = e.Port
	c.Environment = e.Environment
	c.DBSchema = e.DBSchema
	c.AutoMigrate = e.AutoMigrate
	c.RedisURL = e.RedisURL

	if err := applyDatabaseURL(e.DatabaseURL, c); err != nil {
		return err
	}
	if err := applyStorageURL(e.StorageURL, e.AWS, c); err != nil {
		return err
	}

	if e.MaxAttempts < 1 {
		return fmt.Errorf("GENERATION_MAX_ATTEMPTS must be at least 1, got %d", e.MaxAttempts)
	}
	c.Worker.Workers = e.WorkerCount
	c.Worker.QueueSize = e.WorkerQueueSize
	c.Worker.MaxAttempts = uint(e.MaxAttempts)
	c.Worker.InitialBackoff = e.InitialBackoff
	c.Worker.FanOut = e.ReconcileFanOut

	c.ListingTTL = e.ListingTTL
	c.DowngradePolicy = e.DowngradePolicy
	c.RefStrategy = refstrategy.Config{Type: "api", APIBaseURL: e.APIBaseURL}
	if e.CDNBaseURL != "" {
		c.RefStrategy.Type = "cdn"
		c.RefStrategy.CDNBaseURL = e.CDNBaseURL
	}
	c.JWTSecret = e.JWTSecret
	c.LogFormat = e.LogFormat
	c.LogLevel = e.LogLevel
	c.EnableEventLogging = e.EventLogging
	return nil
}

// applyDatabaseURL auto-detects the database type from the URL scheme.
func applyDatabaseURL(dbURL string, c *ServerConfig) error {
	switch {
	case dbURL == "" || dbURL == "memory":
		c.DatabaseType = "memory"
		c.DatabaseURL = ""
	case strings.HasPrefix(dbURL, "postgresql://"), strings.HasPrefix(dbURL, "postgres://"):
		c.DatabaseType = "postgres"
		c.DatabaseURL = dbURL
	default:
		return fmt.Errorf("unsupported DATABASE_URL format: %s (use 'memory' or 'postgresql://...')", dbURL)
	}
	return nil
}

// applyStorageURL configures the default blob store from a URL.
func applyStorageURL(storageURL string, aws AWSConfig, c *ServerConfig) error {
	switch {
	case storageURL == "" || storageURL == "memory" || storageURL == "memory://":
		c.DefaultStorageBackend = "memory"
		c.StorageBackends = upsertStorageBackend(c.StorageBackends, StorageBackendConfig{Name: "memory", Type: "memory"})
		return nil
	case strings.HasPrefix(storageURL, "file://"):
		path := strings.TrimPrefix(storageURL, "file://")
		if path == "" {
			return fmt.Errorf("filesystem path cannot be empty in STORAGE_URL")
		}
		c.DefaultStorageBackend = "fs"
		c.StorageBackends = upsertStorageBackend(c.StorageBackends, StorageBackendConfig{Name: "fs", Type: "fs", BaseDir: path})
		return nil
	case strings.HasPrefix(storageURL, "s3://"):
		return applyS3Storage(storageURL, aws, c)
	}
	return fmt.Errorf("unsupported STORAGE_URL format: %s (use 'memory://', 'file://...', or 's3://...')", storageURL)
}

// applyS3Storage parses s3://bucket/prefix?region=us-east-1&endpoint=http://localhost:9000.
// The path, if any, becomes the key prefix inside the bucket.
// Query parameters win over the AWS_* environment.
func applyS3Storage(storageURL string, aws AWSConfig, c *ServerConfig) error {
	u, err := url.Parse(storageURL)
	if err != nil {
		return fmt.Errorf("invalid STORAGE_URL: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("S3 bucket name cannot be empty in STORAGE_URL")
	}

	s3cfg := s3storage.Config{
		Bucket:                 u.Host,
		Prefix:                 strings.Trim(u.Path, "/"),
		CacheControl:           immutableCacheControl,
		Region:                 aws.Region,
		AccessKeyID:            aws.AccessKeyID,
		SecretAccessKey:        aws.SecretAccessKey,
		Endpoint:               aws.Endpoint,
		UsePathStyle:           aws.UsePathStyle,
		EnableSSE:              aws.EnableSSE,
		SSEKMSKeyID:            aws.SSEKMSKeyID,
		CreateBucketIfNotExist: aws.CreateBucket,
	}
	q := u.Query()
	if v := q.Get("region"); v != "" {
		s3cfg.Region = v
	}
	if v := q.Get("cache_control"); v != "" {
		s3cfg.CacheControl = v
	}
	if v := q.Get("endpoint"); v != "" {
		s3cfg.Endpoint = v
		s3cfg.UsePathStyle = true
	}
	if s3cfg.Region == "" {
		s3cfg.Region = "us-east-1"
	}
	if s3cfg.SSEKMSKeyID != "" {
		s3cfg.EnableSSE = true
		s3cfg.SSEAlgorithm = "aws:kms"
	} else if s3cfg.EnableSSE {
		s3cfg.SSEAlgorithm = "AES256"
	}

	c.DefaultStorageBackend = "s3"
	c.StorageBackends = upsertStorageBackend(c.StorageBackends, StorageBackendConfig{Name: "s3", Type: "s3", S3: s3cfg})
	return nil
}

// Blob keys are random per upload and per rendition, so stored objects
// never change under a key.
const immutableCacheControl = "public, max-age=31536000, immutable"

func upsertStorageBackend(backends []StorageBackendConfig, backend StorageBackendConfig) []StorageBackendConfig {
	for i := range backends {
		if backends[i].Name == backend.Name {
			backends[i] = backend
			return backends
		}
	}
	return append(backends, backend)
}
