package config

import (
	"fmt"
	"time"

	"github.com/tendant/simple-variants/pkg/simplevariants"
	s3storage "github.com/tendant/simple-variants/pkg/simplevariants/storage/s3"
)

// WithPort sets the server port
func WithPort(port string) Option {
	return func(c *ServerConfig) error {
		if port == "" {
			return fmt.Errorf("port cannot be empty")
		}
		c.Port = port
		return nil
	}
}

// WithEnvironment sets the environment (development, production, testing)
func WithEnvironment(env string) Option {
	return func(c *ServerConfig) error {
		if env == "" {
			return fmt.Errorf("environment cannot be empty")
		}
		c.Environment = env
		return nil
	}
}

// WithDatabase configures the database backend
func WithDatabase(dbType, url string) Option {
	return func(c *ServerConfig) error {
		if dbType != "memory" && dbType != "postgres" {
			return fmt.Errorf("database type must be 'memory' or 'postgres', got: %s", dbType)
		}
		if dbType == "postgres" && url == "" {
			return fmt.Errorf("database URL is required for postgres")
		}
		c.DatabaseType = dbType
		c.DatabaseURL = url
		return nil
	}
}

// WithDatabaseSchema sets the Postgres schema
func WithDatabaseSchema(schema string) Option {
	return func(c *ServerConfig) error {
		c.DBSchema = schema
		return nil
	}
}

// WithAutoMigrate applies embedded migrations when the service is built.
func WithAutoMigrate(enabled bool) Option {
	return func(c *ServerConfig) error {
		c.AutoMigrate = enabled
		return nil
	}
}

// WithDefaultStorage sets the default storage backend name
func WithDefaultStorage(name string) Option {
	return func(c *ServerConfig) error {
		if name == "" {
			return fmt.Errorf("default storage backend name cannot be empty")
		}
		c.DefaultStorageBackend = name
		return nil
	}
}

// WithMemoryStorage adds an in-memory storage backend.
// If name is empty, defaults to "memory"
func WithMemoryStorage(name string) Option {
	return func(c *ServerConfig) error {
		if name == "" {
			name = "memory"
		}
		c.StorageBackends = upsertStorageBackend(c.StorageBackends, StorageBackendConfig{Name: name, Type: "memory"})
		return nil
	}
}

// WithFilesystemStorage adds a filesystem storage backend.
// If name is empty, defaults to "fs"
func WithFilesystemStorage(name, baseDir string) Option {
	return func(c *ServerConfig) error {
		if name == "" {
			name = "fs"
		}
		if baseDir == "" {
			return fmt.Errorf("filesystem base directory cannot be empty")
		}
		c.StorageBackends = upsertStorageBackend(c.StorageBackends, StorageBackendConfig{Name: name, Type: "fs", BaseDir: baseDir})
		return nil
	}
}

// WithS3Storage adds an S3 storage backend.
// If name is empty, defaults to "s3"
func WithS3Storage(name string, s3cfg s3storage.Config) Option {
	return func(c *ServerConfig) error {
		if name == "" {
			name = "s3"
		}
		if s3cfg.Bucket == "" {
			return fmt.Errorf("s3 bucket cannot be empty")
		}
		c.StorageBackends = upsertStorageBackend(c.StorageBackends, StorageBackendConfig{Name: name, Type: "s3", S3: s3cfg})
		return nil
	}
}

// WithRedis enables the Redis listing cache and variant lock.
func WithRedis(url string) Option {
	return func(c *ServerConfig) error {
		c.RedisURL = url
		return nil
	}
}

// WithWorkers sizes the generation pool.
func WithWorkers(workers, queueSize int) Option {
	return func(c *ServerConfig) error {
		if workers < 1 || queueSize < 1 {
			return fmt.Errorf("workers and queue size must be positive, got %d and %d", workers, queueSize)
		}
		c.Worker.Workers = workers
		c.Worker.QueueSize = queueSize
		return nil
	}
}

// WithRetry sets the generation retry bound and initial backoff.
func WithRetry(maxAttempts uint, initialBackoff time.Duration) Option {
	return func(c *ServerConfig) error {
		if maxAttempts == 0 {
			return fmt.Errorf("max attempts must be at least 1")
		}
		c.Worker.MaxAttempts = maxAttempts
		c.Worker.InitialBackoff = initialBackoff
		return nil
	}
}

// WithListingTTL sets how long materialized listings are cached.
func WithListingTTL(ttl time.Duration) Option {
	return func(c *ServerConfig) error {
		if ttl <= 0 {
			return fmt.Errorf("listing ttl must be positive")
		}
		c.ListingTTL = ttl
		return nil
	}
}

// WithDowngradePolicy sets what happens to variants a plan no longer grants.
func WithDowngradePolicy(policy string) Option {
	return func(c *ServerConfig) error {
		if _, err := simplevariants.ParseDowngradePolicy(policy); err != nil {
			return err
		}
		c.DowngradePolicy = policy
		return nil
	}
}

// WithAPIBaseURL sets the prefix used for references in listings.
func WithAPIBaseURL(base string) Option {
	return func(c *ServerConfig) error {
		c.RefStrategy.APIBaseURL = base
		return nil
	}
}

// WithCDN serves thumbnail and original references from a CDN.
func WithCDN(cdnBaseURL string) Option {
	return func(c *ServerConfig) error {
		if cdnBaseURL == "" {
			return fmt.Errorf("cdn base URL cannot be empty")
		}
		c.RefStrategy.Type = "cdn"
		c.RefStrategy.CDNBaseURL = cdnBaseURL
		return nil
	}
}

// WithJWTSecret sets the HS256 secret used to verify bearer tokens.
func WithJWTSecret(secret string) Option {
	return func(c *ServerConfig) error {
		c.JWTSecret = secret
		return nil
	}
}

// WithLogging sets log format and level.
func WithLogging(format, level string) Option {
	return func(c *ServerConfig) error {
		if format != "text" && format != "json" {
			return fmt.Errorf("log format must be 'text' or 'json', got: %s", format)
		}
		if _, err := ParseLogLevel(level); err != nil {
			return err
		}
		c.LogFormat = format
		c.LogLevel = level
		return nil
	}
}

// WithEventLogging enables or disables the logging event sink
func WithEventLogging(enabled bool) Option {
	return func(c *ServerConfig) error {
		c.EnableEventLogging = enabled
		return nil
	}
}
