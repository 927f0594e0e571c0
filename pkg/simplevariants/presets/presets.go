// Package presets builds ready-to-use services for development, tests and
// production.
package presets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tendant/simple-variants/pkg/simplevariants"
	"github.com/tendant/simple-variants/pkg/simplevariants/config"
	memoryrepo "github.com/tendant/simple-variants/pkg/simplevariants/repo/memory"
	fsstorage "github.com/tendant/simple-variants/pkg/simplevariants/storage/fs"
	memorystorage "github.com/tendant/simple-variants/pkg/simplevariants/storage/memory"
)

// FixtureSizes are the size classes registered by WithFixtures.
var FixtureSizes = []simplevariants.SizeClass{200, 400}

// Fixtures are the plans created by WithFixtures, keyed by name.
type Fixtures struct {
	Basic      *simplevariants.Plan // 200px
	Premium    *simplevariants.Plan // 200px, 400px and the original
	Enterprise *simplevariants.Plan // Premium plus expiring links
}

// NewDevelopment creates a service for local development: in-memory
// repository and filesystem blobs under ./dev-data/. The returned cleanup
// closes the service and removes the blob directory.
func NewDevelopment(opts ...DevelopmentOption) (simplevariants.Service, func(), error) {
	cfg := &devConfig{storageDir: "./dev-data", logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	fsBackend, err := fsstorage.New(fsstorage.Config{BaseDir: cfg.storageDir})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create filesystem storage: %w", err)
	}

	svc, err := simplevariants.New(
		simplevariants.WithRepository(memoryrepo.New()),
		simplevariants.WithBlobStore("fs", fsBackend),
		simplevariants.WithDefaultStorageBackend("fs"),
		simplevariants.WithLogger(cfg.logger),
		simplevariants.WithEventSink(simplevariants.NewLoggingEventSink(cfg.logger)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create service: %w", err)
	}

	if cfg.fixtures {
		if _, err := SeedFixtures(context.Background(), svc); err != nil {
			_ = svc.Close(context.Background())
			return nil, nil, err
		}
	}

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
		os.RemoveAll(cfg.storageDir)
	}
	return svc, cleanup, nil
}

// NewTesting creates a service on in-memory backends with millisecond retry
// backoff. It is closed when the test completes.
func NewTesting(t testing.TB, opts ...simplevariants.Option) simplevariants.Service {
	t.Helper()

	options := []simplevariants.Option{
		simplevariants.WithRepository(memoryrepo.New()),
		simplevariants.WithBlobStore("memory", memorystorage.New()),
		simplevariants.WithWorkerConfig(simplevariants.WorkerConfig{
			Workers:        2,
			QueueSize:      64,
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     10 * time.Millisecond,
			FanOut:         4,
		}),
	}
	svc, err := simplevariants.New(append(options, opts...)...)
	if err != nil {
		t.Fatalf("failed to create test service: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Close(ctx); err != nil {
			t.Errorf("failed to close test service: %v", err)
		}
	})
	return svc
}

// NewProduction builds the service from the environment and refuses
// in-memory repositories or blob stores.
func NewProduction(ctx context.Context, logger *slog.Logger, reg prometheus.Registerer) (*config.Runtime, error) {
	cfg, err := config.Load(config.WithEnv())
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseType != "postgres" {
		return nil, fmt.Errorf("production preset requires a postgres DATABASE_URL")
	}
	for _, backend := range cfg.StorageBackends {
		if backend.Name == cfg.DefaultStorageBackend && backend.Type == "memory" {
			return nil, fmt.Errorf("production preset requires persistent storage (s3 or fs, not memory)")
		}
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required for production")
	}
	return cfg.BuildService(ctx, logger, reg)
}

// SeedFixtures registers FixtureSizes and the Basic, Premium and Enterprise
// plans.
func SeedFixtures(ctx context.Context, svc simplevariants.Service) (*Fixtures, error) {
	for _, size := range FixtureSizes {
		if err := svc.RegisterSizeClass(ctx, size); err != nil {
			return nil, fmt.Errorf("seed size classes: %w", err)
		}
	}

	create := func(req simplevariants.CreatePlanRequest) (*simplevariants.Plan, error) {
		plan, err := svc.CreatePlan(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("seed plan %s: %w", req.Name, err)
		}
		return plan, nil
	}

	var f Fixtures
	var err error
	if f.Basic, err = create(simplevariants.CreatePlanRequest{Name: "Basic", SizeClasses: []simplevariants.SizeClass{200}}); err != nil {
		return nil, err
	}
	if f.Premium, err = create(simplevariants.CreatePlanRequest{Name: "Premium", SizeClasses: FixtureSizes, AllowOriginal: true}); err != nil {
		return nil, err
	}
	if f.Enterprise, err = create(simplevariants.CreatePlanRequest{Name: "Enterprise", SizeClasses: FixtureSizes, AllowOriginal: true, AllowExpiringLink: true}); err != nil {
		return nil, err
	}
	return &f, nil
}

// devConfig holds development preset configuration
type devConfig struct {
	storageDir string
	fixtures   bool
	logger     *slog.Logger
}

// DevelopmentOption is a functional option for NewDevelopment
type DevelopmentOption func(*devConfig)

// WithDevStorage sets the development storage directory
func WithDevStorage(dir string) DevelopmentOption {
	return func(cfg *devConfig) {
		cfg.storageDir = dir
	}
}

// WithFixtures seeds the size class catalog and the three fixture plans.
func WithFixtures() DevelopmentOption {
	return func(cfg *devConfig) {
		cfg.fixtures = true
	}
}

// WithDevLogger sets the logger used by the service and its event sink.
func WithDevLogger(logger *slog.Logger) DevelopmentOption {
	return func(cfg *devConfig) {
		cfg.logger = logger
	}
}
