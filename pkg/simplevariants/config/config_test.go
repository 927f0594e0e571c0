package config

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-variants/pkg/simplevariants"
	s3storage "github.com/tendant/simple-variants/pkg/simplevariants/storage/s3"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "memory", cfg.DatabaseType)
	assert.Equal(t, "memory", cfg.DefaultStorageBackend)
	assert.Equal(t, "keep", cfg.DowngradePolicy)
	assert.Equal(t, simplevariants.DefaultListingTTL, cfg.ListingTTL)
	assert.Equal(t, simplevariants.DefaultWorkerConfig(), cfg.Worker)
}

func TestOptions(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(
		WithPort("9000"),
		WithFilesystemStorage("", dir),
		WithDefaultStorage("fs"),
		WithWorkers(2, 8),
		WithRetry(3, 10*time.Millisecond),
		WithListingTTL(time.Minute),
		WithDowngradePolicy("remove"),
		WithCDN("https://cdn.example.com"),
		WithLogging("json", "warn"),
	)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "fs", cfg.DefaultStorageBackend)
	assert.Equal(t, dir, findBackend(t, cfg, "fs").BaseDir)
	assert.Equal(t, 2, cfg.Worker.Workers)
	assert.Equal(t, uint(3), cfg.Worker.MaxAttempts)
	assert.Equal(t, "remove", cfg.DowngradePolicy)
	assert.Equal(t, "cdn", cfg.RefStrategy.Type)
}

func TestOptionErrors(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"empty port", WithPort("")},
		{"unknown database", WithDatabase("mysql", "")},
		{"postgres without url", WithDatabase("postgres", "")},
		{"empty fs dir", WithFilesystemStorage("fs", "")},
		{"s3 without bucket", WithS3Storage("s3", s3storage.Config{})},
		{"zero workers", WithWorkers(0, 8)},
		{"zero attempts", WithRetry(0, time.Second)},
		{"non-positive ttl", WithListingTTL(0)},
		{"unknown policy", WithDowngradePolicy("shred")},
		{"empty cdn", WithCDN("")},
		{"bad log format", WithLogging("xml", "info")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.opt)
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Run("missing default backend", func(t *testing.T) {
		_, err := Load(WithDefaultStorage("s3"))
		assert.ErrorContains(t, err, "not found")
	})

	t.Run("production requires jwt secret", func(t *testing.T) {
		_, err := Load(WithEnvironment("production"))
		assert.ErrorContains(t, err, "jwt_secret")

		_, err = Load(WithEnvironment("production"), WithJWTSecret("s3cret"))
		assert.NoError(t, err)
	})
}

func TestBuildServiceMemory(t *testing.T) {
	cfg, err := Load(WithFilesystemStorage("fs", t.TempDir()))
	require.NoError(t, err)

	ctx := context.Background()
	rt, err := cfg.BuildService(ctx, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	defer func() { assert.NoError(t, rt.Close(ctx)) }()

	require.NotNil(t, rt.Metrics)
	require.NoError(t, rt.Service.RegisterSizeClass(ctx, 128))

	sizes, err := rt.Service.ListSizeClassCatalog(ctx)
	require.NoError(t, err)
	assert.Equal(t, []simplevariants.SizeClass{128}, sizes)
}

func TestBuildServiceUnreachableRedis(t *testing.T) {
	cfg, err := Load(WithRedis("redis://127.0.0.1:1/0"))
	require.NoError(t, err)

	_, err = cfg.BuildService(context.Background(), nil, nil)
	assert.ErrorContains(t, err, "redis")
}

func TestNewLogger(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		cfg, err := Load(WithLogging("json", "warn"))
		require.NoError(t, err)

		var buf bytes.Buffer
		logger := cfg.NewLogger(&buf)
		logger.Info("dropped")
		logger.Warn("kept", "image_id", "abc")

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "kept", line["msg"])
		assert.Equal(t, "abc", line["image_id"])
	})

	t.Run("text", func(t *testing.T) {
		cfg, err := Load(WithLogging("text", "debug"))
		require.NoError(t, err)

		var buf bytes.Buffer
		cfg.NewLogger(&buf).Debug("rendered", "size", 128)
		assert.Contains(t, buf.String(), "rendered")
		assert.Contains(t, buf.String(), "size")
	})
}
