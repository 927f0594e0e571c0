package presets

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-variants/pkg/simplevariants"
)

func samplePNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 600, 450))))
	return buf.Bytes()
}

func TestNewTestingWithFixtures(t *testing.T) {
	ctx := context.Background()
	svc := NewTesting(t)

	fixtures, err := SeedFixtures(ctx, svc)
	require.NoError(t, err)
	assert.Equal(t, []simplevariants.SizeClass{200}, fixtures.Basic.SizeClasses)
	assert.True(t, fixtures.Premium.AllowOriginal)
	assert.False(t, fixtures.Premium.AllowExpiringLink)
	assert.True(t, fixtures.Enterprise.AllowExpiringLink)

	account, err := svc.CreateAccount(ctx, simplevariants.CreateAccountRequest{
		Email:  "premium@example.com",
		Name:   "premium",
		PlanID: &fixtures.Premium.ID,
	})
	require.NoError(t, err)

	_, err = svc.Upload(ctx, simplevariants.UploadRequest{
		OwnerID:  account.ID,
		FileName: "photo.png",
		Reader:   bytes.NewReader(samplePNG(t)),
	})
	require.NoError(t, err)

	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, svc.Drain(drainCtx))

	views, err := svc.GetListing(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Len(t, views[0].Thumbnails, 2)
	assert.NotEmpty(t, views[0].OriginalRef)
	assert.Empty(t, views[0].ExpiringLinkCreationRef)
}

func TestSeedFixturesTwice(t *testing.T) {
	svc := NewTesting(t)
	_, err := SeedFixtures(context.Background(), svc)
	require.NoError(t, err)

	_, err = SeedFixtures(context.Background(), svc)
	assert.ErrorIs(t, err, simplevariants.ErrAlreadyExists)
}

func TestNewDevelopment(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dev-data")
	svc, cleanup, err := NewDevelopment(WithDevStorage(dir), WithFixtures())
	require.NoError(t, err)

	plans, err := svc.ListPlans(context.Background())
	require.NoError(t, err)
	assert.Len(t, plans, 3)

	_, err = os.Stat(dir)
	require.NoError(t, err, "storage directory is created on startup")

	cleanup()
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "cleanup removes the storage directory")
}

func TestNewProductionRejectsMemory(t *testing.T) {
	t.Setenv("DATABASE_URL", "memory")
	t.Setenv("JWT_SECRET", "secret")

	_, err := NewProduction(context.Background(), nil, nil)
	assert.ErrorContains(t, err, "postgres")
}
