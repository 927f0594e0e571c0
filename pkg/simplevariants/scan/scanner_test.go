package scan_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-variants/pkg/simplevariants"
	"github.com/tendant/simple-variants/pkg/simplevariants/presets"
	"github.com/tendant/simple-variants/pkg/simplevariants/scan"
)

func seedAccounts(t *testing.T, svc simplevariants.Service, n int) []*simplevariants.Account {
	t.Helper()
	ctx := context.Background()
	fixtures, err := presets.SeedFixtures(ctx, svc)
	require.NoError(t, err)

	accounts := make([]*simplevariants.Account, 0, n)
	for i := 0; i < n; i++ {
		account, err := svc.CreateAccount(ctx, simplevariants.CreateAccountRequest{
			Email:  fmt.Sprintf("user%d@example.com", i),
			Name:   fmt.Sprintf("user%d", i),
			PlanID: &fixtures.Basic.ID,
		})
		require.NoError(t, err)
		accounts = append(accounts, account)
	}
	return accounts
}

func TestScanVisitsEveryAccountOnce(t *testing.T) {
	svc := presets.NewTesting(t)
	seeded := seedAccounts(t, svc, 7)

	seen := map[string]int{}
	var progress []int64
	result, err := scan.New(svc, nil).Scan(context.Background(), scan.Options{
		BatchSize: 3,
		Processor: scan.ProcessorFunc(func(ctx context.Context, account *simplevariants.Account) error {
			seen[account.ID.String()]++
			return nil
		}),
		OnProgress: func(processed, total int64) { progress = append(progress, processed) },
	})
	require.NoError(t, err)

	assert.Equal(t, int64(7), result.TotalFound)
	assert.Equal(t, int64(7), result.TotalProcessed)
	assert.Len(t, seen, 7)
	for _, account := range seeded {
		assert.Equal(t, 1, seen[account.ID.String()])
	}
	assert.Equal(t, []int64{3, 6, 7}, progress)
}

func TestScanRecordsFailures(t *testing.T) {
	svc := presets.NewTesting(t)
	seeded := seedAccounts(t, svc, 4)
	bad := seeded[2].ID

	result, err := scan.New(svc, nil).Scan(context.Background(), scan.Options{
		Processor: scan.ProcessorFunc(func(ctx context.Context, account *simplevariants.Account) error {
			if account.ID == bad {
				return errors.New("boom")
			}
			return nil
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.TotalProcessed)
	assert.Equal(t, int64(1), result.TotalFailed)
	assert.Equal(t, bad, result.FailedIDs[0])
}

func TestScanDryRunAndValidation(t *testing.T) {
	svc := presets.NewTesting(t)
	seedAccounts(t, svc, 2)

	_, err := scan.New(svc, nil).Scan(context.Background(), scan.Options{})
	assert.Error(t, err, "processor is required")

	result, err := scan.New(svc, nil).Scan(context.Background(), scan.Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.TotalProcessed)
}

func TestResyncProcessor(t *testing.T) {
	ctx := context.Background()
	svc := presets.NewTesting(t)
	accounts := seedAccounts(t, svc, 2)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 300, 300))))
	for _, account := range accounts {
		_, err := svc.Upload(ctx, simplevariants.UploadRequest{
			OwnerID:  account.ID,
			FileName: "a.png",
			Reader:   bytes.NewReader(buf.Bytes()),
		})
		require.NoError(t, err)
	}

	result, err := scan.New(svc, nil).Scan(ctx, scan.Options{Processor: scan.Resync(svc)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.TotalProcessed)

	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, svc.Drain(drainCtx))

	for _, account := range accounts {
		views, err := svc.GetListing(ctx, account.ID)
		require.NoError(t, err)
		require.Len(t, views, 1)
		assert.Len(t, views[0].Thumbnails, 1)
	}
}
