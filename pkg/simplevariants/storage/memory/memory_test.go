package memory_test

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-variants/pkg/simplevariants"
	memorystorage "github.com/tendant/simple-variants/pkg/simplevariants/storage/memory"
)

func TestMemoryBackend(t *testing.T) {
	backend := memorystorage.New()
	ctx := context.Background()
	testKey := "originals/ab/cdef.png"
	testData := "not really a png"

	t.Run("Upload", func(t *testing.T) {
		require.NoError(t, backend.Upload(ctx, testKey, strings.NewReader(testData)))
	})

	t.Run("GetObjectMeta", func(t *testing.T) {
		meta, err := backend.GetObjectMeta(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, testKey, meta.Key)
		assert.Equal(t, int64(len(testData)), meta.Size)
		assert.Equal(t, "application/octet-stream", meta.ContentType)
	})

	t.Run("Download", func(t *testing.T) {
		reader, err := backend.Download(ctx, testKey)
		require.NoError(t, err)
		defer reader.Close()

		data, err := io.ReadAll(reader)
		require.NoError(t, err)
		assert.Equal(t, testData, string(data))
	})

	t.Run("UploadWithParams", func(t *testing.T) {
		key := "thumbnails/100/ab/cdef.png"
		err := backend.UploadWithParams(ctx, strings.NewReader(testData), simplevariants.UploadParams{ObjectKey: key, MimeType: "image/png"})
		require.NoError(t, err)

		meta, err := backend.GetObjectMeta(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "image/png", meta.ContentType)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, backend.Upload(ctx, testKey, strings.NewReader("second")))
		reader, err := backend.Download(ctx, testKey)
		require.NoError(t, err)
		data, _ := io.ReadAll(reader)
		assert.Equal(t, "second", string(data))
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, backend.Delete(ctx, testKey))

		_, err := backend.Download(ctx, testKey)
		assert.ErrorIs(t, err, simplevariants.ErrBlobNotFound)
		assert.ErrorIs(t, backend.Delete(ctx, testKey), simplevariants.ErrBlobNotFound)
	})
}

func TestMemoryBackendMissingObject(t *testing.T) {
	backend := memorystorage.New()

	_, err := backend.GetObjectMeta(context.Background(), "missing")
	assert.ErrorIs(t, err, simplevariants.ErrBlobNotFound)
	_, err = backend.Download(context.Background(), "missing")
	assert.ErrorIs(t, err, simplevariants.ErrBlobNotFound)
}

func TestMemoryBackendConcurrentWrites(t *testing.T) {
	backend := memorystorage.New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = backend.UploadWithParams(ctx, strings.NewReader("x"), simplevariants.UploadParams{ObjectKey: "same", MimeType: "image/png"})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, backend.Len())
}
