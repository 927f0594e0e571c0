package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-variants/pkg/simplevariants"
)

func TestS3Backend_BasicConfiguration(t *testing.T) {
	t.Run("EmptyBucket", func(t *testing.T) {
		_, err := New(context.Background(), Config{Region: "us-east-1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bucket name is required")
	})

	t.Run("DefaultRegion", func(t *testing.T) {
		backend, err := New(context.Background(), Config{
			Bucket:          "test-bucket",
			AccessKeyID:     "test-key",
			SecretAccessKey: "test-secret",
		})
		require.NoError(t, err)
		assert.Equal(t, "us-east-1", backend.config.Region)
	})

	t.Run("CustomEndpoint", func(t *testing.T) {
		backend, err := New(context.Background(), Config{
			Bucket:          "test-bucket",
			AccessKeyID:     "minioadmin",
			SecretAccessKey: "minioadmin",
			Endpoint:        "http://localhost:9000",
			UsePathStyle:    true,
		})
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:9000", backend.config.Endpoint)
		assert.True(t, backend.config.UsePathStyle)
	})
}

func TestApplySSE(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantSSE types.ServerSideEncryption
		wantKMS string
	}{
		{"disabled", Config{}, "", ""},
		{"aes256", Config{EnableSSE: true, SSEAlgorithm: "AES256"}, types.ServerSideEncryptionAes256, ""},
		{"kms", Config{EnableSSE: true, SSEAlgorithm: "aws:kms", SSEKMSKeyID: "key-1"}, types.ServerSideEncryptionAwsKms, "key-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Backend{config: tt.config}
			input := &s3.PutObjectInput{}
			b.applySSE(input)
			assert.Equal(t, tt.wantSSE, input.ServerSideEncryption)
			if tt.wantKMS != "" {
				require.NotNil(t, input.SSEKMSKeyId)
				assert.Equal(t, tt.wantKMS, *input.SSEKMSKeyId)
			}
		})
	}
}

func TestObjectKeyPrefix(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "thumbnails/200/ab/x.png"},
		{"/variants/", "variants/thumbnails/200/ab/x.png"},
		{"a/b", "a/b/thumbnails/200/ab/x.png"},
	}
	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			backend, err := New(context.Background(), Config{
				Bucket:          "test-bucket",
				Prefix:          tt.prefix,
				AccessKeyID:     "test-key",
				SecretAccessKey: "test-secret",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, *backend.key("thumbnails/200/ab/x.png"))
		})
	}
}

func TestPutInput(t *testing.T) {
	b := &Backend{config: Config{Bucket: "b", CacheControl: "public, max-age=60", EnableSSE: true, SSEAlgorithm: "AES256"}}
	input := b.putInput(bytes.NewReader(nil), simplevariants.UploadParams{ObjectKey: "links/ab/x.png", MimeType: "image/png"})
	assert.Equal(t, "b", *input.Bucket)
	assert.Equal(t, "links/ab/x.png", *input.Key)
	assert.Equal(t, "image/png", *input.ContentType)
	assert.Equal(t, "public, max-age=60", *input.CacheControl)
	assert.Equal(t, types.ServerSideEncryptionAes256, input.ServerSideEncryption)

	input = (&Backend{config: Config{Bucket: "b"}}).putInput(bytes.NewReader(nil), simplevariants.UploadParams{ObjectKey: "k"})
	assert.Nil(t, input.ContentType)
	assert.Nil(t, input.CacheControl)
}

func TestWrapMapsMissingKeys(t *testing.T) {
	b := &Backend{config: Config{Bucket: "b", Prefix: "p"}}
	err := b.wrap("get", "k.png", &types.NoSuchKey{})
	assert.ErrorIs(t, err, simplevariants.ErrBlobNotFound)

	err = b.wrap("put", "k.png", &smithy.GenericAPIError{Code: "AccessDenied"})
	assert.NotErrorIs(t, err, simplevariants.ErrBlobNotFound)
	assert.Contains(t, err.Error(), "b/p/k.png")
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&types.NoSuchKey{}))
	assert.True(t, isNotFound(fmt.Errorf("wrapped: %w", &types.NotFound{})))
	assert.True(t, isNotFound(&smithy.GenericAPIError{Code: "NoSuchKey"}))
	assert.False(t, isNotFound(&smithy.GenericAPIError{Code: "AccessDenied"}))
	assert.False(t, isNotFound(errors.New("boom")))
}

// TestS3Backend_Integration requires a running MinIO instance or S3 credentials
func TestS3Backend_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	endpoint := os.Getenv("AWS_S3_ENDPOINT")
	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")
	bucket := os.Getenv("AWS_S3_BUCKET")
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		t.Skip("Skipping integration test: S3/MinIO environment variables not set")
	}

	ctx := context.Background()
	backend, err := New(ctx, Config{
		Bucket:                 bucket,
		Region:                 "us-east-1",
		AccessKeyID:            accessKey,
		SecretAccessKey:        secretKey,
		Endpoint:               endpoint,
		UsePathStyle:           true,
		CreateBucketIfNotExist: true,
	})
	require.NoError(t, err)

	objectKey := fmt.Sprintf("test/integration/%d/thumb.png", time.Now().UnixNano())
	testData := []byte("png bytes")

	require.NoError(t, backend.UploadWithParams(ctx, bytes.NewReader(testData), simplevariants.UploadParams{ObjectKey: objectKey, MimeType: "image/png"}))

	reader, err := backend.Download(ctx, objectKey)
	require.NoError(t, err)
	got, err := io.ReadAll(reader)
	reader.Close()
	require.NoError(t, err)
	assert.Equal(t, testData, got)

	meta, err := backend.GetObjectMeta(ctx, objectKey)
	require.NoError(t, err)
	assert.Equal(t, "image/png", meta.ContentType)
	assert.Equal(t, int64(len(testData)), meta.Size)

	require.NoError(t, backend.Delete(ctx, objectKey))
	_, err = backend.Download(ctx, objectKey)
	assert.ErrorIs(t, err, simplevariants.ErrBlobNotFound)
}
