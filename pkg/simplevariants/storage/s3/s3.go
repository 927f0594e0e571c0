// Package s3 stores originals, thumbnails and link renditions in an S3
// bucket or an S3-compatible service such as MinIO.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/tendant/simple-variants/pkg/simplevariants"
)

const defaultRegion = "us-east-1"

// Config describes the bucket and how to reach it. Static credentials are
// used only when both halves are set; otherwise the default AWS chain
// applies. Endpoint and UsePathStyle target S3-compatible services.
type Config struct {
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	UsePathStyle    bool

	// EnableSSE turns on server-side encryption with SSEAlgorithm
	// ("AES256" or "aws:kms").
	EnableSSE    bool
	SSEAlgorithm string
	SSEKMSKeyID  string

	// CacheControl is sent with every PUT. Object keys are never reused, so
	// a long immutable policy is safe for CDN fronting.
	CacheControl string

	CreateBucketIfNotExist bool
}

// Backend implements simplevariants.BlobStore on S3.
type Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
	config   Config
}

// New builds the client and, if asked, makes sure the bucket exists.
func New(ctx context.Context, config Config) (*Backend, error) {
	if config.Bucket == "" {
		return nil, errors.New("s3: bucket name is required")
	}
	if config.Region == "" {
		config.Region = defaultRegion
	}
	config.Prefix = strings.Trim(config.Prefix, "/")

	client, err := newClient(ctx, config)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		client:   client,
		uploader: manager.NewUploader(client),
		config:   config,
	}
	if config.CreateBucketIfNotExist {
		if err := b.ensureBucket(ctx); err != nil {
			return nil, fmt.Errorf("s3: ensure bucket %s: %w", config.Bucket, err)
		}
	}
	return b, nil
}

func newClient(ctx context.Context, config Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(config.Region)}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = config.UsePathStyle
		}
	}), nil
}

// key maps an object key to its location in the bucket.
func (b *Backend) key(objectKey string) *string {
	if b.config.Prefix == "" {
		return aws.String(objectKey)
	}
	return aws.String(path.Join(b.config.Prefix, objectKey))
}

// isNotFound matches the typed and generic shapes that S3 and MinIO use
// for missing keys and buckets.
func isNotFound(err error) bool {
	var (
		noSuchKey    *types.NoSuchKey
		notFound     *types.NotFound
		noSuchBucket *types.NoSuchBucket
	)
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) || errors.As(err, &noSuchBucket) {
		return true
	}
	return hasErrorCode(err, "NoSuchKey", "NotFound", "NoSuchBucket")
}

func hasErrorCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}
	return false
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	bucket := aws.String(b.config.Bucket)
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: bucket})
	if err == nil {
		return nil
	}
	// MinIO answers HeadBucket on a missing bucket with a bare 400.
	if !isNotFound(err) && !strings.Contains(err.Error(), "BadRequest") {
		return err
	}

	input := &s3.CreateBucketInput{Bucket: bucket}
	if b.config.Region != defaultRegion {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(b.config.Region),
		}
	}
	_, err = b.client.CreateBucket(ctx, input)
	if err != nil && !hasErrorCode(err, "BucketAlreadyExists", "BucketAlreadyOwnedByYou") {
		return err
	}
	return nil
}

// applySSE sets server-side encryption on a put request when enabled.
func (b *Backend) applySSE(input *s3.PutObjectInput) {
	if !b.config.EnableSSE {
		return
	}
	switch b.config.SSEAlgorithm {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "aws:kms":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if b.config.SSEKMSKeyID != "" {
			input.SSEKMSKeyId = aws.String(b.config.SSEKMSKeyID)
		}
	}
}

func (b *Backend) putInput(reader io.Reader, params simplevariants.UploadParams) *s3.PutObjectInput {
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    b.key(params.ObjectKey),
		Body:   reader,
	}
	if params.MimeType != "" {
		input.ContentType = aws.String(params.MimeType)
	}
	if b.config.CacheControl != "" {
		input.CacheControl = aws.String(b.config.CacheControl)
	}
	b.applySSE(input)
	return input
}

func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*simplevariants.ObjectMeta, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    b.key(objectKey),
	})
	if err != nil {
		return nil, b.wrap("head", objectKey, err)
	}
	contentType := aws.ToString(out.ContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &simplevariants.ObjectMeta{
		Key:         objectKey,
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: contentType,
		UpdatedAt:   aws.ToTime(out.LastModified),
		ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
	}, nil
}

func (b *Backend) Upload(ctx context.Context, objectKey string, reader io.Reader) error {
	return b.UploadWithParams(ctx, reader, simplevariants.UploadParams{ObjectKey: objectKey})
}

// UploadWithParams streams through the multipart uploader, so large
// originals never need to be buffered whole.
func (b *Backend) UploadWithParams(ctx context.Context, reader io.Reader, params simplevariants.UploadParams) error {
	if _, err := b.uploader.Upload(ctx, b.putInput(reader, params)); err != nil {
		return b.wrap("put", params.ObjectKey, err)
	}
	return nil
}

// Download returns the object body. The caller closes it.
func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    b.key(objectKey),
	})
	if err != nil {
		return nil, b.wrap("get", objectKey, err)
	}
	return out.Body, nil
}

// Delete is idempotent: S3 reports success for absent keys.
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    b.key(objectKey),
	})
	if err != nil {
		return b.wrap("delete", objectKey, err)
	}
	return nil
}

func (b *Backend) wrap(op, objectKey string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("s3 %s %s: %w", op, objectKey, simplevariants.ErrBlobNotFound)
	}
	return fmt.Errorf("s3 %s %s/%s: %w", op, b.config.Bucket, aws.ToString(b.key(objectKey)), err)
}
