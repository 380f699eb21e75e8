package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/jittakal/kafeventsink/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ storage.Backend = (*S3Backend)(nil)

// S3Config contains AWS S3 configuration.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
	SSEEnabled      bool
	SSEKMSKeyID     string
}

type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type s3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Backend implements storage.Backend on S3.
//
// Appends are PutObject calls with WriteOffsetBytes set to the current object
// size, which S3 Express One Zone directory buckets accept. Data written to a
// handle is buffered until Flush.
type S3Backend struct {
	client      s3API
	uploader    s3Uploader
	bucket      string
	sseEnabled  bool
	sseKMSKeyID string
	logger      *slog.Logger
}

// NewS3Backend creates a new S3 backend.
func NewS3Backend(cfg S3Config, logger *slog.Logger) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	logger.Info("S3 backend created",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"sse_enabled", cfg.SSEEnabled,
	)

	return newS3Backend(client, manager.NewUploader(client), cfg, logger), nil
}

func newS3Backend(client s3API, uploader s3Uploader, cfg S3Config, logger *slog.Logger) *S3Backend {
	return &S3Backend{
		client:      client,
		uploader:    uploader,
		bucket:      cfg.Bucket,
		sseEnabled:  cfg.SSEEnabled,
		sseKMSKeyID: cfg.SSEKMSKeyID,
		logger:      logger,
	}
}

// Name returns "s3".
func (b *S3Backend) Name() string { return "s3" }

// objectKey maps an absolute path to an object key.
func objectKey(path string) string {
	return strings.TrimPrefix(path, "/")
}

func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &noSuchKey)
}

func (b *S3Backend) head(ctx context.Context, path string) (*s3.HeadObjectOutput, error) {
	return b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey(path)),
	})
}

// Exists reports whether the object exists.
func (b *S3Backend) Exists(ctx context.Context, path string) (bool, error) {
	_, err := b.head(ctx, path)
	if isS3NotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create uploads an empty object. Without overwrite an existing object is an error.
func (b *S3Backend) Create(ctx context.Context, path string, overwrite bool) (storage.Handle, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objectKey(path)),
		Body:   bytes.NewReader(nil),
	}
	if !overwrite {
		input.IfNoneMatch = aws.String("*")
	}
	b.applySSE(input)

	if _, err := b.uploader.Upload(ctx, input); err != nil {
		return nil, fmt.Errorf("failed to create object: %w", err)
	}
	return &s3Handle{backend: b, key: objectKey(path)}, nil
}

// Append opens the object for appending at its current size.
func (b *S3Backend) Append(ctx context.Context, path string) (storage.Handle, error) {
	out, err := b.head(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}
	return &s3Handle{backend: b, key: objectKey(path), offset: aws.ToInt64(out.ContentLength)}, nil
}

// SetReplication is ignored; S3 durability is not configurable per object.
func (b *S3Backend) SetReplication(context.Context, string, int16) error {
	return nil
}

// Close closes the backend.
func (b *S3Backend) Close() error {
	b.logger.Info("closing S3 backend")
	return nil
}

func (b *S3Backend) applySSE(input *s3.PutObjectInput) {
	if !b.sseEnabled {
		return
	}
	if b.sseKMSKeyID != "" {
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(b.sseKMSKeyID)
	} else {
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	}
}

type s3Handle struct {
	backend *S3Backend
	key     string
	offset  int64
	buf     bytes.Buffer
}

func (h *s3Handle) Write(p []byte) (int, error) {
	return h.buf.Write(p)
}

// Flush appends the buffered bytes at the current object size.
func (h *s3Handle) Flush(ctx context.Context) error {
	if h.buf.Len() == 0 {
		return nil
	}
	n := int64(h.buf.Len())

	input := &s3.PutObjectInput{
		Bucket:           aws.String(h.backend.bucket),
		Key:              aws.String(h.key),
		Body:             bytes.NewReader(h.buf.Bytes()),
		ContentLength:    aws.Int64(n),
		WriteOffsetBytes: aws.Int64(h.offset),
	}
	h.backend.applySSE(input)

	if _, err := h.backend.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to append to object: %w", err)
	}
	h.offset += n
	h.buf.Reset()
	return nil
}

func (h *s3Handle) Close(ctx context.Context) error {
	return h.Flush(ctx)
}
