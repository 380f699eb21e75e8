package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	pkgstorage "github.com/jittakal/kafeventsink/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ pkgstorage.Backend = (*GCSBackend)(nil)

// GCSConfig contains Google Cloud Storage configuration.
type GCSConfig struct {
	Bucket               string
	ProjectID            string
	CredentialsFile      string
	CredentialsJSON      string
	Endpoint             string
	UseDefaultCredential bool
}

// GCSBackend implements storage.Backend on Google Cloud Storage.
//
// GCS objects are immutable, so a flush uploads the buffered bytes as a
// temporary part object and composes it onto the end of the target.
type GCSBackend struct {
	client *storage.Client
	bucket string
	logger *slog.Logger
}

// NewGCSBackend creates a new Google Cloud Storage backend.
func NewGCSBackend(cfg GCSConfig, logger *slog.Logger) (*GCSBackend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}

	ctx := context.Background()

	// Determine authentication method
	var clientOpts []option.ClientOption
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(cfg.Endpoint))
	}

	if cfg.UseDefaultCredential {
		logger.Info("using default GCP credentials")
	} else if cfg.CredentialsJSON != "" {
		clientOpts = append(clientOpts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
		logger.Info("using GCP credentials from JSON string")
	} else if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info("using GCP credentials from file", "file", cfg.CredentialsFile)
	} else {
		logger.Info("no explicit credentials provided, using default GCP credentials")
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	logger.Info("GCS backend created",
		"bucket", cfg.Bucket,
		"project_id", cfg.ProjectID,
	)

	return &GCSBackend{
		client: client,
		bucket: cfg.Bucket,
		logger: logger,
	}, nil
}

// Name returns "gcs".
func (b *GCSBackend) Name() string { return "gcs" }

func (b *GCSBackend) object(path string) *storage.ObjectHandle {
	return b.client.Bucket(b.bucket).Object(objectKey(path))
}

// Exists reports whether the object exists.
func (b *GCSBackend) Exists(ctx context.Context, path string) (bool, error) {
	_, err := b.object(path).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create writes an empty object. Without overwrite the write is conditional on
// the object not existing.
func (b *GCSBackend) Create(ctx context.Context, path string, overwrite bool) (pkgstorage.Handle, error) {
	obj := b.object(path)
	if !overwrite {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/x-ndjson"
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to create object: %w", err)
	}
	return &gcsHandle{backend: b, key: objectKey(path)}, nil
}

// Append opens an existing object for appending.
func (b *GCSBackend) Append(ctx context.Context, path string) (pkgstorage.Handle, error) {
	if _, err := b.object(path).Attrs(ctx); err != nil {
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}
	return &gcsHandle{backend: b, key: objectKey(path)}, nil
}

// SetReplication is ignored; GCS replication is a bucket location property.
func (b *GCSBackend) SetReplication(context.Context, string, int16) error {
	return nil
}

// Close closes the GCS client.
func (b *GCSBackend) Close() error {
	b.logger.Info("closing GCS backend")
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

// partKey names the temporary object a flush uploads before composing.
func partKey(key string) string {
	return key + ".part-" + uuid.NewString()
}

type gcsHandle struct {
	backend *GCSBackend
	key     string
	buf     bytes.Buffer
}

func (h *gcsHandle) Write(p []byte) (int, error) {
	return h.buf.Write(p)
}

// Flush uploads the buffer as a part object and composes it onto the target.
func (h *gcsHandle) Flush(ctx context.Context) error {
	if h.buf.Len() == 0 {
		return nil
	}

	bucket := h.backend.client.Bucket(h.backend.bucket)
	target := bucket.Object(h.key)
	part := bucket.Object(partKey(h.key))

	w := part.NewWriter(ctx)
	if _, err := w.Write(h.buf.Bytes()); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write part object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to write part object: %w", err)
	}

	_, composeErr := target.ComposerFrom(target, part).Run(ctx)
	if err := part.Delete(ctx); err != nil {
		h.backend.logger.Warn("failed to delete part object", "object", part.ObjectName(), "error", err)
	}
	if composeErr != nil {
		return fmt.Errorf("failed to compose object: %w", composeErr)
	}

	h.buf.Reset()
	return nil
}

func (h *gcsHandle) Close(ctx context.Context) error {
	return h.Flush(ctx)
}
