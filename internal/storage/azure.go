package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/appendblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/jittakal/kafeventsink/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ storage.Backend = (*AzureBackend)(nil)

// maxAppendBlockBytes is the largest block an append blob accepts per call.
const maxAppendBlockBytes = 4 * 1024 * 1024

// AzureConfig contains Azure Blob Storage configuration.
type AzureConfig struct {
	AccountName   string
	AccountKey    string
	ContainerName string
	Endpoint      string
}

// AzureBackend implements storage.Backend with Azure append blobs.
type AzureBackend struct {
	container *container.Client
	name      string
	logger    *slog.Logger
}

// NewAzureBackend creates a new Azure Blob storage backend.
func NewAzureBackend(cfg AzureConfig, logger *slog.Logger) (*AzureBackend, error) {
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("azure container name is required")
	}

	client, err := azblob.NewClientFromConnectionString(connectionString(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	logger.Info("Azure backend created",
		"container", cfg.ContainerName,
		"account", cfg.AccountName,
	)

	return &AzureBackend{
		container: client.ServiceClient().NewContainerClient(cfg.ContainerName),
		name:      cfg.ContainerName,
		logger:    logger,
	}, nil
}

func connectionString(cfg AzureConfig) string {
	if cfg.Endpoint != "" {
		return fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;BlobEndpoint=%s",
			cfg.AccountName, cfg.AccountKey, cfg.Endpoint)
	}
	return fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;EndpointSuffix=core.windows.net",
		cfg.AccountName, cfg.AccountKey)
}

// Name returns "azure".
func (b *AzureBackend) Name() string { return "azure" }

func (b *AzureBackend) blob(path string) *appendblob.Client {
	return b.container.NewAppendBlobClient(objectKey(path))
}

// Exists reports whether the blob exists.
func (b *AzureBackend) Exists(ctx context.Context, path string) (bool, error) {
	_, err := b.blob(path).GetProperties(ctx, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create creates an empty append blob, replacing an existing blob only with overwrite.
func (b *AzureBackend) Create(ctx context.Context, path string, overwrite bool) (storage.Handle, error) {
	opts := &appendblob.CreateOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr("application/x-ndjson")},
	}
	if !overwrite {
		opts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		}
	}

	client := b.blob(path)
	if _, err := client.Create(ctx, opts); err != nil {
		return nil, fmt.Errorf("failed to create append blob: %w", err)
	}
	return &azureHandle{client: client}, nil
}

// Append opens an existing append blob.
func (b *AzureBackend) Append(ctx context.Context, path string) (storage.Handle, error) {
	client := b.blob(path)
	if _, err := client.GetProperties(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to stat append blob: %w", err)
	}
	return &azureHandle{client: client}, nil
}

// SetReplication is ignored; redundancy is an account setting.
func (b *AzureBackend) SetReplication(context.Context, string, int16) error {
	return nil
}

// Close closes the backend.
func (b *AzureBackend) Close() error {
	b.logger.Info("Azure backend closed", "container", b.name)
	return nil
}

// splitBlocks cuts data into consecutive blocks of at most size bytes.
func splitBlocks(data []byte, size int) [][]byte {
	var blocks [][]byte
	for len(data) > size {
		blocks = append(blocks, data[:size])
		data = data[size:]
	}
	if len(data) > 0 {
		blocks = append(blocks, data)
	}
	return blocks
}

type azureHandle struct {
	client *appendblob.Client
	buf    bytes.Buffer
}

func (h *azureHandle) Write(p []byte) (int, error) {
	return h.buf.Write(p)
}

// Flush appends the buffer as one or more blocks.
func (h *azureHandle) Flush(ctx context.Context) error {
	for _, block := range splitBlocks(h.buf.Bytes(), maxAppendBlockBytes) {
		if _, err := h.client.AppendBlock(ctx, streaming.NopCloser(bytes.NewReader(block)), nil); err != nil {
			return fmt.Errorf("failed to append block: %w", err)
		}
		h.buf.Next(len(block))
	}
	return nil
}

func (h *azureHandle) Close(ctx context.Context) error {
	return h.Flush(ctx)
}
