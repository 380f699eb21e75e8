package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path"
	"sync"

	"github.com/colinmarc/hdfs/v2"

	"github.com/jittakal/kafeventsink/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ storage.Backend = (*HDFSBackend)(nil)

const defaultHDFSBlockSize int64 = 128 * 1024 * 1024

// HDFSConfig contains HDFS namenode configuration.
type HDFSConfig struct {
	Addresses           []string
	User                string
	BlockSize           int64
	UseDatanodeHostname bool
}

// HDFSBackend implements storage.Backend over the native HDFS RPC protocol.
type HDFSBackend struct {
	client    *hdfs.Client
	blockSize int64
	logger    *slog.Logger

	// replication is applied when the file is created; the client has no
	// setReplication call for existing files.
	mu          sync.Mutex
	replication map[string]int16
}

// NewHDFSBackend connects to the namenode(s) in cfg.
func NewHDFSBackend(cfg HDFSConfig, logger *slog.Logger) (*HDFSBackend, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("no namenode addresses configured")
	}

	username := cfg.User
	if username == "" {
		username = os.Getenv("HADOOP_USER_NAME")
	}
	if username == "" {
		u, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("failed to determine HDFS user: %w", err)
		}
		username = u.Username
	}

	client, err := hdfs.NewClient(hdfs.ClientOptions{
		Addresses:           cfg.Addresses,
		User:                username,
		UseDatanodeHostname: cfg.UseDatanodeHostname,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create HDFS client: %w", err)
	}

	blockSize := cfg.BlockSize
	if blockSize <= 0 {
		blockSize = defaultHDFSBlockSize
	}

	logger.Info("HDFS backend created",
		"namenodes", cfg.Addresses,
		"user", username,
		"block_size", blockSize,
	)

	return &HDFSBackend{
		client:      client,
		blockSize:   blockSize,
		logger:      logger,
		replication: make(map[string]int16),
	}, nil
}

// Name returns "hdfs".
func (b *HDFSBackend) Name() string { return "hdfs" }

// Exists reports whether path is present.
func (b *HDFSBackend) Exists(_ context.Context, name string) (bool, error) {
	_, err := b.client.Stat(name)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create creates path with the pending replication factor. With overwrite an
// existing file is removed first.
func (b *HDFSBackend) Create(_ context.Context, name string, overwrite bool) (storage.Handle, error) {
	if overwrite {
		if err := b.client.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove existing file: %w", err)
		}
	}
	if err := b.client.MkdirAll(path.Dir(name), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	w, err := b.client.CreateFile(name, int(b.takeReplication(name)), b.blockSize, 0644)
	if err != nil {
		return nil, err
	}
	return &hdfsHandle{w: w}, nil
}

// Append opens an existing file for appending.
func (b *HDFSBackend) Append(_ context.Context, name string) (storage.Handle, error) {
	b.logger.Debug("keeping replication of existing file",
		"path", name,
		"requested", b.takeReplication(name),
	)
	w, err := b.client.Append(name)
	if err != nil {
		return nil, err
	}
	return &hdfsHandle{w: w}, nil
}

// SetReplication records factor for the next Create of path.
func (b *HDFSBackend) SetReplication(_ context.Context, name string, factor int16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replication[name] = factor
	return nil
}

func (b *HDFSBackend) takeReplication(name string) int16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	factor, ok := b.replication[name]
	delete(b.replication, name)
	if !ok {
		return 1
	}
	return factor
}

// Close closes the namenode connection.
func (b *HDFSBackend) Close() error {
	b.logger.Info("closing HDFS backend")
	return b.client.Close()
}

type hdfsHandle struct {
	w *hdfs.FileWriter
}

func (h *hdfsHandle) Write(p []byte) (int, error) {
	return h.w.Write(p)
}

// Flush is hflush: data reaches the datanodes and becomes visible to new readers.
func (h *hdfsHandle) Flush(context.Context) error {
	return h.w.Flush()
}

func (h *hdfsHandle) Close(context.Context) error {
	return h.w.Close()
}
