package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jittakal/kafeventsink/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ storage.Backend = (*FileBackend)(nil)

// FileConfig contains local filesystem configuration.
type FileConfig struct {
	// BasePath is prepended to every resolved path. Empty means the filesystem root.
	BasePath string
	DirMode  os.FileMode
	FileMode os.FileMode
}

// FileBackend implements storage.Backend on the local filesystem.
type FileBackend struct {
	basePath string
	dirMode  os.FileMode
	fileMode os.FileMode
	logger   *slog.Logger
}

// NewFileBackend creates a local filesystem backend.
func NewFileBackend(config FileConfig, logger *slog.Logger) (*FileBackend, error) {
	if config.BasePath != "" {
		if err := os.MkdirAll(config.BasePath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create base path: %w", err)
		}
	}
	if config.DirMode == 0 {
		config.DirMode = 0755
	}
	if config.FileMode == 0 {
		config.FileMode = 0644
	}

	logger.Info("filesystem backend created", "base_path", config.BasePath)

	return &FileBackend{
		basePath: config.BasePath,
		dirMode:  config.DirMode,
		fileMode: config.FileMode,
		logger:   logger,
	}, nil
}

// Name returns "file".
func (b *FileBackend) Name() string { return "file" }

func (b *FileBackend) local(path string) string {
	if b.basePath == "" {
		return filepath.FromSlash(path)
	}
	return filepath.Join(b.basePath, filepath.FromSlash(path))
}

// Exists reports whether a regular file is present at path.
func (b *FileBackend) Exists(_ context.Context, path string) (bool, error) {
	info, err := os.Stat(b.local(path))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

// Create creates path and any missing parent directories.
func (b *FileBackend) Create(_ context.Context, path string, overwrite bool) (storage.Handle, error) {
	name := b.local(path)
	if err := os.MkdirAll(filepath.Dir(name), b.dirMode); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}

	f, err := os.OpenFile(name, flags, b.fileMode)
	if err != nil {
		return nil, err
	}
	return &fileHandle{f: f}, nil
}

// Append opens an existing file for appending.
func (b *FileBackend) Append(_ context.Context, path string) (storage.Handle, error) {
	f, err := os.OpenFile(b.local(path), os.O_WRONLY|os.O_APPEND, b.fileMode)
	if err != nil {
		return nil, err
	}
	return &fileHandle{f: f}, nil
}

// SetReplication is a no-op on a local filesystem.
func (b *FileBackend) SetReplication(context.Context, string, int16) error {
	return nil
}

// Close closes the backend.
func (b *FileBackend) Close() error {
	b.logger.Info("closing filesystem backend")
	return nil
}

type fileHandle struct {
	f *os.File
}

func (h *fileHandle) Write(p []byte) (int, error) {
	return h.f.Write(p)
}

// Flush fsyncs the file.
func (h *fileHandle) Flush(context.Context) error {
	return h.f.Sync()
}

func (h *fileHandle) Close(context.Context) error {
	return h.f.Close()
}
