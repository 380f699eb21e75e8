package storage

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	apperrors "github.com/jittakal/kafeventsink/internal/errors"
	"github.com/jittakal/kafeventsink/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ storage.Backend = (*MemoryBackend)(nil)

// MemoryBackend keeps files in process memory. It backs memory:// endpoints and tests.
//
// Writes land in a per-handle buffer and become visible in Contents on Flush or
// Close, mirroring how HDFS readers only see data after hflush.
type MemoryBackend struct {
	mu          sync.Mutex
	files       map[string]*bytes.Buffer
	replication map[string]int16
}

// NewMemoryBackend creates an empty in-memory filesystem.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		files:       make(map[string]*bytes.Buffer),
		replication: make(map[string]int16),
	}
}

// Name returns "memory".
func (m *MemoryBackend) Name() string { return "memory" }

// Exists reports whether path has been created and not deleted.
func (m *MemoryBackend) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[path]
	return ok, nil
}

// Create creates path, truncating it when overwrite is set.
func (m *MemoryBackend) Create(_ context.Context, path string, overwrite bool) (storage.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[path]; ok && !overwrite {
		return nil, fmt.Errorf("file already exists: %s", path)
	}
	m.files[path] = &bytes.Buffer{}
	return &memoryHandle{backend: m, path: path}, nil
}

// Append opens an existing path for appending.
func (m *MemoryBackend) Append(_ context.Context, path string) (storage.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[path]; !ok {
		return nil, fmt.Errorf("file does not exist: %s", path)
	}
	return &memoryHandle{backend: m, path: path}, nil
}

// SetReplication records the factor for path.
func (m *MemoryBackend) SetReplication(_ context.Context, path string, factor int16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replication[path] = factor
	return nil
}

// Replication returns the last factor set for path.
func (m *MemoryBackend) Replication(path string) int16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replication[path]
}

// Delete removes path, simulating an external delete.
func (m *MemoryBackend) Delete(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
}

// Contents returns the flushed contents of path.
func (m *MemoryBackend) Contents(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.files[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), buf.Bytes()...), true
}

// Paths returns the number of files currently present.
func (m *MemoryBackend) Paths() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

// Close is a no-op.
func (m *MemoryBackend) Close() error { return nil }

type memoryHandle struct {
	backend *MemoryBackend
	path    string
	pending bytes.Buffer
	closed  bool
}

func (h *memoryHandle) Write(p []byte) (int, error) {
	if h.closed {
		return 0, apperrors.ErrStreamClosed
	}
	return h.pending.Write(p)
}

func (h *memoryHandle) Flush(_ context.Context) error {
	if h.closed {
		return apperrors.ErrStreamClosed
	}
	if h.pending.Len() == 0 {
		return nil
	}
	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	buf, ok := h.backend.files[h.path]
	if !ok {
		// deleted externally while open
		buf = &bytes.Buffer{}
		h.backend.files[h.path] = buf
	}
	buf.Write(h.pending.Bytes())
	h.pending.Reset()
	return nil
}

func (h *memoryHandle) Close(ctx context.Context) error {
	if h.closed {
		return nil
	}
	err := h.Flush(ctx)
	h.closed = true
	return err
}
