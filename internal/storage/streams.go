package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/gzip"

	apperrors "github.com/jittakal/kafeventsink/internal/errors"
	"github.com/jittakal/kafeventsink/pkg/event"
	"github.com/jittakal/kafeventsink/pkg/storage"
)

// ReplicationFactor is applied to every path before it is opened.
const ReplicationFactor int16 = 1

var newline = []byte("\n")

// MetricsCollector defines metrics operations for the stream cache.
type MetricsCollector interface {
	IncStreamsOpened(mode string)
	AddStreamsOpen(delta float64)
	IncStreamEvictions()
	AddBytesWritten(n float64)
	ObserveFlushDuration(duration float64)
	IncStreamErrors(operation string)
	IncStorageErrors(backend string, operation string)
}

// CacheConfig configures a StreamCache.
type CacheConfig struct {
	// Gzip wraps every stream in a gzip writer.
	Gzip bool
	// MaxOpenStreams bounds the cache with LRU eviction. Zero means unbounded.
	MaxOpenStreams int
}

// Stream is one open output file owned by a StreamCache.
type Stream struct {
	path   string
	mode   string
	handle storage.Handle
	gz     *gzip.Writer
	w      io.Writer
	stats  event.FileStats
}

// Path returns the resolved path the stream writes to.
func (s *Stream) Path() string { return s.path }

// Mode returns "append" or "create", the decision made when the stream was opened.
func (s *Stream) Mode() string { return s.mode }

// Stats returns what has been written through the stream.
func (s *Stream) Stats() event.FileStats { return s.stats }

// WriteLine writes payload followed by a newline.
func (s *Stream) WriteLine(payload []byte) error {
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if _, err := s.w.Write(newline); err != nil {
		return err
	}

	now := time.Now()
	if s.stats.RecordCount == 0 {
		s.stats.FirstWriteTime = now
	}
	s.stats.RecordCount++
	s.stats.SizeBytes += int64(len(payload) + len(newline))
	s.stats.LastWriteTime = now
	return nil
}

// Flush pushes buffered compressed bytes to the handle and flushes the handle.
func (s *Stream) Flush(ctx context.Context) error {
	if s.gz != nil {
		if err := s.gz.Flush(); err != nil {
			return fmt.Errorf("gzip flush: %w", err)
		}
	}
	return s.handle.Flush(ctx)
}

// Close finishes the gzip member, if any, and closes the handle.
func (s *Stream) Close(ctx context.Context) error {
	var gzErr error
	if s.gz != nil {
		gzErr = s.gz.Close()
	}
	return errors.Join(gzErr, s.handle.Close(ctx))
}

// StreamCache maps resolved paths to open streams.
//
// It is not safe for concurrent use; the owning sink serializes access.
type StreamCache struct {
	backend storage.Backend
	gzip    bool
	logger  *slog.Logger
	metrics MetricsCollector

	streams map[string]*Stream
	bounded *lru.Cache[string, *Stream]
	evicted []*Stream
}

// NewStreamCache creates an empty cache over backend.
func NewStreamCache(
	backend storage.Backend,
	cfg CacheConfig,
	logger *slog.Logger,
	metrics MetricsCollector,
) (*StreamCache, error) {
	c := &StreamCache{
		backend: backend,
		gzip:    cfg.Gzip,
		logger:  logger,
		metrics: metrics,
	}

	if cfg.MaxOpenStreams > 0 {
		bounded, err := lru.NewWithEvict[string, *Stream](cfg.MaxOpenStreams, func(_ string, s *Stream) {
			c.evicted = append(c.evicted, s)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stream cache: %w", err)
		}
		c.bounded = bounded
	} else {
		c.streams = make(map[string]*Stream)
	}

	return c, nil
}

// Acquire returns the stream for path, opening it on first use.
//
// Opening sets replication to 1, then appends if the backend reports the path
// exists and creates it (overwrite) otherwise. A cached stream is returned
// without touching the backend.
func (c *StreamCache) Acquire(ctx context.Context, path string) (*Stream, error) {
	if s, ok := c.lookup(path); ok {
		return s, nil
	}

	if err := c.backend.SetReplication(ctx, path, ReplicationFactor); err != nil {
		return nil, c.storageError("set_replication", path, err)
	}

	exists, err := c.backend.Exists(ctx, path)
	if err != nil {
		return nil, c.storageError("exists", path, err)
	}

	var (
		handle storage.Handle
		mode   string
	)
	if exists {
		mode = "append"
		handle, err = c.backend.Append(ctx, path)
	} else {
		mode = "create"
		handle, err = c.backend.Create(ctx, path, true)
	}
	if err != nil {
		return nil, c.storageError(mode, path, err)
	}

	s := &Stream{path: path, mode: mode, handle: handle, w: handle}
	if c.gzip {
		s.gz = gzip.NewWriter(handle)
		s.w = s.gz
	}
	c.store(path, s)

	c.logger.Debug("stream opened",
		"path", path,
		"mode", mode,
		"backend", c.backend.Name(),
		"open_streams", c.Len(),
	)
	if c.metrics != nil {
		c.metrics.IncStreamsOpened(mode)
		c.metrics.AddStreamsOpen(1)
	}

	c.closeEvicted(ctx)
	return s, nil
}

// Write acquires the stream for path and writes payload plus a newline to it.
func (c *StreamCache) Write(ctx context.Context, path string, payload []byte) error {
	s, err := c.Acquire(ctx, path)
	if err != nil {
		return err
	}
	if err := s.WriteLine(payload); err != nil {
		return c.storageError("write", path, err)
	}
	if c.metrics != nil {
		c.metrics.AddBytesWritten(float64(len(payload) + len(newline)))
	}
	return nil
}

// Peek returns the cached stream for path without opening one or touching recency.
func (c *StreamCache) Peek(path string) (*Stream, bool) {
	if c.bounded != nil {
		return c.bounded.Peek(path)
	}
	s, ok := c.streams[path]
	return s, ok
}

// Len returns the number of open streams.
func (c *StreamCache) Len() int {
	if c.bounded != nil {
		return c.bounded.Len()
	}
	return len(c.streams)
}

// FlushAll flushes every open stream. A failing stream does not stop the others;
// all failures are returned joined.
func (c *StreamCache) FlushAll(ctx context.Context) error {
	start := time.Now()

	var errs []error
	for _, s := range c.snapshot() {
		if err := s.Flush(ctx); err != nil {
			c.logger.Error("failed to flush stream", "path", s.path, "error", err)
			if c.metrics != nil {
				c.metrics.IncStreamErrors("flush")
			}
			errs = append(errs, &apperrors.StorageError{Operation: "flush", Path: s.path, Err: err})
		}
	}

	if c.metrics != nil {
		c.metrics.ObserveFlushDuration(time.Since(start).Seconds())
	}
	return errors.Join(errs...)
}

// CloseAll closes every open stream and empties the cache. Failures are logged
// and never stop the remaining streams from being closed.
func (c *StreamCache) CloseAll(ctx context.Context) {
	streams := c.snapshot()

	if c.bounded != nil {
		c.bounded.Purge()
		c.evicted = nil
	} else {
		c.streams = make(map[string]*Stream)
	}

	for _, s := range streams {
		c.release(ctx, s, "close")
	}
}

func (c *StreamCache) lookup(path string) (*Stream, bool) {
	if c.bounded != nil {
		return c.bounded.Get(path)
	}
	s, ok := c.streams[path]
	return s, ok
}

func (c *StreamCache) store(path string, s *Stream) {
	if c.bounded != nil {
		c.bounded.Add(path, s)
		return
	}
	c.streams[path] = s
}

// snapshot returns the open streams ordered by path.
func (c *StreamCache) snapshot() []*Stream {
	var streams []*Stream
	if c.bounded != nil {
		streams = c.bounded.Values()
	} else {
		streams = make([]*Stream, 0, len(c.streams))
		for _, s := range c.streams {
			streams = append(streams, s)
		}
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].path < streams[j].path })
	return streams
}

func (c *StreamCache) closeEvicted(ctx context.Context) {
	evicted := c.evicted
	c.evicted = nil
	for _, s := range evicted {
		if err := s.Flush(ctx); err != nil {
			c.logger.Warn("failed to flush evicted stream", "path", s.path, "error", err)
			if c.metrics != nil {
				c.metrics.IncStreamErrors("flush")
			}
		}
		c.release(ctx, s, "evict")
		if c.metrics != nil {
			c.metrics.IncStreamEvictions()
		}
	}
}

func (c *StreamCache) release(ctx context.Context, s *Stream, reason string) {
	if c.metrics != nil {
		c.metrics.AddStreamsOpen(-1)
	}
	if err := s.Close(ctx); err != nil {
		c.logger.Warn("failed to close stream",
			"path", s.path,
			"reason", reason,
			"error", err,
		)
		if c.metrics != nil {
			c.metrics.IncStreamErrors("close")
		}
		return
	}
	c.logger.Debug("stream closed",
		"path", s.path,
		"reason", reason,
		"records", s.stats.RecordCount,
		"written", humanize.Bytes(uint64(s.stats.SizeBytes)),
	)
}

func (c *StreamCache) storageError(operation, path string, err error) error {
	if c.metrics != nil {
		c.metrics.IncStorageErrors(c.backend.Name(), operation)
	}
	return &apperrors.StorageError{Operation: operation, Path: path, Err: err}
}
