// Package sink routes records to template-computed files on a storage backend.
//
// A Sink owns one path router, one encoder and one stream cache. Every record
// lands either in the file its path template resolves to or in the failure
// file; storage errors are returned to the caller.
package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jittakal/kafeventsink/internal/encoder"
	apperrors "github.com/jittakal/kafeventsink/internal/errors"
	"github.com/jittakal/kafeventsink/internal/storage"
	pkgencoder "github.com/jittakal/kafeventsink/pkg/encoder"
	"github.com/jittakal/kafeventsink/pkg/event"
	pkgstorage "github.com/jittakal/kafeventsink/pkg/storage"
)

// Destination labels reported to metrics.
const (
	DestinationComputed = "computed"
	DestinationFailure  = "failure"
)

// DefaultFlushInterval is used when Config.FlushInterval is not set.
const DefaultFlushInterval = 2 * time.Second

// Config holds sink configuration.
type Config struct {
	// Path is the output path template; may contain %{...} field references.
	Path string
	// MessageFormat renders each line from a template instead of PayloadFormat.
	MessageFormat string
	// FilenameFailure is the catch-all file, placed under the static root unless absolute.
	FilenameFailure string
	// CreateIfDeleted allows writing to a computed path that is missing from storage.
	// When false such records go to the failure file.
	CreateIfDeleted bool
	Gzip            bool
	FlushInterval   time.Duration
	// MaxOpenStreams bounds the stream cache; zero keeps every stream open until Close.
	MaxOpenStreams int
	PayloadFormat  event.PayloadFormat
}

// MetricsCollector defines metrics operations for the sink and its stream cache.
type MetricsCollector interface {
	storage.MetricsCollector
	IncEventsRouted(destination string)
	IncSandboxViolations()
	IncMissingTargetRedirects()
}

// Sink writes records to the files their path template resolves to.
//
// Receive, Flush and Close are safe to call from different goroutines; they are
// serialized internally so the stream cache only ever sees one caller.
type Sink struct {
	id      string
	cfg     Config
	router  *storage.TemplateRouter
	backend pkgstorage.Backend
	encoder pkgencoder.Encoder
	cache   *storage.StreamCache
	logger  *slog.Logger
	metrics MetricsCollector

	mu     sync.Mutex
	closed bool
}

// New creates a sink writing through backend. Template and format problems are
// reported here, never per record.
func New(cfg Config, backend pkgstorage.Backend, logger *slog.Logger, metrics MetricsCollector) (*Sink, error) {
	if cfg.FilenameFailure == "" {
		cfg.FilenameFailure = storage.DefaultFailureFilename
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}

	router, err := storage.NewTemplateRouter(cfg.Path, cfg.FilenameFailure)
	if err != nil {
		return nil, err
	}

	enc, err := encoder.NewFactory(cfg.MessageFormat, cfg.PayloadFormat).CreateEncoder()
	if err != nil {
		return nil, &apperrors.ConfigError{Field: "sink.payload_format", Reason: err.Error(), Err: err}
	}

	id := uuid.NewString()
	logger = logger.With("sink_id", id)

	var cacheMetrics storage.MetricsCollector
	if metrics != nil {
		cacheMetrics = metrics
	}
	cache, err := storage.NewStreamCache(backend, storage.CacheConfig{
		Gzip:           cfg.Gzip,
		MaxOpenStreams: cfg.MaxOpenStreams,
	}, logger, cacheMetrics)
	if err != nil {
		return nil, err
	}

	logger.Info("sink opened",
		"path", cfg.Path,
		"static_root", router.StaticRoot(),
		"failure_path", router.FailurePath(),
		"backend", backend.Name(),
		"encoder", enc.Name(),
		"create_if_deleted", cfg.CreateIfDeleted,
		"gzip", cfg.Gzip,
	)

	return &Sink{
		id:      id,
		cfg:     cfg,
		router:  router,
		backend: backend,
		encoder: enc,
		cache:   cache,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// ID returns the sink instance id.
func (s *Sink) ID() string { return s.id }

// Router returns the sink's path router.
func (s *Sink) Router() *storage.TemplateRouter { return s.router }

// Ready reports whether the sink accepts records.
func (s *Sink) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Receive writes one record and returns the path it was written to.
//
// A computed path outside the static root is replaced by the failure path and
// a warning is logged. With CreateIfDeleted unset, a computed path missing from
// storage is replaced by the failure path too. Storage errors are returned as
// *errors.StorageError and the record is not written.
func (s *Sink) Receive(ctx context.Context, record *event.Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", apperrors.ErrSinkClosed
	}

	target, destination, err := s.destination(ctx, record)
	if err != nil {
		return "", err
	}

	payload, err := s.encoder.Encode(record)
	if err != nil {
		return "", &apperrors.EncodeError{EventID: record.EventID(), Encoder: s.encoder.Name(), Err: err}
	}

	s.logger.Debug("writing event", "filename", target, "event_id", record.EventID())
	if err := s.cache.Write(ctx, target, payload); err != nil {
		return "", err
	}

	if s.metrics != nil {
		s.metrics.IncEventsRouted(destination)
	}
	return target, nil
}

func (s *Sink) destination(ctx context.Context, record *event.Record) (string, string, error) {
	target := s.router.Route(record)
	failure := s.router.FailurePath()

	if s.router.HasFieldRef() && !s.router.Contains(target) {
		serialized, _ := record.MarshalJSON()
		s.logger.Warn("event tried to write outside the static root, writing to the failure file",
			"event_id", record.EventID(),
			"event", string(serialized),
			"path", target,
			"filename", failure,
		)
		if s.metrics != nil {
			s.metrics.IncSandboxViolations()
		}
		return failure, DestinationFailure, nil
	}

	if s.cfg.CreateIfDeleted || target == failure {
		return target, DestinationComputed, nil
	}

	exists, err := s.backend.Exists(ctx, target)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncStorageErrors(s.backend.Name(), "exists")
		}
		return "", "", &apperrors.StorageError{Operation: "exists", Path: target, Err: err}
	}
	if !exists {
		s.logger.Debug("target file is missing, writing to the failure file",
			"event_id", record.EventID(),
			"path", target,
			"filename", failure,
		)
		if s.metrics != nil {
			s.metrics.IncMissingTargetRedirects()
		}
		return failure, DestinationFailure, nil
	}
	return target, DestinationComputed, nil
}

// Flush makes everything written so far visible to readers.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return apperrors.ErrSinkClosed
	}
	return s.cache.FlushAll(ctx)
}

// Run flushes the sink every FlushInterval until ctx is done or the sink is closed.
// Flush failures are logged; the next tick tries again.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				if errors.Is(err, apperrors.ErrSinkClosed) {
					return
				}
				s.logger.Error("scheduled flush failed", "error", err)
			}
		}
	}
}

// Close closes every open stream. Individual close failures are logged and do
// not fail Close. Receive returns ErrSinkClosed afterwards.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	open := s.cache.Len()
	s.cache.CloseAll(ctx)
	s.logger.Info("sink closed", "streams", open)
	return nil
}
