package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/jittakal/kafeventsink/internal/errors"
	"github.com/jittakal/kafeventsink/internal/storage"
	"github.com/jittakal/kafeventsink/pkg/event"
	pkgstorage "github.com/jittakal/kafeventsink/pkg/storage"
)

type mockMetricsCollector struct {
	mu                sync.Mutex
	routed            map[string]int
	sandbox           int
	missingRedirects  int
	storageErrors     int
	lastErrOperation  string
	streamsOpened     int
	streamErrorsTotal int
}

func newMockMetrics() *mockMetricsCollector {
	return &mockMetricsCollector{routed: make(map[string]int)}
}

func (m *mockMetricsCollector) IncEventsRouted(destination string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routed[destination]++
}

func (m *mockMetricsCollector) IncSandboxViolations() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sandbox++
}

func (m *mockMetricsCollector) IncMissingTargetRedirects() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.missingRedirects++
}

func (m *mockMetricsCollector) IncStreamsOpened(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamsOpened++
}

func (m *mockMetricsCollector) AddStreamsOpen(float64)       {}
func (m *mockMetricsCollector) IncStreamEvictions()          {}
func (m *mockMetricsCollector) AddBytesWritten(float64)      {}
func (m *mockMetricsCollector) ObserveFlushDuration(float64) {}

func (m *mockMetricsCollector) IncStreamErrors(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamErrorsTotal++
}

func (m *mockMetricsCollector) IncStorageErrors(_ string, operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storageErrors++
	m.lastErrOperation = operation
}

// faultyBackend is an in-memory backend that can fail creates or the close of one path.
type faultyBackend struct {
	*storage.MemoryBackend
	createErr    error
	closeErrPath string
}

func newFaultyBackend() *faultyBackend {
	return &faultyBackend{MemoryBackend: storage.NewMemoryBackend()}
}

func (b *faultyBackend) Create(ctx context.Context, path string, overwrite bool) (pkgstorage.Handle, error) {
	if b.createErr != nil {
		return nil, b.createErr
	}
	h, err := b.MemoryBackend.Create(ctx, path, overwrite)
	if err != nil {
		return nil, err
	}
	return b.wrap(path, h), nil
}

func (b *faultyBackend) Append(ctx context.Context, path string) (pkgstorage.Handle, error) {
	h, err := b.MemoryBackend.Append(ctx, path)
	if err != nil {
		return nil, err
	}
	return b.wrap(path, h), nil
}

func (b *faultyBackend) wrap(path string, h pkgstorage.Handle) pkgstorage.Handle {
	if path == b.closeErrPath {
		return &failingCloseHandle{Handle: h}
	}
	return h
}

type failingCloseHandle struct {
	pkgstorage.Handle
}

func (h *failingCloseHandle) Close(context.Context) error {
	return errors.New("datanode unreachable")
}

// barrierBackend holds every Exists call until the expected number of callers arrived.
type barrierBackend struct {
	*storage.MemoryBackend
	barrier sync.WaitGroup
	creates int
	mu      sync.Mutex
}

func (b *barrierBackend) Exists(ctx context.Context, path string) (bool, error) {
	ok, err := b.MemoryBackend.Exists(ctx, path)
	b.barrier.Done()
	b.barrier.Wait()
	return ok, err
}

func (b *barrierBackend) Create(ctx context.Context, path string, overwrite bool) (pkgstorage.Handle, error) {
	b.mu.Lock()
	b.creates++
	b.mu.Unlock()
	return b.MemoryBackend.Create(ctx, path, overwrite)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRecord(t *testing.T, host, message string) *event.Record {
	t.Helper()
	data, err := json.Marshal(map[string]string{"host": host, "message": message})
	require.NoError(t, err)

	ts := time.Date(2025, 3, 7, 14, 5, 9, 0, time.UTC)
	return &event.Record{
		Event: &event.CloudEvent{
			ID:          "evt-" + message,
			Source:      "test",
			SpecVersion: "1.0",
			Type:        "log.line",
			Time:        &ts,
			Data:        data,
		},
		Kafka: event.KafkaMetadata{Topic: "logs", Partition: 0, Offset: 1, Timestamp: ts},
	}
}

func newTestSink(t *testing.T, cfg Config, backend pkgstorage.Backend, metrics MetricsCollector) *Sink {
	t.Helper()
	s, err := New(cfg, backend, testLogger(), metrics)
	require.NoError(t, err)
	return s
}

func writeFile(t *testing.T, backend pkgstorage.Backend, path, content string) {
	t.Helper()
	ctx := context.Background()
	h, err := backend.Create(ctx, path, true)
	require.NoError(t, err)
	_, err = h.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, h.Close(ctx))
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		wantField string
	}{
		{
			name: "dynamic template",
			cfg:  Config{Path: "/logs/%{host}/app.log"},
		},
		{
			name: "static template",
			cfg:  Config{Path: "/var/log/app.log"},
		},
		{
			name:      "empty template",
			cfg:       Config{Path: ""},
			wantErr:   true,
			wantField: "sink.path",
		},
		{
			name:      "field reference directly under root",
			cfg:       Config{Path: "/%{host}.log"},
			wantErr:   true,
			wantField: "sink.path",
		},
		{
			name:      "unsupported payload format",
			cfg:       Config{Path: "/logs/%{host}.log", PayloadFormat: "parquet"},
			wantErr:   true,
			wantField: "sink.payload_format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.cfg, storage.NewMemoryBackend(), testLogger(), nil)
			if tt.wantErr {
				var cfgErr *apperrors.ConfigError
				require.ErrorAs(t, err, &cfgErr)
				assert.Equal(t, tt.wantField, cfgErr.Field)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, s.ID())
			assert.True(t, s.Ready())
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	s := newTestSink(t, Config{Path: "/logs/%{host}/app.log"}, storage.NewMemoryBackend(), nil)

	assert.Equal(t, "/logs/_filepath_failures", s.Router().FailurePath())
	assert.Equal(t, DefaultFlushInterval, s.cfg.FlushInterval)
	assert.Equal(t, "json", s.encoder.Name())
}

func TestReceive_ComputedPath(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	metrics := newMockMetrics()
	s := newTestSink(t, Config{
		Path:            "/logs/%{host}/app.log",
		MessageFormat:   "%{message}",
		CreateIfDeleted: true,
	}, backend, metrics)

	dest, err := s.Receive(ctx, newRecord(t, "web1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "/logs/web1/app.log", dest)
	assert.Equal(t, "/logs", s.Router().StaticRoot())

	require.NoError(t, s.Flush(ctx))
	contents, ok := backend.Contents("/logs/web1/app.log")
	require.True(t, ok)
	assert.Equal(t, "hello\n", string(contents))
	assert.Equal(t, int16(1), backend.Replication("/logs/web1/app.log"))
	assert.Equal(t, 1, metrics.routed[DestinationComputed])
	assert.Equal(t, 0, metrics.sandbox)
}

func TestReceive_SandboxViolation(t *testing.T) {
	tests := []struct {
		name     string
		template string
		host     string
		failure  string
	}{
		{
			name:     "parent traversal",
			template: "/logs/%{host}/app.log",
			host:     "../other",
			failure:  "/logs/_filepath_failures",
		},
		{
			name:     "sibling prefix",
			template: "/data/out/%{host}/app.log",
			host:     "../out2/x",
			failure:  "/data/out/_filepath_failures",
		},
		{
			name:     "traversal to filesystem root",
			template: "/logs/%{host}/app.log",
			host:     "../..",
			failure:  "/logs/_filepath_failures",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			backend := storage.NewMemoryBackend()
			metrics := newMockMetrics()
			s := newTestSink(t, Config{
				Path:            tt.template,
				MessageFormat:   "%{message}",
				CreateIfDeleted: true,
			}, backend, metrics)

			dest, err := s.Receive(ctx, newRecord(t, tt.host, "escaped"))
			require.NoError(t, err)
			assert.Equal(t, tt.failure, dest)

			require.NoError(t, s.Close(ctx))
			contents, ok := backend.Contents(tt.failure)
			require.True(t, ok)
			assert.Equal(t, "escaped\n", string(contents))
			assert.Equal(t, 1, backend.Paths())
			assert.Equal(t, 1, metrics.sandbox)
			assert.Equal(t, 1, metrics.routed[DestinationFailure])
		})
	}
}

func TestReceive_StaticTemplate(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	metrics := newMockMetrics()
	s := newTestSink(t, Config{
		Path:            "/var/log/app.log",
		MessageFormat:   "%{message}",
		CreateIfDeleted: true,
	}, backend, metrics)

	for _, host := range []string{"web1", "../../etc", "web2"} {
		dest, err := s.Receive(ctx, newRecord(t, host, host))
		require.NoError(t, err)
		assert.Equal(t, "/var/log/app.log", dest)
	}

	require.NoError(t, s.Close(ctx))
	contents, _ := backend.Contents("/var/log/app.log")
	assert.Equal(t, "web1\n../../etc\nweb2\n", string(contents))
	assert.Equal(t, 0, metrics.sandbox)
	assert.Equal(t, 1, metrics.streamsOpened)
}

func TestReceive_AppendsToExistingFile(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	writeFile(t, backend, "/logs/web1/app.log", "old\n")

	s := newTestSink(t, Config{
		Path:            "/logs/%{host}/app.log",
		MessageFormat:   "%{message}",
		CreateIfDeleted: true,
	}, backend, nil)

	_, err := s.Receive(ctx, newRecord(t, "web1", "new"))
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	contents, _ := backend.Contents("/logs/web1/app.log")
	assert.Equal(t, "old\nnew\n", string(contents))
}

func TestReceive_MissingTarget(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	metrics := newMockMetrics()
	writeFile(t, backend, "/logs/web1/app.log", "")

	s := newTestSink(t, Config{
		Path:            "/logs/%{host}/app.log",
		MessageFormat:   "%{message}",
		CreateIfDeleted: false,
	}, backend, metrics)

	dest, err := s.Receive(ctx, newRecord(t, "web1", "first"))
	require.NoError(t, err)
	assert.Equal(t, "/logs/web1/app.log", dest)
	require.NoError(t, s.Flush(ctx))

	backend.Delete("/logs/web1/app.log")

	dest, err = s.Receive(ctx, newRecord(t, "web1", "second"))
	require.NoError(t, err)
	assert.Equal(t, "/logs/_filepath_failures", dest)

	dest, err = s.Receive(ctx, newRecord(t, "web2", "never-created"))
	require.NoError(t, err)
	assert.Equal(t, "/logs/_filepath_failures", dest)

	require.NoError(t, s.Close(ctx))

	_, ok := backend.Contents("/logs/web1/app.log")
	assert.False(t, ok, "deleted target must not be recreated")
	contents, ok := backend.Contents("/logs/_filepath_failures")
	require.True(t, ok)
	assert.Equal(t, "second\nnever-created\n", string(contents))
	assert.Equal(t, 2, metrics.missingRedirects)
	assert.Equal(t, 0, metrics.sandbox)
}

func TestReceive_CreateIfDeletedRecreates(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	s := newTestSink(t, Config{
		Path:            "/logs/%{host}/app.log",
		MessageFormat:   "%{message}",
		CreateIfDeleted: true,
	}, backend, nil)

	dest, err := s.Receive(ctx, newRecord(t, "web1", "fresh"))
	require.NoError(t, err)
	assert.Equal(t, "/logs/web1/app.log", dest)
	require.NoError(t, s.Close(ctx))

	contents, _ := backend.Contents("/logs/web1/app.log")
	assert.Equal(t, "fresh\n", string(contents))
}

func TestReceive_FullSerialization(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	s := newTestSink(t, Config{Path: "/logs/%{host}/app.log", CreateIfDeleted: true}, backend, nil)

	first := newRecord(t, "web1", "one")
	second := newRecord(t, "web1", "two")
	for _, rec := range []*event.Record{first, second} {
		_, err := s.Receive(ctx, rec)
		require.NoError(t, err)
	}
	require.NoError(t, s.Close(ctx))

	want1, err := first.MarshalJSON()
	require.NoError(t, err)
	want2, err := second.MarshalJSON()
	require.NoError(t, err)

	contents, _ := backend.Contents("/logs/web1/app.log")
	assert.Equal(t, string(want1)+"\n"+string(want2)+"\n", string(contents))
}

func TestReceive_Gzip(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryBackend()
	s := newTestSink(t, Config{
		Path:            "/logs/%{host}/app.log.gz",
		MessageFormat:   "%{message}",
		CreateIfDeleted: true,
		Gzip:            true,
	}, backend, nil)

	for _, msg := range []string{"a", "b"} {
		_, err := s.Receive(ctx, newRecord(t, "web1", msg))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close(ctx))

	contents, _ := backend.Contents("/logs/web1/app.log.gz")
	zr, err := gzip.NewReader(bytes.NewReader(contents))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", string(plain))
}

func TestReceive_StorageErrorPropagates(t *testing.T) {
	ctx := context.Background()
	backend := newFaultyBackend()
	backend.createErr = errors.New("namenode in safe mode")
	metrics := newMockMetrics()
	s := newTestSink(t, Config{Path: "/logs/%{host}/app.log", CreateIfDeleted: true}, backend, metrics)

	dest, err := s.Receive(ctx, newRecord(t, "web1", "lost"))
	assert.Empty(t, dest)

	var storageErr *apperrors.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "create", storageErr.Operation)
	assert.Equal(t, "/logs/web1/app.log", storageErr.Path)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, 0, metrics.routed[DestinationComputed])
	assert.Equal(t, "create", metrics.lastErrOperation)
}

func TestClose_IsolatesFailures(t *testing.T) {
	ctx := context.Background()
	backend := newFaultyBackend()
	backend.closeErrPath = "/logs/web2/app.log"
	metrics := newMockMetrics()
	s := newTestSink(t, Config{
		Path:            "/logs/%{host}/app.log",
		MessageFormat:   "%{message}",
		CreateIfDeleted: true,
	}, backend, metrics)

	for _, host := range []string{"web1", "web2", "web3"} {
		_, err := s.Receive(ctx, newRecord(t, host, host))
		require.NoError(t, err)
	}

	require.NoError(t, s.Close(ctx))
	assert.False(t, s.Ready())

	for _, host := range []string{"web1", "web3"} {
		contents, ok := backend.Contents("/logs/" + host + "/app.log")
		require.True(t, ok)
		assert.Equal(t, host+"\n", string(contents))
	}
	contents, _ := backend.Contents("/logs/web2/app.log")
	assert.Empty(t, contents)
	assert.Equal(t, 1, metrics.streamErrorsTotal)
}

func TestClose_RejectsFurtherWork(t *testing.T) {
	ctx := context.Background()
	s := newTestSink(t, Config{Path: "/logs/%{host}/app.log"}, storage.NewMemoryBackend(), nil)

	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))

	_, err := s.Receive(ctx, newRecord(t, "web1", "late"))
	assert.ErrorIs(t, err, apperrors.ErrSinkClosed)
	assert.ErrorIs(t, s.Flush(ctx), apperrors.ErrSinkClosed)
}

func TestRun_FlushesOnInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := storage.NewMemoryBackend()
	s := newTestSink(t, Config{
		Path:            "/logs/%{host}/app.log",
		MessageFormat:   "%{message}",
		CreateIfDeleted: true,
		FlushInterval:   10 * time.Millisecond,
	}, backend, nil)

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	_, err := s.Receive(ctx, newRecord(t, "web1", "tick"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		contents, ok := backend.Contents("/logs/web1/app.log")
		return ok && string(contents) == "tick\n"
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// Two sinks sharing a backend each make their own append-vs-create decision.
// When both check existence before either creates the file, both create it with
// overwrite, so on a real filesystem the later create truncates the earlier one.
func TestReceive_ConcurrentSinksRaceOnCreate(t *testing.T) {
	ctx := context.Background()
	backend := &barrierBackend{MemoryBackend: storage.NewMemoryBackend()}
	backend.barrier.Add(2)

	cfg := Config{Path: "/logs/%{host}/app.log", MessageFormat: "%{message}", CreateIfDeleted: true}
	sinks := []*Sink{
		newTestSink(t, cfg, backend, nil),
		newTestSink(t, cfg, backend, nil),
	}

	var wg sync.WaitGroup
	errs := make([]error, len(sinks))
	for i, s := range sinks {
		rec := newRecord(t, "web1", "line")
		wg.Add(1)
		go func(i int, s *Sink) {
			defer wg.Done()
			_, errs[i] = s.Receive(ctx, rec)
		}(i, s)
	}
	wg.Wait()

	for i, s := range sinks {
		require.NoError(t, errs[i])
		stream, ok := s.cache.Peek("/logs/web1/app.log")
		require.True(t, ok)
		assert.Equal(t, "create", stream.Mode())
	}
	assert.Equal(t, 2, backend.creates)

	for _, s := range sinks {
		require.NoError(t, s.Close(ctx))
	}
}
