package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/jittakal/kafeventsink/internal/errors"
	"github.com/jittakal/kafeventsink/internal/kafka"
	"github.com/jittakal/kafeventsink/internal/sink"
	"github.com/jittakal/kafeventsink/internal/storage"
	"github.com/jittakal/kafeventsink/internal/validator"
	"github.com/jittakal/kafeventsink/pkg/event"
)

type dlqMessage struct {
	offset int64
	reason string
	detail string
}

type fakeDLQ struct {
	mu        sync.Mutex
	published []dlqMessage
	err       error
}

func (f *fakeDLQ) Publish(_ context.Context, consumed *event.ConsumedEvent, reason, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, dlqMessage{offset: consumed.Metadata.Offset, reason: reason, detail: detail})
	return nil
}

func (f *fakeDLQ) Close() error { return nil }

func (f *fakeDLQ) messages() []dlqMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dlqMessage(nil), f.published...)
}

type fakeReceiver struct {
	id string
	mu sync.Mutex
	// offsets per partition, in receive order
	received map[int32][]int64
	err      error
	failAt   map[int64]error
}

func newFakeReceiver(id string) *fakeReceiver {
	return &fakeReceiver{id: id, received: make(map[int32][]int64)}
}

func (f *fakeReceiver) ID() string { return f.id }

func (f *fakeReceiver) Receive(_ context.Context, record *event.Record) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if err, ok := f.failAt[record.Kafka.Offset]; ok {
		return "", err
	}
	f.received[record.Kafka.Partition] = append(f.received[record.Kafka.Partition], record.Kafka.Offset)
	return "/logs/out.log", nil
}

func (f *fakeReceiver) offsets(partition int32) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.received[partition]...)
}

type fakeMetrics struct {
	mu     sync.Mutex
	failed map[string]int
}

func (f *fakeMetrics) IncEventsFailed(_ string, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		f.failed = make(map[string]int)
	}
	f.failed[reason]++
}

type commitLog struct {
	mu      sync.Mutex
	offsets []int64
}

func (c *commitLog) committed() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.offsets...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func consumedEvent(commits *commitLog, partition int32, offset int64, host string) *event.ConsumedEvent {
	data, _ := json.Marshal(map[string]string{"host": host, "message": "hello"})
	ts := time.Date(2025, 3, 7, 14, 5, 9, 0, time.UTC)
	return &event.ConsumedEvent{
		Event: &event.CloudEvent{
			ID:          "evt",
			Source:      "test",
			SpecVersion: "1.0",
			Type:        "log.line",
			Time:        &ts,
			Data:        data,
		},
		Metadata: event.KafkaMetadata{Topic: "logs", Partition: partition, Offset: offset, Timestamp: ts},
		Raw:      data,
		CommitFunc: func() error {
			commits.mu.Lock()
			defer commits.mu.Unlock()
			commits.offsets = append(commits.offsets, offset)
			return nil
		},
	}
}

func runToCompletion(t *testing.T, p *Pipeline, input []*event.ConsumedEvent) error {
	t.Helper()
	events := make(chan *event.ConsumedEvent, len(input))
	for _, e := range input {
		events <- e
	}
	close(events)
	errs := make(chan error)
	close(errs)
	return p.Run(context.Background(), events, errs)
}

func TestRun_PreservesPartitionOrder(t *testing.T) {
	receivers := []*fakeReceiver{newFakeReceiver("w0"), newFakeReceiver("w1")}
	commits := &commitLog{}

	var input []*event.ConsumedEvent
	for offset := int64(0); offset < 20; offset++ {
		input = append(input, consumedEvent(commits, int32(offset%3), offset, "web1"))
	}

	p := New([]Receiver{receivers[0], receivers[1]}, nil, &fakeDLQ{}, testLogger(), nil)
	require.NoError(t, runToCompletion(t, p, input))

	// partitions 0 and 2 land on worker 0, partition 1 on worker 1
	assert.Equal(t, []int64{0, 3, 6, 9, 12, 15, 18}, receivers[0].offsets(0))
	assert.Equal(t, []int64{2, 5, 8, 11, 14, 17}, receivers[0].offsets(2))
	assert.Equal(t, []int64{1, 4, 7, 10, 13, 16, 19}, receivers[1].offsets(1))
	assert.Empty(t, receivers[1].offsets(0))
	assert.Len(t, commits.committed(), 20)
}

func TestRun_DecodeFailureGoesToDLQ(t *testing.T) {
	commits := &commitLog{}
	bad := consumedEvent(commits, 0, 7, "web1")
	bad.Event = nil
	bad.DecodeErr = errors.New("not a cloudevent")

	dlq := &fakeDLQ{}
	metrics := &fakeMetrics{}
	receiver := newFakeReceiver("w0")
	p := New([]Receiver{receiver}, nil, dlq, testLogger(), metrics)
	require.NoError(t, runToCompletion(t, p, []*event.ConsumedEvent{bad}))

	assert.Equal(t, []dlqMessage{{offset: 7, reason: kafka.ReasonValidationFailed, detail: "not a cloudevent"}}, dlq.messages())
	assert.Equal(t, []int64{7}, commits.committed())
	assert.Empty(t, receiver.offsets(0))
	assert.Equal(t, 1, metrics.failed[kafka.ReasonValidationFailed])
}

func TestRun_ValidationFailureGoesToDLQ(t *testing.T) {
	commits := &commitLog{}
	dlq := &fakeDLQ{}
	receiver := newFakeReceiver("w0")

	p := New([]Receiver{receiver}, validator.NewCloudEventsValidator("region"), dlq, testLogger(), nil)
	require.NoError(t, runToCompletion(t, p, []*event.ConsumedEvent{consumedEvent(commits, 0, 1, "web1")}))

	msgs := dlq.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, kafka.ReasonValidationFailed, msgs[0].reason)
	assert.Contains(t, msgs[0].detail, "region")
	assert.Equal(t, []int64{1}, commits.committed())
	assert.Empty(t, receiver.offsets(0))
}

func TestRun_StorageFailureGoesToDLQ(t *testing.T) {
	commits := &commitLog{}
	dlq := &fakeDLQ{}
	metrics := &fakeMetrics{}
	receiver := newFakeReceiver("w0")
	receiver.err = &apperrors.StorageError{Operation: "append", Path: "/logs/web1/app.log", Err: errors.New("datanode down")}

	p := New([]Receiver{receiver}, nil, dlq, testLogger(), metrics)
	require.NoError(t, runToCompletion(t, p, []*event.ConsumedEvent{consumedEvent(commits, 0, 4, "web1")}))

	msgs := dlq.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, kafka.ReasonStorageFailed, msgs[0].reason)
	assert.Contains(t, msgs[0].detail, "datanode down")
	assert.Equal(t, []int64{4}, commits.committed())
	assert.Equal(t, 1, metrics.failed[kafka.ReasonStorageFailed])
}

func TestRun_EncodeFailureIsValidationFailure(t *testing.T) {
	commits := &commitLog{}
	dlq := &fakeDLQ{}
	metrics := &fakeMetrics{}
	receiver := newFakeReceiver("w0")
	receiver.err = &apperrors.EncodeError{EventID: "e-5", Encoder: "avro_json", Err: errors.New("field message: missing")}

	p := New([]Receiver{receiver}, nil, dlq, testLogger(), metrics)
	require.NoError(t, runToCompletion(t, p, []*event.ConsumedEvent{consumedEvent(commits, 0, 5, "web1")}))

	msgs := dlq.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, kafka.ReasonValidationFailed, msgs[0].reason)
	assert.Contains(t, msgs[0].detail, "avro_json")
	assert.Equal(t, []int64{5}, commits.committed())
	assert.Equal(t, 1, metrics.failed[kafka.ReasonValidationFailed])
}

func TestRun_DLQFailureStallsPartition(t *testing.T) {
	commits := &commitLog{}
	receiver := newFakeReceiver("w0")
	receiver.failAt = map[int64]error{
		9: &apperrors.StorageError{Operation: "create", Path: "/x", Err: errors.New("boom")},
	}

	p := New([]Receiver{receiver}, nil, &fakeDLQ{err: errors.New("broker unavailable")}, testLogger(), nil)
	err := runToCompletion(t, p, []*event.ConsumedEvent{
		consumedEvent(commits, 0, 9, "web1"),
		consumedEvent(commits, 0, 10, "web1"),
	})

	require.ErrorIs(t, err, ErrPartitionStalled)
	assert.Contains(t, err.Error(), "logs/0@9")
	// committing 10 would also cover 9, which was never written
	assert.Empty(t, commits.committed())
	assert.Empty(t, receiver.offsets(0))
}

func TestRun_StallLeavesOtherPartitionsCommitting(t *testing.T) {
	commits := &commitLog{}
	receiver := newFakeReceiver("w0")
	receiver.failAt = map[int64]error{
		9: &apperrors.StorageError{Operation: "append", Path: "/x", Err: errors.New("boom")},
	}

	// one worker, so partition 1 is queued behind the stalled partition 0
	events := make(chan *event.ConsumedEvent, 3)
	events <- consumedEvent(commits, 1, 4, "web2")
	events <- consumedEvent(commits, 0, 9, "web1")
	events <- consumedEvent(commits, 0, 10, "web1")
	close(events)

	p := New([]Receiver{receiver}, nil, &fakeDLQ{err: errors.New("broker unavailable")}, testLogger(), nil)
	err := p.Run(context.Background(), events, nil)

	require.ErrorIs(t, err, ErrPartitionStalled)
	assert.NotContains(t, commits.committed(), int64(9))
	assert.NotContains(t, commits.committed(), int64(10))
	assert.Equal(t, []int64{4}, receiver.offsets(1))
}

func TestRun_ClosedSinkLeavesOffsetUncommitted(t *testing.T) {
	commits := &commitLog{}
	dlq := &fakeDLQ{}
	receiver := newFakeReceiver("w0")
	receiver.failAt = map[int64]error{2: apperrors.ErrSinkClosed}

	p := New([]Receiver{receiver}, nil, dlq, testLogger(), nil)
	require.NoError(t, runToCompletion(t, p, []*event.ConsumedEvent{
		consumedEvent(commits, 0, 2, "web1"),
		consumedEvent(commits, 0, 3, "web1"),
	}))

	assert.Empty(t, commits.committed())
	assert.Empty(t, dlq.messages())
}

func TestRun_ReturnsConsumerError(t *testing.T) {
	events := make(chan *event.ConsumedEvent)
	errs := make(chan error, 1)
	errs <- errors.New("group coordinator lost")

	p := New([]Receiver{newFakeReceiver("w0")}, nil, &fakeDLQ{}, testLogger(), nil)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), events, errs) }()

	// let the dispatcher pick up the error before the events channel closes
	time.Sleep(50 * time.Millisecond)
	close(events)

	select {
	case err := <-done:
		assert.EqualError(t, err, "group coordinator lost")
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan *event.ConsumedEvent)

	p := New([]Receiver{newFakeReceiver("w0")}, nil, &fakeDLQ{}, testLogger(), nil)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, events, nil) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

func TestRun_NoReceivers(t *testing.T) {
	p := New(nil, nil, &fakeDLQ{}, testLogger(), nil)
	assert.Error(t, p.Run(context.Background(), nil, nil))
}

func TestRun_WritesThroughSink(t *testing.T) {
	backend := storage.NewMemoryBackend()
	s, err := sink.New(sink.Config{Path: "/logs/%{host}/app.log", MessageFormat: "%{message}"}, backend, testLogger(), nil)
	require.NoError(t, err)

	commits := &commitLog{}
	input := []*event.ConsumedEvent{
		consumedEvent(commits, 0, 0, "web1"),
		consumedEvent(commits, 0, 1, "web2"),
		consumedEvent(commits, 0, 2, "../../etc"),
	}

	p := New([]Receiver{s}, validator.NewCloudEventsValidator(), &fakeDLQ{}, testLogger(), nil)
	require.NoError(t, runToCompletion(t, p, input))
	require.NoError(t, s.Close(context.Background()))

	for _, path := range []string{"/logs/web1/app.log", "/logs/web2/app.log", "/logs/_filepath_failures"} {
		content, ok := backend.Contents(path)
		require.True(t, ok, path)
		assert.Equal(t, "hello\n", string(content), path)
	}
	assert.Equal(t, []int64{0, 1, 2}, commits.committed())
}

func TestWorkerIndex(t *testing.T) {
	assert.Equal(t, 0, workerIndex(0, 4))
	assert.Equal(t, 3, workerIndex(7, 4))
	assert.Equal(t, 1, workerIndex(-1, 2))
	assert.Equal(t, 0, workerIndex(5, 1))
}
