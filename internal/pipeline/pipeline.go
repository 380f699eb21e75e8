// Package pipeline moves consumed events into sinks.
//
// Events are dispatched to a fixed set of workers by Kafka partition, so
// records of one partition are written in offset order. Each worker owns one
// sink. An offset is committed once its event is written, or once the event
// has been published to the dead letter queue.
//
// Commits only move a partition's offset forward, so an event that can be
// neither written nor dead-lettered stalls its partition: later events of that
// partition are skipped without being committed, and Run stops with
// ErrPartitionStalled so the consumer is restarted from the stalled offset.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/jittakal/kafeventsink/internal/errors"
	"github.com/jittakal/kafeventsink/internal/kafka"
	"github.com/jittakal/kafeventsink/pkg/consumer"
	"github.com/jittakal/kafeventsink/pkg/event"
)

// DefaultQueueSize is the per-worker channel capacity.
const DefaultQueueSize = 256

// ErrPartitionStalled is returned by Run when an event was left uncommitted
// because the dead letter queue could not take it.
var ErrPartitionStalled = errors.New("partition stalled on an uncommitted event")

// Receiver is the sink side of a worker.
type Receiver interface {
	ID() string
	Receive(ctx context.Context, record *event.Record) (string, error)
}

// RecordValidator rejects records before they are written.
type RecordValidator interface {
	ValidateRecord(r *event.Record) error
}

// MetricsCollector defines metrics operations for the pipeline.
type MetricsCollector interface {
	IncEventsFailed(topic string, reason string)
}

// Pipeline dispatches consumed events to per-partition workers.
type Pipeline struct {
	receivers []Receiver
	validator RecordValidator
	dlq       consumer.DLQPublisher
	logger    *slog.Logger
	metrics   MetricsCollector
	queueSize int
	now       func() time.Time
}

// New creates a pipeline with one worker per receiver. validator and metrics
// may be nil.
func New(
	receivers []Receiver,
	validator RecordValidator,
	dlq consumer.DLQPublisher,
	logger *slog.Logger,
	metrics MetricsCollector,
) *Pipeline {
	return &Pipeline{
		receivers: receivers,
		validator: validator,
		dlq:       dlq,
		logger:    logger,
		metrics:   metrics,
		queueSize: DefaultQueueSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run dispatches events until the events channel is closed or ctx is done,
// then waits for every worker to drain its queue. Queued events are still
// processed after ctx is cancelled.
//
// Consumer errors are logged. When the events channel closes on its own, the
// last consumer error is returned.
func (p *Pipeline) Run(ctx context.Context, events <-chan *event.ConsumedEvent, errs <-chan error) error {
	if len(p.receivers) == 0 {
		return errors.New("pipeline needs at least one receiver")
	}

	// Workers outlive ctx so queued events can still be written and committed.
	workCtx := context.WithoutCancel(ctx)
	dispatchCtx, stall := context.WithCancelCause(ctx)
	defer stall(nil)

	queues := make([]chan *event.ConsumedEvent, len(p.receivers))
	g := new(errgroup.Group)
	for i, receiver := range p.receivers {
		queue := make(chan *event.ConsumedEvent, p.queueSize)
		queues[i] = queue
		w := newWorker(p, receiver, stall)
		g.Go(func() error {
			w.run(workCtx, queue)
			return nil
		})
	}

	consumeErr := p.dispatch(dispatchCtx, events, errs, queues)

	for _, queue := range queues {
		close(queue)
	}
	_ = g.Wait()

	p.logger.Info("pipeline drained", "workers", len(queues))
	if cause := context.Cause(dispatchCtx); errors.Is(cause, ErrPartitionStalled) {
		return cause
	}
	return consumeErr
}

func (p *Pipeline) dispatch(
	ctx context.Context,
	events <-chan *event.ConsumedEvent,
	errs <-chan error,
	queues []chan *event.ConsumedEvent,
) error {
	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.logger.Error("consumer error", "error", err)
			lastErr = err
		case consumed, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return lastErr
			}
			queue := queues[workerIndex(consumed.Metadata.Partition, len(queues))]
			select {
			case queue <- consumed:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func workerIndex(partition int32, workers int) int {
	if partition < 0 {
		partition = -partition
	}
	return int(partition) % workers
}

type partitionKey struct {
	topic     string
	partition int32
}

type worker struct {
	pipeline *Pipeline
	receiver Receiver
	stall    context.CancelCauseFunc

	// first uncommitted offset per stalled partition; owned by run
	stalled map[partitionKey]int64
}

func newWorker(p *Pipeline, receiver Receiver, stall context.CancelCauseFunc) *worker {
	return &worker{
		pipeline: p,
		receiver: receiver,
		stall:    stall,
		stalled:  make(map[partitionKey]int64),
	}
}

func (w *worker) run(ctx context.Context, queue <-chan *event.ConsumedEvent) {
	for consumed := range queue {
		meta := consumed.Metadata
		if at, ok := w.stalled[partitionKey{meta.Topic, meta.Partition}]; ok {
			w.pipeline.logger.Debug("skipping event behind a stalled offset",
				"sink_id", w.receiver.ID(),
				"position", meta.Position(),
				"stalled_offset", at,
			)
			continue
		}
		w.handle(ctx, consumed)
	}
}

// hold leaves the event uncommitted and stops committing its partition.
// With fatal set, Run is stopped so the event is redelivered.
func (w *worker) hold(logger *slog.Logger, meta event.KafkaMetadata, fatal bool) {
	w.stalled[partitionKey{meta.Topic, meta.Partition}] = meta.Offset

	logger.Warn("partition stalled, later offsets will not be committed")
	if fatal {
		w.stall(fmt.Errorf("%w: %s", ErrPartitionStalled, meta.Position()))
	}
}

func (w *worker) handle(ctx context.Context, consumed *event.ConsumedEvent) {
	p := w.pipeline
	meta := consumed.Metadata
	logger := p.logger.With(
		"sink_id", w.receiver.ID(),
		"topic", meta.Topic,
		"position", meta.Position(),
	)

	if consumed.DecodeErr != nil {
		logger.Warn("message is not a valid CloudEvent", "error", consumed.DecodeErr)
		w.reject(ctx, logger, consumed, kafka.ReasonValidationFailed, consumed.DecodeErr)
		return
	}

	record := consumed.Record(p.now())
	if p.validator != nil {
		if err := p.validator.ValidateRecord(record); err != nil {
			logger.Warn("event failed validation", "event_id", record.EventID(), "error", err)
			w.reject(ctx, logger, consumed, kafka.ReasonValidationFailed, err)
			return
		}
	}

	destination, err := w.receiver.Receive(ctx, record)
	if err != nil {
		if errors.Is(err, apperrors.ErrSinkClosed) {
			// only during shutdown; redelivered after restart
			logger.Warn("sink closed before event was written", "event_id", record.EventID())
			w.hold(logger, meta, false)
			return
		}
		if errors.Is(err, apperrors.ErrInvalidEvent) {
			logger.Warn("event could not be encoded", "event_id", record.EventID(), "error", err)
			w.reject(ctx, logger, consumed, kafka.ReasonValidationFailed, err)
			return
		}
		logger.Error("failed to write event",
			"event_id", record.EventID(),
			"retryable", apperrors.IsRetryable(err),
			"error", err,
		)
		w.reject(ctx, logger, consumed, kafka.ReasonStorageFailed, err)
		return
	}

	logger.Debug("event written", "event_id", record.EventID(), "destination", destination)
	w.commit(logger, consumed)
}

// reject publishes the event to the dead letter queue and commits it. When
// the publish fails the partition is held at this offset.
func (w *worker) reject(
	ctx context.Context,
	logger *slog.Logger,
	consumed *event.ConsumedEvent,
	reason string,
	cause error,
) {
	p := w.pipeline
	if p.metrics != nil {
		p.metrics.IncEventsFailed(consumed.Metadata.Topic, reason)
	}

	if err := p.dlq.Publish(ctx, consumed, reason, cause.Error()); err != nil {
		logger.Error("failed to publish event to DLQ, offset not committed",
			"reason", reason,
			"error", err,
		)
		w.hold(logger, consumed.Metadata, true)
		return
	}
	w.commit(logger, consumed)
}

func (w *worker) commit(logger *slog.Logger, consumed *event.ConsumedEvent) {
	if consumed.CommitFunc == nil {
		return
	}
	if err := consumed.CommitFunc(); err != nil {
		logger.Error("failed to commit offset", "error", err)
	}
}
