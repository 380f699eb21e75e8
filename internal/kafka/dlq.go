package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/jittakal/kafeventsink/internal/errors"
	"github.com/jittakal/kafeventsink/pkg/consumer"
	"github.com/jittakal/kafeventsink/pkg/event"
)

var _ consumer.DLQPublisher = (*DLQPublisher)(nil)

// Failure reasons carried in DLQ messages.
const (
	ReasonValidationFailed = "validation_failed"
	ReasonStorageFailed    = "storage_failed"
)

// DLQEvent is the JSON value of a dead-lettered message.
type DLQEvent struct {
	OriginalEvent     json.RawMessage `json:"original_event"`
	OriginalTopic     string          `json:"original_topic"`
	OriginalPartition int32           `json:"original_partition"`
	OriginalOffset    int64           `json:"original_offset"`
	FailureReason     string          `json:"failure_reason"`
	FailureDetail     string          `json:"failure_detail,omitempty"`
	FailureTimestamp  time.Time       `json:"failure_timestamp"`
	ProcessorID       string          `json:"processor_id"`
}

// DLQConfig selects whether failed events are published and where:
// the DLQ topic is the source topic plus TopicSuffix.
type DLQConfig struct {
	Enabled     bool
	TopicSuffix string
}

type DLQMetricsCollector interface {
	IncDLQPublished(reason string, status string)
}

// DLQPublisher sends events the sink could not write to a per-topic dead
// letter topic, synchronously, so the caller only commits the source offset
// once the broker has acknowledged the copy.
type DLQPublisher struct {
	producer    sarama.SyncProducer
	config      DLQConfig
	logger      *slog.Logger
	metrics     DLQMetricsCollector
	processorID string
	now         func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewDLQPublisher connects an idempotent producer using the consumer's
// security settings. With the DLQ disabled no connection is made and Publish
// drops events.
func NewDLQPublisher(
	bootstrapServers []string,
	securityConfig ConsumerConfig,
	dlqConfig DLQConfig,
	logger *slog.Logger,
	metrics DLQMetricsCollector,
	processorID string,
) (*DLQPublisher, error) {
	if !dlqConfig.Enabled {
		logger.Info("DLQ is disabled, failed events will be dropped")
		return newDLQPublisher(nil, dlqConfig, logger, metrics, processorID), nil
	}

	saramaConfig, err := newProducerSaramaConfig(securityConfig)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(bootstrapServers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create DLQ producer: %w", err)
	}

	logger.Info("DLQ publisher created",
		"bootstrap_servers", bootstrapServers,
		"topic_suffix", dlqConfig.TopicSuffix,
		"processor_id", processorID,
	)
	return newDLQPublisher(producer, dlqConfig, logger, metrics, processorID), nil
}

func newProducerSaramaConfig(securityConfig ConsumerConfig) (*sarama.Config, error) {
	c := sarama.NewConfig()
	c.Version = sarama.V2_8_0_0
	c.ClientID = "kafeventsink-dlq"

	// idempotence requires acks=all and a single in-flight request
	c.Producer.Idempotent = true
	c.Producer.RequiredAcks = sarama.WaitForAll
	c.Net.MaxOpenRequests = 1
	c.Producer.Retry.Max = 5
	c.Producer.Return.Successes = true
	c.Producer.Compression = sarama.CompressionSnappy

	if err := configureSecurity(c, securityConfig); err != nil {
		return nil, fmt.Errorf("failed to configure security: %w", err)
	}
	return c, nil
}

func newDLQPublisher(
	producer sarama.SyncProducer,
	config DLQConfig,
	logger *slog.Logger,
	metrics DLQMetricsCollector,
	processorID string,
) *DLQPublisher {
	return &DLQPublisher{
		producer:    producer,
		config:      config,
		logger:      logger,
		metrics:     metrics,
		processorID: processorID,
		now:         time.Now,
	}
}

// Publish sends the original message value of consumed to <topic><suffix>
// together with the failure reason and detail, usually the error text.
func (p *DLQPublisher) Publish(ctx context.Context, consumed *event.ConsumedEvent, reason, detail string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return errors.ErrPublisherClosed
	}
	if !p.config.Enabled {
		p.logger.Debug("DLQ disabled, dropping failed event",
			"position", consumed.Metadata.Position(),
			"reason", reason,
		)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := p.message(consumed, reason, detail)
	if err != nil {
		return err
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.Error("failed to publish to DLQ",
			"dlq_topic", msg.Topic,
			"position", consumed.Metadata.Position(),
			"error", err,
		)
		p.record(reason, "failure")
		return fmt.Errorf("failed to send message to DLQ: %w", err)
	}

	p.logger.Info("published event to DLQ",
		"dlq_topic", msg.Topic,
		"dlq_partition", partition,
		"dlq_offset", offset,
		"position", consumed.Metadata.Position(),
		"reason", reason,
	)
	p.record(reason, "success")
	return nil
}

// message builds the DLQ record. It is keyed by the source key, falling back
// to the event id so retries of one event land on one DLQ partition.
func (p *DLQPublisher) message(consumed *event.ConsumedEvent, reason, detail string) (*sarama.ProducerMessage, error) {
	meta := consumed.Metadata
	now := p.now()

	value, err := json.Marshal(DLQEvent{
		OriginalEvent:     originalEvent(consumed.Raw),
		OriginalTopic:     meta.Topic,
		OriginalPartition: meta.Partition,
		OriginalOffset:    meta.Offset,
		FailureReason:     reason,
		FailureDetail:     detail,
		FailureTimestamp:  now.UTC(),
		ProcessorID:       p.processorID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal DLQ event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     meta.Topic + p.config.TopicSuffix,
		Value:     sarama.ByteEncoder(value),
		Timestamp: now,
		Headers: []sarama.RecordHeader{
			{Key: []byte("failure_reason"), Value: []byte(reason)},
			{Key: []byte("original_topic"), Value: []byte(meta.Topic)},
			{Key: []byte("processor_id"), Value: []byte(p.processorID)},
		},
	}
	switch {
	case len(meta.Key) > 0:
		msg.Key = sarama.ByteEncoder(meta.Key)
	case consumed.Event != nil && consumed.Event.ID != "":
		msg.Key = sarama.StringEncoder(consumed.Event.ID)
	}
	return msg, nil
}

func (p *DLQPublisher) record(reason, status string) {
	if p.metrics != nil {
		p.metrics.IncDLQPublished(reason, status)
	}
}

// Close flushes and closes the producer. It is safe to call twice.
func (p *DLQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.producer == nil {
		return nil
	}
	if err := p.producer.Close(); err != nil {
		p.logger.Error("error closing DLQ producer", "error", err)
		return err
	}
	p.logger.Info("DLQ publisher closed")
	return nil
}

// originalEvent embeds raw as-is when it is JSON and as a JSON string otherwise.
func originalEvent(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}
