// Package kafka implements Kafka consumer and producer functionality.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/jittakal/kafeventsink/internal/errors"
	"github.com/jittakal/kafeventsink/pkg/consumer"
	"github.com/jittakal/kafeventsink/pkg/event"
)

// Ensure implementation satisfies interfaces at compile time.
var _ consumer.Consumer = (*SaramaConsumer)(nil)

const (
	eventBufferSize = 100
	errorBufferSize = 10

	// defaultMaxProcessingTime keeps a slow HDFS append from triggering a rebalance.
	defaultMaxProcessingTime = 5 * time.Minute
)

// ConsumerConfig contains Kafka consumer configuration. The security fields
// are shared with the DLQ producer.
type ConsumerConfig struct {
	BootstrapServers    []string
	GroupID             string
	SecurityProtocol    string
	SASLMechanism       string
	SASLUsername        string
	SASLPassword        string
	AWSRegion           string
	TLSSkipVerify       bool
	AutoOffsetReset     string
	EnableAutoCommit    bool
	MaxPollIntervalMS   int
	SessionTimeoutMS    int
	HeartbeatIntervalMS int
}

// MetricsCollector defines metrics operations for Kafka consumer.
type MetricsCollector interface {
	IncMessagesConsumed(topic string, partition int32)
	IncRebalances(groupID string)
	IncOffsetCommits(topic string, partition int32, status string)
	ObserveRebalanceDuration(groupID string, duration float64)
	ObserveCommitLatency(topic string, partition int32, duration float64)
	SetPartitionsAssigned(topic string, count float64)
}

// SaramaConsumer implements consumer.Consumer on a sarama consumer group.
//
// Every message is delivered, decoded or not. Offsets are marked only when
// the receiver calls CommitFunc, after the event has been written or
// dead-lettered.
type SaramaConsumer struct {
	group   sarama.ConsumerGroup
	config  ConsumerConfig
	logger  *slog.Logger
	metrics MetricsCollector

	mu     sync.RWMutex
	topics []string
	closed bool
}

// NewSaramaConsumer creates a consumer group client; it does not join the
// group until Consume is called.
func NewSaramaConsumer(
	config ConsumerConfig,
	logger *slog.Logger,
	metrics MetricsCollector,
) (*SaramaConsumer, error) {
	saramaConfig, err := newConsumerSaramaConfig(config)
	if err != nil {
		return nil, err
	}

	group, err := sarama.NewConsumerGroup(config.BootstrapServers, config.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	logger.Info("kafka consumer created",
		"group_id", config.GroupID,
		"bootstrap_servers", strings.Join(config.BootstrapServers, ","),
		"security_protocol", config.SecurityProtocol,
		"max_processing_time", saramaConfig.Consumer.MaxProcessingTime,
	)

	return &SaramaConsumer{
		group:   group,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}, nil
}

func newConsumerSaramaConfig(config ConsumerConfig) (*sarama.Config, error) {
	c := sarama.NewConfig()
	c.Version = sarama.V2_8_0_0
	c.ClientID = "kafeventsink"

	c.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	c.Consumer.Offsets.Initial = offsetInitial(config.AutoOffsetReset)
	c.Consumer.Offsets.AutoCommit.Enable = config.EnableAutoCommit
	c.Consumer.Return.Errors = true

	if config.SessionTimeoutMS > 0 {
		c.Consumer.Group.Session.Timeout = time.Duration(config.SessionTimeoutMS) * time.Millisecond
	}
	if config.HeartbeatIntervalMS > 0 {
		c.Consumer.Group.Heartbeat.Interval = time.Duration(config.HeartbeatIntervalMS) * time.Millisecond
	}
	c.Consumer.MaxProcessingTime = defaultMaxProcessingTime
	if config.MaxPollIntervalMS > 0 {
		c.Consumer.MaxProcessingTime = time.Duration(config.MaxPollIntervalMS) * time.Millisecond
	}

	if err := configureSecurity(c, config); err != nil {
		return nil, fmt.Errorf("failed to configure security: %w", err)
	}
	return c, nil
}

// Subscribe records the topics joined by the next Consume call.
func (c *SaramaConsumer) Subscribe(_ context.Context, topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.ErrConsumerClosed
	}

	c.topics = append([]string(nil), topics...)
	c.logger.Info("subscribed to topics", "topics", topics)
	return nil
}

// Consume joins the group and blocks until the first session is set up, the
// group fails, or ctx is done. Both returned channels are closed once the
// group stops.
func (c *SaramaConsumer) Consume(ctx context.Context) (<-chan *event.ConsumedEvent, <-chan error, error) {
	c.mu.RLock()
	closed, topics := c.closed, c.topics
	c.mu.RUnlock()

	if closed {
		return nil, nil, errors.ErrConsumerClosed
	}

	events := make(chan *event.ConsumedEvent, eventBufferSize)
	errs := make(chan error, errorBufferSize)
	handler := newGroupHandler(c, events)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		defer close(events)
		defer close(errs)

		// Consume returns on every rebalance; loop until ctx ends.
		for {
			if err := c.group.Consume(ctx, topics, handler); err != nil {
				c.logger.Error("consumer group error", "error", err)
				errs <- err
				return
			}
			if ctx.Err() != nil {
				c.logger.Info("consumer context cancelled")
				return
			}
		}
	}()

	select {
	case <-handler.ready:
		c.logger.Info("kafka consumer started and ready")
		return events, errs, nil
	case <-stopped:
		return nil, nil, fmt.Errorf("consumer stopped before joining group: %w", firstError(errs))
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// Close leaves the group and releases resources. It is safe to call twice.
func (c *SaramaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.group.Close(); err != nil {
		c.logger.Error("error closing consumer group", "error", err)
		return err
	}

	c.logger.Info("kafka consumer closed")
	return nil
}

// offsetInitial converts the AutoOffsetReset config to Sarama's offset constant.
func offsetInitial(autoOffsetReset string) int64 {
	if strings.EqualFold(autoOffsetReset, "earliest") {
		return sarama.OffsetOldest
	}
	return sarama.OffsetNewest
}

func firstError(errs <-chan error) error {
	if err, ok := <-errs; ok && err != nil {
		return err
	}
	return errors.ErrConsumerClosed
}
