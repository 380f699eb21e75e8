package kafka

import (
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/jittakal/kafeventsink/pkg/event"
)

// groupHandler implements sarama.ConsumerGroupHandler. It forwards every
// claimed message as a ConsumedEvent whose CommitFunc marks the offset on the
// session that delivered it.
type groupHandler struct {
	consumer *SaramaConsumer
	events   chan<- *event.ConsumedEvent

	ready     chan struct{}
	readyOnce sync.Once

	sessionStart time.Time
}

func newGroupHandler(c *SaramaConsumer, events chan<- *event.ConsumedEvent) *groupHandler {
	return &groupHandler{
		consumer: c,
		events:   events,
		ready:    make(chan struct{}),
	}
}

// Setup runs at the start of each session, after a rebalance.
func (h *groupHandler) Setup(session sarama.ConsumerGroupSession) error {
	h.sessionStart = time.Now()
	claims := session.Claims()

	h.consumer.logger.Info("consumer group session setup",
		"member_id", session.MemberID(),
		"generation_id", session.GenerationID(),
		"claims", claims,
	)

	if m := h.consumer.metrics; m != nil {
		m.IncRebalances(h.consumer.config.GroupID)
		for topic, partitions := range claims {
			m.SetPartitionsAssigned(topic, float64(len(partitions)))
		}
	}

	h.readyOnce.Do(func() { close(h.ready) })
	return nil
}

// Cleanup runs at the end of a session, once every ConsumeClaim has returned.
func (h *groupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	if m := h.consumer.metrics; m != nil && !h.sessionStart.IsZero() {
		m.ObserveRebalanceDuration(h.consumer.config.GroupID, time.Since(h.sessionStart).Seconds())
	}
	h.consumer.logger.Info("consumer group session cleanup", "member_id", session.MemberID())
	return nil
}

// ConsumeClaim forwards one partition's messages in offset order.
func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	logger := h.consumer.logger.With("topic", claim.Topic(), "partition", claim.Partition())
	logger.Info("started consuming partition", "initial_offset", claim.InitialOffset())

	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			select {
			case h.events <- h.consumedEvent(session, message):
				if h.consumer.metrics != nil {
					h.consumer.metrics.IncMessagesConsumed(message.Topic, message.Partition)
				}
			case <-session.Context().Done():
				return nil
			}
		case <-session.Context().Done():
			logger.Info("session ended, stopping partition consumption")
			return nil
		}
	}
}

func (h *groupHandler) consumedEvent(session sarama.ConsumerGroupSession, message *sarama.ConsumerMessage) *event.ConsumedEvent {
	logger := h.consumer.logger
	consumed := &event.ConsumedEvent{
		Metadata: event.KafkaMetadata{
			Topic:     message.Topic,
			Partition: message.Partition,
			Offset:    message.Offset,
			Key:       message.Key,
			Timestamp: message.Timestamp,
			Headers:   extractHeaders(message.Headers),
		},
		Raw:        message.Value,
		CommitFunc: h.commitFunc(session, message),
	}

	ce, err := DecodeMessage(message)
	if err != nil {
		logger.Warn("failed to decode cloud event",
			"topic", message.Topic,
			"partition", message.Partition,
			"offset", message.Offset,
			"error", err,
		)
		consumed.DecodeErr = err
		return consumed
	}

	logger.Debug("decoded cloud event",
		"event_id", ce.ID,
		"type", ce.Type,
		"offset", message.Offset,
		"data_size", len(ce.Data),
	)
	consumed.Event = ce
	return consumed
}

func (h *groupHandler) commitFunc(session sarama.ConsumerGroupSession, message *sarama.ConsumerMessage) func() error {
	return func() error {
		start := time.Now()
		session.MarkMessage(message, "")
		if m := h.consumer.metrics; m != nil {
			m.ObserveCommitLatency(message.Topic, message.Partition, time.Since(start).Seconds())
			m.IncOffsetCommits(message.Topic, message.Partition, "success")
		}
		return nil
	}
}
