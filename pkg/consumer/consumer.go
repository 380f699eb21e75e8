// Package consumer declares the two Kafka-facing contracts of the sink: a
// source of consumed events and a dead letter queue for the ones that could
// not be written.
package consumer

import (
	"context"

	"github.com/jittakal/kafeventsink/pkg/event"
)

// Consumer delivers events from a set of topics. Offsets are never committed
// implicitly; each event carries a CommitFunc.
type Consumer interface {
	Subscribe(ctx context.Context, topics []string) error

	// Consume blocks until the consumer is receiving, then returns channels
	// that are closed when it stops.
	Consume(ctx context.Context) (<-chan *event.ConsumedEvent, <-chan error, error)

	Close() error
}

// DLQPublisher dead-letters an event. A nil error means the event is safely
// stored elsewhere and its offset may be committed.
type DLQPublisher interface {
	Publish(ctx context.Context, consumed *event.ConsumedEvent, reason, detail string) error
	Close() error
}
