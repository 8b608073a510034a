package service

import (
	"context"

	"github.com/segmentio/kafka-go"
)

// EventProducer is the slice of the kafka client the services use to
// emit events.
type EventProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// EventConsumer is the read side used by the profile refresh loop.
type EventConsumer interface {
	ConsumeMessage(ctx context.Context) (*kafka.Message, error)
}
