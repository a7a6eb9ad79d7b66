package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"github.com/andrej220/remexec/pkg/lg"
)

const publishRetries = 3

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Publisher writes JSON payloads to one topic. Writes are retried with
// backoff; a missing topic is not retried.
type Publisher[T any] struct {
	writer     messageWriter
	topic      string
	newBackOff func() backoff.BackOff
}

func NewPublisher[T any](cfg Config) *Publisher[T] {
	return &Publisher[T]{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.LeastBytes{},
			Async:                  false,
			AllowAutoTopicCreation: true,
		},
		topic:      cfg.Topic,
		newBackOff: defaultBackOff,
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

// Publish writes payload keyed by key.
func (p *Publisher[T]) Publish(ctx context.Context, key []byte, payload T) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: key, Value: value, Time: time.Now()}

	operation := func() error {
		err := p.writer.WriteMessages(ctx, msg)
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			lg.FromContext(ctx).Error("Kafka topic does not exist",
				lg.String("topic", p.topic),
				lg.String("action", "Create the topic manually or enable auto-creation"))
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(p.newBackOff(), publishRetries), ctx)
	return backoff.Retry(operation, b)
}

func (p *Publisher[T]) Close() error {
	return p.writer.Close()
}
