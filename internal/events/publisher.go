package events

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher delivers outbox events to the message bus.
type Publisher interface {
	Publish(ctx context.Context, ev OutboxEvent) error
	Close() error
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by aggregate id.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaWriter returns a writer for topic on brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// NewKafkaPublisher wraps a kafka writer.
func NewKafkaPublisher(w *kafka.Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, ev OutboxEvent) error {
	if err := p.writer.WriteMessages(ctx, toMessage(ev)); err != nil {
		return fmt.Errorf("write %s %s: %w", ev.EventType, ev.ID, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func toMessage(ev OutboxEvent) kafka.Message {
	return kafka.Message{
		// per order ordering
		Key:   []byte(ev.AggregateID),
		Value: ev.Payload,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.ID)},
			{Key: "event_type", Value: []byte(ev.EventType)},
		},
		Time: ev.CreatedAt,
	}
}

// LogPublisher logs events instead of sending them. Used when no brokers are configured.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, ev OutboxEvent) error {
	p.logger.Info("event_published",
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.EventType),
		zap.String("aggregate_id", ev.AggregateID),
		zap.ByteString("payload", ev.Payload),
	)
	return nil
}

// Close implements Publisher.
func (p *LogPublisher) Close() error { return nil }
