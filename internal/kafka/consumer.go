package kafka

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/devlikebear/aiapps-sub000/pkg/telemetry"
)

const maxFetchBackoff = 30 * time.Second

// Message wraps a Kafka message with the fields the intake needs.
type Message struct {
	Topic  string
	Key    []byte
	Value  []byte
	Offset int64
}

// HandlerFunc processes a single Kafka message.
// Return nil to commit the offset. Return an error to leave it uncommitted
// so the message is re-delivered after a restart.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads messages from one topic within a consumer group.
type Consumer interface {
	Consume(ctx context.Context, handler HandlerFunc) error
	Close() error
}

type consumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

// NewConsumer creates a consumer for topic in the given group.
func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger) Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // manual commit only
		StartOffset:    kafka.FirstOffset,
	})
	return &consumer{reader: r, logger: logger}
}

// Consume reads messages until ctx is cancelled. Offsets are committed only
// after the handler returns nil. Fetch errors are retried with backoff up to
// maxFetchBackoff; Consume itself only returns on shutdown.
func (c *consumer) Consume(ctx context.Context, handler HandlerFunc) error {
	backoff := time.Duration(0)
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			backoff = min(max(2*backoff, 250*time.Millisecond), maxFetchBackoff)
			c.logger.Warn("kafka fetch failed, backing off",
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		c.handle(ctx, m, handler)
	}
}

func (c *consumer) handle(ctx context.Context, m kafka.Message, handler HandlerFunc) {
	msgCtx, span := telemetry.Tracer().Start(extractContext(ctx, m.Headers), "kafka.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", m.Topic),
			attribute.Int64("messaging.kafka.offset", m.Offset),
		),
	)
	defer span.End()

	msg := Message{Topic: m.Topic, Key: m.Key, Value: m.Value, Offset: m.Offset}
	if err := handler(msgCtx, msg); err != nil {
		span.RecordError(err)
		c.logger.Error("message handler failed, skipping commit",
			slog.String("topic", m.Topic),
			slog.Int64("offset", m.Offset),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := c.reader.CommitMessages(ctx, m); err != nil {
		c.logger.Error("failed to commit kafka offset",
			slog.String("topic", m.Topic),
			slog.Int64("offset", m.Offset),
			slog.String("error", err.Error()),
		)
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
