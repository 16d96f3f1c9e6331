package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// HeaderEventType carries the queue event type on forwarded messages so
// consumers can filter without decoding the value.
const HeaderEventType = "event-type"

// EventSink publishes queue events to a single Kafka topic, keyed by job ID so
// every event for one job lands on the same partition in order.
type EventSink struct {
	writer *kafka.Writer
	topic  string
}

// NewEventSink creates a sink writing to topic on the given brokers.
func NewEventSink(brokers []string, topic string) *EventSink {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		BatchTimeout:           50 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return &EventSink{writer: w, topic: topic}
}

// Publish writes one event. eventType is copied into the message headers.
func (s *EventSink) Publish(ctx context.Context, key, eventType string, value []byte) error {
	err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   value,
		Headers: injectHeaders(ctx, map[string]string{HeaderEventType: eventType}),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", s.topic, err)
	}
	return nil
}

func (s *EventSink) Name() string { return "kafka:" + s.topic }

func (s *EventSink) Close() error {
	return s.writer.Close()
}

// Submit publishes a single submission message to topic with a short-lived writer.
func Submit(ctx context.Context, brokers []string, topic, key string, value []byte) error {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	defer w.Close()
	if err := w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value, Headers: injectHeaders(ctx, nil)}); err != nil {
		return fmt.Errorf("kafka submit to %s: %w", topic, err)
	}
	return nil
}
