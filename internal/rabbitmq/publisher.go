package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/devlikebear/aiapps-sub000/pkg/retry"
)

// Publisher sends queue events to a durable topic exchange. The routing key
// is the event type with ':' replaced by '.', e.g. "job.completed", so
// bindings such as "job.*" work as expected.
type Publisher struct {
	exchange string
	logger   *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Dial connects to url, retrying a few times, and declares exchange.
func Dial(ctx context.Context, url, exchange string, logger *slog.Logger) (*Publisher, error) {
	var conn *amqp.Connection
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		OnRetry: func(attempt int, err error) {
			logger.Warn("rabbitmq dial failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func(context.Context) error {
		var err error
		conn, err = amqp.DialConfig(url, amqp.Config{Heartbeat: 10 * time.Second, Locale: "en_US"})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	logger.Info("rabbitmq publisher ready", slog.String("exchange", exchange))
	return &Publisher{exchange: exchange, logger: logger, conn: conn, channel: ch}, nil
}

// RoutingKey maps an event type to its routing key.
func RoutingKey(eventType string) string {
	return strings.ReplaceAll(eventType, ":", ".")
}

// Publish sends one persistent message. key is stored as the message ID.
func (p *Publisher) Publish(ctx context.Context, key, eventType string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil || p.channel.IsClosed() {
		return fmt.Errorf("rabbitmq channel to %s is closed", p.exchange)
	}

	err := p.channel.PublishWithContext(ctx,
		p.exchange,
		RoutingKey(eventType),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    key,
			Type:         eventType,
			Body:         value,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("rabbitmq publish to %s: %w", p.exchange, err)
	}
	return nil
}

func (p *Publisher) Name() string { return "rabbitmq:" + p.exchange }

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warn("failed to close rabbitmq channel", slog.String("error", err.Error()))
		}
		p.channel = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
