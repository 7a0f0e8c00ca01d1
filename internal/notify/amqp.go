package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	statusChangeRoutingKey = "video.status.changed"
	defaultExchange        = "vodworks.events"
)

// AMQPConfig configures the RabbitMQ publisher.
type AMQPConfig struct {
	URL      string
	Exchange string
	Logger   *slog.Logger
}

// AMQPPublisher emits status change events onto a topic exchange. The channel
// is guarded by a mutex since amqp channels are not safe for concurrent
// publishes. A failed publish drops the connection and redials once before
// giving up, so a broker restart costs at most one event.
type AMQPPublisher struct {
	url      string
	exchange string
	logger   *slog.Logger

	mu      sync.Mutex
	closed  bool
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPPublisher dials the broker and declares the events exchange.
func NewAMQPPublisher(cfg AMQPConfig) (*AMQPPublisher, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, fmt.Errorf("amqp url is required")
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		exchange = defaultExchange
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &AMQPPublisher{url: url, exchange: exchange, logger: logger}
	if err := p.dialLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// dialLocked establishes a fresh connection and channel and declares the
// exchange. Callers must hold p.mu.
func (p *AMQPPublisher) dialLocked() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial amqp broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open amqp channel: %w", err)
	}
	if err := channel.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	p.conn = conn
	p.channel = channel
	return nil
}

// dropLocked discards the current connection after a publish failure so the
// next attempt redials. Callers must hold p.mu.
func (p *AMQPPublisher) dropLocked() {
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

func (p *AMQPPublisher) PublishStatusChange(ctx context.Context, change StatusChange) error {
	if change.OccurredAt.IsZero() {
		change.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode status change: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("amqp publisher closed")
	}

	for attempt := 0; attempt < 2; attempt++ {
		if p.channel == nil {
			if err = p.dialLocked(); err != nil {
				p.logger.Warn("amqp redial failed", "error", err)
				continue
			}
		}
		err = p.publishLocked(ctx, change.OccurredAt, body)
		if err == nil {
			return nil
		}
		p.logger.Warn("amqp publish failed, reconnecting", "error", err)
		p.dropLocked()
	}
	return fmt.Errorf("publish %s: %w", statusChangeRoutingKey, err)
}

func (p *AMQPPublisher) publishLocked(ctx context.Context, occurredAt time.Time, body []byte) error {
	return p.channel.PublishWithContext(ctx, p.exchange, statusChangeRoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    occurredAt,
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	var firstErr error
	if p.channel != nil {
		if err := p.channel.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.channel = nil
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.conn = nil
	}
	return firstErr
}
