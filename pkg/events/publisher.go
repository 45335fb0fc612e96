package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"docmind/pkg/domain"
)

// StatusEvent announces one document lifecycle transition.
type StatusEvent struct {
	DocumentID string                `json:"documentId"`
	OwnerID    string                `json:"ownerId"`
	Status     domain.DocumentStatus `json:"status"`
	Error      string                `json:"error,omitempty"`
	OccurredAt time.Time             `json:"occurredAt"`
}

// Publisher emits document status transitions for downstream consumers.
type Publisher interface {
	PublishStatus(ctx context.Context, event StatusEvent) error
	Close() error
}

// AMQPPublisher publishes status events to a fanout exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewAMQPPublisher connects and declares the exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = "docmind.documents"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPPublisher{conn: conn, channel: ch, exchange: exchange}, nil
}

// PublishStatus emits one transition. Publishing is best-effort from the
// pipeline's point of view; callers log and continue on error.
func (p *AMQPPublisher) PublishStatus(ctx context.Context, event StatusEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   event.OccurredAt,
		Body:        body,
	})
}

// Close shuts the channel and connection.
func (p *AMQPPublisher) Close() error {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// NopPublisher drops all events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishStatus(context.Context, StatusEvent) error { return nil }
func (NopPublisher) Close() error                                    { return nil }
