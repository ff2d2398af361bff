package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher emits events to a durable topic exchange, routed by event name
type Publisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string

	// amqp channels are not safe for concurrent publishing
	mu  sync.Mutex
	now func() time.Time
}

// NewPublisher dials url and declares exchange
func NewPublisher(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &Publisher{conn: conn, channel: ch, exchange: exchange, now: time.Now}, nil
}

// PostEvent publishes the event envelope with the event name as routing key
func (p *Publisher) PostEvent(ctx context.Context, event string, data interface{}) error {
	msg, err := newPublishing(event, data, p.now())
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.PublishWithContext(ctx, p.exchange, event, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event, err)
	}
	return nil
}

// Close closes the channel and connection
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func newPublishing(event string, data interface{}, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(newEnvelope(event, data, now))
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal %s event: %w", event, err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    now,
		Type:         event,
		Body:         body,
	}, nil
}
