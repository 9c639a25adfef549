package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the part of *amqp.Channel the publisher needs.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type Publisher struct {
	mu sync.Mutex
	ch Channel
}

func NewPublisher(ch Channel) *Publisher { return &Publisher{ch: ch} }

// Publish uses the topic as routing key, so consumers bind with patterns
// such as "order.*" or "inventory.low_stock".
func (p *Publisher) Publish(ctx context.Context, topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.PublishWithContext(ctx, ExchangeName, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{"key": string(key)},
		Body:         value,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: publish %s: %w", topic, err)
	}
	return nil
}
