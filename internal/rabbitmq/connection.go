// Package rabbitmq is the topic-exchange event bus transport.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	ExchangeName = "fulfillment.events"
	ExchangeType = "topic"
)

// Dial connects with a few retries for container startup, opens a channel
// and declares the topic exchange.
func Dial(ctx context.Context, url string, log *slog.Logger) (*amqp.Connection, *amqp.Channel, error) {
	if log == nil {
		log = slog.Default()
	}
	var conn *amqp.Connection
	var err error
	for i := 0; i < 5; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		log.Warn("connect to rabbitmq failed", "attempt", i+1, "err", err)
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq: connect: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(ExchangeName, ExchangeType, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("rabbitmq: declare exchange: %w", err)
	}
	return conn, ch, nil
}
