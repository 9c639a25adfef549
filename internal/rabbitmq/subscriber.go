package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler mirrors kafka.Handler: nil means the delivery may be acked.
type Handler func(ctx context.Context, topic string, key, value []byte) error

type Subscriber struct {
	ch  *amqp.Channel
	log *slog.Logger
}

func NewSubscriber(ch *amqp.Channel, log *slog.Logger) *Subscriber {
	if log == nil {
		log = slog.Default()
	}
	return &Subscriber{ch: ch, log: log}
}

// Consume binds a durable queue to every routing key and handles deliveries
// until ctx is done. Failed deliveries are requeued once, then dropped.
func (s *Subscriber) Consume(ctx context.Context, queue string, routingKeys []string, h Handler) error {
	q, err := s.ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: declare queue: %w", err)
	}
	for _, rk := range routingKeys {
		if err := s.ch.QueueBind(q.Name, rk, ExchangeName, false, nil); err != nil {
			return fmt.Errorf("rabbitmq: bind %s: %w", rk, err)
		}
	}
	if err := s.ch.Qos(32, 0, false); err != nil {
		return fmt.Errorf("rabbitmq: qos: %w", err)
	}
	msgs, err := s.ch.ConsumeWithContext(ctx, q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("rabbitmq: delivery channel closed")
			}
			s.handle(ctx, d, h)
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, d amqp.Delivery, h Handler) {
	key, _ := d.Headers["key"].(string)
	if err := h(ctx, d.RoutingKey, []byte(key), d.Body); err != nil {
		s.log.Error("handle delivery", "routing_key", d.RoutingKey, "redelivered", d.Redelivered, "err", err)
		_ = d.Nack(false, !d.Redelivered)
		return
	}
	if err := d.Ack(false); err != nil {
		s.log.Error("ack delivery", "routing_key", d.RoutingKey, "err", err)
	}
}
