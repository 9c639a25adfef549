// Package notifier consumes fulfillment events from the bus and turns
// low-stock and finalized-order events into alerts.
package notifier

import (
	"context"
	"fmt"
	"log/slog"

	kafkax "github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment/internal/metrics"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
)

// Topics the notifier subscribes to.
var Topics = []string{orders.TopicLowStock, orders.TopicOrderFinalized}

type Deduper interface {
	First(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

type Service struct {
	Dedup   Deduper
	Metrics *metrics.Metrics
	Log     *slog.Logger
}

func (s *Service) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// HandleEvent dipasang sebagai handler consumer (Kafka maupun RabbitMQ).
// Malformed envelopes are logged and acked; a handler failure releases the
// dedup marker and returns the error so the bus redelivers.
func (s *Service) HandleEvent(ctx context.Context, topic string, key, value []byte) error {
	env, err := kafkax.DecodeEnvelope(value)
	if err != nil {
		s.log().WarnContext(ctx, "dropping malformed event", "topic", topic, "key", string(key), "err", err)
		return nil
	}
	log := s.log().With("event_id", env.EventID, "event_type", env.EventType, "topic", topic)

	// dedup via Redis (pakai event_id)
	if s.Dedup != nil {
		first, err := s.Dedup.First(ctx, env.EventID)
		if err != nil {
			return fmt.Errorf("dedup %s: %w", env.EventID, err)
		}
		if !first {
			log.DebugContext(ctx, "duplicate event skipped")
			s.Metrics.Consumed(env.EventType, true)
			return nil
		}
	}

	if err := s.dispatch(ctx, log, env); err != nil {
		if s.Dedup != nil {
			if ferr := s.Dedup.Forget(context.WithoutCancel(ctx), env.EventID); ferr != nil {
				log.ErrorContext(ctx, "release dedup marker", "err", ferr)
			}
		}
		return err
	}
	s.Metrics.Consumed(env.EventType, false)
	return nil
}

func (s *Service) dispatch(ctx context.Context, log *slog.Logger, env orders.Envelope) error {
	switch env.EventType {
	case orders.EventLowStock:
		p, err := kafkax.UnwrapPayload[orders.LowStockPayload](env.Payload)
		if err != nil {
			return fmt.Errorf("decode low stock payload: %w", err)
		}
		log.WarnContext(ctx, "LOW STOCK ALERT",
			"product_id", p.ProductID,
			"product_name", p.ProductName,
			"current_stock", p.CurrentStock,
			"threshold", p.Threshold,
			"order_id", p.OrderID,
		)
	case orders.EventOrderFinalized:
		p, err := kafkax.UnwrapPayload[orders.OrderFinalizedPayload](env.Payload)
		if err != nil {
			return fmt.Errorf("decode finalized payload: %w", err)
		}
		level := slog.LevelInfo
		if p.FinalStatus == orders.StatusFailed {
			level = slog.LevelWarn
		}
		log.Log(ctx, level, "order finalized",
			"order_id", p.OrderID,
			"execution_ref", p.ExecutionRef,
			"final_status", p.FinalStatus,
			"reasons", p.Reasons,
		)
	default:
		log.DebugContext(ctx, "ignoring event")
	}
	return nil
}
