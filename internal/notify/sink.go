// Package notify delivers domain events to the event bus without ever
// blocking the caller.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/metrics"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
)

// Publisher is one event bus transport.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Discard drops every event. Used when no event bus is configured.
type Discard struct{}

func (Discard) Publish(context.Context, string, []byte, []byte) error { return nil }

type message struct {
	topic string
	env   orders.Envelope
}

type Sink struct {
	pub     Publisher
	log     *slog.Logger
	metrics *metrics.Metrics
	inbox   chan message

	Attempts     int
	Backoff      time.Duration
	DrainTimeout time.Duration
}

func NewSink(pub Publisher, log *slog.Logger, m *metrics.Metrics, buffer int) *Sink {
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sink{
		pub:          pub,
		log:          log,
		metrics:      m,
		inbox:        make(chan message, buffer),
		Attempts:     3,
		Backoff:      100 * time.Millisecond,
		DrainTimeout: 5 * time.Second,
	}
}

// Emit queues env for publishing and returns immediately. When the buffer is
// full the event is dropped and counted.
func (s *Sink) Emit(ctx context.Context, topic string, env orders.Envelope) {
	select {
	case s.inbox <- message{topic: topic, env: env}:
	default:
		s.metrics.Dropped()
		s.log.WarnContext(ctx, "notification buffer full, event dropped",
			"topic", topic, "event_type", env.EventType, "event_id", env.EventID)
	}
}

// Run publishes queued events until ctx is done, then flushes what is left
// within DrainTimeout.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case m := <-s.inbox:
			s.publish(ctx, m)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.DrainTimeout)
			defer cancel()
			for {
				select {
				case m := <-s.inbox:
					s.publish(drainCtx, m)
				default:
					return nil
				}
			}
		}
	}
}

func (s *Sink) publish(ctx context.Context, m message) {
	value, err := json.Marshal(m.env)
	if err != nil {
		s.log.Error("marshal event", "event_type", m.env.EventType, "err", err)
		return
	}
	key := []byte(m.env.CorrelationID)

	attempts := s.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		err = s.pub.Publish(ctx, m.topic, key, value)
		s.metrics.Published(m.topic, err)
		if err == nil {
			return
		}
		if i == attempts-1 || ctx.Err() != nil {
			break
		}
		select {
		case <-time.After(s.Backoff << i):
		case <-ctx.Done():
		}
	}
	s.metrics.Dropped()
	s.log.Error("publish event failed",
		"topic", m.topic, "event_type", m.env.EventType, "event_id", m.env.EventID, "err", err)
}
