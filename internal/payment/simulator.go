// Package payment simulates a card gateway. It never talks to the network;
// outcomes are drawn at random with a fixed success probability.
package payment

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

const (
	DefaultSuccessRate = 0.9
	DefaultLatency     = time.Second
)

var ErrMissingOrderID = errors.New("order id is required")

type Result struct {
	Status         Status    `json:"paymentStatus"`
	TransactionRef string    `json:"transaction_id,omitempty"`
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
}

func (r Result) Succeeded() bool { return r.Status == StatusSuccess }

type Simulator struct {
	SuccessRate float64
	Latency     time.Duration
	Now         func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSimulator(successRate float64, latency time.Duration) *Simulator {
	return &Simulator{
		SuccessRate: successRate,
		Latency:     latency,
		rnd:         rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64())),
	}
}

// WithSource swaps the random source; tests use a fixed seed.
func (s *Simulator) WithSource(src rand.Source) *Simulator {
	s.mu.Lock()
	s.rnd = rand.New(src)
	s.mu.Unlock()
	return s
}

// Charge waits the configured latency, then succeeds with probability
// SuccessRate. A cancelled context aborts the charge with ctx.Err().
func (s *Simulator) Charge(ctx context.Context, orderID string, amount decimal.Decimal) (Result, error) {
	if orderID == "" {
		return Result{}, ErrMissingOrderID
	}
	if s.Latency > 0 {
		t := time.NewTimer(s.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-t.C:
		}
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	ts := now().UTC()

	if s.draw() >= s.SuccessRate {
		return Result{Status: StatusFailed, Message: "Payment processing failed", Timestamp: ts}, nil
	}
	return Result{
		Status:         StatusSuccess,
		TransactionRef: transactionRef(orderID, ts),
		Message:        fmt.Sprintf("Payment of %s processed successfully", amount.StringFixed(2)),
		Timestamp:      ts,
	}, nil
}

func (s *Simulator) draw() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rnd == nil {
		s.rnd = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64()))
	}
	return s.rnd.Float64()
}

// TXN-<first 8 chars of the order id>-<unix seconds>
func transactionRef(orderID string, ts time.Time) string {
	short := orderID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("TXN-%s-%d", short, ts.Unix())
}
