package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ariefcatur/go-order-fulfillment/internal/orchestrator"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/payment"
)

const (
	PhaseCreated           = "Created"
	PhaseAwaitingInventory = "AwaitingInventory"
	PhaseAwaitingPayment   = "AwaitingPayment"
	PhaseCompleted         = "Completed"
	PhaseFailed            = "Failed"
)

var (
	ErrPaymentDeclined = errors.New("payment declined")
	ErrOrderFailed     = errors.New("order already failed")
)

const compensationTimeout = 10 * time.Second

var tracer = otel.Tracer("github.com/ariefcatur/go-order-fulfillment/internal/workflow")

// PhaseRecorder is satisfied by *orchestrator.Run.
type PhaseRecorder interface {
	Phase(ctx context.Context, phase, detail string) error
}

// Output is the execution output.
type Output struct {
	OrderID     string                    `json:"order_id"`
	Status      orders.Status             `json:"status"`
	Reservation *orders.ReservationResult `json:"reservation,omitempty"`
	Payment     *payment.Result           `json:"payment,omitempty"`
	Released    []orders.StockChange      `json:"released,omitempty"`
	Reason      string                    `json:"reason,omitempty"`
}

// WorkflowFunc adapts Fulfill to the orchestrator.
func (e *Engine) WorkflowFunc() orchestrator.WorkflowFunc {
	return func(ctx context.Context, run *orchestrator.Run) (any, error) {
		var in Input
		if err := json.Unmarshal(run.Input, &in); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
		return e.Fulfill(ctx, in, run)
	}
}

// Fulfill runs one order through reserve, charge and finalize. Stock held by
// the order is released whenever the run fails after a successful
// reservation.
func (e *Engine) Fulfill(ctx context.Context, in Input, run PhaseRecorder) (Output, error) {
	ctx, span := tracer.Start(ctx, "workflow.fulfill", trace.WithAttributes(attribute.String("order.id", in.OrderID)))
	defer span.End()

	out, err := e.fulfill(ctx, in, run)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (e *Engine) fulfill(ctx context.Context, in Input, run PhaseRecorder) (Output, error) {
	out := Output{OrderID: in.OrderID, Status: orders.StatusPending}
	log := e.log().With("order_id", in.OrderID)

	o, err := e.Orders.GetOrder(ctx, in.OrderID)
	if err != nil {
		return out, err
	}
	// resumed after the order already finished
	switch o.Status {
	case orders.StatusCompleted:
		out.Status = o.Status
		e.phase(ctx, run, PhaseCompleted, "already completed")
		return out, nil
	case orders.StatusFailed:
		out.Status = o.Status
		e.phase(ctx, run, PhaseFailed, "already failed")
		return out, ErrOrderFailed
	}

	e.phase(ctx, run, PhaseCreated, "")
	e.phase(ctx, run, PhaseAwaitingInventory, "")

	res, err := e.reserve(ctx, in)
	if err != nil {
		var short *orders.InsufficientStockError
		var missing *orders.ProductNotFoundError
		switch {
		case errors.As(err, &short):
			e.Metrics.Reservation("rejected")
			e.emit(ctx, orders.EventStockRejected, in.OrderID, orders.StockRejectedPayload{
				OrderID: in.OrderID, Reason: "OUT_OF_STOCK",
				ProductID: short.ProductID, Available: short.Available, Requested: short.Requested,
			})
		case errors.As(err, &missing):
			e.Metrics.Reservation("rejected")
			e.emit(ctx, orders.EventStockRejected, in.OrderID, orders.StockRejectedPayload{
				OrderID: in.OrderID, Reason: "PRODUCT_NOT_FOUND", ProductID: missing.ProductID,
			})
		default:
			e.Metrics.Reservation("error")
		}
		if orchestrator.Interrupted(ctx) {
			log.WarnContext(ctx, "reservation interrupted by shutdown", "err", err)
			return out, err
		}
		log.WarnContext(ctx, "reservation failed", "err", err)
		e.fail(ctx, run, &out, err.Error())
		return out, err
	}
	if res.Replayed {
		e.Metrics.Reservation("replayed")
	} else {
		e.Metrics.Reservation("reserved")
	}
	out.Reservation = &res
	out.Status = orders.StatusProcessing
	e.invalidate(ctx, in.OrderID)
	e.emit(ctx, orders.EventStockReserved, in.OrderID, orders.StockReservedPayload{
		OrderID: in.OrderID, Items: res.Items,
	})
	e.alertLowStock(ctx, in.OrderID, res.LowStock)

	e.phase(ctx, run, PhaseAwaitingPayment, "")
	pay, err := e.Payments.Charge(ctx, in.OrderID, in.TotalAmount)
	if err != nil {
		if orchestrator.Interrupted(ctx) {
			// stock stays reserved; the resumed run replays it and charges again
			log.WarnContext(ctx, "payment interrupted by shutdown", "err", err)
			return out, fmt.Errorf("charge: %w", err)
		}
		log.ErrorContext(ctx, "payment call failed", "err", err)
		e.compensate(ctx, run, &out, "payment error: "+err.Error())
		return out, fmt.Errorf("charge: %w", err)
	}
	e.Metrics.Payment(string(pay.Status))
	out.Payment = &pay

	if !pay.Succeeded() {
		e.emit(ctx, orders.EventPaymentFailed, in.OrderID, orders.PaymentFailedPayload{
			OrderID: in.OrderID, Reason: pay.Message,
		})
		log.InfoContext(ctx, "payment declined, releasing stock")
		e.compensate(ctx, run, &out, pay.Message)
		return out, ErrPaymentDeclined
	}
	e.emit(ctx, orders.EventPaymentAuthorized, in.OrderID, orders.PaymentAuthorizedPayload{
		OrderID: in.OrderID, TransactionRef: pay.TransactionRef, Amount: in.TotalAmount,
	})

	if _, err := e.Orders.UpdateStatus(ctx, in.OrderID, orders.StatusCompleted); err != nil {
		if orchestrator.Interrupted(ctx) {
			log.WarnContext(ctx, "finalize interrupted by shutdown", "err", err)
			return out, fmt.Errorf("finalize: %w", err)
		}
		log.ErrorContext(ctx, "mark completed failed", "err", err)
		e.compensate(ctx, run, &out, "finalize: "+err.Error())
		return out, fmt.Errorf("finalize: %w", err)
	}
	out.Status = orders.StatusCompleted
	e.invalidate(ctx, in.OrderID)
	e.phase(ctx, run, PhaseCompleted, pay.TransactionRef)
	e.emit(ctx, orders.EventOrderFinalized, in.OrderID, orders.OrderFinalizedPayload{
		OrderID: in.OrderID, ExecutionRef: runRef(run), FinalStatus: orders.StatusCompleted,
	})
	log.InfoContext(ctx, "order completed", "transaction_ref", pay.TransactionRef)
	return out, nil
}

func (e *Engine) reserve(ctx context.Context, in Input) (orders.ReservationResult, error) {
	ctx, span := tracer.Start(ctx, "inventory.reserve")
	defer span.End()

	items := make([]orders.ItemInput, 0, len(in.Items))
	for _, li := range in.Items {
		items = append(items, orders.ItemInput{ProductID: li.ProductID, Quantity: li.Quantity})
	}
	res, err := e.Inventory.Reserve(ctx, in.OrderID, items)
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

// compensate releases the reservation, then fails the order. An order that
// another execution already completed is left alone.
func (e *Engine) compensate(ctx context.Context, run PhaseRecorder, out *Output, reason string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	cctx, span := tracer.Start(cctx, "inventory.release")
	defer span.End()

	released, err := e.Inventory.Release(cctx, out.OrderID)
	var settled *orders.InvalidTransitionError
	switch {
	case errors.As(err, &settled) && settled.From == orders.StatusCompleted:
		e.log().WarnContext(cctx, "order completed by another execution, not compensating",
			"order_id", out.OrderID, "reason", reason)
		out.Status = orders.StatusCompleted
		out.Reason = reason
		e.phase(cctx, run, PhaseFailed, reason)
		return
	case err != nil:
		span.RecordError(err)
		e.log().ErrorContext(cctx, "release reservation failed", "order_id", out.OrderID, "err", err)
	}
	out.Released = released
	e.fail(cctx, run, out, reason)
}

// fail marks the order failed and records the Failed phase. It runs on a
// context detached from ctx so a timed-out execution still settles the order.
func (e *Engine) fail(ctx context.Context, run PhaseRecorder, out *Output, reason string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	out.Reason = reason
	if _, err := e.Orders.UpdateStatus(cctx, out.OrderID, orders.StatusFailed); err != nil {
		e.log().ErrorContext(cctx, "mark order failed", "order_id", out.OrderID, "err", err)
	} else {
		out.Status = orders.StatusFailed
	}
	e.invalidate(cctx, out.OrderID)
	e.phase(cctx, run, PhaseFailed, reason)
	e.emit(cctx, orders.EventOrderFinalized, out.OrderID, orders.OrderFinalizedPayload{
		OrderID: out.OrderID, ExecutionRef: runRef(run), FinalStatus: orders.StatusFailed, Reasons: []string{reason},
	})
}

func (e *Engine) alertLowStock(ctx context.Context, orderID string, alerts []orders.LowStockAlert) {
	if len(alerts) == 0 {
		return
	}
	threshold := e.LowStockThreshold
	if threshold <= 0 {
		threshold = orders.DefaultLowStockThreshold
	}
	now := time.Now().UTC()
	for _, a := range alerts {
		e.log().WarnContext(ctx, "low stock", "product_id", a.ProductID, "current_stock", a.CurrentStock)
		e.emit(ctx, orders.EventLowStock, a.ProductID, orders.LowStockPayload{
			ProductID: a.ProductID, ProductName: a.ProductName, CurrentStock: a.CurrentStock,
			Threshold: threshold, OrderID: orderID, Timestamp: now,
		})
	}
	e.Metrics.LowStock(len(alerts))
}

func (e *Engine) phase(ctx context.Context, run PhaseRecorder, phase, detail string) {
	if run == nil {
		return
	}
	if err := run.Phase(ctx, phase, detail); err != nil {
		e.log().WarnContext(ctx, "record phase", "phase", phase, "err", err)
	}
}

func (e *Engine) invalidate(ctx context.Context, orderID string) {
	if e.Cache != nil {
		e.Cache.Invalidate(ctx, orderID)
	}
}

func runRef(run PhaseRecorder) string {
	if r, ok := run.(*orchestrator.Run); ok {
		return r.Ref
	}
	return ""
}
