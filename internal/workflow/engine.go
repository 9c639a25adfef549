// Package workflow drives order fulfillment: it persists new orders, launches
// one durable execution per attempt and answers status queries by order id
// or execution ref.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"

	"github.com/ariefcatur/go-order-fulfillment/internal/metrics"
	"github.com/ariefcatur/go-order-fulfillment/internal/orchestrator"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/payment"
)

// Name is the orchestrator workflow name.
const Name = "order-fulfillment"

const (
	DefaultStartTimeout   = 5 * time.Second
	DefaultArchiveTimeout = 3 * time.Second
	DefaultListLimit    = 50
	MaxListLimit        = 1000
)

const degradedWarning = "order created, workflow not started"

// ErrExecutionRunning refuses a relaunch while an earlier execution for the
// same order has not finished.
var ErrExecutionRunning = fmt.Errorf("%w: execution still running", orders.ErrInvalidTransition)

type OrderStore interface {
	CreateOrder(ctx context.Context, customerID string, items []orders.ItemInput) (orders.Order, error)
	GetOrder(ctx context.Context, id string) (orders.Order, error)
	UpdateStatus(ctx context.Context, id string, to orders.Status) (orders.Order, error)
}

type Inventory interface {
	Reserve(ctx context.Context, orderID string, items []orders.ItemInput) (orders.ReservationResult, error)
	Release(ctx context.Context, orderID string) ([]orders.StockChange, error)
}

type Payments interface {
	Charge(ctx context.Context, orderID string, amount decimal.Decimal) (payment.Result, error)
}

type ExecutionIndex interface {
	Record(ctx context.Context, orderID, ref string, startedAt time.Time) error
	Latest(ctx context.Context, orderID string) (string, error)
}

type Orchestrator interface {
	Start(ctx context.Context, workflow, name string, input any) (orchestrator.Execution, error)
	Describe(ctx context.Context, ref string) (orchestrator.Execution, error)
	List(ctx context.Context, f orchestrator.ListFilter) ([]orchestrator.Execution, error)
}

type Archiver interface {
	Archive(ctx context.Context, o orders.Order) error
}

type Emitter interface {
	Emit(ctx context.Context, topic string, env orders.Envelope)
}

// Invalidator drops cached reads of an order after its status changes.
type Invalidator interface {
	Invalidate(ctx context.Context, orderID string)
}

// Input is the execution input: the priced order as persisted.
type Input struct {
	OrderID     string            `json:"order_id"`
	CustomerID  string            `json:"customer_id"`
	Items       []orders.LineItem `json:"items"`
	TotalAmount decimal.Decimal   `json:"total_amount"`
}

type CreateResult struct {
	Order        orders.Order
	ExecutionRef string
	// Degraded is set when the order was persisted but its execution was not
	// started or not recorded. Warning carries the cause for logs.
	Degraded bool
	Warning  string
}

type ExecutionStatus struct {
	ExecutionRef string              `json:"execution_ref"`
	OrderID      string              `json:"order_id"`
	Status       orchestrator.Status `json:"status"`
	Phase        string              `json:"phase"`
	StartDate    time.Time           `json:"start_date"`
	StopDate     *time.Time          `json:"stop_date,omitempty"`
	Input        json.RawMessage     `json:"input"`
	Output       json.RawMessage     `json:"output,omitempty"`
	Error        string              `json:"error,omitempty"`
}

type Engine struct {
	Orders       OrderStore
	Inventory    Inventory
	Payments     Payments
	Executions   ExecutionIndex
	Orchestrator Orchestrator

	// optional
	Archive Archiver
	Events  Emitter
	Cache   Invalidator
	Metrics *metrics.Metrics
	Log     *slog.Logger

	Producer          string
	StartTimeout      time.Duration
	ArchiveTimeout    time.Duration
	LowStockThreshold int
}

func (e *Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

// CreateOrder persists the order and launches its execution. A launch
// failure after the order is committed yields a degraded result instead of
// an error; the order stays pending and can be relaunched.
func (e *Engine) CreateOrder(ctx context.Context, customerID string, items []orders.ItemInput) (CreateResult, error) {
	o, err := e.Orders.CreateOrder(ctx, customerID, items)
	if err != nil {
		return CreateResult{}, err
	}
	res := CreateResult{Order: o}
	log := e.log().With("order_id", o.ID)

	e.emit(ctx, orders.EventOrderCreated, o.ID, orders.OrderCreatedPayload{
		OrderID: o.ID, CustomerID: o.CustomerID, Items: o.Items, TotalAmount: o.TotalAmount,
	})

	ref, err := e.launch(ctx, o)
	res.ExecutionRef = ref
	e.archive(ctx, o)
	if err != nil {
		log.ErrorContext(ctx, "workflow launch failed, returning degraded result", "execution_ref", ref, "err", err)
		res.Degraded = true
		res.Warning = degradedWarning + ": " + err.Error()
		if ref != "" {
			res.Warning = "workflow started but not indexed: " + err.Error()
		}
		return res, nil
	}
	log.InfoContext(ctx, "order created", "execution_ref", ref, "total_amount", o.TotalAmount.StringFixed(2))
	return res, nil
}

// archive stores the order snapshot after launch, on its own deadline so a
// slow object store never eats the request budget.
func (e *Engine) archive(ctx context.Context, o orders.Order) {
	if e.Archive == nil {
		return
	}
	timeout := e.ArchiveTimeout
	if timeout <= 0 {
		timeout = DefaultArchiveTimeout
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := e.Archive.Archive(actx, o); err != nil {
		e.log().WarnContext(ctx, "archive order snapshot failed", "order_id", o.ID, "err", err)
	}
}

// Relaunch starts a new execution for an order that is still pending and
// has no execution left RUNNING. Executions queued but not yet picked up
// count as running.
func (e *Engine) Relaunch(ctx context.Context, orderID string) (CreateResult, error) {
	o, err := e.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return CreateResult{}, err
	}
	if o.Status != orders.StatusPending {
		return CreateResult{}, &orders.InvalidTransitionError{From: o.Status, To: orders.StatusProcessing}
	}
	// by name, so an execution that started but never made it into the
	// index is still found
	active, err := e.Orchestrator.List(ctx, orchestrator.ListFilter{
		Status: orchestrator.StatusRunning, Workflow: Name, Name: executionName(o.ID), Limit: 1,
	})
	if err != nil {
		return CreateResult{Order: o}, fmt.Errorf("%w: list running executions: %w", orders.ErrDependency, err)
	}
	if len(active) > 0 {
		return CreateResult{Order: o, ExecutionRef: active[0].Ref}, ErrExecutionRunning
	}
	ref, err := e.launch(ctx, o)
	if err != nil {
		return CreateResult{Order: o, ExecutionRef: ref}, fmt.Errorf("%w: relaunch workflow: %w", orders.ErrDependency, err)
	}
	e.log().InfoContext(ctx, "workflow relaunched", "order_id", o.ID, "execution_ref", ref)
	return CreateResult{Order: o, ExecutionRef: ref}, nil
}

// launch starts the execution under StartTimeout and records the mapping.
// A non-empty ref with an error means the execution exists but the mapping
// could not be written.
func (e *Engine) launch(ctx context.Context, o orders.Order) (string, error) {
	timeout := e.StartTimeout
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}
	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ex, err := e.Orchestrator.Start(startCtx, Name, executionName(o.ID), Input{
		OrderID: o.ID, CustomerID: o.CustomerID, Items: o.Items, TotalAmount: o.TotalAmount,
	})
	if err != nil {
		return "", fmt.Errorf("start execution: %w", err)
	}
	if err := e.Executions.Record(ctx, o.ID, ex.Ref, ex.StartDate); err != nil {
		return ex.Ref, fmt.Errorf("record execution: %w", err)
	}
	return ex.Ref, nil
}

func executionName(orderID string) string { return "order-" + orderID }

// GetStatus accepts an execution ref or an order id. For an order id the
// most recently started execution is reported.
func (e *Engine) GetStatus(ctx context.Context, identifier string) (ExecutionStatus, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return ExecutionStatus{}, &orders.ValidationError{Field: "id", Msg: "identifier is required"}
	}
	ref := identifier
	if !orchestrator.IsRef(identifier) {
		var err error
		if ref, err = e.Executions.Latest(ctx, identifier); err != nil {
			return ExecutionStatus{}, err
		}
	}
	ex, err := e.Orchestrator.Describe(ctx, ref)
	if errors.Is(err, orchestrator.ErrExecutionNotFound) {
		return ExecutionStatus{}, orders.ErrNoExecution
	}
	if err != nil {
		return ExecutionStatus{}, fmt.Errorf("%w: describe execution: %w", orders.ErrDependency, err)
	}
	return toStatus(ex), nil
}

// ListExecutions lists fulfillment executions newest first. status is ALL
// (or empty) or one execution status.
func (e *Engine) ListExecutions(ctx context.Context, status string, limit int) ([]ExecutionStatus, error) {
	st, ok := orchestrator.ParseStatus(status)
	if !ok {
		return nil, &orders.ValidationError{Field: "status", Msg: fmt.Sprintf("unknown execution status %q", status)}
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	xs, err := e.Orchestrator.List(ctx, orchestrator.ListFilter{Status: st, Workflow: Name, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("%w: list executions: %w", orders.ErrDependency, err)
	}
	out := make([]ExecutionStatus, 0, len(xs))
	for _, ex := range xs {
		out = append(out, toStatus(ex))
	}
	return out, nil
}

func toStatus(ex orchestrator.Execution) ExecutionStatus {
	var in struct {
		OrderID string `json:"order_id"`
	}
	_ = json.Unmarshal(ex.Input, &in)
	return ExecutionStatus{
		ExecutionRef: ex.Ref,
		OrderID:      in.OrderID,
		Status:       ex.Status,
		Phase:        ex.Phase,
		StartDate:    ex.StartDate,
		StopDate:     ex.StopDate,
		Input:        ex.Input,
		Output:       ex.Output,
		Error:        ex.Error,
	}
}

func (e *Engine) emit(ctx context.Context, eventType, correlationID string, payload any) {
	if e.Events == nil {
		return
	}
	topic := orders.TopicFor(eventType)
	producer := e.Producer
	if producer == "" {
		producer = "order-api"
	}
	env, err := orders.NewEnvelope(eventType, producer, correlationID, payload)
	if err != nil {
		e.log().ErrorContext(ctx, "build event", "event_type", eventType, "err", err)
		return
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	e.Events.Emit(ctx, topic, env)
}
