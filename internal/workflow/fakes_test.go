package workflow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-order-fulfillment/internal/orchestrator"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/payment"
)

// store fakes orders and stock in memory with the same rules as Postgres.
type store struct {
	mu        sync.Mutex
	prices    map[string]decimal.Decimal
	stock     map[string]int
	orders    map[string]orders.Order
	reserved  map[string][]orders.ItemInput
	threshold int
	failNext  error
}

func newStore() *store {
	return &store{
		prices: map[string]decimal.Decimal{
			"p-widget": decimal.RequireFromString("19.99"),
			"p-gadget": decimal.RequireFromString("5.00"),
			"p-scarce": decimal.RequireFromString("2.50"),
		},
		stock:     map[string]int{"p-widget": 100, "p-gadget": 12, "p-scarce": 2},
		orders:    map[string]orders.Order{},
		reserved:  map[string][]orders.ItemInput{},
		threshold: orders.DefaultLowStockThreshold,
	}
}

func (s *store) CreateOrder(_ context.Context, customerID string, items []orders.ItemInput) (orders.Order, error) {
	items, err := orders.NormalizeItems(items)
	if err != nil {
		return orders.Order{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o := orders.Order{ID: uuid.NewString(), CustomerID: customerID, Status: orders.StatusPending, CreatedAt: time.Now().UTC()}
	for _, it := range items {
		p, ok := s.prices[it.ProductID]
		if !ok {
			return orders.Order{}, &orders.ProductNotFoundError{ProductID: it.ProductID}
		}
		o.Items = append(o.Items, orders.LineItem{ProductID: it.ProductID, Quantity: it.Quantity, Price: p})
	}
	o.TotalAmount = orders.Total(o.Items)
	s.orders[o.ID] = o
	return o, nil
}

func (s *store) GetOrder(_ context.Context, id string) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return o, nil
}

func (s *store) UpdateStatus(_ context.Context, id string, to orders.Status) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return orders.Order{}, err
	}
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	if o.Status != to && !orders.CanTransition(o.Status, to) {
		return orders.Order{}, &orders.InvalidTransitionError{From: o.Status, To: to}
	}
	if to == orders.StatusFailed {
		s.releaseLocked(id)
	}
	o.Status = to
	s.orders[id] = o
	return o, nil
}

func (s *store) Reserve(_ context.Context, orderID string, items []orders.ItemInput) (orders.ReservationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := orders.ReservationResult{OrderID: orderID}
	if _, ok := s.reserved[orderID]; ok {
		res.Replayed = true
		return res, nil
	}
	items, err := orders.NormalizeItems(items)
	if err != nil {
		return res, err
	}
	for _, it := range items {
		have, ok := s.stock[it.ProductID]
		if !ok {
			return res, &orders.ProductNotFoundError{ProductID: it.ProductID}
		}
		if have < it.Quantity {
			return res, &orders.InsufficientStockError{ProductID: it.ProductID, Available: have, Requested: it.Quantity}
		}
	}
	for _, it := range items {
		prev := s.stock[it.ProductID]
		s.stock[it.ProductID] = prev - it.Quantity
		res.Items = append(res.Items, orders.StockChange{ProductID: it.ProductID, Previous: prev, New: prev - it.Quantity, Quantity: it.Quantity})
		if prev-it.Quantity <= s.threshold {
			res.LowStock = append(res.LowStock, orders.LowStockAlert{ProductID: it.ProductID, CurrentStock: prev - it.Quantity})
		}
	}
	s.reserved[orderID] = items
	o := s.orders[orderID]
	o.Status = orders.StatusProcessing
	s.orders[orderID] = o
	return res, nil
}

func (s *store) Release(_ context.Context, orderID string) ([]orders.StockChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, orders.ErrOrderNotFound
	}
	if o.Status == orders.StatusCompleted {
		return nil, &orders.InvalidTransitionError{From: orders.StatusCompleted, To: orders.StatusFailed}
	}
	return s.releaseLocked(orderID), nil
}

func (s *store) releaseLocked(orderID string) []orders.StockChange {
	var out []orders.StockChange
	for _, it := range s.reserved[orderID] {
		prev := s.stock[it.ProductID]
		s.stock[it.ProductID] = prev + it.Quantity
		out = append(out, orders.StockChange{ProductID: it.ProductID, Previous: prev, New: prev + it.Quantity, Quantity: it.Quantity})
	}
	delete(s.reserved, orderID)
	return out
}

func (s *store) stockOf(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock[id]
}

func (s *store) statusOf(id string) orders.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id].Status
}

type payments struct {
	result payment.Result
	err    error
}

func (p payments) Charge(_ context.Context, orderID string, _ decimal.Decimal) (payment.Result, error) {
	if p.err != nil {
		return payment.Result{}, p.err
	}
	r := p.result
	if r.Status == payment.StatusSuccess && r.TransactionRef == "" {
		r.TransactionRef = "TXN-" + orderID[:8] + "-1"
	}
	return r, nil
}

var approve = payments{result: payment.Result{Status: payment.StatusSuccess, Message: "ok"}}

type indexEntry struct {
	ref string
	at  time.Time
}

type index struct {
	mu      sync.Mutex
	entries map[string][]indexEntry
	err     error
}

func newIndex() *index { return &index{entries: map[string][]indexEntry{}} }

func (x *index) Record(_ context.Context, orderID, ref string, at time.Time) error {
	if x.err != nil {
		return x.err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries[orderID] = append(x.entries[orderID], indexEntry{ref, at})
	return nil
}

func (x *index) Latest(_ context.Context, orderID string) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	es := append([]indexEntry(nil), x.entries[orderID]...)
	if len(es) == 0 {
		return "", orders.ErrNoExecution
	}
	sort.Slice(es, func(i, j int) bool { return es[i].at.After(es[j].at) })
	return es[0].ref, nil
}

// stubOrchestrator returns canned executions.
type stubOrchestrator struct {
	startErr error
	started  []string
	execs    map[string]orchestrator.Execution
}

func (o *stubOrchestrator) Start(ctx context.Context, workflow, name string, _ any) (orchestrator.Execution, error) {
	if o.startErr != nil {
		return orchestrator.Execution{}, o.startErr
	}
	if err := ctx.Err(); err != nil {
		return orchestrator.Execution{}, err
	}
	ex := orchestrator.Execution{Ref: orchestrator.RefPrefix + workflow + ":" + uuid.NewString(), Name: name, Workflow: workflow,
		Status: orchestrator.StatusRunning, StartDate: time.Now().UTC()}
	o.started = append(o.started, ex.Ref)
	return ex, nil
}

func (o *stubOrchestrator) Describe(_ context.Context, ref string) (orchestrator.Execution, error) {
	ex, ok := o.execs[ref]
	if !ok {
		return orchestrator.Execution{}, orchestrator.ErrExecutionNotFound
	}
	return ex, nil
}

func (o *stubOrchestrator) List(_ context.Context, f orchestrator.ListFilter) ([]orchestrator.Execution, error) {
	var out []orchestrator.Execution
	for _, ex := range o.execs {
		if f.Status != orchestrator.StatusAll && f.Status != "" && ex.Status != f.Status {
			continue
		}
		if f.Name != "" && ex.Name != f.Name {
			continue
		}
		out = append(out, ex)
	}
	return out, nil
}

type emitted struct {
	topic string
	env   orders.Envelope
}

type emitter struct {
	mu  sync.Mutex
	got []emitted
}

func (e *emitter) Emit(_ context.Context, topic string, env orders.Envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, emitted{topic, env})
}

func (e *emitter) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.got))
	for i, g := range e.got {
		out[i] = g.env.EventType
	}
	return out
}

type phases struct {
	mu  sync.Mutex
	got []string
}

func (p *phases) Phase(_ context.Context, phase, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, phase)
	return nil
}

type archiver struct{ err error }

func (a archiver) Archive(context.Context, orders.Order) error { return a.err }

// slowArchiver blocks until its context is done.
type slowArchiver struct {
	mu    sync.Mutex
	calls int
}

func (a *slowArchiver) Archive(ctx context.Context, _ orders.Order) error {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

var errBoom = errors.New("boom")

// stallingPayments blocks every charge until ctx is done.
type stallingPayments struct {
	once    sync.Once
	charged chan struct{}
}

func (p *stallingPayments) Charge(ctx context.Context, _ string, _ decimal.Decimal) (payment.Result, error) {
	p.once.Do(func() { close(p.charged) })
	<-ctx.Done()
	return payment.Result{}, ctx.Err()
}

// pairedPayments holds the first charge until a second one arrives and then
// approves it. Later charges are declined once release is closed.
type pairedPayments struct {
	mu      sync.Mutex
	calls   int
	second  chan struct{}
	release chan struct{}
}

func (p *pairedPayments) Charge(ctx context.Context, orderID string, _ decimal.Decimal) (payment.Result, error) {
	p.mu.Lock()
	p.calls++
	n := p.calls
	p.mu.Unlock()

	if n == 1 {
		select {
		case <-p.second:
		case <-ctx.Done():
			return payment.Result{}, ctx.Err()
		}
		return payment.Result{Status: payment.StatusSuccess, TransactionRef: "TXN-" + orderID[:8] + "-1", Message: "ok"}, nil
	}
	if n == 2 {
		close(p.second)
	}
	select {
	case <-p.release:
	case <-ctx.Done():
		return payment.Result{}, ctx.Err()
	}
	return payment.Result{Status: payment.StatusFailed, Message: "declined"}, nil
}
