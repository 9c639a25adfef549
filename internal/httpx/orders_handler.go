package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/ariefcatur/go-order-fulfillment/internal/workflow"
)

const defaultTimeout = 5 * time.Second

type Catalog interface {
	ListCustomers(ctx context.Context) ([]orders.Customer, error)
	ListProducts(ctx context.Context, f orders.ProductFilter) ([]orders.Product, error)
	GetProduct(ctx context.Context, id string) (orders.Product, error)
}

type OrderStore interface {
	GetOrder(ctx context.Context, id string) (orders.Order, error)
	ListOrders(ctx context.Context, page, limit int) (orders.OrderPage, error)
	UpdateStatus(ctx context.Context, id string, to orders.Status) (orders.Order, error)
	DeleteOrder(ctx context.Context, id string) error
}

type Fulfillment interface {
	CreateOrder(ctx context.Context, customerID string, items []orders.ItemInput) (workflow.CreateResult, error)
	Relaunch(ctx context.Context, orderID string) (workflow.CreateResult, error)
	GetStatus(ctx context.Context, identifier string) (workflow.ExecutionStatus, error)
	ListExecutions(ctx context.Context, status string, limit int) ([]workflow.ExecutionStatus, error)
}

type Idempotency interface {
	Begin(ctx context.Context, key string) (string, error)
	Complete(ctx context.Context, key, orderID string) error
	Abort(ctx context.Context, key string) error
}

type OrdersHandler struct {
	Catalog     Catalog
	Orders      OrderStore
	Fulfillment Fulfillment

	// optional; nil disables idempotency keys and caching
	Idempotency Idempotency
	Cache       *redisx.Cache

	Log     *slog.Logger
	Timeout time.Duration
}

type CreateOrderReq struct {
	CustomerID string             `json:"customer_id"`
	Items      []orders.ItemInput `json:"items"`
}

type CreateOrderResp struct {
	Message      string          `json:"message"`
	OrderID      string          `json:"order_id"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	ExecutionRef string          `json:"execution_ref,omitempty"`
	Degraded     bool            `json:"degraded,omitempty"`
	Error        string          `json:"error,omitempty"`
	Idempotent   bool            `json:"idempotent,omitempty"`
}

type UpdateStatusReq struct {
	Status string `json:"status"`
}

type pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/customers", h.listCustomers)
	r.Get("/products", h.listProducts)
	r.Get("/products/{id}", h.getProduct)

	r.Get("/orders", h.listOrders)
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Put("/orders/{id}", h.updateStatus)
	r.Delete("/orders/{id}", h.deleteOrder)
	r.Post("/orders/{id}/executions", h.relaunch)

	r.Get("/status/{id}", h.getStatus)
	r.Get("/executions", h.listExecutions)
}

func (h *OrdersHandler) log() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}

func (h *OrdersHandler) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	t := h.Timeout
	if t <= 0 {
		t = defaultTimeout
	}
	return context.WithTimeout(r.Context(), t)
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	page, err := intParam(r, "page", 1)
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	limit, err := intParam(r, "limit", orders.DefaultPageLimit)
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}

	ctx, cancel := h.ctx(r)
	defer cancel()
	res, err := h.Orders.ListOrders(ctx, page, limit)
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orders": res.Orders,
		"pagination": pagination{
			Page: res.Page, Limit: res.Limit, Total: res.Total, Pages: res.Pages(),
		},
	})
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.log(), err)
		return
	}

	ctx, cancel := h.ctx(r)
	defer cancel()

	// Idempotency-Key opsional; kalau Redis mati, lanjut tanpa idempotency
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" && h.Idempotency != nil {
		orderID, err := h.Idempotency.Begin(ctx, key)
		switch {
		case errors.Is(err, redisx.ErrInFlight):
			writeError(w, r, h.log(), err)
			return
		case err != nil:
			h.log().WarnContext(ctx, "idempotency unavailable, creating without key", "err", err)
			key = ""
		case orderID != "":
			h.replay(w, r, orderID)
			return
		}
	} else {
		key = ""
	}

	res, err := h.Fulfillment.CreateOrder(ctx, req.CustomerID, req.Items)
	if err != nil {
		if key != "" {
			if aerr := h.Idempotency.Abort(context.WithoutCancel(ctx), key); aerr != nil {
				h.log().WarnContext(ctx, "release idempotency key", "err", aerr)
			}
		}
		// unknown customer/product di body = request salah, bukan 404
		var pnf *orders.ProductNotFoundError
		if errors.As(err, &pnf) || errors.Is(err, orders.ErrCustomerNotFound) {
			writeJSON(w, http.StatusBadRequest, errorBody{Message: "invalid order", Error: err.Error()})
			return
		}
		writeError(w, r, h.log(), err)
		return
	}
	if key != "" {
		if err := h.Idempotency.Complete(context.WithoutCancel(ctx), key, res.Order.ID); err != nil {
			h.log().WarnContext(ctx, "store idempotency key", "order_id", res.Order.ID, "err", err)
		}
	}

	resp := CreateOrderResp{
		Message:      "Order created successfully",
		OrderID:      res.Order.ID,
		TotalAmount:  res.Order.TotalAmount,
		ExecutionRef: res.ExecutionRef,
	}
	// res.Warning bawa error mentah dari dependency; cukup di log
	if res.Degraded {
		h.log().WarnContext(ctx, "order created in degraded mode",
			"order_id", res.Order.ID, "execution_ref", res.ExecutionRef, "warning", res.Warning)
		resp.Degraded = true
		if res.ExecutionRef == "" {
			resp.Message = "Order created but workflow failed to start"
			resp.Error = "workflow not started; relaunch with POST /orders/" + res.Order.ID + "/executions"
		} else {
			resp.Message = "Order created, workflow started"
			resp.Error = "execution not indexed; query its status by execution_ref"
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *OrdersHandler) replay(w http.ResponseWriter, r *http.Request, orderID string) {
	resp := CreateOrderResp{Message: "Order already created", OrderID: orderID, Idempotent: true}
	ctx, cancel := h.ctx(r)
	defer cancel()
	if o, err := h.Orders.GetOrder(ctx, orderID); err == nil {
		resp.TotalAmount = o.TotalAmount
	}
	if st, err := h.Fulfillment.GetStatus(ctx, orderID); err == nil {
		resp.ExecutionRef = st.ExecutionRef
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := h.ctx(r)
	defer cancel()

	o, err := redisx.GetOrLoad(ctx, h.Cache, redisx.OrderKey(id), redisx.TTLOrderCache,
		func(ctx context.Context) (orders.Order, error) { return h.Orders.GetOrder(ctx, id) })
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req UpdateStatusReq
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	to, err := orders.ParseStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}

	ctx, cancel := h.ctx(r)
	defer cancel()
	o, err := h.Orders.UpdateStatus(ctx, id, to)
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	h.Cache.Invalidate(ctx, id)
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Order status updated",
		"order_id": o.ID,
		"status":   o.Status,
	})
}

func (h *OrdersHandler) deleteOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := h.ctx(r)
	defer cancel()

	if err := h.Orders.DeleteOrder(ctx, id); err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	h.Cache.Invalidate(ctx, id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Order deleted", "order_id": id})
}

func (h *OrdersHandler) relaunch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := h.ctx(r)
	defer cancel()

	res, err := h.Fulfillment.Relaunch(ctx, id)
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	h.Cache.Invalidate(ctx, id)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message":       "Workflow relaunched",
		"order_id":      res.Order.ID,
		"execution_ref": res.ExecutionRef,
	})
}

// intParam reads a positive integer query parameter, def when absent.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, &orders.ValidationError{Field: name, Msg: "must be a positive integer"}
	}
	return n, nil
}
