package httpx

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/ariefcatur/go-order-fulfillment/internal/workflow"
)

func (h *OrdersHandler) listCustomers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()

	cs, err := h.Catalog.ListCustomers(ctx)
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"customers": cs})
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := orders.ProductFilter{Category: strings.TrimSpace(q.Get("category")), InStockOnly: true}
	if raw := strings.TrimSpace(q.Get("in_stock")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, h.log(), &orders.ValidationError{Field: "in_stock", Msg: "must be true or false"})
			return
		}
		f.InStockOnly = v
	}

	ctx, cancel := h.ctx(r)
	defer cancel()
	ps, err := h.Catalog.ListProducts(ctx, f)
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"products": ps,
		"count":    len(ps),
		"filters":  map[string]any{"category": f.Category, "in_stock": f.InStockOnly},
	})
}

func (h *OrdersHandler) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.ctx(r)
	defer cancel()

	p, err := h.Catalog.GetProduct(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// getStatus accepts an order id or an execution ref. Only finished
// executions are cached; a running one changes phase without notice.
func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := h.ctx(r)
	defer cancel()

	st, err := redisx.GetOrLoadWhen(ctx, h.Cache, redisx.StatusKey(id), redisx.TTLStatusCache,
		func(ctx context.Context) (workflow.ExecutionStatus, error) { return h.Fulfillment.GetStatus(ctx, id) },
		func(st workflow.ExecutionStatus) bool { return st.Status.Terminal() })
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *OrdersHandler) listExecutions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", workflow.DefaultListLimit)
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	ctx, cancel := h.ctx(r)
	defer cancel()

	xs, err := h.Fulfillment.ListExecutions(ctx, r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, r, h.log(), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": xs, "count": len(xs)})
}
