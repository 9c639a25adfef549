package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New("api", prometheus.NewRegistry())

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/orders/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/orders/"+id, nil))
	}

	if got := testutil.ToFloat64(m.Requests.WithLabelValues("/orders/{id}", "GET", "404")); got != 3 {
		t.Errorf("requests = %v, want 3", got)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "fulfillment_api_http_requests_total") {
		t.Errorf("metrics output missing request counter:\n%s", rec.Body.String())
	}
}

func TestDomainCounters(t *testing.T) {
	m := New("api", prometheus.NewRegistry())

	m.ExecutionFinished("order-fulfillment", "SUCCEEDED", 2*time.Second)
	m.Reservation("rejected")
	m.Payment("failed")
	m.LowStock(2)
	m.LowStock(0)
	m.Dropped()
	m.Published("inventory.low_stock", errors.New("down"))
	m.Cache(true)
	m.Cache(false)
	m.Consumed("LowStock", false)
	m.Consumed("LowStock", true)

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"executions", m.Executions.WithLabelValues("order-fulfillment", "SUCCEEDED"), 1},
		{"reservations", m.Reservations.WithLabelValues("rejected"), 1},
		{"payments", m.Payments.WithLabelValues("failed"), 1},
		{"low stock", m.LowStockAlerts, 2},
		{"dropped", m.NotifyDropped, 1},
		{"published", m.NotifyPublished.WithLabelValues("inventory.low_stock", "error"), 1},
		{"cache hit", m.CacheLookups.WithLabelValues("hit"), 1},
		{"consumed", m.EventsConsumed.WithLabelValues("LowStock"), 1},
		{"duplicates", m.EventDuplicates, 1},
	}
	for _, c := range checks {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Reservation("reserved")
	m.Payment("success")
	m.Dropped()
	m.Cache(true)
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
