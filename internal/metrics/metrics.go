// Package metrics holds the Prometheus collectors shared by the API and
// notifier processes. All methods are safe on a nil *Metrics so components
// can run without instrumentation in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fulfillment"

type Metrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec

	Executions        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	Reservations      *prometheus.CounterVec
	Payments          *prometheus.CounterVec
	LowStockAlerts    prometheus.Counter

	NotifyDropped   prometheus.Counter
	NotifyPublished *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec

	EventsConsumed  *prometheus.CounterVec
	EventDuplicates prometheus.Counter

	gatherer prometheus.Gatherer
}

// New builds the collectors for service and registers them on reg. A nil
// reg means the default registry.
func New(service string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: service,
			Name: "http_requests_total", Help: "Total number of HTTP requests.",
		}, []string{"route", "method", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: service,
			Name: "http_request_duration_ms", Help: "HTTP request latency in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"route"}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: service,
			Name: "workflow_executions_total", Help: "Workflow executions by terminal status.",
		}, []string{"workflow", "status"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: service,
			Name: "workflow_execution_seconds", Help: "Wall time from start to terminal status.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"workflow"}),
		Reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: service,
			Name: "reservations_total", Help: "Inventory reservations by result.",
		}, []string{"result"}),
		Payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: service,
			Name: "payments_total", Help: "Simulated payments by outcome.",
		}, []string{"status"}),
		LowStockAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: service,
			Name: "low_stock_alerts_total", Help: "Low-stock alerts raised by reservations.",
		}),
		NotifyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: service,
			Name: "notifications_dropped_total", Help: "Events dropped because the sink buffer was full or retries ran out.",
		}),
		NotifyPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: service,
			Name: "notifications_published_total", Help: "Events handed to the event bus.",
		}, []string{"topic", "result"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: service,
			Name: "cache_lookups_total", Help: "Redis cache lookups by result.",
		}, []string{"result"}),
		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: service,
			Name: "events_consumed_total", Help: "Events handled by the notifier.",
		}, []string{"type"}),
		EventDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: service,
			Name: "event_duplicates_total", Help: "Redelivered events skipped by the notifier.",
		}),
	}
	reg.MustRegister(
		m.Requests, m.LatencyMS,
		m.Executions, m.ExecutionDuration, m.Reservations, m.Payments, m.LowStockAlerts,
		m.NotifyDropped, m.NotifyPublished, m.CacheLookups,
		m.EventsConsumed, m.EventDuplicates,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// Handler serves the registry the collectors were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records one request count and latency sample per request,
// labelled with the chi route pattern so ids do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.Requests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		m.LatencyMS.WithLabelValues(route).Observe(float64(time.Since(start).Milliseconds()))
	})
}

func (m *Metrics) ExecutionFinished(workflow, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(workflow, status).Inc()
	m.ExecutionDuration.WithLabelValues(workflow).Observe(elapsed.Seconds())
}

func (m *Metrics) Reservation(result string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(result).Inc()
}

func (m *Metrics) Payment(status string) {
	if m == nil {
		return
	}
	m.Payments.WithLabelValues(status).Inc()
}

func (m *Metrics) LowStock(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.LowStockAlerts.Add(float64(n))
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.NotifyDropped.Inc()
}

func (m *Metrics) Published(topic string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.NotifyPublished.WithLabelValues(topic, result).Inc()
}

func (m *Metrics) Cache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) Consumed(eventType string, duplicate bool) {
	if m == nil {
		return
	}
	if duplicate {
		m.EventDuplicates.Inc()
		return
	}
	m.EventsConsumed.WithLabelValues(eventType).Inc()
}
