package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	transitions     *prometheus.CounterVec
	retries         *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	movements       *prometheus.CounterVec
	movedUnits      *prometheus.CounterVec
}

// NewMetrics menginisialisasi registry, metrik HTTP dan metrik domain.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_order_transitions_total",
		Help: "Order status transitions by order type.",
	}, []string{"order_type", "from", "to"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_concurrent_modification_retries_total",
		Help: "Operations retried after losing a status compare-and-swap.",
	}, []string{"operation"})
	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_notifications_queued_total",
		Help: "Outbox rows written per order type and state.",
	}, []string{"order_type", "state"})
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_ledger_movements_total",
		Help: "Stock history rows written per history type.",
	}, []string{"type"})
	units := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_ledger_units_total",
		Help: "Absolute units moved per history type and direction.",
	}, []string{"type", "direction"})
	registry.MustRegister(requests, duration, transitions, retries, notifications, movements, units)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		transitions:     transitions,
		retries:         retries,
		notifications:   notifications,
		movements:       movements,
		movedUnits:      units,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveTransition menghitung perpindahan status order. from kosong
// berarti order baru dibuat.
func (m *Metrics) ObserveTransition(orderType, from, to string) {
	if m == nil {
		return
	}
	if from == "" {
		from = "none"
	}
	m.transitions.WithLabelValues(orderType, from, to).Inc()
}

// ObserveRetry menghitung percobaan ulang setelah konflik CAS.
func (m *Metrics) ObserveRetry(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

// ObserveNotification menghitung baris outbox baru.
func (m *Metrics) ObserveNotification(orderType, state string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(orderType, state).Inc()
}

// ObserveLedgerMovement menghitung mutasi stok.
func (m *Metrics) ObserveLedgerMovement(historyType string, delta int) {
	if m == nil {
		return
	}
	m.movements.WithLabelValues(historyType).Inc()
	direction := "in"
	if delta < 0 {
		direction = "out"
		delta = -delta
	}
	m.movedUnits.WithLabelValues(historyType, direction).Add(float64(delta))
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
