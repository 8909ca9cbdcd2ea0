// Package metrics holds the Prometheus collectors for the station ledger.
// All methods are nil-safe so components can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics encapsulates the registry and every collector we export.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	shiftsClosed       *prometheus.CounterVec
	assignmentsSkipped prometheus.Counter
	priceFallbacks     prometheus.Counter
	priceCache         *prometheus.CounterVec
	safePosts          *prometheus.CounterVec
	safeWarnings       *prometheus.CounterVec
	safeRowsRepaired   prometheus.Counter
	safeDrift          *prometheus.GaugeVec
	storageRetries     prometheus.Counter
	jobFailures        *prometheus.CounterVec
}

// New registers all collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		shiftsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shifts_closed_total",
			Help: "Shifts closed, by variance classification",
		}, []string{"classification"}),
		assignmentsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "assignments_skipped_total",
			Help: "Assignments excluded from settlement because of invalid meter readings",
		}),
		priceFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "price_fallback_total",
			Help: "Price resolutions that fell back to the default price",
		}),
		priceCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "price_cache_lookups_total",
			Help: "Price cache lookups by result",
		}, []string{"result"}),
		safePosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safe_transactions_posted_total",
			Help: "Safe transactions posted, by type",
		}, []string{"type"}),
		safeWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safe_warnings_total",
			Help: "Soft warnings raised while posting safe transactions",
		}, []string{"kind"}),
		safeRowsRepaired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "safe_rows_repaired_total",
			Help: "Stored safe balances rewritten by forward replay",
		}),
		safeDrift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "safe_balance_drift_rows",
			Help: "Rows whose stored balance disagrees with replay at the last audit",
		}, []string{"safe_id"}),
		storageRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storage_retries_total",
			Help: "Storage operations retried after a transient failure",
		}),
		jobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "job_failures_total",
			Help: "Background job attempts that failed",
		}, []string{"job"}),
	}

	registry.MustRegister(
		m.requestDuration, m.requestTotal,
		m.shiftsClosed, m.assignmentsSkipped,
		m.priceFallbacks, m.priceCache,
		m.safePosts, m.safeWarnings, m.safeRowsRepaired, m.safeDrift,
		m.storageRetries, m.jobFailures,
		collectors.NewGoCollector(),
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler exposes the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry returns the underlying registry (used by tests).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	s := strconv.Itoa(status)
	m.requestDuration.WithLabelValues(method, route, s).Observe(d.Seconds())
	m.requestTotal.WithLabelValues(method, route, s).Inc()
}

func (m *Metrics) ShiftClosed(classification string) {
	if m == nil {
		return
	}
	m.shiftsClosed.WithLabelValues(classification).Inc()
}

func (m *Metrics) AssignmentsSkipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.assignmentsSkipped.Add(float64(n))
}

func (m *Metrics) PriceFallback() {
	if m == nil {
		return
	}
	m.priceFallbacks.Inc()
}

func (m *Metrics) PriceCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.priceCache.WithLabelValues(result).Inc()
}

func (m *Metrics) SafePosted(txType string) {
	if m == nil {
		return
	}
	m.safePosts.WithLabelValues(txType).Inc()
}

func (m *Metrics) SafeWarning(kind string) {
	if m == nil {
		return
	}
	m.safeWarnings.WithLabelValues(kind).Inc()
}

func (m *Metrics) SafeRowsRepaired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.safeRowsRepaired.Add(float64(n))
}

func (m *Metrics) SafeDrift(safeID string, rows int) {
	if m == nil {
		return
	}
	m.safeDrift.WithLabelValues(safeID).Set(float64(rows))
}

func (m *Metrics) StorageRetry() {
	if m == nil {
		return
	}
	m.storageRetries.Inc()
}

func (m *Metrics) JobFailed(job string) {
	if m == nil {
		return
	}
	m.jobFailures.WithLabelValues(job).Inc()
}
