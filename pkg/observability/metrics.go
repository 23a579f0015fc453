package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	StoreErrorsTotal       *prometheus.CounterVec

	// Login flow metrics
	LoginRequestsTotal  *prometheus.CounterVec
	LoginDuration       *prometheus.HistogramVec
	LoginErrorsTotal    *prometheus.CounterVec
	TokenExchangesTotal *prometheus.CounterVec
	LogoutRequestsTotal *prometheus.CounterVec

	// Upstream provider metrics
	UpstreamRequestsTotal   *prometheus.CounterVec
	UpstreamRequestDuration *prometheus.HistogramVec
	DiscoveryCacheHitsTotal   prometheus.Counter
	DiscoveryCacheMissesTotal prometheus.Counter

	// Business metrics
	ConnectionsTotal   *prometheus.GaugeVec
	ActiveSessionsTotal prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyfed_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polyfed_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polyfed_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polyfed_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		// Store metrics
		StoreOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyfed_store_operations_total",
				Help: "Total number of key-value store operations",
			},
			[]string{"operation", "namespace", "status"},
		),
		StoreOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polyfed_store_operation_duration_seconds",
				Help:    "Key-value store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "namespace"},
		),
		StoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyfed_store_errors_total",
				Help: "Total number of key-value store errors",
			},
			[]string{"operation", "namespace"},
		),

		// Login flow metrics
		LoginRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyfed_login_requests_total",
				Help: "Total number of authorization requests by protocol",
			},
			[]string{"protocol", "flow", "status"},
		),
		LoginDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polyfed_login_duration_seconds",
				Help:    "Time from authorization request to code issuance",
				Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"protocol"},
		),
		LoginErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyfed_login_errors_total",
				Help: "Total number of failed login attempts",
			},
			[]string{"protocol", "reason"},
		),
		TokenExchangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyfed_token_exchanges_total",
				Help: "Total number of code-for-token exchanges",
			},
			[]string{"auth_method", "status"},
		),
		LogoutRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyfed_logout_requests_total",
				Help: "Total number of single logout requests",
			},
			[]string{"status"},
		),

		// Upstream provider metrics
		UpstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "polyfed_upstream_requests_total",
				Help: "Total number of requests to upstream identity providers",
			},
			[]string{"provider", "operation", "status"},
		),
		UpstreamRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "polyfed_upstream_request_duration_seconds",
				Help:    "Upstream identity provider request duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"provider", "operation"},
		),
		DiscoveryCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "polyfed_discovery_cache_hits_total",
				Help: "Total number of OIDC discovery document cache hits",
			},
		),
		DiscoveryCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "polyfed_discovery_cache_misses_total",
				Help: "Total number of OIDC discovery document cache misses",
			},
		),

		// Business metrics
		ConnectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "polyfed_connections_total",
				Help: "Number of registered identity provider connections",
			},
			[]string{"type"},
		),
		ActiveSessionsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "polyfed_active_sessions_total",
				Help: "Number of in-flight login sessions",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.StoreOperationsTotal,
		m.StoreOperationDuration,
		m.StoreErrorsTotal,
		m.LoginRequestsTotal,
		m.LoginDuration,
		m.LoginErrorsTotal,
		m.TokenExchangesTotal,
		m.LogoutRequestsTotal,
		m.UpstreamRequestsTotal,
		m.UpstreamRequestDuration,
		m.DiscoveryCacheHitsTotal,
		m.DiscoveryCacheMissesTotal,
		m.ConnectionsTotal,
		m.ActiveSessionsTotal,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status and size
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			// Record request size
			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(r.ContentLength))
			}

			// Serve the request
			next.ServeHTTP(rw, r)

			// Record metrics
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
