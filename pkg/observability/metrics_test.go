package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	t.Run("creates and registers all metrics", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		if metrics == nil {
			t.Fatal("NewMetrics returned nil")
		}

		// Verify HTTP metrics are initialized
		if metrics.HTTPRequestsTotal == nil {
			t.Error("HTTPRequestsTotal is nil")
		}
		if metrics.HTTPRequestDuration == nil {
			t.Error("HTTPRequestDuration is nil")
		}
		if metrics.HTTPRequestSize == nil {
			t.Error("HTTPRequestSize is nil")
		}
		if metrics.HTTPResponseSize == nil {
			t.Error("HTTPResponseSize is nil")
		}

		// Verify store metrics are initialized
		if metrics.StoreOperationsTotal == nil {
			t.Error("StoreOperationsTotal is nil")
		}
		if metrics.StoreOperationDuration == nil {
			t.Error("StoreOperationDuration is nil")
		}
		if metrics.StoreErrorsTotal == nil {
			t.Error("StoreErrorsTotal is nil")
		}

		// Verify login flow metrics are initialized
		if metrics.LoginRequestsTotal == nil {
			t.Error("LoginRequestsTotal is nil")
		}
		if metrics.LoginDuration == nil {
			t.Error("LoginDuration is nil")
		}
		if metrics.LoginErrorsTotal == nil {
			t.Error("LoginErrorsTotal is nil")
		}
		if metrics.TokenExchangesTotal == nil {
			t.Error("TokenExchangesTotal is nil")
		}
		if metrics.LogoutRequestsTotal == nil {
			t.Error("LogoutRequestsTotal is nil")
		}

		// Verify upstream metrics are initialized
		if metrics.UpstreamRequestsTotal == nil {
			t.Error("UpstreamRequestsTotal is nil")
		}
		if metrics.UpstreamRequestDuration == nil {
			t.Error("UpstreamRequestDuration is nil")
		}
		if metrics.DiscoveryCacheHitsTotal == nil {
			t.Error("DiscoveryCacheHitsTotal is nil")
		}
		if metrics.DiscoveryCacheMissesTotal == nil {
			t.Error("DiscoveryCacheMissesTotal is nil")
		}

		// Verify business metrics are initialized
		if metrics.ConnectionsTotal == nil {
			t.Error("ConnectionsTotal is nil")
		}
		if metrics.ActiveSessionsTotal == nil {
			t.Error("ActiveSessionsTotal is nil")
		}
	})

	t.Run("metrics are registered with registry", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		// Initialize some metrics to make them appear in Gather()
		metrics.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Add(0)
		metrics.StoreOperationsTotal.WithLabelValues("get", "sessions", "success").Add(0)
		metrics.LoginRequestsTotal.WithLabelValues("saml", "oauth", "success").Add(0)
		metrics.TokenExchangesTotal.WithLabelValues("pkce", "success").Add(0)
		metrics.ConnectionsTotal.WithLabelValues("saml").Set(0)
		metrics.ActiveSessionsTotal.Set(0)

		families, err := registry.Gather()
		if err != nil {
			t.Fatalf("Failed to gather metrics: %v", err)
		}

		if len(families) == 0 {
			t.Error("No metrics registered in registry")
		}

		metricNames := make(map[string]bool)
		for _, family := range families {
			metricNames[family.GetName()] = true
		}

		expectedMetrics := []string{
			"polyfed_http_requests_total",
			"polyfed_store_operations_total",
			"polyfed_login_requests_total",
			"polyfed_token_exchanges_total",
			"polyfed_connections_total",
			"polyfed_active_sessions_total",
		}

		for _, name := range expectedMetrics {
			if !metricNames[name] {
				t.Errorf("Expected metric %s not found in registry", name)
			}
		}
	})

	t.Run("panics on duplicate registration", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		NewMetrics(registry)

		defer func() {
			if r := recover(); r == nil {
				t.Error("Expected panic on duplicate registration, but didn't panic")
			}
		}()

		NewMetrics(registry)
	})
}

func TestMetrics_LoginMetrics(t *testing.T) {
	t.Run("record login requests", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.LoginRequestsTotal.WithLabelValues("saml", "oauth", "success").Inc()
		metrics.LoginRequestsTotal.WithLabelValues("oidc", "oauth", "success").Inc()

		expected := `
# HELP polyfed_login_requests_total Total number of authorization requests by protocol
# TYPE polyfed_login_requests_total counter
polyfed_login_requests_total{flow="oauth",protocol="oidc",status="success"} 1
polyfed_login_requests_total{flow="oauth",protocol="saml",status="success"} 1
`
		if err := testutil.CollectAndCompare(metrics.LoginRequestsTotal, strings.NewReader(expected)); err != nil {
			t.Errorf("Unexpected metric value: %v", err)
		}
	})

	t.Run("record login errors", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.LoginErrorsTotal.WithLabelValues("saml", "invalid_signature").Inc()

		expected := `
# HELP polyfed_login_errors_total Total number of failed login attempts
# TYPE polyfed_login_errors_total counter
polyfed_login_errors_total{protocol="saml",reason="invalid_signature"} 1
`
		if err := testutil.CollectAndCompare(metrics.LoginErrorsTotal, strings.NewReader(expected)); err != nil {
			t.Errorf("Unexpected metric value: %v", err)
		}
	})

	t.Run("record token exchanges", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.TokenExchangesTotal.WithLabelValues("pkce", "success").Inc()
		metrics.TokenExchangesTotal.WithLabelValues("client_secret", "failure").Inc()

		count := testutil.CollectAndCount(metrics.TokenExchangesTotal)
		if count != 2 {
			t.Errorf("Expected 2 metrics, got %d", count)
		}
	})

	t.Run("observe login duration", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.LoginDuration.WithLabelValues("saml").Observe(2.5)
		metrics.LoginDuration.WithLabelValues("oidc").Observe(1.0)

		count := testutil.CollectAndCount(metrics.LoginDuration)
		if count != 2 {
			t.Errorf("Expected 2 metric families, got %d", count)
		}
	})
}

func TestMetrics_StoreMetrics(t *testing.T) {
	t.Run("record store operations", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.StoreOperationsTotal.WithLabelValues("get", "sessions", "success").Inc()
		metrics.StoreOperationsTotal.WithLabelValues("put", "codes", "success").Inc()

		expected := `
# HELP polyfed_store_operations_total Total number of key-value store operations
# TYPE polyfed_store_operations_total counter
polyfed_store_operations_total{namespace="codes",operation="put",status="success"} 1
polyfed_store_operations_total{namespace="sessions",operation="get",status="success"} 1
`
		if err := testutil.CollectAndCompare(metrics.StoreOperationsTotal, strings.NewReader(expected)); err != nil {
			t.Errorf("Unexpected metric value: %v", err)
		}
	})

	t.Run("record store errors", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.StoreErrorsTotal.WithLabelValues("put", "tokens").Inc()

		expected := `
# HELP polyfed_store_errors_total Total number of key-value store errors
# TYPE polyfed_store_errors_total counter
polyfed_store_errors_total{namespace="tokens",operation="put"} 1
`
		if err := testutil.CollectAndCompare(metrics.StoreErrorsTotal, strings.NewReader(expected)); err != nil {
			t.Errorf("Unexpected metric value: %v", err)
		}
	})
}

func TestMetrics_UpstreamMetrics(t *testing.T) {
	t.Run("record upstream requests", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.UpstreamRequestsTotal.WithLabelValues("okta.example.com", "token", "success").Inc()

		expected := `
# HELP polyfed_upstream_requests_total Total number of requests to upstream identity providers
# TYPE polyfed_upstream_requests_total counter
polyfed_upstream_requests_total{operation="token",provider="okta.example.com",status="success"} 1
`
		if err := testutil.CollectAndCompare(metrics.UpstreamRequestsTotal, strings.NewReader(expected)); err != nil {
			t.Errorf("Unexpected metric value: %v", err)
		}
	})

	t.Run("discovery cache counters", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.DiscoveryCacheHitsTotal.Inc()
		metrics.DiscoveryCacheHitsTotal.Inc()
		metrics.DiscoveryCacheMissesTotal.Inc()

		if got := testutil.ToFloat64(metrics.DiscoveryCacheHitsTotal); got != 2 {
			t.Errorf("Expected 2 cache hits, got %v", got)
		}
		if got := testutil.ToFloat64(metrics.DiscoveryCacheMissesTotal); got != 1 {
			t.Errorf("Expected 1 cache miss, got %v", got)
		}
	})
}

func TestMetrics_BusinessMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.ConnectionsTotal.WithLabelValues("saml").Set(12)
	metrics.ConnectionsTotal.WithLabelValues("oidc").Set(3)
	metrics.ActiveSessionsTotal.Set(25)

	expected := `
# HELP polyfed_connections_total Number of registered identity provider connections
# TYPE polyfed_connections_total gauge
polyfed_connections_total{type="oidc"} 3
polyfed_connections_total{type="saml"} 12
`
	if err := testutil.CollectAndCompare(metrics.ConnectionsTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}

	expected = `
# HELP polyfed_active_sessions_total Number of in-flight login sessions
# TYPE polyfed_active_sessions_total gauge
polyfed_active_sessions_total 25
`
	if err := testutil.CollectAndCompare(metrics.ActiveSessionsTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestResponseWriter(t *testing.T) {
	t.Run("captures status code", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		rw := &responseWriter{
			ResponseWriter: recorder,
			statusCode:     http.StatusOK,
		}

		rw.WriteHeader(http.StatusCreated)

		if rw.statusCode != http.StatusCreated {
			t.Errorf("Expected status code %d, got %d", http.StatusCreated, rw.statusCode)
		}

		if recorder.Code != http.StatusCreated {
			t.Errorf("Expected recorder status code %d, got %d", http.StatusCreated, recorder.Code)
		}
	})

	t.Run("captures bytes written", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		rw := &responseWriter{
			ResponseWriter: recorder,
			statusCode:     http.StatusOK,
		}

		data := []byte("Hello, World!")
		n, err := rw.Write(data)

		if err != nil {
			t.Errorf("Unexpected error: %v", err)
		}

		if n != len(data) {
			t.Errorf("Expected %d bytes written, got %d", len(data), n)
		}

		if rw.bytesWritten != len(data) {
			t.Errorf("Expected %d bytes tracked, got %d", len(data), rw.bytesWritten)
		}
	})

	t.Run("accumulates bytes across multiple writes", func(t *testing.T) {
		recorder := httptest.NewRecorder()
		rw := &responseWriter{
			ResponseWriter: recorder,
			statusCode:     http.StatusOK,
		}

		rw.Write([]byte("Hello, "))
		rw.Write([]byte("World!"))

		expected := len("Hello, ") + len("World!")
		if rw.bytesWritten != expected {
			t.Errorf("Expected %d bytes written, got %d", expected, rw.bytesWritten)
		}
	})
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	t.Run("records HTTP metrics", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})

		middleware := HTTPMetricsMiddleware(metrics)
		wrappedHandler := middleware(handler)

		req := httptest.NewRequest("GET", "/test", nil)
		rec := httptest.NewRecorder()

		wrappedHandler.ServeHTTP(rec, req)

		expected := `
# HELP polyfed_http_requests_total Total number of HTTP requests
# TYPE polyfed_http_requests_total counter
polyfed_http_requests_total{method="GET",path="/test",status="200"} 1
`
		if err := testutil.CollectAndCompare(metrics.HTTPRequestsTotal, strings.NewReader(expected)); err != nil {
			t.Errorf("Unexpected counter value: %v", err)
		}

		count := testutil.CollectAndCount(metrics.HTTPRequestDuration)
		if count != 1 {
			t.Errorf("Expected 1 duration metric, got %d", count)
		}

		count = testutil.CollectAndCount(metrics.HTTPResponseSize)
		if count != 1 {
			t.Errorf("Expected 1 response size metric, got %d", count)
		}
	})

	t.Run("records different status codes", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		testCases := []struct {
			statusCode int
			path       string
		}{
			{http.StatusOK, "/ok"},
			{http.StatusNotFound, "/notfound"},
			{http.StatusInternalServerError, "/error"},
		}

		middleware := HTTPMetricsMiddleware(metrics)

		for _, tc := range testCases {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
			})

			wrappedHandler := middleware(handler)
			req := httptest.NewRequest("GET", tc.path, nil)
			rec := httptest.NewRecorder()

			wrappedHandler.ServeHTTP(rec, req)
		}

		count := testutil.CollectAndCount(metrics.HTTPRequestsTotal)
		if count != 3 {
			t.Errorf("Expected 3 metrics, got %d", count)
		}
	})

	t.Run("records request size with content length", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		middleware := HTTPMetricsMiddleware(metrics)
		wrappedHandler := middleware(handler)

		body := strings.NewReader("grant_type=authorization_code&code=abc")
		req := httptest.NewRequest("POST", "/oauth/token", body)
		req.ContentLength = int64(body.Len())
		rec := httptest.NewRecorder()

		wrappedHandler.ServeHTTP(rec, req)

		count := testutil.CollectAndCount(metrics.HTTPRequestSize)
		if count != 1 {
			t.Errorf("Expected 1 request size metric, got %d", count)
		}
	})

	t.Run("skips request size when content length is 0", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		middleware := HTTPMetricsMiddleware(metrics)
		wrappedHandler := middleware(handler)

		req := httptest.NewRequest("GET", "/test", nil)
		rec := httptest.NewRecorder()

		wrappedHandler.ServeHTTP(rec, req)

		count := testutil.CollectAndCount(metrics.HTTPRequestSize)
		if count != 0 {
			t.Errorf("Expected 0 request size metrics, got %d", count)
		}
	})

	t.Run("measures request duration", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(10 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		})

		middleware := HTTPMetricsMiddleware(metrics)
		wrappedHandler := middleware(handler)

		req := httptest.NewRequest("GET", "/slow", nil)
		rec := httptest.NewRecorder()

		start := time.Now()
		wrappedHandler.ServeHTTP(rec, req)
		elapsed := time.Since(start)

		if elapsed < 10*time.Millisecond {
			t.Error("Expected handler to take at least 10ms")
		}

		count := testutil.CollectAndCount(metrics.HTTPRequestDuration)
		if count != 1 {
			t.Errorf("Expected 1 duration metric, got %d", count)
		}
	})

	t.Run("handles multiple requests", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		middleware := HTTPMetricsMiddleware(metrics)
		wrappedHandler := middleware(handler)

		for i := 0; i < 5; i++ {
			req := httptest.NewRequest("GET", "/test", nil)
			rec := httptest.NewRecorder()
			wrappedHandler.ServeHTTP(rec, req)
		}

		expected := `
# HELP polyfed_http_requests_total Total number of HTTP requests
# TYPE polyfed_http_requests_total counter
polyfed_http_requests_total{method="GET",path="/test",status="200"} 5
`
		if err := testutil.CollectAndCompare(metrics.HTTPRequestsTotal, strings.NewReader(expected)); err != nil {
			t.Errorf("Unexpected counter value: %v", err)
		}
	})
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	t.Run("registers metrics endpoint", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)

		metrics.ActiveSessionsTotal.Set(42)
		metrics.HTTPRequestsTotal.WithLabelValues("GET", "/api", "200").Inc()

		mux := http.NewServeMux()
		RegisterMetricsEndpoint(mux, registry)

		req := httptest.NewRequest("GET", "/metrics", nil)
		rec := httptest.NewRecorder()

		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("Expected status code %d, got %d", http.StatusOK, rec.Code)
		}

		body := rec.Body.String()

		if !strings.Contains(body, "polyfed_active_sessions_total") {
			t.Error("Expected polyfed_active_sessions_total in metrics output")
		}

		if !strings.Contains(body, "polyfed_active_sessions_total 42") {
			t.Error("Expected polyfed_active_sessions_total value to be 42")
		}

		if !strings.Contains(body, "polyfed_http_requests_total") {
			t.Error("Expected polyfed_http_requests_total in metrics output")
		}
	})

	t.Run("metrics endpoint returns prometheus format", func(t *testing.T) {
		registry := prometheus.NewRegistry()
		metrics := NewMetrics(registry)
		metrics.ActiveSessionsTotal.Set(0)

		mux := http.NewServeMux()
		RegisterMetricsEndpoint(mux, registry)

		req := httptest.NewRequest("GET", "/metrics", nil)
		rec := httptest.NewRecorder()

		mux.ServeHTTP(rec, req)

		contentType := rec.Header().Get("Content-Type")
		if !strings.Contains(contentType, "text/plain") {
			t.Errorf("Expected Content-Type to contain text/plain, got %s", contentType)
		}

		body := rec.Body.String()

		if !strings.Contains(body, "# HELP") {
			t.Error("Expected # HELP lines in output")
		}

		if !strings.Contains(body, "# TYPE") {
			t.Error("Expected # TYPE lines in output")
		}
	})
}

func TestMetrics_Integration(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	appHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("{}"))
	})

	middleware := HTTPMetricsMiddleware(metrics)
	wrappedHandler := middleware(appHandler)

	mux := http.NewServeMux()
	mux.Handle("/oauth/authorize", wrappedHandler)
	RegisterMetricsEndpoint(mux, registry)

	req := httptest.NewRequest("GET", "/oauth/authorize", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status code %d, got %d", http.StatusOK, rec.Code)
	}

	metricsReq := httptest.NewRequest("GET", "/metrics", nil)
	metricsRec := httptest.NewRecorder()
	mux.ServeHTTP(metricsRec, metricsReq)

	body := metricsRec.Body.String()

	if !strings.Contains(body, "polyfed_http_requests_total") {
		t.Error("Expected polyfed_http_requests_total in metrics")
	}

	if !strings.Contains(body, `path="/oauth/authorize"`) {
		t.Error("Expected /oauth/authorize path label in metrics")
	}

	if !strings.Contains(body, `status="200"`) {
		t.Error("Expected 200 status label in metrics")
	}
}

func BenchmarkHTTPMetricsMiddleware(b *testing.B) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	middleware := HTTPMetricsMiddleware(metrics)
	wrappedHandler := middleware(handler)

	req := httptest.NewRequest("GET", "/test", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rec := httptest.NewRecorder()
		wrappedHandler.ServeHTTP(rec, req)
	}
}
