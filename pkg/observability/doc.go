// Package observability provides structured logging, Prometheus metrics, and health probes.
//
// # Structured Logging
//
// Create logger:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.Info("server started")
//
// Context-aware logging:
//
//	logger.WithField("request_id", reqID).WithError(err).Error("request failed")
//
// # Prometheus Metrics
//
// Initialize metrics:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.HTTPRequestsTotal.WithLabelValues("GET", "/oauth/authorize", "302").Inc()
//
// Login flow metrics:
//
//	metrics.LoginRequestsTotal.WithLabelValues("saml", "oauth", "success").Inc()
//	metrics.TokenExchangesTotal.WithLabelValues("pkce", "success").Inc()
//
// # Health Checks
//
// Configure health checker:
//
//	checker := observability.NewHealthChecker()
//	checker.AddDependency("store", kv)
//	status := checker.Check(ctx)
package observability
