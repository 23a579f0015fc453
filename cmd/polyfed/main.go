package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/polyfed/polyfed/pkg/api"
	"github.com/polyfed/polyfed/pkg/broker"
	"github.com/polyfed/polyfed/pkg/certs"
	"github.com/polyfed/polyfed/pkg/config"
	"github.com/polyfed/polyfed/pkg/connection"
	"github.com/polyfed/polyfed/pkg/observability"
	"github.com/polyfed/polyfed/pkg/oidcrelay"
	"github.com/polyfed/polyfed/pkg/store"
	"github.com/polyfed/polyfed/pkg/webhooks"
)

func main() {
	configFile := flag.String("config", "", "Path to a YAML config file (overrides POLYFED_CONFIG_FILE)")
	flag.Parse()

	startup := setupStartupLogger()

	if *configFile != "" {
		os.Setenv("POLYFED_CONFIG_FILE", *configFile)
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		startup.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		startup.Fatalf("Invalid configuration: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Observability.LogLevel); err == nil {
		startup.SetLevel(level)
	}

	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout)

	kv, err := openStore(cfg.Store)
	if err != nil {
		startup.Fatalf("Failed to open %s store: %v", cfg.Store.Type, err)
	}
	startup.Infof("Connected to %s store", cfg.Store.Type)

	brokerCfg, err := buildBrokerConfig(cfg.Broker)
	if err != nil {
		startup.Fatalf("Failed to load signing keys: %v", err)
	}

	// Webhook manager doubles as the connection lifecycle event sink.
	manager := webhooks.NewWebhookManager(logger)
	webhookCtx, stopWebhooks := context.WithCancel(context.Background())
	manager.StartRetryWorker(webhookCtx)
	if cfg.Webhooks.Endpoint != "" {
		if err := registerConfiguredWebhook(manager, cfg.Webhooks); err != nil {
			startup.Fatalf("Failed to register configured webhook: %v", err)
		}
		startup.Infof("Connection events will be delivered to %s", cfg.Webhooks.Endpoint)
	}

	registry := connection.NewRegistry(kv, webhooks.NewSink(manager))
	resolver := connection.NewResolver(registry, api.DiscoveryPath)
	oauth := broker.NewOAuthBroker(brokerCfg, kv, registry, resolver, oidcrelay.NewRelay(), logger)
	logout := broker.NewLogoutBroker(brokerCfg, kv, registry, logger)

	promRegistry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(promRegistry)
	}

	srv := api.NewServer(api.Options{
		Broker:   brokerCfg,
		Registry: registry,
		Resolver: resolver,
		OAuth:    oauth,
		Logout:   logout,
		Logger:   logger,
		Metrics:  metrics,
		Webhooks: webhooks.NewWebhookHandlers(manager),
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthServer := newHealthServer(cfg, kv, promRegistry)

	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startup.Fatalf("Health server failed: %v", err)
		}
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startup.Fatalf("Server failed: %v", err)
		}
	}()

	startup.Infof("polyfed listening on %s (health/metrics on :%s), external URL %s",
		httpServer.Addr, cfg.Server.HealthPort, cfg.Broker.ExternalURL)

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("health server", func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdown.RegisterShutdownFunc("webhook workers", func(context.Context) error {
		stopWebhooks()
		manager.StopRetryWorker()
		return nil
	})
	shutdown.RegisterShutdownFunc("session store", func(context.Context) error {
		return kv.Close()
	})

	if err := shutdown.WaitForShutdown(); err != nil {
		startup.Fatalf("Shutdown failed: %v", err)
	}
}

func setupStartupLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return logger
}

func openStore(cfg config.StoreConfig) (store.KV, error) {
	if cfg.Type == "redis" {
		return store.NewRedisStoreWithOptions(cfg.RedisURL, "polyfed", store.RedisOptions{
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: cfg.RedisPoolSize,
		})
	}
	return store.NewMemoryStore(), nil
}

// buildBrokerConfig maps the file/env configuration onto the broker
// settings, loading the id_token signing key pair when one is configured.
func buildBrokerConfig(bc config.BrokerConfig) (broker.Config, error) {
	cfg := broker.Config{
		ExternalURL:          bc.ExternalURL,
		SAMLAudience:         bc.SAMLAudience,
		RelayStatePrefix:     bc.RelayStatePrefix,
		SessionTTL:           bc.SessionTTL,
		CodeTTL:              bc.CodeTTL,
		TokenTTL:             bc.TokenTTL,
		ClientSecretVerifier: bc.ClientSecretVerifier,
		IdPEnabled:           bc.IdPEnabled,
	}

	if bc.JWTSigningKeyFile == "" {
		return cfg, nil
	}

	key, err := os.ReadFile(bc.JWTSigningKeyFile)
	if err != nil {
		return cfg, fmt.Errorf("reading signing key: %w", err)
	}
	cert, err := os.ReadFile(bc.JWTSigningCertFile)
	if err != nil {
		return cfg, fmt.Errorf("reading signing certificate: %w", err)
	}

	pair := certs.KeyPair{PublicKey: string(cert), PrivateKey: string(key)}
	if _, err := certs.ParsePrivateKey(pair.PrivateKey); err != nil {
		return cfg, fmt.Errorf("invalid signing key: %w", err)
	}
	if _, err := certs.ParseCertificate(pair.PublicKey); err != nil {
		return cfg, fmt.Errorf("invalid signing certificate: %w", err)
	}
	cfg.JWTSigningKeys = &pair
	return cfg, nil
}

// registerConfiguredWebhook subscribes the endpoint from the configuration
// to every event the broker emits.
func registerConfiguredWebhook(manager *webhooks.WebhookManager, cfg config.WebhooksConfig) error {
	return manager.RegisterWebhook(&webhooks.Webhook{
		URL:    cfg.Endpoint,
		Secret: cfg.Secret,
		Events: []webhooks.EventType{
			webhooks.EventConnectionCreated,
			webhooks.EventConnectionUpdated,
			webhooks.EventConnectionDeleted,
			webhooks.EventConnectionActivated,
			webhooks.EventConnectionDeactivated,
			webhooks.EventCertsRotated,
			webhooks.EventLoginFailed,
			webhooks.EventLogoutCompleted,
		},
		Description: "configured event sink",
	})
}

func newHealthServer(cfg *config.Config, kv store.KV, promRegistry *prometheus.Registry) *http.Server {
	checker := observability.NewHealthChecker()
	checker.AddDependency("store", kv)

	mux := http.NewServeMux()
	observability.RegisterHealthRoutes(mux, checker)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(mux, promRegistry)
	}

	return &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: mux,
	}
}
