package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polyfed/polyfed/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Broker configuration
	Broker BrokerConfig `yaml:"broker"`

	// Store configuration
	Store StoreConfig `yaml:"store"`

	// Observability configuration
	Observability ObservabilityConfig `yaml:"observability"`

	// Webhooks configuration
	Webhooks WebhooksConfig `yaml:"webhooks"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"healthPort"`
}

// BrokerConfig holds the federation broker settings.
type BrokerConfig struct {
	// ExternalURL is the public base URL clients and identity providers
	// reach the broker at.
	ExternalURL string `yaml:"externalUrl"`

	// SAMLAudience is the entity ID the broker presents to identity
	// providers and the issuer of its own id_tokens.
	SAMLAudience string `yaml:"samlAudience"`

	RelayStatePrefix string `yaml:"relayStatePrefix"`

	SessionTTL time.Duration `yaml:"sessionTtl"`
	CodeTTL    time.Duration `yaml:"codeTtl"`
	TokenTTL   time.Duration `yaml:"tokenTtl"`

	// ClientSecretVerifier is the shared secret accepted at the token
	// endpoint when the caller cannot present per-connection credentials.
	ClientSecretVerifier string `yaml:"clientSecretVerifier"`

	// IdPEnabled allows IdP-initiated SAML logins.
	IdPEnabled bool `yaml:"idpEnabled"`

	// JWTSigningKeyFile and JWTSigningCertFile hold the PEM key pair used
	// to sign id_tokens. Both must be set for openid scoped exchanges.
	JWTSigningKeyFile  string `yaml:"jwtSigningKeyFile"`
	JWTSigningCertFile string `yaml:"jwtSigningCertFile"`
}

// StoreConfig holds the ephemeral key-value store settings.
type StoreConfig struct {
	// Type selects the backend: "memory" or "redis".
	Type string `yaml:"type"`

	RedisURL      string `yaml:"redisUrl"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDb"`
	RedisPoolSize int    `yaml:"redisPoolSize"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"logLevel"`
	MetricsEnabled bool   `yaml:"metricsEnabled"`
}

// Level returns the parsed log level, defaulting to info.
func (c ObservabilityConfig) Level() observability.LogLevel {
	return parseLogLevel(c.LogLevel)
}

// WebhooksConfig holds the connection lifecycle event sink settings.
type WebhooksConfig struct {
	Endpoint string `yaml:"endpoint"`
	Secret   string `yaml:"secret"`
}

// LoadConfig loads configuration from an optional YAML file pointed at by
// POLYFED_CONFIG_FILE, then overlays environment variables.
func LoadConfig() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("POLYFED_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Broker: BrokerConfig{
			RelayStatePrefix: "polyfed_",
			SessionTTL:       5 * time.Minute,
			CodeTTL:          3 * time.Minute,
			TokenTTL:         5 * time.Minute,
		},
		Store: StoreConfig{
			Type:     "memory",
			RedisURL: "localhost:6379",
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			MetricsEnabled: true,
		},
	}
}

func loadFromEnv(cfg *Config) {
	cfg.Server.Host = getEnv("POLYFED_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnv("POLYFED_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = getEnvDuration("POLYFED_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvDuration("POLYFED_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.IdleTimeout = getEnvDuration("POLYFED_IDLE_TIMEOUT", cfg.Server.IdleTimeout)
	cfg.Server.ShutdownTimeout = getEnvDuration("POLYFED_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	cfg.Server.HealthPort = getEnv("POLYFED_HEALTH_PORT", cfg.Server.HealthPort)

	cfg.Broker.ExternalURL = getEnv("POLYFED_EXTERNAL_URL", cfg.Broker.ExternalURL)
	cfg.Broker.SAMLAudience = getEnv("POLYFED_SAML_AUDIENCE", cfg.Broker.SAMLAudience)
	cfg.Broker.RelayStatePrefix = getEnv("POLYFED_RELAY_STATE_PREFIX", cfg.Broker.RelayStatePrefix)
	cfg.Broker.SessionTTL = getEnvDuration("POLYFED_SESSION_TTL", cfg.Broker.SessionTTL)
	cfg.Broker.CodeTTL = getEnvDuration("POLYFED_CODE_TTL", cfg.Broker.CodeTTL)
	cfg.Broker.TokenTTL = getEnvDuration("POLYFED_TOKEN_TTL", cfg.Broker.TokenTTL)
	cfg.Broker.ClientSecretVerifier = getEnv("POLYFED_CLIENT_SECRET_VERIFIER", cfg.Broker.ClientSecretVerifier)
	cfg.Broker.IdPEnabled = getEnvBool("POLYFED_IDP_ENABLED", cfg.Broker.IdPEnabled)
	cfg.Broker.JWTSigningKeyFile = getEnv("POLYFED_JWT_SIGNING_KEY_FILE", cfg.Broker.JWTSigningKeyFile)
	cfg.Broker.JWTSigningCertFile = getEnv("POLYFED_JWT_SIGNING_CERT_FILE", cfg.Broker.JWTSigningCertFile)

	cfg.Store.Type = getEnv("POLYFED_STORE_TYPE", cfg.Store.Type)
	cfg.Store.RedisURL = getEnv("POLYFED_REDIS_URL", cfg.Store.RedisURL)
	cfg.Store.RedisPassword = getEnv("POLYFED_REDIS_PASSWORD", cfg.Store.RedisPassword)
	cfg.Store.RedisDB = getEnvInt("POLYFED_REDIS_DB", cfg.Store.RedisDB)
	cfg.Store.RedisPoolSize = getEnvInt("POLYFED_REDIS_POOL_SIZE", cfg.Store.RedisPoolSize)

	cfg.Observability.LogLevel = getEnv("POLYFED_LOG_LEVEL", cfg.Observability.LogLevel)
	cfg.Observability.MetricsEnabled = getEnvBool("POLYFED_METRICS_ENABLED", cfg.Observability.MetricsEnabled)

	cfg.Webhooks.Endpoint = getEnv("POLYFED_WEBHOOK_ENDPOINT", cfg.Webhooks.Endpoint)
	cfg.Webhooks.Secret = getEnv("POLYFED_WEBHOOK_SECRET", cfg.Webhooks.Secret)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Broker.ExternalURL == "" {
		return fmt.Errorf("external URL is required")
	}
	if u, err := url.Parse(c.Broker.ExternalURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("external URL must be an absolute URL: %s", c.Broker.ExternalURL)
	}
	if c.Broker.SAMLAudience == "" {
		return fmt.Errorf("SAML audience is required")
	}
	if (c.Broker.JWTSigningKeyFile == "") != (c.Broker.JWTSigningCertFile == "") {
		return fmt.Errorf("JWT signing key and certificate files must be set together")
	}

	switch c.Store.Type {
	case "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("redis URL is required for redis store")
		}
	default:
		return fmt.Errorf("invalid store type: %s (must be memory or redis)", c.Store.Type)
	}

	if c.Webhooks.Endpoint != "" && c.Webhooks.Secret == "" {
		return fmt.Errorf("webhook secret is required when a webhook endpoint is set")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
