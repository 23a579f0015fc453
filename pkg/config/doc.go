// Package config provides application configuration management.
//
// Configuration is loaded from an optional YAML file named by
// POLYFED_CONFIG_FILE, with environment variables overriding file values.
//
// # Configuration Structure
//
// Server settings:
//
//	POLYFED_HOST="0.0.0.0"
//	POLYFED_PORT="8080"
//	POLYFED_HEALTH_PORT="9090"
//	POLYFED_READ_TIMEOUT="15s"
//	POLYFED_WRITE_TIMEOUT="15s"
//
// Broker settings:
//
//	POLYFED_EXTERNAL_URL="https://broker.example.com"
//	POLYFED_SAML_AUDIENCE="https://saml.broker.example.com"
//	POLYFED_SESSION_TTL="5m"
//	POLYFED_CODE_TTL="3m"
//	POLYFED_TOKEN_TTL="5m"
//	POLYFED_CLIENT_SECRET_VERIFIER="..."
//	POLYFED_IDP_ENABLED="false"
//	POLYFED_JWT_SIGNING_KEY_FILE="/etc/polyfed/jwt.key"
//	POLYFED_JWT_SIGNING_CERT_FILE="/etc/polyfed/jwt.crt"
//
// Store settings:
//
//	POLYFED_STORE_TYPE="redis"  # memory, redis
//	POLYFED_REDIS_URL="localhost:6379"
//	POLYFED_REDIS_DB="0"
//
// Observability settings:
//
//	POLYFED_LOG_LEVEL="info"  # debug, info, warn, error
//	POLYFED_METRICS_ENABLED="true"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Store: %s\n", cfg.Store.Type)
package config
