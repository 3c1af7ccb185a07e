// Package config provides configuration management for PulseTrader.
// This file centralizes default port constants so binaries and compose
// files stay in agreement.
package config

// Service ports
const (
	// APIServerPort is the default port for the REST/WebSocket API server.
	APIServerPort = 8090

	// MetricsPort is the default port for the Prometheus metrics server.
	MetricsPort = 9091
)

// Infrastructure ports
const (
	// PostgresPort is the default port for PostgreSQL.
	PostgresPort = 5432

	// RedisPort is the default port for Redis.
	RedisPort = 6379

	// NATSPort is the default port for NATS messaging.
	NATSPort = 4222

	// VaultPort is the default port for HashiCorp Vault.
	VaultPort = 8200
)
