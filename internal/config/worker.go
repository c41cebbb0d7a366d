// Package config defines the typed, environment-driven configuration of
// the tradewind binaries. All variables carry the TW_ prefix.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/tradewind/tradewind/internal/env"
)

// Persistence backends selectable via TW_PERSISTENCE_BACKEND.
const (
	BackendNone     = "none"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// ErrDSNRequired is returned when the postgres backend is selected without
// a connection string.
var ErrDSNRequired = errors.New("TW_POSTGRES_DSN is required when TW_PERSISTENCE_BACKEND is 'postgres'")

// QueueConfig holds the workflow queue settings.
type QueueConfig struct {
	Name               string        `env:"TW_QUEUE_NAME" default:"workflows"`
	Concurrency        int           `env:"TW_QUEUE_CONCURRENCY" default:"5"`
	DefaultMaxAttempts int           `env:"TW_QUEUE_MAX_ATTEMPTS" default:"3"`
	StallInterval      time.Duration `env:"TW_QUEUE_STALL_INTERVAL" default:"30s"`
	StallTimeout       time.Duration `env:"TW_QUEUE_STALL_TIMEOUT" default:"5m"`
}

// Validate checks the queue settings.
func (c *QueueConfig) Validate() error {
	if c.Concurrency < 1 {
		return errors.New("TW_QUEUE_CONCURRENCY must be at least 1")
	}
	if c.DefaultMaxAttempts < 1 {
		return errors.New("TW_QUEUE_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// SchedulerConfig holds the scheduler settings.
type SchedulerConfig struct {
	Timezone            string `env:"TW_SCHEDULER_TIMEZONE" default:"UTC"`
	MaxGlobalConcurrent int    `env:"TW_SCHEDULER_MAX_GLOBAL_CONCURRENT" default:"10"`
	DefaultRetryOnFail  bool   `env:"TW_SCHEDULER_RETRY_ON_FAIL" default:"false"`
}

// PersistenceConfig selects and configures the durable gateway.
type PersistenceConfig struct {
	// Backend is one of none, postgres, sqlite.
	Backend     string `env:"TW_PERSISTENCE_BACKEND" default:"none"`
	PostgresDSN string `env:"TW_POSTGRES_DSN"`
	SQLitePath  string `env:"TW_SQLITE_PATH" default:"./tradewind.db"`

	// Connection pool settings (zero = gateway defaults).
	MaxOpenConns int `env:"TW_DB_MAX_OPEN_CONNS"`
	MaxIdleConns int `env:"TW_DB_MAX_IDLE_CONNS"`
}

// Validate checks backend selection consistency.
func (c *PersistenceConfig) Validate() error {
	switch c.Backend {
	case BackendNone:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return ErrDSNRequired
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return errors.New("TW_SQLITE_PATH is required when TW_PERSISTENCE_BACKEND is 'sqlite'")
		}
	default:
		return fmt.Errorf("unknown TW_PERSISTENCE_BACKEND: %s", c.Backend)
	}
	return nil
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	OTelEnabled  bool   `env:"TW_OTEL_ENABLED" default:"false"`
	OTelEndpoint string `env:"TW_OTEL_ENDPOINT" default:"localhost:4318"`
	Env          string `env:"TW_ENV" default:"dev"` // dev, prod
}

// WorkerConfig holds all configuration for the worker binary.
type WorkerConfig struct {
	Queue         QueueConfig
	Scheduler     SchedulerConfig
	Persistence   PersistenceConfig
	Observability ObservabilityConfig

	// ShutdownTimeout bounds the drain on SIGINT/SIGTERM.
	ShutdownTimeout time.Duration `env:"TW_SHUTDOWN_TIMEOUT" default:"30s"`
}

// LoadWorkerConfig loads and validates worker configuration from the
// environment.
func LoadWorkerConfig() (*WorkerConfig, error) {
	cfg := &WorkerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to load worker config: %w", err)
	}
	return cfg, nil
}
