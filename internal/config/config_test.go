package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWorkerConfigDefaults(t *testing.T) {
	cfg, err := LoadWorkerConfig()
	require.NoError(t, err)

	assert.Equal(t, "workflows", cfg.Queue.Name)
	assert.Equal(t, 5, cfg.Queue.Concurrency)
	assert.Equal(t, 3, cfg.Queue.DefaultMaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Queue.StallInterval)
	assert.Equal(t, 5*time.Minute, cfg.Queue.StallTimeout)

	assert.Equal(t, "UTC", cfg.Scheduler.Timezone)
	assert.Equal(t, 10, cfg.Scheduler.MaxGlobalConcurrent)
	assert.False(t, cfg.Scheduler.DefaultRetryOnFail)

	assert.Equal(t, BackendNone, cfg.Persistence.Backend)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestLoadWorkerConfigFromEnv(t *testing.T) {
	t.Setenv("TW_QUEUE_CONCURRENCY", "12")
	t.Setenv("TW_QUEUE_STALL_TIMEOUT", "90s")
	t.Setenv("TW_PERSISTENCE_BACKEND", "sqlite")
	t.Setenv("TW_SQLITE_PATH", "/var/lib/tradewind/queue.db")
	t.Setenv("TW_SCHEDULER_MAX_GLOBAL_CONCURRENT", "3")

	cfg, err := LoadWorkerConfig()
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Queue.Concurrency)
	assert.Equal(t, 90*time.Second, cfg.Queue.StallTimeout)
	assert.Equal(t, BackendSQLite, cfg.Persistence.Backend)
	assert.Equal(t, "/var/lib/tradewind/queue.db", cfg.Persistence.SQLitePath)
	assert.Equal(t, 3, cfg.Scheduler.MaxGlobalConcurrent)
}

func TestWorkerConfigValidation(t *testing.T) {
	t.Run("postgres requires dsn", func(t *testing.T) {
		t.Setenv("TW_PERSISTENCE_BACKEND", "postgres")
		_, err := LoadWorkerConfig()
		assert.ErrorIs(t, err, ErrDSNRequired)
	})

	t.Run("unknown backend", func(t *testing.T) {
		t.Setenv("TW_PERSISTENCE_BACKEND", "redis")
		_, err := LoadWorkerConfig()
		assert.Error(t, err)
	})

	t.Run("zero concurrency", func(t *testing.T) {
		t.Setenv("TW_QUEUE_CONCURRENCY", "0")
		_, err := LoadWorkerConfig()
		assert.Error(t, err)
	})
}

func TestLoadBacktestConfigDefaults(t *testing.T) {
	cfg, err := LoadBacktestConfig()
	require.NoError(t, err)

	assert.Equal(t, StorageFS, cfg.Storage.Type)
	assert.Equal(t, "./tradewind-data", cfg.Storage.FSDir)
	assert.Equal(t, 100_000.0, cfg.InitialCapital)
	assert.Equal(t, 0.001, cfg.Commission)
	assert.Equal(t, 5, cfg.MaxPositions)
	assert.Equal(t, "percent", cfg.PositionSizing)
}

func TestLoadBacktestConfigGCSRequiresBucket(t *testing.T) {
	t.Setenv("TW_STORAGE_TYPE", "gcs")
	_, err := LoadBacktestConfig()
	assert.Error(t, err)

	t.Setenv("TW_GCS_BUCKET", "tradewind-market-data")
	cfg, err := LoadBacktestConfig()
	require.NoError(t, err)
	assert.Equal(t, "tradewind-market-data", cfg.Storage.GCSBucket)
}
