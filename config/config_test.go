package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "DATABASE_URL", "AUTO_MIGRATE", "FLUSH_QUEUE_SIZE", "MAX_BODY_BYTES",
		"SHUTDOWN_TIMEOUT", "OTEL_ENABLED", "OTEL_SERVICE_NAME", "OTEL_SAMPLING_RATE",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL)
	assert.False(t, cfg.AutoMigrate)
	assert.Equal(t, 1024, cfg.FlushQueueSize)
	assert.Equal(t, int64(65536), cfg.MaxBodyBytes)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.OtelEnabled)
	assert.Equal(t, "credential-registry", cfg.OtelServiceName)
	assert.InDelta(t, 1.0, cfg.OtelSamplingRate, 0)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "sqlite://registry.db")
	t.Setenv("AUTO_MIGRATE", "true")
	t.Setenv("FLUSH_QUEUE_SIZE", "16")
	t.Setenv("MAX_BODY_BYTES", "1024")
	t.Setenv("SHUTDOWN_TIMEOUT", "5s")
	t.Setenv("OTEL_ENABLED", "1")
	t.Setenv("OTEL_SAMPLING_RATE", "0.25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "sqlite://registry.db", cfg.DatabaseURL)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, 16, cfg.FlushQueueSize)
	assert.Equal(t, int64(1024), cfg.MaxBodyBytes)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.OtelEnabled)
	assert.InDelta(t, 0.25, cfg.OtelSamplingRate, 1e-9)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("AUTO_MIGRATE", "sometimes")
	t.Setenv("FLUSH_QUEUE_SIZE", "0")
	t.Setenv("OTEL_SAMPLING_RATE", "2")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTO_MIGRATE")
	assert.Contains(t, err.Error(), "FLUSH_QUEUE_SIZE")
	assert.Contains(t, err.Error(), "OTEL_SAMPLING_RATE")
}
