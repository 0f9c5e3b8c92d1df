package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 10*time.Second, cfg.RecentIDWindow)
	assert.Equal(t, 30*time.Second, cfg.CorrelationWindow)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.TracingEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("RECENT_ID_WINDOW", "5s")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://beta.example.com")

	cfg := Load()

	assert.Equal(t, "9090", cfg.ServerPort)
	assert.Equal(t, 5*time.Second, cfg.RecentIDWindow)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.True(t, cfg.TracingEnabled)
	assert.Equal(t, []string{"https://app.example.com", "https://beta.example.com"}, cfg.AllowedOrigins)
}

func TestLoadIgnoresInvalidValues(t *testing.T) {
	t.Setenv("REDIS_DB", "not-a-number")
	t.Setenv("RECENT_ID_WINDOW", "soon")
	t.Setenv("TRACING_ENABLED", "maybe")

	cfg := Load()

	assert.Equal(t, 0, cfg.RedisDB)
	assert.Equal(t, 10*time.Second, cfg.RecentIDWindow)
	assert.False(t, cfg.TracingEnabled)
}
