package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Timeout)
	assert.Equal(t, 30*time.Minute, cfg.Room.IdleTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Room.SweepInterval)
	assert.Equal(t, 1000, cfg.Room.MaxRooms)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_PORT", "9999")
	t.Setenv("HEARTBEAT_TIMEOUT_SEC", "45")
	t.Setenv("ROOM_IDLE_TIMEOUT_SEC", "600")
	t.Setenv("METRICS_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := LoadConfig()

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Heartbeat.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Room.IdleTimeout)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigIgnoresMalformedEnv(t *testing.T) {
	t.Setenv("RELAY_PORT", "not-a-number")
	t.Setenv("METRICS_ENABLED", "maybe")

	cfg := LoadConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Metrics.Enabled)
}
