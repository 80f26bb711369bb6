package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Room      RoomConfig      `yaml:"room"`
	Relay     RelayConfig     `yaml:"relay"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// HeartbeatConfig controls liveness detection. Timeout must be several
// multiples of Interval so a single delayed pong does not evict a client.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type RoomConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxRooms      int           `yaml:"max_rooms"`
}

type RelayConfig struct {
	WSReadLimit     int64         `yaml:"ws_read_limit"`
	WSWriteTimeout  time.Duration `yaml:"ws_write_timeout"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	MaxUserIDLength int           `yaml:"max_user_id_length"`
	MaxNameLength   int           `yaml:"max_name_length"`
	MaxCaptionBytes int           `yaml:"max_caption_bytes"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            getEnv("RELAY_HOST", "0.0.0.0"),
			Port:            getEnvInt("RELAY_PORT", 8080),
			ReadTimeout:     time.Duration(getEnvInt("RELAY_READ_TIMEOUT", 30)) * time.Second,
			WriteTimeout:    time.Duration(getEnvInt("RELAY_WRITE_TIMEOUT", 30)) * time.Second,
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: time.Duration(getEnvInt("RELAY_SHUTDOWN_TIMEOUT", 10)) * time.Second,
		},
		Heartbeat: HeartbeatConfig{
			Interval: time.Duration(getEnvInt("HEARTBEAT_INTERVAL_SEC", 10)) * time.Second,
			Timeout:  time.Duration(getEnvInt("HEARTBEAT_TIMEOUT_SEC", 30)) * time.Second,
		},
		Room: RoomConfig{
			IdleTimeout:   time.Duration(getEnvInt("ROOM_IDLE_TIMEOUT_SEC", 1800)) * time.Second,
			SweepInterval: time.Duration(getEnvInt("ROOM_SWEEP_INTERVAL_SEC", 300)) * time.Second,
			MaxRooms:      getEnvInt("RELAY_MAX_ROOMS", 1000),
		},
		Relay: RelayConfig{
			WSReadLimit:     int64(getEnvInt("RELAY_WS_READ_LIMIT", 65536)),
			WSWriteTimeout:  time.Duration(getEnvInt("RELAY_WS_WRITE_TIMEOUT", 10)) * time.Second,
			RateLimitPerSec: float64(getEnvInt("RELAY_RATE_LIMIT_PER_SEC", 20)),
			RateLimitBurst:  getEnvInt("RELAY_RATE_LIMIT_BURST", 40),
			MaxUserIDLength: getEnvInt("RELAY_MAX_USER_ID_LENGTH", 128),
			MaxNameLength:   getEnvInt("RELAY_MAX_NAME_LENGTH", 128),
			MaxCaptionBytes: getEnvInt("RELAY_MAX_CAPTION_BYTES", 8192),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
