package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the main configuration struct combining all sub-configs.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Session   SessionConfig   `mapstructure:"session"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// DatabaseConfig configures the durable store.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver string `mapstructure:"driver" validate:"required,oneof=postgres memory"`
	URL    string `mapstructure:"url" validate:"required_if=Driver postgres"`
}

// RedisConfig configures the pending-due index backing.
type RedisConfig struct {
	// Driver is "redis" or "memory".
	Driver    string `mapstructure:"driver" validate:"required,oneof=redis memory"`
	Addr      string `mapstructure:"addr" validate:"required_if=Driver redis"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	QueueKey  string `mapstructure:"queue_key" validate:"required"`
	LegacyKey string `mapstructure:"legacy_key"`
}

// SchedulerConfig configures the assignment engine and health loop.
type SchedulerConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	HealthInterval   time.Duration `mapstructure:"health_interval" validate:"gt=0"`
	HeartbeatStale   time.Duration `mapstructure:"heartbeat_stale" validate:"gt=0"`
	HeartbeatOffline time.Duration `mapstructure:"heartbeat_offline" validate:"gt=0"`
}

// SessionConfig configures per-worker WebSocket sessions.
type SessionConfig struct {
	SendBuffer    int           `mapstructure:"send_buffer" validate:"gt=0"`
	ReadLimit     int64         `mapstructure:"read_limit" validate:"gt=0"`
	ReadDeadline  time.Duration `mapstructure:"read_deadline" validate:"gt=0"`
	WriteDeadline time.Duration `mapstructure:"write_deadline" validate:"gt=0"`
	PingInterval  time.Duration `mapstructure:"ping_interval" validate:"gt=0"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	JSONOutput bool   `mapstructure:"json_output"`
}

// LoadConfig loads configuration from multiple sources with priority:
// environment variables (PF_ prefix), then config file, then defaults.
func LoadConfig(configPath string) (*Config, error) {
	// Load .env if present; missing file is fine.
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/planetforge")
	}

	v.SetEnvPrefix("PF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is OK; env vars and defaults cover everything.
	}

	// DATABASE_URL and REDIS_ADDR are honored without the PF_ prefix so
	// platform-provided connection strings work unchanged.
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		v.Set("database.url", dbURL)
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		v.Set("redis.addr", redisAddr)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	SetDefaults(&cfg)

	if err := ValidateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
