package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := &Config{}
	SetDefaults(cfg)
	cfg.Database.URL = "postgres://localhost:5432/planetforge"
	return cfg
}

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	SetDefaults(cfg)

	assert.Equal(t, ":8000", cfg.Server.Addr)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "redis", cfg.Redis.Driver)
	assert.Equal(t, "planet_round_queue", cfg.Redis.QueueKey)
	assert.Equal(t, "map_calculation_queue", cfg.Redis.LegacyKey)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.HeartbeatStale)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.HeartbeatOffline)
	assert.Equal(t, 16, cfg.Session.SendBuffer)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestSetDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Addr = ":9090"
	cfg.Scheduler.TickInterval = time.Second
	SetDefaults(cfg)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval)
}

func TestValidateConfigAcceptsDefaults(t *testing.T) {
	require.NoError(t, ValidateConfig(validConfig()))
}

func TestValidateConfigPostgresRequiresURL(t *testing.T) {
	cfg := validConfig()
	cfg.Database.URL = ""

	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Database.URL")
}

func TestValidateConfigMemoryDriverNeedsNoURL(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Driver = "memory"
	cfg.Database.URL = ""
	cfg.Redis.Driver = "memory"
	cfg.Redis.Addr = ""

	require.NoError(t, ValidateConfig(cfg))
}

func TestValidateConfigRejectsUnknownDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Driver = "sqlite"

	err := ValidateConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oneof")
}

func TestValidateConfigRejectsBadLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "verbose"

	assert.Error(t, ValidateConfig(cfg))
}
