package config

import "time"

// SetDefaults sets default values for all configuration fields.
func SetDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8000"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}

	if cfg.Redis.Driver == "" {
		cfg.Redis.Driver = "redis"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.QueueKey == "" {
		cfg.Redis.QueueKey = "planet_round_queue"
	}
	if cfg.Redis.LegacyKey == "" {
		cfg.Redis.LegacyKey = "map_calculation_queue"
	}

	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = 5 * time.Second
	}
	if cfg.Scheduler.HealthInterval == 0 {
		cfg.Scheduler.HealthInterval = 5 * time.Second
	}
	if cfg.Scheduler.HeartbeatStale == 0 {
		cfg.Scheduler.HeartbeatStale = 30 * time.Second
	}
	if cfg.Scheduler.HeartbeatOffline == 0 {
		cfg.Scheduler.HeartbeatOffline = 60 * time.Second
	}

	if cfg.Session.SendBuffer == 0 {
		cfg.Session.SendBuffer = 16
	}
	if cfg.Session.ReadLimit == 0 {
		cfg.Session.ReadLimit = 64 * 1024
	}
	if cfg.Session.ReadDeadline == 0 {
		cfg.Session.ReadDeadline = 60 * time.Second
	}
	if cfg.Session.WriteDeadline == 0 {
		cfg.Session.WriteDeadline = 10 * time.Second
	}
	if cfg.Session.PingInterval == 0 {
		cfg.Session.PingInterval = 30 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}
