package config

import "time"

// DefaultConfig returns the default configuration: memory store, no auth, no
// history database, telemetry off.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Auth:      DefaultAuthConfig(),
		RateLimit: DefaultRateLimitConfig(),
		Store:     DefaultStoreConfig(),
		Database:  DefaultDatabaseConfig(),
		Workflow:  DefaultWorkflowConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default listener settings. WriteTimeout is
// zero so long-lived WebSocket connections are never cut by the server.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultAuthConfig returns auth disabled.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Enabled: false,
		Issuer:  "taskflow",
	}
}

// DefaultRateLimitConfig returns rate limiting disabled with sane limits for
// when it is switched on.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled: false,
		RPS:     50,
		Burst:   100,
	}
}

// DefaultStoreConfig returns the in-memory store with hourly cleanup.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:            "memory",
		Dir:             "./data/instances",
		Redis:           DefaultRedisConfig(),
		CleanupInterval: time.Hour,
		Retention:       24 * time.Hour,
	}
}

// DefaultRedisConfig returns local redis connection settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig returns history disabled (empty driver) with
// postgres-shaped connection defaults for when it is enabled.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "",
		Host:            "localhost",
		Port:            5432,
		User:            "taskflow",
		Password:        "",
		Name:            "taskflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultWorkflowConfig returns the default pipeline tuning.
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		ItemDelay:      500 * time.Millisecond,
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Recovery:       true,
	}
}

// DefaultLogConfig returns json logging at info level.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns telemetry disabled.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "taskflow",
		SampleRate:   0.1,
	}
}
