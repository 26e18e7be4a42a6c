// Sensible defaults for every configuration section.
package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Handoff:   DefaultHandoffConfig(),
		Security:  DefaultSecurityConfig(),
		Queue:     DefaultQueueConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultHandoffConfig returns the default orchestration settings.
func DefaultHandoffConfig() HandoffConfig {
	return HandoffConfig{
		MaxContextBytes:     20000,
		ConfidenceThreshold: 0.7,
		SuggestionCacheTTL:  5 * time.Minute,
		ParallelCacheTTL:    5 * time.Minute,
		BranchTimeout:       30 * time.Second,
		MaxParallel:         8,
		RatePerSecond:       0,
		RateBurst:           1,
	}
}

// DefaultSecurityConfig returns an empty permission graph (default deny)
// with the standard sensitive-key list.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		Permissions:   map[string][]string{},
		SensitiveKeys: []string{"password", "token", "secret", "api_key", "apikey"},
		MaskValue:     "[REDACTED]",
	}
}

// DefaultQueueConfig returns the default async queue settings.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Workers: 4,
		Size:    256,
	}
}

// DefaultRedisConfig returns the default Redis settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig returns the default database settings.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "relayflow",
		Password:        "",
		Name:            "relayflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}
}

// DefaultLogConfig returns the default logging settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     false,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns telemetry disabled by default.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "relayflow",
		SampleRate:   1.0,
	}
}
