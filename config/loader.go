// Package config provides unified configuration loading for relayflow.
// Supports YAML files with environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("RELAYFLOW").
//	    Load()
//
// Precedence: defaults → YAML file → environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete relayflow configuration.
type Config struct {
	// Handoff controls the orchestration engine itself.
	Handoff HandoffConfig `yaml:"handoff" env:"HANDOFF"`

	// Security holds the permission graph and sensitive-key list.
	Security SecurityConfig `yaml:"security" env:"SECURITY"`

	// Queue configures the async handoff worker pool.
	Queue QueueConfig `yaml:"queue" env:"QUEUE"`

	// Redis cache / state backend configuration.
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database configuration for the GORM state backend.
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Log configuration.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry (OpenTelemetry) configuration.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// HandoffConfig tunes validation limits, routing thresholds and caches.
type HandoffConfig struct {
	// MaxContextBytes is the hard limit on serialized context size.
	// Oversized contexts are rejected, never truncated.
	MaxContextBytes int `yaml:"max_context_bytes" env:"MAX_CONTEXT_BYTES"`

	// ConfidenceThreshold is the minimum suggestion confidence acted upon.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" env:"CONFIDENCE_THRESHOLD"`

	// SuggestionCacheTTL bounds reuse of cached suggestions.
	SuggestionCacheTTL time.Duration `yaml:"suggestion_cache_ttl" env:"SUGGESTION_CACHE_TTL"`

	// ParallelCacheTTL bounds reuse of cached parallel results.
	ParallelCacheTTL time.Duration `yaml:"parallel_cache_ttl" env:"PARALLEL_CACHE_TTL"`

	// BranchTimeout is the per-branch timeout for parallel handoffs.
	BranchTimeout time.Duration `yaml:"branch_timeout" env:"BRANCH_TIMEOUT"`

	// MaxParallel bounds concurrently executing parallel branches.
	// 0 means one goroutine per target with no cap.
	MaxParallel int `yaml:"max_parallel" env:"MAX_PARALLEL"`

	// RatePerSecond throttles Handle calls when positive. 0 disables.
	RatePerSecond float64 `yaml:"rate_per_second" env:"RATE_PER_SECOND"`

	// RateBurst is the burst size for the rate limiter.
	RateBurst int `yaml:"rate_burst" env:"RATE_BURST"`
}

// SecurityConfig supplies the permission graph and redaction list.
type SecurityConfig struct {
	// Permissions maps a source agent id to the target ids it may hand to.
	// Default deny: pairs not listed are refused.
	Permissions map[string][]string `yaml:"permissions" env:"-"`

	// SensitiveKeys are substrings of context keys redacted before
	// persistence, logging and tracing.
	SensitiveKeys []string `yaml:"sensitive_keys" env:"SENSITIVE_KEYS"`

	// MaskValue replaces redacted values when non-empty; empty drops the key.
	MaskValue string `yaml:"mask_value" env:"MASK_VALUE"`
}

// QueueConfig configures the async handoff queue.
type QueueConfig struct {
	// Workers is the number of background workers draining the queue.
	Workers int `yaml:"workers" env:"WORKERS"`

	// Size is the bounded queue capacity.
	Size int `yaml:"size" env:"SIZE"`
}

// RedisConfig configures Redis-backed caches and state stores.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig configures the GORM conversation state backend.
type DatabaseConfig struct {
	// Driver: sqlite, postgres, mysql.
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths passed to zap; defaults to stderr.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// EnableCaller annotates entries with the calling site.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// EnableStacktrace captures stacktraces on error entries.
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader loads configuration with builder-style options.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "RELAYFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a configuration validator.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration.
// Precedence: defaults → YAML file → environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file falls back to defaults.
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks struct fields recursively, overriding from env vars.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated string slices only.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads configuration from path, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks invariants the loader cannot express per field.
func (c *Config) Validate() error {
	var errs []string

	if c.Handoff.MaxContextBytes <= 0 {
		errs = append(errs, "handoff.max_context_bytes must be positive")
	}
	if c.Handoff.ConfidenceThreshold < 0 || c.Handoff.ConfidenceThreshold > 1 {
		errs = append(errs, "handoff.confidence_threshold must be within [0, 1]")
	}
	if c.Queue.Workers <= 0 {
		errs = append(errs, "queue.workers must be positive")
	}
	if c.Queue.Size <= 0 {
		errs = append(errs, "queue.size must be positive")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, "telemetry.otlp_endpoint required when telemetry is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the database connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
