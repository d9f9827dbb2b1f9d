// Package config provides configuration management for the pipeline.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (COSMOS_CONNECTION_STRING, DATABASE_NAME, BROKER_URL, ...)
// 3. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Broker      BrokerConfig      `mapstructure:"broker"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Integration IntegrationConfig `mapstructure:"integration"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Log         LogConfig         `mapstructure:"log"`
	Worker      WorkerConfig      `mapstructure:"worker"`
}

// ServerConfig contains HTTP ingress server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// BrokerConfig contains broker connection and send-retry settings.
type BrokerConfig struct {
	URL string `mapstructure:"url"`

	// MaxRetries and RetryDelay drive the fixed-delay send retry policy.
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`

	ConsumerGroup string `mapstructure:"consumer_group"`
}

// DatabaseConfig contains document store settings.
type DatabaseConfig struct {
	// ConnectionString is a Postgres DSN; defaults to COSMOS_CONNECTION_STRING
	// for parity with upstream deployments.
	ConnectionString string `mapstructure:"connection_string"`
	Name             string `mapstructure:"name"`
}

// IntegrationConfig contains the exponential-backoff retry policy for
// integration rules.
type IntegrationConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
}

// EngineConfig contains rule-engine settings.
type EngineConfig struct {
	// IncludeRoot controls whether "root"-tagged changes trigger fan-out.
	IncludeRoot bool `mapstructure:"include_root"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	IngestPoolSize      int `mapstructure:"ingest_pool_size"`
	IntegrationPoolSize int `mapstructure:"integration_pool_size"`
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/clientflow")

	// Environment variable override without prefix: maps nested config,
	// broker.max_retries → BROKER_MAX_RETRIES.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Upstream-compatible environment names.
	_ = v.BindEnv("database.connection_string", "COSMOS_CONNECTION_STRING", "DATABASE_CONNECTION_STRING")
	_ = v.BindEnv("database.name", "DATABASE_NAME")
	_ = v.BindEnv("broker.url", "BROKER_URL")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	if c.Broker.MaxRetries < 1 {
		return fmt.Errorf("broker.max_retries must be at least 1")
	}
	if c.Integration.MaxRetries < 1 {
		return fmt.Errorf("integration.max_retries must be at least 1")
	}
	if c.Integration.BaseDelay <= 0 {
		return fmt.Errorf("integration.base_delay must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Broker (fixed-delay send retry)
	v.SetDefault("broker.url", "redis://localhost:6379/0")
	v.SetDefault("broker.max_retries", 3)
	v.SetDefault("broker.retry_delay", "1s")
	v.SetDefault("broker.consumer_group", "clientflow")

	// Database
	v.SetDefault("database.name", "clientflow")

	// Integration (exponential backoff: 1s, 2s, 4s)
	v.SetDefault("integration.max_retries", 3)
	v.SetDefault("integration.base_delay", "1s")

	// Engine
	v.SetDefault("engine.include_root", false)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Worker pools
	v.SetDefault("worker.ingest_pool_size", 100)
	v.SetDefault("worker.integration_pool_size", 50)
}
