// Package config provides configuration management for the scripting service.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the scripting service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Scripting  ScriptingConfig  `mapstructure:"scripting"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

// OpenSearchConfig holds OpenSearch connection settings
type OpenSearchConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Insecure bool   `mapstructure:"insecure"`
	Index    string `mapstructure:"index"`
}

// DatabaseConfig holds the Postgres connection for the script registry.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig holds Redis configuration for the stored-script cache.
type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	Enabled  bool          `mapstructure:"enabled"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// AuthConfig holds JWT validation settings for the API surface.
type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// ScriptingConfig holds engine, cache and pipeline settings.
type ScriptingConfig struct {
	// CacheSize is the compiled-script cache capacity.
	CacheSize int `mapstructure:"cache_size"`

	// MaxCompilationsRate is a COUNT/WINDOW expression, e.g. "150/5m".
	// "off" disables the limiter.
	MaxCompilationsRate string `mapstructure:"max_compilations_rate"`

	// InstructionBudget caps VM instructions per execution.
	InstructionBudget int `mapstructure:"instruction_budget"`

	// ExecTimeout is the wall-clock limit per execution.
	ExecTimeout time.Duration `mapstructure:"exec_timeout"`

	// MaxSourceBytes rejects larger scripts at compile time.
	MaxSourceBytes int `mapstructure:"max_source_bytes"`

	// DefaultPipeline is applied to consumed events that carry no
	// pipeline of their own. Empty means index as-is.
	DefaultPipeline string `mapstructure:"default_pipeline"`

	// UpdateRetryOnConflict is the default conflict retry count for
	// scripted updates.
	UpdateRetryOnConflict int `mapstructure:"update_retry_on_conflict"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from $KESTREL_CONFIG_DIR/config.yaml and
// environment variables. Environment variables override file values with
// dots replaced by underscores (e.g. SCRIPTING_CACHE_SIZE).
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	configDir := os.Getenv("KESTREL_CONFIG_DIR")
	if configDir == "" {
		configDir = "/etc/kestrel"
	}

	v.SetConfigFile(fmt.Sprintf("%s/config.yaml", configDir))
	v.SetConfigType("yaml")

	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
		// Config file not found - continue with defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8095)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})

	// OpenSearch defaults
	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "admin")
	v.SetDefault("opensearch.insecure", true)
	v.SetDefault("opensearch.index", "kestrel-docs")

	// Database defaults
	v.SetDefault("database.url", "")

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.cache_ttl", "5m")

	// NATS defaults
	v.SetDefault("nats.url", "nats://nats:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	// Auth defaults
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "change-this-in-production")

	// Scripting defaults
	v.SetDefault("scripting.cache_size", 3000)
	v.SetDefault("scripting.max_compilations_rate", "150/5m")
	v.SetDefault("scripting.instruction_budget", 1000000)
	v.SetDefault("scripting.exec_timeout", "1s")
	v.SetDefault("scripting.max_source_bytes", 65535)
	v.SetDefault("scripting.default_pipeline", "")
	v.SetDefault("scripting.update_retry_on_conflict", 3)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
