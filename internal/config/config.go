// Package config loads service configuration from a YAML file with
// environment variable overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/voltflux/powermon/internal/auth"
	"github.com/voltflux/powermon/internal/infrastructure/db"
	httpapi "github.com/voltflux/powermon/internal/interfaces/http"
	"github.com/voltflux/powermon/internal/retry"
)

// RedisConfig holds the query cache connection settings. An empty Addr
// disables caching entirely.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// IngestConfig tunes the collection workers and the query path.
type IngestConfig struct {
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`

	// AggregatePushdown selects the SQL bucketing path for electricity
	// queries instead of bucketing rows in memory.
	AggregatePushdown bool `yaml:"aggregate_pushdown"`
}

// Policy converts the retry settings into a worker retry policy.
func (c IngestConfig) Policy() retry.Policy {
	return retry.Policy{
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
		MaxAttempts: c.RetryMaxAttempts,
	}
}

// Config is the full service configuration.
type Config struct {
	Server   httpapi.Config `yaml:"server"`
	Database db.Config      `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     auth.Config    `yaml:"auth"`
	Ingest   IngestConfig   `yaml:"ingest"`
}

// Default returns the built-in configuration used when no file is given.
func Default() Config {
	policy := retry.DefaultPolicy()
	return Config{
		Server:   httpapi.DefaultConfig(),
		Database: db.DefaultConfig(),
		Redis: RedisConfig{
			TTL: 60 * time.Second,
		},
		Ingest: IngestConfig{
			RetryBaseDelay:   policy.BaseDelay,
			RetryMaxDelay:    policy.MaxDelay,
			RetryMaxAttempts: policy.MaxAttempts,
		},
	}
}

// Load reads the config file at path on top of the defaults and then applies
// environment overrides. An empty path skips the file step.
func Load(path string) (Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&config)

	if err := config.validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func applyEnv(config *Config) {
	setString(&config.Server.Host, "HTTP_HOST")
	setInt(&config.Server.Port, "HTTP_PORT")
	setString(&config.Database.DSN, "PG_DSN")
	setInt(&config.Database.MaxOpenConns, "PG_MAX_OPEN_CONNS")
	setInt(&config.Database.MaxIdleConns, "PG_MAX_IDLE_CONNS")
	setString(&config.Redis.Addr, "REDIS_ADDR")
	setString(&config.Redis.Password, "REDIS_PASSWORD")
	setString(&config.Auth.Secret, "AUTH_SECRET")
	setString(&config.Auth.Issuer, "AUTH_ISSUER")
}

func (c Config) validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (or PG_DSN)")
	}
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required (or AUTH_SECRET)")
	}
	if c.Ingest.RetryMaxAttempts < 1 {
		return fmt.Errorf("ingest.retry_max_attempts must be at least 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	if v, err := strconv.Atoi(raw); err == nil {
		*dst = v
	}
}
