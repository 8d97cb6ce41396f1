// Package config holds the construction parameters for a database handle:
// vendor credentials, cache location, and the tunables governing how hard
// the client leans on the remote service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a database handle.
type Config struct {
	Vesta   VestaConfig   `mapstructure:"vesta"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Refresh RefreshConfig `mapstructure:"refresh"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// VestaConfig holds the remote service credentials and client tunables.
type VestaConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	Username          string  `mapstructure:"username"`
	Password          string  `mapstructure:"password"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	MaxRetries        uint64  `mapstructure:"max_retries"`
	InitialBackoffMS  int     `mapstructure:"initial_backoff_ms"`
	MaxBackoffMS      int     `mapstructure:"max_backoff_ms"`
	MaxRowsPerRequest int     `mapstructure:"max_rows_per_request"`
	RequestTimeoutSec int     `mapstructure:"request_timeout_sec"`
}

// CacheConfig holds the on-disk cache location. An empty Dir resolves to a
// comepos_fetcher directory under the user cache dir.
type CacheConfig struct {
	Dir string `mapstructure:"dir"`
}

// RefreshConfig bounds the fan-out of batch refreshes.
type RefreshConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns a Config with every tunable at its default and no
// credentials set. Intended for programmatic construction.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		// defaults always unmarshal
		panic(err)
	}
	return &config
}

// Load reads configuration from a YAML file, expanding $VAR references from
// the environment so credentials can stay out of the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Round-trip through yaml to normalize types before env expansion.
	var rawConfig map[string]interface{}
	if err := yaml.Unmarshal(data, &rawConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal raw config: %w", err)
	}
	data, err = yaml.Marshal(rawConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal raw config: %w", err)
	}

	expandedData := os.ExpandEnv(string(data))

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	if err := v.MergeConfig(strings.NewReader(expandedData)); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("vesta.base_url", "http://37.187.134.115/VestaEnergy/Application/service/")
	v.SetDefault("vesta.requests_per_second", 5.0)
	v.SetDefault("vesta.burst", 10)
	v.SetDefault("vesta.max_retries", 3)
	v.SetDefault("vesta.initial_backoff_ms", 500)
	v.SetDefault("vesta.max_backoff_ms", 10000)
	v.SetDefault("vesta.max_rows_per_request", 100000)
	v.SetDefault("vesta.request_timeout_sec", 30)

	v.SetDefault("cache.dir", "")

	v.SetDefault("refresh.concurrency", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks the fields that have no usable zero value.
func (c *Config) Validate() error {
	if c.Vesta.Username == "" {
		return fmt.Errorf("vesta.username is required")
	}
	if c.Vesta.Password == "" {
		return fmt.Errorf("vesta.password is required")
	}
	if c.Vesta.BaseURL == "" {
		return fmt.Errorf("vesta.base_url is required")
	}
	if c.Refresh.Concurrency < 1 {
		return fmt.Errorf("refresh.concurrency must be at least 1")
	}
	return nil
}

// CacheDir resolves the cache directory, defaulting to a per-user
// application data location.
func (c *Config) CacheDir() (string, error) {
	if c.Cache.Dir != "" {
		return c.Cache.Dir, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user cache dir: %w", err)
	}
	return filepath.Join(base, "comepos_fetcher"), nil
}

// RequestTimeout returns the per-request timeout as a duration.
func (c *VestaConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// InitialBackoff returns the first retry delay.
func (c *VestaConfig) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffMS) * time.Millisecond
}

// MaxBackoff returns the retry delay ceiling.
func (c *VestaConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMS) * time.Millisecond
}

// NewLogger builds a logrus logger from the logging section.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}
