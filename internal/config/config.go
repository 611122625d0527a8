// Package config loads the engine configuration and hot-reloads pattern
// definition files.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/Autopsias/DevMem-sub007/internal/cache"
	"github.com/Autopsias/DevMem-sub007/internal/confidence"
	"github.com/Autopsias/DevMem-sub007/internal/db"
	"github.com/Autopsias/DevMem-sub007/internal/executor"
	"github.com/Autopsias/DevMem-sub007/internal/resource"
	"github.com/Autopsias/DevMem-sub007/internal/tracing"
)

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // "json" or "console"
}

// RegistryConfig holds registry housekeeping knobs.
type RegistryConfig struct {
	CleanupMaxAge       time.Duration `mapstructure:"cleanup_max_age" yaml:"cleanup_max_age"`
	CleanupInterval     time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
}

// Config is the root engine configuration.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
	Confidence  confidence.Config `mapstructure:"confidence" yaml:"confidence"`
	Resource    resource.Config   `mapstructure:"resource" yaml:"resource"`
	Executor    executor.Config   `mapstructure:"executor" yaml:"executor"`
	Registry    RegistryConfig    `mapstructure:"registry" yaml:"registry"`
	Database    db.Config         `mapstructure:"database" yaml:"database"`
	Cache       cache.Config      `mapstructure:"cache" yaml:"cache"`
	Tracing     tracing.Config    `mapstructure:"tracing" yaml:"tracing"`
	Definitions string            `mapstructure:"definitions" yaml:"definitions"` // pattern definitions dir
}

// Load reads the engine config from CONFIG_PATH or ./config/engine.yaml.
func Load() (*Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "./config/engine.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.applyDefaults()
	c.applyEnvOverrides()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Registry.CleanupMaxAge <= 0 {
		c.Registry.CleanupMaxAge = 30 * 24 * time.Hour
	}
	if c.Registry.CleanupInterval <= 0 {
		c.Registry.CleanupInterval = time.Hour
	}
	if c.Registry.SimilarityThreshold <= 0 {
		c.Registry.SimilarityThreshold = 0.6
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Cache.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Cache.Password = v
	}
	if v := os.Getenv("OTLP_ENDPOINT"); v != "" {
		c.Tracing.OTLPEndpoint = v
	}
	if v := os.Getenv("PATTERN_DEFINITIONS_DIR"); v != "" {
		c.Definitions = v
	}
	if v := os.Getenv("BATCH_CONCURRENCY"); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x > 0 {
			c.Executor.BatchConcurrency = x
		}
	}
	if v := os.Getenv("SIMILARITY_THRESHOLD"); v != "" {
		var x float64
		_, _ = fmt.Sscanf(v, "%f", &x)
		if x > 0 {
			c.Registry.SimilarityThreshold = x
		}
	}
}
