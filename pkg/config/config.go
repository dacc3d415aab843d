// Package config loads Talos settings from an optional YAML file and
// TALOS_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override, e.g. TALOS_NATS_URL.
const EnvPrefix = "TALOS"

// Storage modes.
const (
	StorageNone  = "none"
	StorageDir   = "dir"
	StorageAzure = "azure"
)

// Config is the complete settings tree.
type Config struct {
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`

	Scheduler struct {
		SetID    string `mapstructure:"set_id"`
		MaxSteps int    `mapstructure:"max_steps"`
	} `mapstructure:"scheduler"`

	Storage struct {
		Mode             string        `mapstructure:"mode"`
		Dir              string        `mapstructure:"dir"`
		ConnectionString string        `mapstructure:"connection_string"`
		Container        string        `mapstructure:"container"`
		Prefix           string        `mapstructure:"prefix"`
		UploadTimeout    time.Duration `mapstructure:"upload_timeout"`
	} `mapstructure:"storage"`

	NATS struct {
		Enabled bool   `mapstructure:"enabled"`
		URL     string `mapstructure:"url"`
		Prefix  string `mapstructure:"prefix"`
		Token   string `mapstructure:"token"`
	} `mapstructure:"nats"`

	Tracing struct {
		Enabled     bool    `mapstructure:"enabled"`
		Service     string  `mapstructure:"service"`
		Endpoint    string  `mapstructure:"endpoint"`
		SampleRatio float64 `mapstructure:"sample_ratio"`
	} `mapstructure:"tracing"`

	Sentry struct {
		DSN         string `mapstructure:"dsn"`
		Environment string `mapstructure:"environment"`
	} `mapstructure:"sentry"`
}

var defaults = map[string]interface{}{
	"log.level":                 "info",
	"log.development":           false,
	"scheduler.set_id":          "",
	"scheduler.max_steps":       1_000_000,
	"storage.mode":              StorageNone,
	"storage.dir":               "",
	"storage.connection_string": "",
	"storage.container":         "talos",
	"storage.prefix":            "",
	"storage.upload_timeout":    30 * time.Second,
	"nats.enabled":              false,
	"nats.url":                  "nats://127.0.0.1:4222",
	"nats.prefix":               "talos.msg",
	"nats.token":                "",
	"tracing.enabled":           false,
	"tracing.service":           "talos",
	"tracing.endpoint":          "127.0.0.1:4318",
	"tracing.sample_ratio":      1.0,
	"sentry.dsn":                "",
	"sentry.environment":        "development",
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in settings with environment overrides applied.
func Default() (*Config, error) {
	return Load("")
}

// Load reads the YAML file at path, when path is not empty, on top of the
// defaults. Environment variables override both.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks settings that cannot be used as given.
func (c *Config) Validate() error {
	switch c.Storage.Mode {
	case StorageNone:
	case StorageDir:
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for storage mode %q", StorageDir)
		}
	case StorageAzure:
		if c.Storage.ConnectionString == "" || c.Storage.Container == "" {
			return fmt.Errorf("storage.connection_string and storage.container are required for storage mode %q", StorageAzure)
		}
	default:
		return fmt.Errorf("unknown storage mode %q", c.Storage.Mode)
	}
	if c.Scheduler.MaxSteps < 0 {
		return fmt.Errorf("scheduler.max_steps must not be negative")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1], got %v", c.Tracing.SampleRatio)
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	return nil
}

// Logger builds the zap logger described by the log section.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
