// Package config loads the settings of the ext2vol tool from the environment
package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

// EnvPrefix is the prefix of every environment variable read by Load
const EnvPrefix = "EXT2VOL"

// Config is read from EXT2VOL_* environment variables
type Config struct {
	LogLevel    string `envconfig:"LOG_LEVEL"    default:"info" yaml:"logLevel"`
	LogFormat   string `envconfig:"LOG_FORMAT"   default:"text" yaml:"logFormat"`
	CacheBlocks int    `envconfig:"CACHE_BLOCKS" default:"4096" yaml:"cacheBlocks"`
	ReadOnly    bool   `envconfig:"READ_ONLY"                   yaml:"readOnly"`
}

// Load reads the configuration from the environment
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process(EnvPrefix, &c); err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks values envconfig cannot
func (c *Config) Validate() error {
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid %s_LOG_LEVEL: %w", EnvPrefix, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid %s_LOG_FORMAT %q: must be text or json", EnvPrefix, c.LogFormat)
	}
	if c.CacheBlocks < 0 {
		return fmt.Errorf("invalid %s_CACHE_BLOCKS %d: must not be negative", EnvPrefix, c.CacheBlocks)
	}
	return nil
}

// Logger builds the logger described by c, writing to stderr
func (c *Config) Logger() *log.Entry {
	l := log.New()
	l.SetOutput(os.Stderr)
	if level, err := log.ParseLevel(c.LogLevel); err == nil {
		l.SetLevel(level)
	}
	if c.LogFormat == "json" {
		l.SetFormatter(&log.JSONFormatter{})
	} else {
		l.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	}
	return log.NewEntry(l)
}
