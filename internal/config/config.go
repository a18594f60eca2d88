// Package config loads the FlameStore server configuration and builds
// the process logger from it.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the configuration shared by the master and worker
// binaries. Backend.Config is passed verbatim to the backend factory.
type Config struct {
	// Listen is the host:port the transport engine binds. Port 0 picks
	// a free port.
	Listen string `mapstructure:"listen"`
	// Workspace is the directory the master publishes its group files
	// under and workers discover them from.
	Workspace string `mapstructure:"workspace"`
	Backend   struct {
		Name   string            `mapstructure:"name"`
		Config map[string]string `mapstructure:"config"`
	} `mapstructure:"backend"`
	Log struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"log"`
}

// Load reads a config file (yaml, toml or json, by extension) and
// applies defaults. An empty path yields the defaults alone.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("listen", "127.0.0.1:0")
	v.SetDefault("workspace", ".")
	v.SetDefault("backend.name", "memory")
	v.SetDefault("log.level", "info")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Backend.Config == nil {
		cfg.Backend.Config = make(map[string]string)
	}
	return &cfg, nil
}

// NewLogger builds a logrus logger from the Log section. An unknown
// level falls back to info; an unwritable log file falls back to
// stderr.
func (c *Config) NewLogger() *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(strings.ToLower(c.Log.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if c.Log.File != "" {
		f, err := os.OpenFile(c.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.WithError(err).Error("cannot open log file, logging to stderr")
		} else {
			log.SetOutput(f)
		}
	}
	return log
}
