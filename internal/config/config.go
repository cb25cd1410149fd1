// Package config loads engine configuration from a YAML file and
// environment variables (KESTREL_ prefix), layered through
// github.com/spf13/viper the way the teacher's cmd/bd/doctor package reads
// config.yaml. CLI flags are not bound here.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the engine's run-time configuration.
type Config struct {
	// Database is the path to the answer+dependency store.
	Database string `mapstructure:"database"`
	// Backend selects the store implementation: "sqlite" or "bbolt".
	Backend string `mapstructure:"backend"`

	// QueueKind selects the question queue variant: "chan" (OS-event
	// signaled) or "poll" (self-signaled).
	QueueKind    string        `mapstructure:"queue_kind"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
	BusyTimeout  time.Duration `mapstructure:"busy_timeout"`

	LogPath  string `mapstructure:"log_path"`
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	Watch bool `mapstructure:"watch"`
}

// Defaults returns a Config with the engine's baseline settings, applied
// before any file/env/flag layer.
func Defaults() Config {
	return Config{
		Database:     ".kestrel/kestrel.db",
		Backend:      "sqlite",
		QueueKind:    "chan",
		PollInterval: 5 * time.Millisecond,
		LockTimeout:  10 * time.Second,
		BusyTimeout:  5 * time.Second,
		LogPath:      "",
		LogLevel:     "info",
		LogJSON:      false,
		Watch:        false,
	}
}

// Load reads configuration from configPath (if non-empty and present), then
// KESTREL_-prefixed environment variables, layered over Defaults. Viper's
// own precedence (explicit Set > flag > env > config file > default)
// applies; Load only seeds the config-file and env layers.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("kestrel")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := Defaults()
	v.SetDefault("database", defaults.Database)
	v.SetDefault("backend", defaults.Backend)
	v.SetDefault("queue_kind", defaults.QueueKind)
	v.SetDefault("poll_interval", defaults.PollInterval)
	v.SetDefault("lock_timeout", defaults.LockTimeout)
	v.SetDefault("busy_timeout", defaults.BusyTimeout)
	v.SetDefault("log_path", defaults.LogPath)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("log_json", defaults.LogJSON)
	v.SetDefault("watch", defaults.Watch)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
