// Package config loads mapd configuration from file, environment, and flags.
//
// Precedence follows viper's usual order: explicit flag bindings override
// environment variables (MAPD_ prefix), which override the config file,
// which overrides defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the serve command needs.
type Config struct {
	// ListenAddr is the host:port the WebSocket server binds to.
	ListenAddr string `mapstructure:"listen_addr"`

	// DatabasePath locates the embedded SQLite map database.
	// Empty selects the in-memory store (development only).
	DatabasePath string `mapstructure:"database_path"`

	// JWTSecret is the HMAC secret shared with the authentication service.
	JWTSecret string `mapstructure:"jwt_secret"`

	// GracePeriod keeps an idle project map in memory after the last
	// session disconnects, so quick reconnects skip the cold load.
	GracePeriod time.Duration `mapstructure:"grace_period"`

	// CursorFlushInterval is the presence coalescing window.
	CursorFlushInterval time.Duration `mapstructure:"cursor_flush_interval"`

	// PresenceTimeout removes sessions silent for this long.
	PresenceTimeout time.Duration `mapstructure:"presence_timeout"`

	// LogFile enables rotated file logging when set; empty logs to stderr.
	LogFile string `mapstructure:"log_file"`

	// LogMaxSizeMB and LogMaxBackups tune log rotation.
	LogMaxSizeMB  int `mapstructure:"log_max_size_mb"`
	LogMaxBackups int `mapstructure:"log_max_backups"`
}

// Load reads configuration. path may be empty, in which case only defaults,
// environment, and any mapd.yaml in the working directory apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8090")
	v.SetDefault("database_path", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("grace_period", 30*time.Second)
	v.SetDefault("cursor_flush_interval", 50*time.Millisecond)
	v.SetDefault("presence_timeout", 30*time.Second)
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 50)
	v.SetDefault("log_max_backups", 3)

	v.SetEnvPrefix("MAPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("mapd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			// Missing default config is fine; anything else is not.
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace_period cannot be negative")
	}
	if c.CursorFlushInterval <= 0 {
		return fmt.Errorf("cursor_flush_interval must be positive")
	}
	if c.PresenceTimeout <= 0 {
		return fmt.Errorf("presence_timeout must be positive")
	}
	return nil
}
