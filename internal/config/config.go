// Package config loads novasync configuration from a YAML file and
// NOVASYNC_* environment variables, env taking precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults.
const (
	DefaultWindowDays       = 30
	DefaultMaxConversations = 30
	DefaultMaxMessages      = 100

	defaultActiveInterval = 5 * time.Second
	defaultIdleMax        = 5 * time.Minute
	defaultTimeout        = 30 * time.Second
)

// Config is the resolved novasync configuration.
type Config struct {
	// ServerURL is the base URL of the remote conversation store.
	ServerURL string `mapstructure:"server_url"`
	// Token is the bearer credential for the remote store.
	Token string `mapstructure:"token"`
	// UserID scopes all sync activity.
	UserID string `mapstructure:"user_id"`

	// DBPath is the local SQLite cache location.
	DBPath string `mapstructure:"db_path"`
	// LogPath, if set, routes daemon logs to a rotated file.
	LogPath string `mapstructure:"log_path"`

	// WindowDays bounds how far back delta pulls reach.
	WindowDays int `mapstructure:"window_days"`
	// MaxConversations caps conversations per pull and fully-cached
	// conversations locally.
	MaxConversations int `mapstructure:"max_conversations"`
	// MaxMessages caps messages per pull.
	MaxMessages int `mapstructure:"max_messages"`

	// ActiveInterval is the poll cadence while the user is active.
	ActiveInterval time.Duration `mapstructure:"active_interval"`
	// IdleMax is the poll interval ceiling on an idle device.
	IdleMax time.Duration `mapstructure:"idle_max"`
	// RequestTimeout bounds each remote call.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Load reads configuration from the given file path (optional; empty
// means env and defaults only) and the environment. It returns the
// resolved config together with the viper instance so the daemon can
// watch the file for changes.
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()

	// Every key needs a default registered so AutomaticEnv can
	// resolve it during Unmarshal even when the file omits it.
	v.SetDefault("server_url", "")
	v.SetDefault("token", "")
	v.SetDefault("user_id", "")
	v.SetDefault("log_path", "")
	v.SetDefault("db_path", defaultDBPath())
	v.SetDefault("window_days", DefaultWindowDays)
	v.SetDefault("max_conversations", DefaultMaxConversations)
	v.SetDefault("max_messages", DefaultMaxMessages)
	v.SetDefault("active_interval", defaultActiveInterval)
	v.SetDefault("idle_max", defaultIdleMax)
	v.SetDefault("request_timeout", defaultTimeout)

	v.SetEnvPrefix("NOVASYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("novasync")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "novasync"))
		}
		v.AddConfigPath(".")
		// A missing default config file is fine; env may carry everything.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, nil, err
	}

	return &config, v, nil
}

// Validate checks required fields and bounds.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required (config file or NOVASYNC_SERVER_URL)")
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is required (config file or NOVASYNC_USER_ID)")
	}
	if c.WindowDays <= 0 {
		return fmt.Errorf("window_days must be positive (got %d)", c.WindowDays)
	}
	if c.MaxConversations <= 0 || c.MaxMessages <= 0 {
		return fmt.Errorf("max_conversations and max_messages must be positive")
	}
	return nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "novasync.db"
	}
	return filepath.Join(home, ".local", "share", "novasync", "cache.db")
}
