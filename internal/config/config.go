// Package config loads the pspd configuration from defaults, an optional
// config file and PSPD_-prefixed environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/openpayroll/pspd/internal/psp"
	"github.com/openpayroll/pspd/internal/storage/pspdb"
)

// Event store backends.
const (
	EventBackendMemory = "memory"
	EventBackendPebble = "pebble"
)

// EventsConfig configures the domain event store.
type EventsConfig struct {
	// Backend is "pebble" (durable) or "memory" (ephemeral).
	Backend string `mapstructure:"backend"`

	// Path is the pebble directory. Ignored for the memory backend.
	Path string `mapstructure:"path"`

	// Sync forces a WAL sync on every append.
	Sync bool `mapstructure:"sync"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	BindAddr string `mapstructure:"bind_addr"`
	Port     int    `mapstructure:"port"`
}

// Config is the complete pspd configuration.
type Config struct {
	Server   ServerConfig `mapstructure:"server"`
	Database pspdb.Config `mapstructure:"database"`
	PSP      psp.Config   `mapstructure:"psp"`
	Events   EventsConfig `mapstructure:"events"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `mapstructure:"log_level"`
}

// Default returns the stock configuration: embedded sqlite, pebble events,
// defaults mirroring the facade's.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddr: "",
			Port:     8091,
		},
		Database: *pspdb.DefaultConfig(),
		PSP:      psp.DefaultConfig(),
		Events: EventsConfig{
			Backend: EventBackendPebble,
			Path:    "pspd-events",
			Sync:    false,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration. configPath may be empty, in which case only
// defaults and environment variables apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", configPath)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix("PSPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("server.bind_addr", defaults.Server.BindAddr)
	v.SetDefault("server.port", defaults.Server.Port)

	v.SetDefault("database.driver", defaults.Database.Driver)
	v.SetDefault("database.dsn", defaults.Database.DSN)
	v.SetDefault("database.max_open_conns", defaults.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaults.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", defaults.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", defaults.Database.ConnMaxIdleTime)
	v.SetDefault("database.default_timeout", defaults.Database.DefaultTimeout)
	v.SetDefault("database.max_retries", defaults.Database.MaxRetries)
	v.SetDefault("database.retry_delay", defaults.Database.RetryDelay)
	v.SetDefault("database.retry_max_delay", defaults.Database.RetryMaxDelay)

	v.SetDefault("psp.commit_gate_strict", defaults.PSP.CommitGateStrict)
	v.SetDefault("psp.pay_gate_always_enforced", defaults.PSP.PayGateAlwaysEnforced)
	v.SetDefault("psp.reservation_ttl", defaults.PSP.ReservationTTL)
	v.SetDefault("psp.default_rail", defaults.PSP.DefaultRail)
	v.SetDefault("psp.default_funding_model", string(defaults.PSP.DefaultFundingModel))
	v.SetDefault("psp.emit_events", defaults.PSP.EmitEvents)
	v.SetDefault("psp.submit_parallelism", defaults.PSP.SubmitParallelism)

	v.SetDefault("events.backend", defaults.Events.Backend)
	v.SetDefault("events.path", defaults.Events.Path)
	v.SetDefault("events.sync", defaults.Events.Sync)

	v.SetDefault("log_level", defaults.LogLevel)
}

// Validate checks the configuration for internal consistency.
func Validate(c *Config) error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if c.Events.Backend != EventBackendMemory && c.Events.Backend != EventBackendPebble {
		return fmt.Errorf("unknown event backend %q", c.Events.Backend)
	}
	if c.Events.Backend == EventBackendPebble && c.Events.Path == "" {
		return fmt.Errorf("pebble event backend requires a path")
	}
	if !c.PSP.DefaultFundingModel.Valid() {
		return fmt.Errorf("unknown funding model %q", c.PSP.DefaultFundingModel)
	}
	if c.PSP.SubmitParallelism <= 0 {
		return fmt.Errorf("submit parallelism must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}
