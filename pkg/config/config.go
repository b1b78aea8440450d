// Package config provides configuration management for the conference engine.
// Supports TOML configuration files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingValue  = errors.New("missing required configuration value")
)

// Config holds all conference configuration
type Config struct {
	// Call configuration
	Call CallConfig `toml:"call"`

	// Stats configuration
	Stats StatsConfig `toml:"stats"`

	// Scheduler configuration
	Scheduler SchedulerConfig `toml:"scheduler"`

	// Event bus configuration
	EventBus EventBusConfig `toml:"eventbus"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// CallConfig holds group-call engine configuration
type CallConfig struct {
	// MembershipTTL is how long a published membership record stays valid
	MembershipTTL duration `toml:"membership_ttl" env:"CONFERENCE_MEMBERSHIP_TTL"`

	// PTTMaxTransmitTime bounds continuous unmuted time in push-to-talk calls
	PTTMaxTransmitTime duration `toml:"ptt_max_transmit_time" env:"CONFERENCE_PTT_MAX_TRANSMIT"`
}

// StatsConfig holds peer statistics collection configuration
type StatsConfig struct {
	// Interval between stats polling ticks
	Interval duration `toml:"interval" env:"CONFERENCE_STATS_INTERVAL"`
}

// SchedulerConfig holds event delivery scheduler configuration
type SchedulerConfig struct {
	// DBPath is the path to the persistent queue database
	DBPath string `toml:"db_path" env:"CONFERENCE_SCHEDULER_DB"`

	// MaxAttempts before an event is dead-lettered
	MaxAttempts int `toml:"max_attempts"`

	// RetryBaseDelay is the first retry delay; doubles per attempt
	RetryBaseDelay duration `toml:"retry_base_delay"`

	// RetryMaxDelay caps the backoff
	RetryMaxDelay duration `toml:"retry_max_delay"`

	// PumpInterval is how often due retries are re-queued
	PumpInterval duration `toml:"pump_interval"`

	// SendRate limits outbound dispatches per second (0 = unlimited)
	SendRate float64 `toml:"send_rate"`
}

// EventBusConfig holds UI notification fan-out configuration
type EventBusConfig struct {
	// Enabled turns on the websocket notification server
	Enabled bool `toml:"enabled"`

	// Addr is the websocket listen address
	Addr string `toml:"addr" env:"CONFERENCE_EVENTBUS_ADDR"`

	// Path is the websocket endpoint path
	Path string `toml:"path"`

	// MaxSubscribers limits concurrent subscribers
	MaxSubscribers int `toml:"max_subscribers"`

	// InactivityTimeout disconnects idle subscribers
	InactivityTimeout duration `toml:"inactivity_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level" env:"CONFERENCE_LOG_LEVEL"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

// duration wraps time.Duration so TOML values can be written as "30s", "1h".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration.
func (d duration) Duration() time.Duration { return time.Duration(d) }

// DefaultConfig returns the default conference configuration
func DefaultConfig() Config {
	return Config{
		Call: CallConfig{
			MembershipTTL:      duration(1 * time.Hour),
			PTTMaxTransmitTime: duration(20 * time.Second),
		},
		Stats: StatsConfig{
			Interval: duration(10 * time.Second),
		},
		Scheduler: SchedulerConfig{
			DBPath:         "conference-queue.db",
			MaxAttempts:    3,
			RetryBaseDelay: duration(time.Second),
			RetryMaxDelay:  duration(5 * time.Minute),
			PumpInterval:   duration(5 * time.Second),
			SendRate:       0,
		},
		EventBus: EventBusConfig{
			Enabled:           false,
			Addr:              "127.0.0.1:8445",
			Path:              "/events",
			MaxSubscribers:    100,
			InactivityTimeout: duration(30 * time.Minute),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads configuration from a TOML file, applying defaults for missing
// sections and environment overrides for string values.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides applies the string-valued environment overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONFERENCE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CONFERENCE_SCHEDULER_DB"); v != "" {
		cfg.Scheduler.DBPath = v
	}
	if v := os.Getenv("CONFERENCE_EVENTBUS_ADDR"); v != "" {
		cfg.EventBus.Addr = v
	}
}

// Validate checks the configuration for invalid values
func (c Config) Validate() error {
	if c.Call.MembershipTTL.Duration() <= 0 {
		return fmt.Errorf("%w: call.membership_ttl must be positive", ErrInvalidConfig)
	}
	if c.Call.PTTMaxTransmitTime.Duration() <= 0 {
		return fmt.Errorf("%w: call.ptt_max_transmit_time must be positive", ErrInvalidConfig)
	}
	if c.Stats.Interval.Duration() <= 0 {
		return fmt.Errorf("%w: stats.interval must be positive", ErrInvalidConfig)
	}
	if c.Scheduler.MaxAttempts <= 0 {
		return fmt.Errorf("%w: scheduler.max_attempts must be positive", ErrInvalidConfig)
	}
	if c.Scheduler.RetryBaseDelay.Duration() <= 0 ||
		c.Scheduler.RetryMaxDelay.Duration() < c.Scheduler.RetryBaseDelay.Duration() {
		return fmt.Errorf("%w: scheduler retry delays out of order", ErrInvalidConfig)
	}
	if c.EventBus.Enabled && c.EventBus.Addr == "" {
		return fmt.Errorf("%w: eventbus.addr", ErrMissingValue)
	}
	return nil
}
