package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Call.MembershipTTL.Duration() != time.Hour {
		t.Errorf("membership ttl = %v", cfg.Call.MembershipTTL.Duration())
	}
	if cfg.Call.PTTMaxTransmitTime.Duration() != 20*time.Second {
		t.Errorf("ptt max transmit = %v", cfg.Call.PTTMaxTransmitTime.Duration())
	}
	if cfg.Stats.Interval.Duration() != 10*time.Second {
		t.Errorf("stats interval = %v", cfg.Stats.Interval.Duration())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conference.toml")
	content := `
[call]
membership_ttl = "30m"
ptt_max_transmit_time = "5s"

[stats]
interval = "2s"

[scheduler]
max_attempts = 5

[logging]
level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Call.MembershipTTL.Duration() != 30*time.Minute {
		t.Errorf("membership ttl = %v", cfg.Call.MembershipTTL.Duration())
	}
	if cfg.Call.PTTMaxTransmitTime.Duration() != 5*time.Second {
		t.Errorf("ptt max transmit = %v", cfg.Call.PTTMaxTransmitTime.Duration())
	}
	if cfg.Stats.Interval.Duration() != 2*time.Second {
		t.Errorf("stats interval = %v", cfg.Stats.Interval.Duration())
	}
	if cfg.Scheduler.MaxAttempts != 5 {
		t.Errorf("max attempts = %d", cfg.Scheduler.MaxAttempts)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %s", cfg.Logging.Level)
	}
	// Unspecified sections keep their defaults
	if cfg.EventBus.MaxSubscribers != 100 {
		t.Errorf("max subscribers = %d", cfg.EventBus.MaxSubscribers)
	}
}

func TestLoadMissingPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Call.MembershipTTL.Duration() != time.Hour {
		t.Errorf("membership ttl = %v", cfg.Call.MembershipTTL.Duration())
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONFERENCE_LOG_LEVEL", "error")
	t.Setenv("CONFERENCE_SCHEDULER_DB", "/tmp/override.db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("log level = %s", cfg.Logging.Level)
	}
	if cfg.Scheduler.DBPath != "/tmp/override.db" {
		t.Errorf("db path = %s", cfg.Scheduler.DBPath)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Call.MembershipTTL = duration(0)
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected invalid config, got %v", err)
	}

	cfg = DefaultConfig()
	cfg.Scheduler.RetryMaxDelay = duration(time.Millisecond)
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected invalid config, got %v", err)
	}

	cfg = DefaultConfig()
	cfg.EventBus.Enabled = true
	cfg.EventBus.Addr = ""
	if err := cfg.Validate(); !errors.Is(err, ErrMissingValue) {
		t.Errorf("expected missing value, got %v", err)
	}
}
