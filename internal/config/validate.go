package config

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

var (
	validDrivers = []string{"emulator", "fake"}
	validModes   = []string{"normal", "degraded", "offline"}
	validFormats = []string{"text", "json"}
)

// Validate checks cfg for values the daemon cannot run with.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateMailbox(cfg.Mailbox); err != nil {
		return fmt.Errorf("mailbox validation failed: %w", err)
	}

	if err := validateTiming(cfg.Timing); err != nil {
		return fmt.Errorf("timing validation failed: %w", err)
	}

	if err := validateDevice(cfg.Device); err != nil {
		return fmt.Errorf("device validation failed: %w", err)
	}

	if cfg.Telemetry.EventBufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got %d", cfg.Telemetry.EventBufferSize)
	}
	if cfg.Telemetry.ClientQueueSize <= 0 {
		return fmt.Errorf("client queue size must be positive, got %d", cfg.Telemetry.ClientQueueSize)
	}

	if cfg.Audit.Enabled && cfg.Audit.Dir == "" {
		return fmt.Errorf("audit enabled without a directory")
	}

	if _, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if !contains(validFormats, cfg.Log.Format) {
		return fmt.Errorf("invalid log format %s, must be one of: %v", cfg.Log.Format, validFormats)
	}

	return nil
}

func validateMailbox(m MailboxConfig) error {
	if m.Size <= 0 {
		return fmt.Errorf("mailbox size must be positive, got %d", m.Size)
	}
	if m.PoolSize <= 0 {
		return fmt.Errorf("pool size must be positive, got %d", m.PoolSize)
	}
	return nil
}

func validateTiming(t TimingConfig) error {
	fields := t.fields()
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if fields[name] <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, fields[name])
		}
	}
	return nil
}

func validateDevice(d DeviceConfig) error {
	if !contains(validDrivers, d.Driver) {
		return fmt.Errorf("invalid driver %s, must be one of: %v", d.Driver, validDrivers)
	}
	if d.Driver == "emulator" {
		if !contains(validModes, d.Emulator.Mode) {
			return fmt.Errorf("invalid emulator mode %s, must be one of: %v", d.Emulator.Mode, validModes)
		}
		if d.Emulator.AttachLatencyMs < 0 || d.Emulator.DetachLatencyMs < 0 || d.Emulator.CommandLatencyMs < 0 {
			return fmt.Errorf("emulator latencies must not be negative")
		}
		if d.Emulator.QueueSize <= 0 {
			return fmt.Errorf("emulator queue size must be positive, got %d", d.Emulator.QueueSize)
		}
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
