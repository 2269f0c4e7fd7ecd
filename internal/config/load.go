package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// EnvConfigPath names the variable consulted when no path is given.
const EnvConfigPath = "LWGSM_CONFIG"

// Load builds the configuration from defaults, the YAML file at path (or
// $LWGSM_CONFIG when path is empty; no file is fine) and LWGSM_* overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays a YAML file on cfg. Keys absent from the file keep
// their current values.
func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// applyEnvOverrides applies LWGSM_* variables. Malformed numbers are errors
// rather than silently ignored.
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"LWGSM_APN":              &cfg.Network.APN,
		"LWGSM_USER":             &cfg.Network.User,
		"LWGSM_PASS":             &cfg.Network.Pass,
		"LWGSM_DEVICE_DRIVER":    &cfg.Device.Driver,
		"LWGSM_DEVICE_FAMILY":    &cfg.Device.Family,
		"LWGSM_EMULATOR_MODE":    &cfg.Device.Emulator.Mode,
		"LWGSM_EMULATOR_IMSI":    &cfg.Device.Emulator.IMSI,
		"LWGSM_API_ADDR":         &cfg.API.Addr,
		"LWGSM_AUTH_HMAC_SECRET": &cfg.API.Auth.HMACSecret,
		"LWGSM_AUTH_PUBLIC_KEY":  &cfg.API.Auth.PublicKeyFile,
		"LWGSM_AUDIT_DIR":        &cfg.Audit.Dir,
		"LWGSM_LOG_LEVEL":        &cfg.Log.Level,
		"LWGSM_LOG_FORMAT":       &cfg.Log.Format,
	}
	for name, dst := range strs {
		if val, ok := os.LookupEnv(name); ok {
			*dst = val
		}
	}

	ints := map[string]*int{
		"LWGSM_MAILBOX_SIZE":               &cfg.Mailbox.Size,
		"LWGSM_POOL_SIZE":                  &cfg.Mailbox.PoolSize,
		"LWGSM_TIMING_ATTACH_MS":           &cfg.Timing.AttachMs,
		"LWGSM_TIMING_DETACH_MS":           &cfg.Timing.DetachMs,
		"LWGSM_TIMING_OPERATOR_SET_MS":     &cfg.Timing.OperatorSetMs,
		"LWGSM_TIMING_MQTT_PUBLISH_MS":     &cfg.Timing.MQTTPublishMs,
		"LWGSM_TIMING_HTTP_POST_MS":        &cfg.Timing.HTTPPostMs,
		"LWGSM_TIMING_SUBSCRIBER_ID_MS":    &cfg.Timing.SubscriberIDMs,
		"LWGSM_EMULATOR_ATTACH_LATENCY_MS": &cfg.Device.Emulator.AttachLatencyMs,
		"LWGSM_EVENT_BUFFER_SIZE":          &cfg.Telemetry.EventBufferSize,
	}
	for name, dst := range ints {
		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s=%q: %w", name, val, err)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"LWGSM_DISABLE_AUTO_ATTACH": &cfg.Network.DisableAutoAttach,
		"LWGSM_AUDIT_ENABLED":       &cfg.Audit.Enabled,
	}
	for name, dst := range bools {
		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("%s=%q: %w", name, val, err)
		}
		*dst = b
	}

	return nil
}
