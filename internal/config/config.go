package config

import "time"

// Config is the complete configuration of the modem control daemon.
type Config struct {
	Mailbox   MailboxConfig   `yaml:"mailbox"`
	Threads   ThreadsConfig   `yaml:"threads"`
	Timing    TimingConfig    `yaml:"timing"`
	Network   NetworkConfig   `yaml:"network"`
	Device    DeviceConfig    `yaml:"device"`
	API       APIConfig       `yaml:"api"`
	Audit     AuditConfig     `yaml:"audit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// MailboxConfig sizes the request mailbox and the non-blocking envelope pool.
type MailboxConfig struct {
	Size     int `yaml:"size"`
	PoolSize int `yaml:"poolSize"`
}

// ThreadsConfig describes the two built-in worker threads.
type ThreadsConfig struct {
	ProducerStackSize int `yaml:"producerStackSize"`
	ProcessStackSize  int `yaml:"processStackSize"`
	ProducerPriority  int `yaml:"producerPriority"`
	ProcessPriority   int `yaml:"processPriority"`
}

// NetworkConfig holds the bearer credentials and attach policy.
type NetworkConfig struct {
	APN               string `yaml:"apn"`
	User              string `yaml:"user"`
	Pass              string `yaml:"pass"`
	DisableAutoAttach bool   `yaml:"disableAutoAttach"`
}

// DeviceConfig selects the modem driver.
type DeviceConfig struct {
	Driver   string         `yaml:"driver"` // emulator or fake
	Family   string         `yaml:"family"` // error token table
	Emulator EmulatorConfig `yaml:"emulator"`
}

// EmulatorConfig drives the host-side emulated modem.
type EmulatorConfig struct {
	Mode               string `yaml:"mode"` // normal, degraded or offline
	IMSI               string `yaml:"imsi"`
	StartAttached      bool   `yaml:"startAttached"`
	AttachLatencyMs    int    `yaml:"attachLatencyMs"`
	DetachLatencyMs    int    `yaml:"detachLatencyMs"`
	CommandLatencyMs   int    `yaml:"commandLatencyMs"`
	DegradedFailEvery  int    `yaml:"degradedFailEvery"`
	MQTTConnectTimeout int    `yaml:"mqttConnectTimeoutMs"`
	QueueSize          int    `yaml:"queueSize"`
}

// AttachLatency returns the emulated attach duration.
func (e EmulatorConfig) AttachLatency() time.Duration { return ms(e.AttachLatencyMs) }

// DetachLatency returns the emulated detach duration.
func (e EmulatorConfig) DetachLatency() time.Duration { return ms(e.DetachLatencyMs) }

// CommandLatency returns the emulated duration of every other command.
func (e EmulatorConfig) CommandLatency() time.Duration { return ms(e.CommandLatencyMs) }

// MQTTConnectTimeoutDuration bounds the broker connect of a publish.
func (e EmulatorConfig) MQTTConnectTimeoutDuration() time.Duration { return ms(e.MQTTConnectTimeout) }

// APIConfig configures the HTTP control surface.
type APIConfig struct {
	Addr           string     `yaml:"addr"`
	ReadTimeoutMs  int        `yaml:"readTimeoutMs"`
	WriteTimeoutMs int        `yaml:"writeTimeoutMs"`
	IdleTimeoutMs  int        `yaml:"idleTimeoutMs"`
	Auth           AuthConfig `yaml:"auth"`
}

func (a APIConfig) ReadTimeout() time.Duration  { return ms(a.ReadTimeoutMs) }
func (a APIConfig) WriteTimeout() time.Duration { return ms(a.WriteTimeoutMs) }
func (a APIConfig) IdleTimeout() time.Duration  { return ms(a.IdleTimeoutMs) }

// AuthConfig enables bearer token verification. With neither key set the API
// runs without authentication.
type AuthConfig struct {
	HMACSecret    string `yaml:"hmacSecret"`
	PublicKeyFile string `yaml:"publicKeyFile"`
}

// Enabled reports whether a verification key is configured.
func (a AuthConfig) Enabled() bool {
	return a.HMACSecret != "" || a.PublicKeyFile != ""
}

// AuditConfig configures the rotating command audit trail.
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

// TelemetryConfig sizes the event hub.
type TelemetryConfig struct {
	EventBufferSize int `yaml:"eventBufferSize"`
	ClientQueueSize int `yaml:"clientQueueSize"`
	HeartbeatMs     int `yaml:"heartbeatMs"`
}

// Heartbeat returns the SSE keepalive interval.
func (t TelemetryConfig) Heartbeat() time.Duration { return ms(t.HeartbeatMs) }

// LogConfig configures the root logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Mailbox: MailboxConfig{
			Size:     16,
			PoolSize: 8,
		},
		Threads: ThreadsConfig{
			ProducerStackSize: 2048,
			ProcessStackSize:  1024,
			ProducerPriority:  1,
			ProcessPriority:   0,
		},
		Timing: DefaultTiming(),
		Network: NetworkConfig{
			APN: "internet",
		},
		Device: DeviceConfig{
			Driver: "emulator",
			Family: "generic",
			Emulator: EmulatorConfig{
				Mode:               "normal",
				IMSI:               "001010123456789",
				AttachLatencyMs:    500,
				DetachLatencyMs:    200,
				CommandLatencyMs:   20,
				DegradedFailEvery:  3,
				MQTTConnectTimeout: 5000,
				QueueSize:          16,
			},
		},
		API: APIConfig{
			Addr:           ":8080",
			ReadTimeoutMs:  30000,
			WriteTimeoutMs: 0, // SSE streams are long-lived
			IdleTimeoutMs:  120000,
		},
		Audit: AuditConfig{
			Enabled:    true,
			Dir:        "/var/log/lwgsm",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Telemetry: TelemetryConfig{
			EventBufferSize: 50,
			ClientQueueSize: 32,
			HeartbeatMs:     15000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
