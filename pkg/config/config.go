package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Serial     SerialConfig     `yaml:"serial"`
	Parameters ParametersConfig `yaml:"parameters"`
	Experiment ExperimentConfig `yaml:"experiment"`
	Storage    StorageConfig    `yaml:"storage"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Mock       MockConfig       `yaml:"mock"`
}

// SerialConfig contains serial link configuration.
type SerialConfig struct {
	Port          string        `yaml:"port"`
	BaudRate      int           `yaml:"baud_rate"`
	Delimiter     string        `yaml:"delimiter"`      // Single character terminating every token
	Timeout       time.Duration `yaml:"timeout"`        // Upper bound for one framed response
	ReadTimeout   time.Duration `yaml:"read_timeout"`   // Per-read poll interval of the port
	ProbeAttempts int           `yaml:"probe_attempts"` // Liveness probes before giving up on connect
	ProbeInterval time.Duration `yaml:"probe_interval"` // Pause between failed probes
}

// ParametersConfig contains parameter synchronization settings.
type ParametersConfig struct {
	RefreshAttempts int           `yaml:"refresh_attempts"`
	RefreshBackoff  time.Duration `yaml:"refresh_backoff"`
}

// ExperimentConfig contains acquisition settings.
type ExperimentConfig struct {
	Settle          time.Duration `yaml:"settle"`            // Pause between priming and capture start
	CancelTimeout   time.Duration `yaml:"cancel_timeout"`    // Bounded wait for the end token after stop
	StopResend      time.Duration `yaml:"stop_resend"`       // Interval for repeating the stop command
	MaxMissedFrames int           `yaml:"max_missed_frames"` // Consecutive timeouts tolerated while acquiring
	MinFitSamples   int           `yaml:"min_fit_samples"`
	EventBuffer     int           `yaml:"event_buffer"`
}

// StorageConfig contains export and archive locations.
type StorageConfig struct {
	ExportDir  string `yaml:"export_dir"`
	ArchiveDir string `yaml:"archive_dir"`
	Archive    bool   `yaml:"archive"`
}

// TelemetryConfig contains MQTT event publishing settings.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"` // May contain {run_id} and {event}
	QoS      byte   `yaml:"qos"`
}

// MockConfig contains simulated firmware configuration.
type MockConfig struct {
	SampleInterval time.Duration `yaml:"sample_interval"` // Real time between emitted frames
	NoiseLevel     float64       `yaml:"noise_level"`     // Gaussian noise (V)
	Seed           uint64        `yaml:"seed"`

	SupplyVoltage  float64 `yaml:"supply_voltage"`
	Resistance     float64 `yaml:"resistance"`  // Ohms
	Capacitance    float64 `yaml:"capacitance"` // Farads
	DurationFactor int     `yaml:"duration_factor"`
	SamplesPerTC   int     `yaml:"samples_per_tc"`
	PulseDuration  int     `yaml:"pulse_duration"` // ms
	PulseDutyCycle int     `yaml:"pulse_duty_cycle"`

	Unresponsive bool `yaml:"unresponsive"` // Never answer liveness probes
	IgnoreStops  int  `yaml:"ignore_stops"` // Number of stop commands lost before one is honored
	SilentStop   bool `yaml:"silent_stop"`  // Stop without sending the end token
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:          "/dev/ttyACM0",
			BaudRate:      230400,
			Delimiter:     "/",
			Timeout:       time.Second,
			ReadTimeout:   50 * time.Millisecond,
			ProbeAttempts: 5,
			ProbeInterval: 150 * time.Millisecond,
		},
		Parameters: ParametersConfig{
			RefreshAttempts: 3,
			RefreshBackoff:  150 * time.Millisecond,
		},
		Experiment: ExperimentConfig{
			Settle:          time.Second,
			CancelTimeout:   3 * time.Second,
			StopResend:      500 * time.Millisecond,
			MaxMissedFrames: 5,
			MinFitSamples:   6,
			EventBuffer:     1024,
		},
		Storage: StorageConfig{
			ExportDir:  ".",
			ArchiveDir: "./data/runs",
			Archive:    true,
		},
		Telemetry: TelemetryConfig{
			Enabled:  false,
			Broker:   "tcp://localhost:1883",
			ClientID: "rcexp",
			Topic:    "rcexp/{run_id}/{event}",
			QoS:      0,
		},
		Mock: MockConfig{
			SampleInterval: 2 * time.Millisecond,
			NoiseLevel:     0.005,
			Seed:           1,
			SupplyVoltage:  5.0,
			Resistance:     2200,
			Capacitance:    220e-6, // tc = 0.484s
			DurationFactor: 5,
			SamplesPerTC:   40,
			PulseDuration:  100,
			PulseDutyCycle: 50,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// DelimiterByte returns the protocol delimiter as a single byte.
func (s SerialConfig) DelimiterByte() byte {
	if s.Delimiter == "" {
		return '/'
	}
	return s.Delimiter[0]
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}
	if len(c.Serial.Delimiter) != 1 {
		c.Serial.Delimiter = def.Serial.Delimiter
	}
	if c.Serial.Timeout == 0 {
		c.Serial.Timeout = def.Serial.Timeout
	}
	if c.Serial.ReadTimeout == 0 {
		c.Serial.ReadTimeout = def.Serial.ReadTimeout
	}
	if c.Serial.ProbeAttempts == 0 {
		c.Serial.ProbeAttempts = def.Serial.ProbeAttempts
	}
	if c.Serial.ProbeInterval == 0 {
		c.Serial.ProbeInterval = def.Serial.ProbeInterval
	}

	if c.Parameters.RefreshAttempts == 0 {
		c.Parameters.RefreshAttempts = def.Parameters.RefreshAttempts
	}
	if c.Parameters.RefreshBackoff == 0 {
		c.Parameters.RefreshBackoff = def.Parameters.RefreshBackoff
	}

	if c.Experiment.Settle == 0 {
		c.Experiment.Settle = def.Experiment.Settle
	}
	if c.Experiment.CancelTimeout == 0 {
		c.Experiment.CancelTimeout = def.Experiment.CancelTimeout
	}
	if c.Experiment.StopResend == 0 {
		c.Experiment.StopResend = def.Experiment.StopResend
	}
	if c.Experiment.MaxMissedFrames == 0 {
		c.Experiment.MaxMissedFrames = def.Experiment.MaxMissedFrames
	}
	if c.Experiment.MinFitSamples == 0 {
		c.Experiment.MinFitSamples = def.Experiment.MinFitSamples
	}
	if c.Experiment.EventBuffer == 0 {
		c.Experiment.EventBuffer = def.Experiment.EventBuffer
	}

	if c.Storage.ExportDir == "" {
		c.Storage.ExportDir = def.Storage.ExportDir
	}
	if c.Storage.ArchiveDir == "" {
		c.Storage.ArchiveDir = def.Storage.ArchiveDir
	}

	if c.Telemetry.Broker == "" {
		c.Telemetry.Broker = def.Telemetry.Broker
	}
	if c.Telemetry.ClientID == "" {
		c.Telemetry.ClientID = def.Telemetry.ClientID
	}
	if c.Telemetry.Topic == "" {
		c.Telemetry.Topic = def.Telemetry.Topic
	}

	if c.Mock.SupplyVoltage == 0 {
		c.Mock.SupplyVoltage = def.Mock.SupplyVoltage
	}
	if c.Mock.Resistance == 0 {
		c.Mock.Resistance = def.Mock.Resistance
	}
	if c.Mock.Capacitance == 0 {
		c.Mock.Capacitance = def.Mock.Capacitance
	}
	if c.Mock.DurationFactor == 0 {
		c.Mock.DurationFactor = def.Mock.DurationFactor
	}
	if c.Mock.SamplesPerTC == 0 {
		c.Mock.SamplesPerTC = def.Mock.SamplesPerTC
	}
	if c.Mock.PulseDuration == 0 {
		c.Mock.PulseDuration = def.Mock.PulseDuration
	}
}
