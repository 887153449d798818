// Package config loads the recording engine's YAML configuration file and
// watches it for changes, applying live-reloadable settings without
// restarting the process. Everything is validated at load time, returning
// the first failed check as the error; the file watch uses fsnotify.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	rerrors "github.com/eprosima/ddsrecorder/internal/errors"
)

// Config is the on-disk shape of a recording session's configuration.
type Config struct {
	Ingress  IngressConfig  `yaml:"ingress"`
	Output   OutputConfig   `yaml:"output"`
	Handler  HandlerConfig  `yaml:"handler"`
	Command  CommandConfig  `yaml:"command"`
	LogLevel string         `yaml:"log_level"`
}

// IngressConfig configures component F.
type IngressConfig struct {
	NATSURL                 string   `yaml:"nats_url"`
	DataSubject              string   `yaml:"data_subject"`
	DiscoverySubject         string   `yaml:"discovery_subject"`
	Allow                    []string `yaml:"allow"`
	Deny                     []string `yaml:"deny"`
	UseReceiveTimeAsLogTime  bool     `yaml:"use_receive_time_as_log_time"`
}

// OutputConfig configures the File tracker and the chosen Format writer.
type OutputConfig struct {
	Format           string `yaml:"format"` // "binarylog" or "relational"
	Dir              string `yaml:"dir"`
	BaseName         string `yaml:"base_name"`
	PrependTimestamp bool   `yaml:"prepend_timestamp"`
	TimestampFormat  string `yaml:"timestamp_format"`
	MaxTotalSize     uint64 `yaml:"max_total_size"`
	MaxFileSize      uint64 `yaml:"max_file_size"`
	SizeTolerance    uint64 `yaml:"size_tolerance"`
	RotationEnabled  bool   `yaml:"rotation_enabled"`
	RecordTypes      bool   `yaml:"record_types"`
	ROS2Profile      bool   `yaml:"ros2_profile"`
	RelationalFormat string `yaml:"relational_data_format"` // "cdr_blob"|"json_text"|"both"
}

// HandlerConfig configures component E.
type HandlerConfig struct {
	InitialState      string        `yaml:"initial_state"` // "RUNNING"|"PAUSED"|"STOPPED"
	BufferSize        int           `yaml:"buffer_size"`
	EventWindow       time.Duration `yaml:"event_window"`
	CleanupPeriod     time.Duration `yaml:"cleanup_period"`
	MaxPendingSamples int           `yaml:"max_pending_samples"`
	OnlyWithSchema    bool          `yaml:"only_with_schema"`
	PendingTimeout    time.Duration `yaml:"pending_timeout"`
}

// CommandConfig configures component G.
type CommandConfig struct {
	CommandSubject string `yaml:"command_subject"`
	StatusSubject  string `yaml:"status_subject"`
}

// Load reads and parses the YAML file at path, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rerrors.NewConfigurationError("config.load.read", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, rerrors.NewConfigurationError("config.load.unmarshal", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, rerrors.NewConfigurationError("config.load.validate", err)
	}
	return cfg, nil
}

// Default returns a Config with the recording engine's baseline settings,
// overridden by whatever the loaded YAML document supplies.
func Default() *Config {
	return &Config{
		Ingress: IngressConfig{
			NATSURL:          "nats://127.0.0.1:4222",
			DataSubject:      "ddsrecorder.data.>",
			DiscoverySubject: "ddsrecorder.types",
		},
		Output: OutputConfig{
			Format:           "binarylog",
			Dir:              ".",
			BaseName:         "recording",
			PrependTimestamp: true,
			TimestampFormat:  "20060102_150405",
			SizeTolerance:    1 << 20,
			RotationEnabled:  true,
			RelationalFormat: "cdr_blob",
		},
		Handler: HandlerConfig{
			InitialState:      "RUNNING",
			BufferSize:        100,
			EventWindow:       10 * time.Second,
			CleanupPeriod:     time.Second,
			MaxPendingSamples: 1000,
			PendingTimeout:    30 * time.Second,
		},
		Command: CommandConfig{
			CommandSubject: "ddsrecorder.command",
			StatusSubject:  "ddsrecorder.status",
		},
		LogLevel: "info",
	}
}

// Validate checks invariants that YAML unmarshaling cannot enforce on its
// own. Configuration errors are fatal and raised at startup only.
func (c *Config) Validate() error {
	switch c.Output.Format {
	case "binarylog", "relational":
	default:
		return fmt.Errorf("output.format must be binarylog or relational, got %q", c.Output.Format)
	}
	switch c.Output.RelationalFormat {
	case "cdr_blob", "json_text", "both":
	default:
		return fmt.Errorf("output.relational_data_format must be cdr_blob, json_text, or both, got %q", c.Output.RelationalFormat)
	}
	switch c.Handler.InitialState {
	case "RUNNING", "PAUSED", "STOPPED":
	default:
		return fmt.Errorf("handler.initial_state must be RUNNING, PAUSED, or STOPPED, got %q", c.Handler.InitialState)
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir must not be empty")
	}
	if c.Output.BaseName == "" {
		return fmt.Errorf("output.base_name must not be empty")
	}
	if c.Handler.BufferSize <= 0 {
		return fmt.Errorf("handler.buffer_size must be positive, got %d", c.Handler.BufferSize)
	}
	if c.Ingress.DataSubject == "" || c.Ingress.DiscoverySubject == "" {
		return fmt.Errorf("ingress.data_subject and ingress.discovery_subject must not be empty")
	}
	if c.Command.CommandSubject == "" || c.Command.StatusSubject == "" {
		return fmt.Errorf("command.command_subject and command.status_subject must not be empty")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	return nil
}
