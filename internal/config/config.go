// Package config provides the configuration snapshot for txcore.
//
// A Config is built once (defaults, then an optional YAML file, then
// environment variables) and treated as read-only afterwards. The service
// registry hands the same snapshot to every subsystem until it is cleared.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Journal implementation keys understood without any extra registration.
const (
	JournalDisk = "disk"
	JournalNull = "null"
)

// Config holds the complete txcore configuration.
type Config struct {
	Node       NodeConfig       `koanf:"node"`
	Journal    JournalConfig    `koanf:"journal"`
	TwoPC      TwoPCConfig      `koanf:"twopc"`
	Timer      TimerConfig      `koanf:"timer"`
	Management ManagementConfig `koanf:"management"`
	Log        LogConfig        `koanf:"log"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// NodeConfig identifies this transaction manager instance.
type NodeConfig struct {
	ServerID string `koanf:"server_id"`
}

// JournalConfig selects and tunes the transaction journal.
type JournalConfig struct {
	// Kind is "disk", "null" or a key registered with the service registry.
	Kind             string `koanf:"kind"`
	LogPart1Filename string `koanf:"log_part1_filename"`
	LogPart2Filename string `koanf:"log_part2_filename"`
	MaxLogSizeMB     int    `koanf:"max_log_size_mb"`
	ForcedWrite      bool   `koanf:"forced_write"`
	NATSURL          string `koanf:"nats_url"`
	NATSStream       string `koanf:"nats_stream"`
	NATSToken        Secret `koanf:"nats_token"`
}

// TwoPCConfig controls the two-phase-commit executor.
type TwoPCConfig struct {
	Asynchronous                     bool `koanf:"asynchronous"`
	WarnAboutZeroResourceTransaction bool `koanf:"warn_about_zero_resource_transaction"`
}

// TimerConfig holds the intervals driven by the task scheduler.
type TimerConfig struct {
	DefaultTransactionTimeout  Duration `koanf:"default_transaction_timeout"`
	GracefulShutdownInterval   Duration `koanf:"graceful_shutdown_interval"`
	BackgroundRecoveryInterval Duration `koanf:"background_recovery_interval"`
}

// ManagementConfig controls the monitoring facade and admin HTTP server.
type ManagementConfig struct {
	Disabled bool   `koanf:"disabled"`
	HTTPHost string `koanf:"http_host"`
	HTTPPort int    `koanf:"http_port"`
}

// LogConfig selects the process logger's level and encoding.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	// Output is the stream logs go to: "stderr" or "stdout".
	Output string `koanf:"output"`
}

// TelemetryConfig controls OpenTelemetry trace and metric export.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"` // "grpc" or "http/protobuf"
	Insecure       bool     `koanf:"insecure"`
	ServiceName    string   `koanf:"service_name"`
	SampleRate     float64  `koanf:"sample_rate"`
	ExportInterval Duration `koanf:"export_interval"`
}

// NewDefaultConfig returns the configuration used when nothing is loaded.
func NewDefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ServerID: defaultServerID(),
		},
		Journal: JournalConfig{
			Kind:             JournalDisk,
			LogPart1Filename: "txcore1.tlog",
			LogPart2Filename: "txcore2.tlog",
			MaxLogSizeMB:     2,
			ForcedWrite:      true,
			NATSURL:          "nats://localhost:4222",
			NATSStream:       "TXCORE_JOURNAL",
		},
		TwoPC: TwoPCConfig{
			Asynchronous:                     false,
			WarnAboutZeroResourceTransaction: true,
		},
		Timer: TimerConfig{
			DefaultTransactionTimeout:  Duration(60 * time.Second),
			GracefulShutdownInterval:   Duration(60 * time.Second),
			BackgroundRecoveryInterval: Duration(time.Minute),
		},
		Management: ManagementConfig{
			Disabled: false,
			HTTPHost: "localhost",
			HTTPPort: 9797,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			Insecure:       true,
			ServiceName:    "txcore",
			SampleRate:     1.0,
			ExportInterval: Duration(15 * time.Second),
		},
	}
}

// Clone returns a deep copy of the snapshot.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Journal.Kind) == "" {
		return errors.New("journal kind is required")
	}
	if c.Journal.Kind == JournalDisk {
		if c.Journal.LogPart1Filename == "" || c.Journal.LogPart2Filename == "" {
			return errors.New("disk journal requires both log part filenames")
		}
		if c.Journal.LogPart1Filename == c.Journal.LogPart2Filename {
			return fmt.Errorf("log part filenames must differ, both are %q", c.Journal.LogPart1Filename)
		}
		if c.Journal.MaxLogSizeMB <= 0 {
			return fmt.Errorf("max log size must be positive, got %d", c.Journal.MaxLogSizeMB)
		}
	}

	if c.Timer.DefaultTransactionTimeout.Duration() <= 0 {
		return errors.New("default transaction timeout must be positive")
	}
	if c.Timer.GracefulShutdownInterval.Duration() < 0 {
		return errors.New("graceful shutdown interval cannot be negative")
	}
	if c.Timer.BackgroundRecoveryInterval.Duration() < time.Second {
		return fmt.Errorf("background recovery interval must be at least 1s, got %s", c.Timer.BackgroundRecoveryInterval.Duration())
	}

	if !c.Management.Disabled {
		if c.Management.HTTPPort < 0 || c.Management.HTTPPort > 65535 {
			return fmt.Errorf("invalid management port: %d (must be 0-65535)", c.Management.HTTPPort)
		}
	}

	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log format must be 'json' or 'console', got %q", c.Log.Format)
	}
	if c.Log.Output != "stderr" && c.Log.Output != "stdout" {
		return fmt.Errorf("log output must be 'stderr' or 'stdout', got %q", c.Log.Output)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return errors.New("telemetry endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
			return fmt.Errorf("telemetry protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			return fmt.Errorf("telemetry sample rate must be between 0 and 1, got %f", c.Telemetry.SampleRate)
		}
		if c.Telemetry.ExportInterval.Duration() <= 0 {
			return errors.New("telemetry export interval must be positive")
		}
	}

	return nil
}

func defaultServerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "txcore"
	}
	// Server IDs end up in gtrids and file names; keep them short.
	if len(host) > 51 {
		host = host[:51]
	}
	return host
}
