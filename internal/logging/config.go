package logging

import (
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/txcore/internal/config"
)

// Console streams.
const (
	StreamStderr = "stderr"
	StreamStdout = "stdout"
	StreamNone   = "none"
)

// Config holds logging configuration.
type Config struct {
	Level    zapcore.Level
	Format   string
	Output   OutputConfig
	Sampling SamplingConfig
	Caller   CallerConfig
	Fields   map[string]string
}

// OutputConfig controls where logs are written.
type OutputConfig struct {
	// Stream is StreamStderr, StreamStdout or StreamNone.
	Stream string
	OTEL   bool
}

// SamplingConfig controls log volume reduction below Warn.
type SamplingConfig struct {
	Enabled    bool
	Tick       config.Duration
	Initial    int
	Thereafter int
}

// CallerConfig controls caller information in logs.
type CallerConfig struct {
	Enabled bool
	Skip    int
}

// NewDefaultConfig returns config with production defaults. Logs go to
// stderr so that command output on stdout stays machine-readable.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: OutputConfig{
			Stream: StreamStderr,
		},
		Sampling: SamplingConfig{
			Enabled:    true,
			Tick:       config.Duration(time.Second),
			Initial:    100,
			Thereafter: 10,
		},
		Caller: CallerConfig{
			Enabled: true,
			Skip:    1,
		},
		Fields: map[string]string{
			"service": "txcore",
		},
	}
}

// FromConfig derives a logging config from the daemon's log section.
func FromConfig(lc config.LogConfig) (*Config, error) {
	cfg := NewDefaultConfig()

	level, err := LevelFromString(lc.Level)
	if err != nil {
		return nil, err
	}
	cfg.Level = level
	if lc.Format != "" {
		cfg.Format = lc.Format
	}
	if lc.Output != "" {
		cfg.Output.Stream = lc.Output
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	switch c.Output.Stream {
	case StreamStderr, StreamStdout:
	case StreamNone:
		if !c.Output.OTEL {
			return fmt.Errorf("stream is %q and otel output is off: nothing would be logged", StreamNone)
		}
	default:
		return fmt.Errorf("unknown output stream %q", c.Output.Stream)
	}
	if c.Sampling.Enabled {
		if c.Sampling.Tick.Duration() <= 0 {
			return fmt.Errorf("sampling tick must be > 0 when sampling enabled")
		}
		if c.Sampling.Initial < 0 || c.Sampling.Thereafter < 0 {
			return fmt.Errorf("sampling initial/thereafter must be >= 0")
		}
	}
	if c.Caller.Enabled && c.Caller.Skip < 0 {
		return fmt.Errorf("caller skip must be >= 0, got %d", c.Caller.Skip)
	}
	for k, v := range c.Fields {
		if k == "" {
			return fmt.Errorf("field key cannot be empty")
		}
		if v == "" {
			return fmt.Errorf("field %q has empty value", k)
		}
	}
	return nil
}
