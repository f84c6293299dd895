package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, JournalDisk, cfg.Journal.Kind)
	assert.False(t, cfg.TwoPC.Asynchronous)
	assert.False(t, cfg.Management.Disabled)
	assert.True(t, cfg.Journal.ForcedWrite)
	assert.Equal(t, 60*time.Second, cfg.Timer.DefaultTransactionTimeout.Duration())
	assert.NotEmpty(t, cfg.Node.ServerID)
	require.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "empty journal kind",
			mutate:  func(c *Config) { c.Journal.Kind = "  " },
			wantErr: "journal kind is required",
		},
		{
			name:    "identical log parts",
			mutate:  func(c *Config) { c.Journal.LogPart2Filename = c.Journal.LogPart1Filename },
			wantErr: "must differ",
		},
		{
			name:    "non-positive log size",
			mutate:  func(c *Config) { c.Journal.MaxLogSizeMB = 0 },
			wantErr: "max log size",
		},
		{
			name: "log size ignored for null journal",
			mutate: func(c *Config) {
				c.Journal.Kind = JournalNull
				c.Journal.MaxLogSizeMB = 0
			},
		},
		{
			name:    "zero transaction timeout",
			mutate:  func(c *Config) { c.Timer.DefaultTransactionTimeout = 0 },
			wantErr: "default transaction timeout",
		},
		{
			name:    "sub-second recovery interval",
			mutate:  func(c *Config) { c.Timer.BackgroundRecoveryInterval = Duration(10 * time.Millisecond) },
			wantErr: "background recovery interval",
		},
		{
			name:    "bad management port",
			mutate:  func(c *Config) { c.Management.HTTPPort = 70000 },
			wantErr: "invalid management port",
		},
		{
			name: "port ignored when management disabled",
			mutate: func(c *Config) {
				c.Management.Disabled = true
				c.Management.HTTPPort = 70000
			},
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "log format",
		},
		{
			name:    "unknown log output",
			mutate:  func(c *Config) { c.Log.Output = "syslog" },
			wantErr: "log output",
		},
		{
			name: "telemetry protocol",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Protocol = "thrift"
			},
			wantErr: "telemetry protocol",
		},
		{
			name: "telemetry sample rate",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.SampleRate = 1.5
			},
			wantErr: "sample rate",
		},
		{
			name:   "telemetry settings ignored when disabled",
			mutate: func(c *Config) { c.Telemetry.Protocol = "thrift" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Clone(t *testing.T) {
	cfg := NewDefaultConfig()
	clone := cfg.Clone()

	require.NotSame(t, cfg, clone)
	clone.Journal.Kind = JournalNull
	assert.Equal(t, JournalDisk, cfg.Journal.Kind)

	var nilCfg *Config
	assert.Nil(t, nilCfg.Clone())
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("s3cr3t")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "s3cr3t", s.Value())
	assert.True(t, s.IsSet())

	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))

	assert.Equal(t, "", Secret("").String())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
