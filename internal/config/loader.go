package config

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override, e.g. TXCORE_JOURNAL_KIND.
	EnvPrefix = "TXCORE_"
)

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (TXCORE_JOURNAL_KIND, TXCORE_TWOPC_ASYNCHRONOUS, ...)
//  2. YAML config file
//  3. NewDefaultConfig
//
// An empty configPath or a path that does not exist skips the file layer.
// Existing files must be 0600 or 0400 and at most 1MB.
//
// Environment variables map onto the first underscore only:
//
//	TXCORE_JOURNAL_KIND          -> journal.kind
//	TXCORE_TWOPC_ASYNCHRONOUS    -> twopc.asynchronous
//	TXCORE_MANAGEMENT_DISABLED   -> management.disabled
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	// Seed with defaults so unset keys keep their default values.
	if err := k.Load(rawbytes.Provider(defaultsYAML(NewDefaultConfig())), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envKey maps TXCORE_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile returns nil content when the file does not exist.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	// Validate through the open descriptor to avoid a TOCTOU race.
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// defaultsYAML renders the default snapshot in the same shape as a config file.
func defaultsYAML(c *Config) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "node:\n  server_id: %q\n", c.Node.ServerID)
	fmt.Fprintf(&b, "journal:\n")
	fmt.Fprintf(&b, "  kind: %q\n", c.Journal.Kind)
	fmt.Fprintf(&b, "  log_part1_filename: %q\n", c.Journal.LogPart1Filename)
	fmt.Fprintf(&b, "  log_part2_filename: %q\n", c.Journal.LogPart2Filename)
	fmt.Fprintf(&b, "  max_log_size_mb: %d\n", c.Journal.MaxLogSizeMB)
	fmt.Fprintf(&b, "  forced_write: %t\n", c.Journal.ForcedWrite)
	fmt.Fprintf(&b, "  nats_url: %q\n", c.Journal.NATSURL)
	fmt.Fprintf(&b, "  nats_stream: %q\n", c.Journal.NATSStream)
	fmt.Fprintf(&b, "twopc:\n")
	fmt.Fprintf(&b, "  asynchronous: %t\n", c.TwoPC.Asynchronous)
	fmt.Fprintf(&b, "  warn_about_zero_resource_transaction: %t\n", c.TwoPC.WarnAboutZeroResourceTransaction)
	fmt.Fprintf(&b, "timer:\n")
	fmt.Fprintf(&b, "  default_transaction_timeout: %q\n", c.Timer.DefaultTransactionTimeout.Duration().String())
	fmt.Fprintf(&b, "  graceful_shutdown_interval: %q\n", c.Timer.GracefulShutdownInterval.Duration().String())
	fmt.Fprintf(&b, "  background_recovery_interval: %q\n", c.Timer.BackgroundRecoveryInterval.Duration().String())
	fmt.Fprintf(&b, "management:\n")
	fmt.Fprintf(&b, "  disabled: %t\n", c.Management.Disabled)
	fmt.Fprintf(&b, "  http_host: %q\n", c.Management.HTTPHost)
	fmt.Fprintf(&b, "  http_port: %d\n", c.Management.HTTPPort)
	fmt.Fprintf(&b, "log:\n")
	fmt.Fprintf(&b, "  level: %q\n", c.Log.Level)
	fmt.Fprintf(&b, "  format: %q\n", c.Log.Format)
	fmt.Fprintf(&b, "  output: %q\n", c.Log.Output)
	fmt.Fprintf(&b, "telemetry:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", c.Telemetry.Enabled)
	fmt.Fprintf(&b, "  endpoint: %q\n", c.Telemetry.Endpoint)
	fmt.Fprintf(&b, "  protocol: %q\n", c.Telemetry.Protocol)
	fmt.Fprintf(&b, "  insecure: %t\n", c.Telemetry.Insecure)
	fmt.Fprintf(&b, "  service_name: %q\n", c.Telemetry.ServiceName)
	fmt.Fprintf(&b, "  sample_rate: %g\n", c.Telemetry.SampleRate)
	fmt.Fprintf(&b, "  export_interval: %q\n", c.Telemetry.ExportInterval.Duration().String())
	return []byte(b.String())
}
