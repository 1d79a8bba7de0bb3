// Package config provides configuration structures and loading logic for
// polis-exec. Files may be TOML, YAML or JSON; the format is chosen by the
// file extension.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	polistls "github.com/polisai/polis-exec/internal/tls"
	"github.com/polisai/polis-exec/pkg/pipeline"
	"github.com/polisai/polis-exec/pkg/registry"
	"github.com/polisai/polis-exec/pkg/telemetry"
	"github.com/polisai/polis-exec/pkg/zfs"
)

// Defaults
const (
	DefaultListenAddress = "127.0.0.1:6677"
	DefaultMaxInputBytes = 1 << 20
	DefaultMetricsPath   = "/metrics"
	// DefaultUnlockPerMinute bounds passphrase attempts per dataset.
	DefaultUnlockPerMinute = 10
)

// ErrUnsupportedFormat is returned for files whose extension is not recognised.
var ErrUnsupportedFormat = errors.New("unsupported configuration format")

// Config holds the complete server configuration.
type Config struct {
	ListenAddress string `toml:"listen_address" yaml:"listen_address" json:"listen_address"`

	ZFSEnabled             bool     `toml:"zfs_enabled" yaml:"zfs_enabled" json:"zfs_enabled"`
	ZFSBinary              string   `toml:"zfs_binary" yaml:"zfs_binary" json:"zfs_binary"`
	ZFSTimeout             Duration `toml:"zfs_timeout" yaml:"zfs_timeout" json:"zfs_timeout"`
	BlacklistedZFSDatasets []string `toml:"blacklisted_zfs_datasets" yaml:"blacklisted_zfs_datasets" json:"blacklisted_zfs_datasets"`

	DefaultTimeout Duration `toml:"default_timeout" yaml:"default_timeout" json:"default_timeout"`
	MaxInputBytes  int64    `toml:"max_input_bytes" yaml:"max_input_bytes" json:"max_input_bytes"`
	MaxOutputBytes int      `toml:"max_output_bytes" yaml:"max_output_bytes" json:"max_output_bytes"`
	MaxStderrBytes int      `toml:"max_stderr_bytes" yaml:"max_stderr_bytes" json:"max_stderr_bytes"`

	CustomCommands []CommandConfig `toml:"custom_command" yaml:"custom_command" json:"custom_command"`

	CORSAllowedOrigins []string `toml:"cors_allowed_origins" yaml:"cors_allowed_origins" json:"cors_allowed_origins"`

	Logging LoggingConfig `toml:"logging" yaml:"logging" json:"logging"`
	Metrics MetricsConfig `toml:"metrics" yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `toml:"tracing" yaml:"tracing" json:"tracing"`

	RateLimit RateLimitConfig `toml:"rate_limit" yaml:"rate_limit" json:"rate_limit"`

	TLS TLSConfig `toml:"tls" yaml:"tls" json:"tls"`

	WatchConfig *bool `toml:"watch_config" yaml:"watch_config" json:"watch_config"`
}

// CommandConfig is one custom_command entry.
type CommandConfig struct {
	Label                string   `toml:"label" yaml:"label" json:"label"`
	URLEndpoint          string   `toml:"url_endpoint" yaml:"url_endpoint" json:"url_endpoint"`
	RunCmd               RunCmd   `toml:"run_cmd" yaml:"run_cmd" json:"run_cmd"`
	StdinAllow           bool     `toml:"stdin_allow" yaml:"stdin_allow" json:"stdin_allow"`
	StdinPlaceholderText string   `toml:"stdin_placeholder_text" yaml:"stdin_placeholder_text" json:"stdin_placeholder_text"`
	StdinIsPassword      *bool    `toml:"stdin_is_password" yaml:"stdin_is_password" json:"stdin_is_password"`
	Enabled              *bool    `toml:"enabled" yaml:"enabled" json:"enabled"`
	Timeout              Duration `toml:"timeout" yaml:"timeout" json:"timeout"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level" json:"level"`
	Format string `toml:"format" yaml:"format" json:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool  `toml:"enabled" yaml:"enabled" json:"enabled"`
	Path    string `toml:"path" yaml:"path" json:"path"`
}

// TracingConfig holds configuration for OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `toml:"enabled" yaml:"enabled" json:"enabled"`
	Endpoint    string  `toml:"endpoint" yaml:"endpoint" json:"endpoint"`
	ServiceName string  `toml:"service_name" yaml:"service_name" json:"service_name"`
	Insecure    bool    `toml:"insecure" yaml:"insecure" json:"insecure"`
	SampleRatio float64 `toml:"sample_ratio" yaml:"sample_ratio" json:"sample_ratio"`
	// Environment is reported as deployment.environment on every span and metric.
	Environment string `toml:"environment" yaml:"environment" json:"environment"`
	// Headers are sent with every OTLP export, typically collector credentials.
	Headers        map[string]string `toml:"headers" yaml:"headers" json:"headers"`
	MetricInterval Duration          `toml:"metric_interval" yaml:"metric_interval" json:"metric_interval"`
}

// TLSConfig enables HTTPS on the listener.
type TLSConfig struct {
	CertFile     string `toml:"cert_file" yaml:"cert_file" json:"cert_file"`
	KeyFile      string `toml:"key_file" yaml:"key_file" json:"key_file"`
	ClientCAFile string `toml:"client_ca_file" yaml:"client_ca_file" json:"client_ca_file"`
}

// RateLimitConfig throttles privileged operations. Zero disables a limit.
type RateLimitConfig struct {
	// CommandsPerMinute applies to each custom command endpoint separately.
	CommandsPerMinute int `toml:"commands_per_minute" yaml:"commands_per_minute" json:"commands_per_minute"`
	// UnlockPerMinute applies to each dataset separately.
	UnlockPerMinute *int `toml:"unlock_per_minute" yaml:"unlock_per_minute" json:"unlock_per_minute"`
}

// Default returns a configuration with every default applied and no commands.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from a file, applies defaults and environment
// variable overrides, and validates the result including the command set.
func Load(path string) (*Config, error) {
	//nolint:gosec // Config file path is controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := Parse(data, formatOf(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse decodes data in the given format ("toml", "yaml" or "json") and
// applies defaults. It does not validate.
func Parse(data []byte, format string) (*Config, error) {
	cfg := &Config{}

	switch format {
	case "toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, err
		}
		for _, key := range md.Undecoded() {
			// Keys consumed by a custom unmarshaler may still be reported.
			if len(key) > 0 && key[len(key)-1] == "run_cmd" {
				continue
			}
			return nil, fmt.Errorf("unknown field %q", key.String())
		}
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return "toml"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return strings.TrimPrefix(filepath.Ext(path), ".")
	}
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.ZFSBinary == "" {
		c.ZFSBinary = zfs.DefaultBinary
	}
	if c.ZFSTimeout.Duration == 0 {
		c.ZFSTimeout.Duration = zfs.DefaultTimeout
	}
	if c.DefaultTimeout.Duration == 0 {
		c.DefaultTimeout.Duration = pipeline.DefaultTimeout
	}
	if c.MaxInputBytes == 0 {
		c.MaxInputBytes = DefaultMaxInputBytes
	}
	if c.MaxOutputBytes == 0 {
		c.MaxOutputBytes = pipeline.DefaultMaxOutputBytes
	}
	if c.MaxStderrBytes == 0 {
		c.MaxStderrBytes = pipeline.DefaultMaxStderrBytes
	}
	if len(c.CORSAllowedOrigins) == 0 {
		c.CORSAllowedOrigins = []string{"*"}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Enabled == nil {
		c.Metrics.Enabled = boolPtr(true)
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.RateLimit.UnlockPerMinute == nil {
		n := DefaultUnlockPerMinute
		c.RateLimit.UnlockPerMinute = &n
	}
	if c.WatchConfig == nil {
		c.WatchConfig = boolPtr(true)
	}
	for i := range c.CustomCommands {
		cmd := &c.CustomCommands[i]
		if cmd.StdinIsPassword == nil {
			cmd.StdinIsPassword = boolPtr(true)
		}
		if cmd.Enabled == nil {
			cmd.Enabled = boolPtr(true)
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("POLIS_EXEC_LISTEN_ADDRESS"); val != "" {
		cfg.ListenAddress = val
	}
	if val := os.Getenv("POLIS_EXEC_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("POLIS_EXEC_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
	if val := os.Getenv("POLIS_EXEC_ZFS_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			cfg.ZFSEnabled = enabled
		}
	}
	if val := os.Getenv("POLIS_EXEC_OTLP_ENDPOINT"); val != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Endpoint = val
	}
	if val := os.Getenv("POLIS_EXEC_OTLP_INSECURE"); val == "true" {
		cfg.Tracing.Insecure = true
	}
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return errors.New("listen_address is required")
	}
	if c.DefaultTimeout.Duration < 0 {
		return errors.New("default_timeout must not be negative")
	}
	if c.MaxInputBytes < 0 || c.MaxOutputBytes < 0 || c.MaxStderrBytes < 0 {
		return errors.New("size limits must not be negative")
	}
	for _, name := range c.BlacklistedZFSDatasets {
		if !zfs.ValidName(strings.TrimSuffix(name, "/")) {
			return fmt.Errorf("blacklisted_zfs_datasets: invalid dataset name %q", name)
		}
	}
	for i, cmd := range c.CustomCommands {
		if cmd.Timeout.Duration < 0 {
			return fmt.Errorf("custom_command %d (%q): timeout must not be negative", i, cmd.Label)
		}
	}
	if c.RateLimit.CommandsPerMinute < 0 || c.UnlockPerMinute() < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	if err := c.ListenerTLS().Validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path %q must start with '/'", c.Metrics.Path)
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return errors.New("tracing.endpoint is required when tracing is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return errors.New("tracing.sample_ratio must be between 0 and 1")
	}
	if c.Tracing.MetricInterval.Duration < 0 {
		return errors.New("tracing.metric_interval must not be negative")
	}

	if _, err := c.Registry(); err != nil {
		return fmt.Errorf("custom_command: %w", err)
	}
	return nil
}

// Definitions converts the custom_command entries into registry definitions.
func (c *Config) Definitions() []registry.CommandDefinition {
	defs := make([]registry.CommandDefinition, 0, len(c.CustomCommands))
	for _, cmd := range c.CustomCommands {
		defs = append(defs, registry.CommandDefinition{
			Label:            cmd.Label,
			Endpoint:         cmd.URLEndpoint,
			Stages:           cmd.RunCmd.Stages(),
			StdinAllow:       cmd.StdinAllow,
			StdinPlaceholder: cmd.StdinPlaceholderText,
			StdinIsSecret:    derefBool(cmd.StdinIsPassword, true),
			Enabled:          derefBool(cmd.Enabled, true),
			Timeout:          cmd.Timeout.Duration,
		})
	}
	return defs
}

// Registry builds the command registry.
func (c *Config) Registry() (*registry.Registry, error) {
	return registry.Load(c.Definitions())
}

// ExecutorConfig returns the pipeline executor limits.
func (c *Config) ExecutorConfig() pipeline.Config {
	return pipeline.Config{
		DefaultTimeout: c.DefaultTimeout.Duration,
		MaxOutputBytes: c.MaxOutputBytes,
		MaxStderrBytes: c.MaxStderrBytes,
	}
}

// TelemetryConfig returns the OTLP export settings. The zero value, with no
// endpoint, is returned when tracing is disabled.
func (c *Config) TelemetryConfig(version string) telemetry.Config {
	if !c.Tracing.Enabled {
		return telemetry.Config{}
	}
	return telemetry.Config{
		ServiceName:    c.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       c.Tracing.Endpoint,
		Environment:    c.Tracing.Environment,
		Insecure:       c.Tracing.Insecure,
		Headers:        c.Tracing.Headers,
		SampleRatio:    c.Tracing.SampleRatio,
		MetricInterval: c.Tracing.MetricInterval.Duration,
	}
}

// ZFSConfig returns the storage adapter configuration.
func (c *Config) ZFSConfig() zfs.Config {
	return zfs.Config{
		Enabled:   c.ZFSEnabled,
		Binary:    c.ZFSBinary,
		Blacklist: append([]string(nil), c.BlacklistedZFSDatasets...),
		Timeout:   c.ZFSTimeout.Duration,
	}
}

// MetricsEnabled reports whether /metrics is served.
func (c *Config) MetricsEnabled() bool {
	return derefBool(c.Metrics.Enabled, true)
}

// ListenerTLS returns the listener TLS settings.
func (c *Config) ListenerTLS() polistls.Config {
	return polistls.Config{
		CertFile:     c.TLS.CertFile,
		KeyFile:      c.TLS.KeyFile,
		ClientCAFile: c.TLS.ClientCAFile,
	}
}

// UnlockPerMinute returns the per-dataset unlock attempt budget.
func (c *Config) UnlockPerMinute() int {
	if c.RateLimit.UnlockPerMinute == nil {
		return DefaultUnlockPerMinute
	}
	return *c.RateLimit.UnlockPerMinute
}

// WatchEnabled reports whether the on-disk drift watcher should run.
func (c *Config) WatchEnabled() bool {
	return derefBool(c.WatchConfig, true)
}

// RequestTimeout bounds a whole HTTP request: the longest pipeline plus slack
// for writing the response.
func (c *Config) RequestTimeout() time.Duration {
	longest := c.DefaultTimeout.Duration
	for _, cmd := range c.CustomCommands {
		longest = max(longest, cmd.Timeout.Duration)
	}
	longest = max(longest, c.ZFSTimeout.Duration)
	return longest + 10*time.Second
}

func boolPtr(b bool) *bool {
	return &b
}

func derefBool(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
