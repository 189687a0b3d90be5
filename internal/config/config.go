// Package config provides configuration parsing and validation for netdiag.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/netdiag/internal/icmp"
	"github.com/postalsys/netdiag/internal/logging"
	"github.com/postalsys/netdiag/internal/ping"
	"github.com/postalsys/netdiag/internal/probe"
)

// Config represents the complete netdiag configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Bind    BindConfig    `yaml:"bind"`
	Ping    PingConfig    `yaml:"ping"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BindConfig holds the local addresses the ICMP sockets bind to.
// Empty means the unspecified address.
type BindConfig struct {
	IPv4 string `yaml:"ipv4"`
	IPv6 string `yaml:"ipv6"`
}

// PingConfig controls probe transmission.
type PingConfig struct {
	Count         int           `yaml:"count"`
	Interval      time.Duration `yaml:"interval"`
	Timeout       time.Duration `yaml:"timeout"`
	TTL           int           `yaml:"ttl"`
	RateLimit     float64       `yaml:"rate_limit"`
	Burst         int           `yaml:"burst"`
	PayloadSize   int           `yaml:"payload_size"`
	SkipMalformed bool          `yaml:"skip_malformed"`
	RecvBuffer    int           `yaml:"recv_buffer"`
}

// MetricsConfig defines the HTTP metrics and health endpoint.
type MetricsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Ping: PingConfig{
			Count:      4,
			Interval:   time.Second,
			Timeout:    2 * time.Second,
			TTL:        64,
			Burst:      1,
			RecvBuffer: 1500,
		},
		Metrics: MetricsConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9464",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default; unknown variables are kept as is.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !logging.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !logging.ValidFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if err := validateBind(c.Bind.IPv4, icmp.IPv4); err != nil {
		errs = append(errs, fmt.Sprintf("bind.ipv4: %v", err))
	}
	if err := validateBind(c.Bind.IPv6, icmp.IPv6); err != nil {
		errs = append(errs, fmt.Sprintf("bind.ipv6: %v", err))
	}

	if c.Ping.Count < 0 {
		errs = append(errs, "ping.count must not be negative")
	}
	if c.Ping.Interval < 0 {
		errs = append(errs, "ping.interval must not be negative")
	}
	if c.Ping.Timeout <= 0 {
		errs = append(errs, "ping.timeout must be positive")
	}
	if c.Ping.TTL < 1 || c.Ping.TTL > 255 {
		errs = append(errs, "ping.ttl must be between 1 and 255")
	}
	if c.Ping.RateLimit < 0 {
		errs = append(errs, "ping.rate_limit must not be negative")
	}
	if c.Ping.PayloadSize < 0 || c.Ping.PayloadSize > probe.MaxPayloadSize {
		errs = append(errs, fmt.Sprintf("ping.payload_size must be between 0 and %d", probe.MaxPayloadSize))
	}
	if c.Ping.RecvBuffer < probe.MaxPacketSize {
		errs = append(errs, fmt.Sprintf("ping.recv_buffer must be at least %d", probe.MaxPacketSize))
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func validateBind(s string, family icmp.Family) error {
	if s == "" {
		return nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return err
	}
	if icmp.FamilyOf(addr) != family {
		return fmt.Errorf("%s is not an %s address", s, family)
	}
	return nil
}

// BindAddrs returns the parsed bind addresses. Call after Validate.
func (c *Config) BindAddrs() ping.Bind {
	var b ping.Bind
	if c.Bind.IPv4 != "" {
		b.IPv4, _ = netip.ParseAddr(c.Bind.IPv4)
		b.IPv4 = b.IPv4.Unmap()
	}
	if c.Bind.IPv6 != "" {
		b.IPv6, _ = netip.ParseAddr(c.Bind.IPv6)
	}
	return b
}

// ChannelConfig returns the socket channel settings.
func (c *Config) ChannelConfig() ping.Config {
	cfg := ping.DefaultConfig()
	cfg.DefaultHopLimit = c.Ping.TTL
	cfg.RecvBufferSize = c.Ping.RecvBuffer
	cfg.SkipMalformed = c.Ping.SkipMalformed
	return cfg
}

// PingerConfig returns the probe scheduling settings.
func (c *Config) PingerConfig() ping.PingerConfig {
	return ping.PingerConfig{
		Timeout:     c.Ping.Timeout,
		RateLimit:   c.Ping.RateLimit,
		Burst:       c.Ping.Burst,
		PayloadSize: c.Ping.PayloadSize,
	}
}

// String returns the config as YAML (for debugging).
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
