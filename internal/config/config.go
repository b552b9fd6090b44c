// Package config loads, validates and watches the quotawatch configuration
// file.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"quotawatch/internal/quota"
)

// Config holds the quotawatch configuration.
type Config struct {
	Listen             string            `yaml:"listen"`
	RefreshIntervalSec int               `yaml:"refresh_interval_sec"`
	LowQuotaThreshold  int               `yaml:"low_quota_threshold"`
	RequestTimeoutSec  int               `yaml:"request_timeout_sec"`
	ProcessName        string            `yaml:"process_name"`
	Log                LogConfig         `yaml:"log"`
	Groups             []quota.Group     `yaml:"groups"`
	Nicknames          map[string]string `yaml:"nicknames"`
	Snapshot           SnapshotConfig    `yaml:"snapshot"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `yaml:"level"` // trace, debug, info, warn, error
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// SnapshotConfig holds snapshot file settings. The snapshot is written by
// default; set disabled to opt out.
type SnapshotConfig struct {
	Disabled bool   `yaml:"disabled"`
	Path     string `yaml:"path"`
}

// Load reads configuration from the YAML file at path. An empty path falls
// back to the default locations, and a missing file at a default location
// yields the built-in defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			cfg := &Config{}
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// DefaultPath returns ./config.yaml when it exists, otherwise the per-user
// location under the OS config directory.
func DefaultPath() string {
	if fileExists("config.yaml") {
		return "config.yaml"
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(configDir, "quotawatch", "config.yaml")
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8787"
	}
	if c.RefreshIntervalSec <= 0 {
		c.RefreshIntervalSec = 30
	}
	if c.LowQuotaThreshold <= 0 {
		c.LowQuotaThreshold = 20
	}
	if c.RequestTimeoutSec <= 0 {
		c.RequestTimeoutSec = 5
	}
	if c.ProcessName == "" {
		c.ProcessName = "language_server"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if len(c.Groups) == 0 {
		c.Groups = DefaultGroups()
	}
	if len(c.Nicknames) == 0 {
		c.Nicknames = DefaultNicknames()
	}
}

// Validate checks the configuration for correctness. The listen address must
// stay on a loopback interface; this tool never serves beyond the local
// machine.
func (c *Config) Validate() error {
	host, _, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return fmt.Errorf("listen %q is not host:port: %w", c.Listen, err)
	}
	if !isLoopbackHost(host) {
		return fmt.Errorf("listen host %q is not a loopback address", host)
	}
	if c.LowQuotaThreshold > 100 {
		return fmt.Errorf("low_quota_threshold must be between 1 and 100, got %d", c.LowQuotaThreshold)
	}
	seen := make(map[string]struct{}, len(c.Groups))
	for i, group := range c.Groups {
		name := strings.TrimSpace(group.Name)
		if name == "" {
			return fmt.Errorf("groups[%d].name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate group name %q", name)
		}
		seen[name] = struct{}{}
		if len(nonEmptyPatterns(group.Patterns)) == 0 {
			return fmt.Errorf("group %q needs at least one pattern", name)
		}
	}
	return nil
}

// RefreshInterval returns the poll interval as a duration.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSec) * time.Second
}

// RequestTimeout returns the per-request timeout as a duration, shared by
// discovery subprocesses and the status call.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func nonEmptyPatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment
// variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
