// Package config handles application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds the application configuration.
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Kernel  KernelConfig  `json:"kernel" yaml:"kernel"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// KernelConfig holds kernel launch and transport configuration. Argv is
// appended to the interpreter path; {connection_file} expands to the
// descriptor path. Durations accept Go syntax ("10s", "500ms").
type KernelConfig struct {
	RuntimeDir        string   `json:"runtime_dir" yaml:"runtime_dir"`
	IP                string   `json:"ip" yaml:"ip"`
	Argv              []string `json:"argv" yaml:"argv"`
	ProbeArgs         []string `json:"probe_args" yaml:"probe_args"`
	ConnectTimeout    string   `json:"connect_timeout" yaml:"connect_timeout"`
	StopTimeout       string   `json:"stop_timeout" yaml:"stop_timeout"`
	EnableStdin       bool     `json:"enable_stdin" yaml:"enable_stdin"`
	EnableHeartbeat   bool     `json:"enable_heartbeat" yaml:"enable_heartbeat"`
	HeartbeatInterval string   `json:"heartbeat_interval" yaml:"heartbeat_interval"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level       string `json:"level" yaml:"level"`
	Development bool   `json:"development" yaml:"development"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	bridgeDir := filepath.Join(home, ".kernelbridge")

	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8799,
		},
		Kernel: KernelConfig{
			RuntimeDir:      filepath.Join(bridgeDir, "runtime"),
			IP:              "127.0.0.1",
			ConnectTimeout:  "10s",
			StopTimeout:     "5s",
			EnableHeartbeat: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a file (supports JSON and YAML). A
// missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	baseDir := ""

	if path == "" {
		home, _ := os.UserHomeDir()
		yamlPath := filepath.Join(home, ".kernelbridge", "config.yaml")
		jsonPath := filepath.Join(home, ".kernelbridge", "config.json")

		if _, err := os.Stat(yamlPath); err == nil {
			path = yamlPath
			baseDir = filepath.Dir(path)
		} else if _, err := os.Stat(jsonPath); err == nil {
			path = jsonPath
			baseDir = filepath.Dir(path)
		} else {
			return cfg, nil
		}
	} else {
		baseDir = filepath.Dir(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	isYAML := strings.HasSuffix(strings.ToLower(path), ".yaml") || strings.HasSuffix(strings.ToLower(path), ".yml")
	if isYAML {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	cfg.Kernel.RuntimeDir = resolvePath(cfg.Kernel.RuntimeDir, baseDir)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for name, v := range map[string]string{
		"connect_timeout":    c.Kernel.ConnectTimeout,
		"stop_timeout":       c.Kernel.StopTimeout,
		"heartbeat_interval": c.Kernel.HeartbeatInterval,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ConnectTimeout returns the parsed connect timeout, zero when unset.
func (c *Config) ConnectTimeout() time.Duration { return parseDuration(c.Kernel.ConnectTimeout) }

// StopTimeout returns the parsed stop timeout, zero when unset.
func (c *Config) StopTimeout() time.Duration { return parseDuration(c.Kernel.StopTimeout) }

// HeartbeatInterval returns the parsed heartbeat interval, zero when unset.
func (c *Config) HeartbeatInterval() time.Duration { return parseDuration(c.Kernel.HeartbeatInterval) }

func parseDuration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}

// Save saves configuration to a file.
func (c *Config) Save(path string) error {
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".kernelbridge", "config.json")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// expandHome expands ~ to home directory in paths.
func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~\\") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	// We intentionally don't expand "~user/..." forms.
	return path
}

// resolvePath expands ~ and resolves relative paths against baseDir.
// If baseDir is empty, relative paths are returned unchanged.
func resolvePath(value, baseDir string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	p := expandHome(value)
	if filepath.IsAbs(p) {
		return p
	}
	if baseDir == "" {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}
