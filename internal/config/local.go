package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// LocalConfig holds configuration for the coderoom daemon
type LocalConfig struct {
	Daemon  DaemonConfig  `yaml:"daemon"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Sweep   SweepConfig   `yaml:"sweep"`
	Storage StorageConfig `yaml:"storage"`
	Queue   QueueConfig   `yaml:"queue"`
	MCP     MCPConfig     `yaml:"mcp"`
	Events  EventsConfig  `yaml:"events"`
}

// DaemonConfig holds daemon server settings
type DaemonConfig struct {
	Port           int      `yaml:"port"`
	Bind           string   `yaml:"bind"`
	LogLevel       string   `yaml:"log_level"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// SandboxConfig holds per-room container settings
type SandboxConfig struct {
	Image                string  `yaml:"image"`
	WorkDir              string  `yaml:"workdir"`
	MemoryMB             int     `yaml:"memory_mb"`
	CPULimit             float64 `yaml:"cpu_limit"`
	CPUShares            int64   `yaml:"cpu_shares"`
	PidsLimit            int64   `yaml:"pids_limit"`
	NetworkOff           bool    `yaml:"network_off"`
	Shell                string  `yaml:"shell"`
	SetupCommand         string  `yaml:"setup_command"`
	ExecTimeoutSeconds   int     `yaml:"exec_timeout_seconds"`
	MaxSandboxes         int     `yaml:"max_sandboxes"`
	MaxConcurrentCreates int     `yaml:"max_concurrent_creates"`
}

// SweepConfig controls the idle reaper
type SweepConfig struct {
	IntervalSeconds int    `yaml:"interval_seconds"`
	MaxIdleSeconds  int    `yaml:"max_idle_seconds"`
	Basis           string `yaml:"basis"` // activity or created
}

// StorageConfig selects where sandbox records are persisted
type StorageConfig struct {
	Driver      string `yaml:"driver"` // sqlite, postgres, none
	SQLitePath  string `yaml:"sqlite_path,omitempty"`
	PostgresURL string `yaml:"-"` // Loaded from secrets.yaml or env
}

// QueueConfig holds RabbitMQ settings
type QueueConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"-"` // Loaded from secrets.yaml or env
}

// MCPConfig holds the MCP tool server settings
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// EventsConfig holds websocket event surface settings
type EventsConfig struct {
	RatePerSecond int `yaml:"rate_per_second"`
	SendBuffer    int `yaml:"send_buffer"`
}

// SecretsConfig holds connection strings loaded from secrets.yaml
type SecretsConfig struct {
	PostgresURL string `yaml:"postgres_url,omitempty"`
	RabbitMQURL string `yaml:"rabbitmq_url,omitempty"`
}

// SweepInterval returns the sweep interval as a duration
func (c SweepConfig) SweepInterval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// MaxIdle returns the idle threshold as a duration
func (c SweepConfig) MaxIdle() time.Duration {
	return time.Duration(c.MaxIdleSeconds) * time.Second
}

// ExecTimeout returns the one-shot command timeout as a duration
func (c SandboxConfig) ExecTimeout() time.Duration {
	return time.Duration(c.ExecTimeoutSeconds) * time.Second
}

// CoderoomDir returns the path to ~/.coderoom
func CoderoomDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".coderoom"), nil
}

// EnsureCoderoomDir creates ~/.coderoom and subdirectories if they don't exist
func EnsureCoderoomDir() (string, error) {
	dir, err := CoderoomDir()
	if err != nil {
		return "", err
	}

	for _, subdir := range []string{"", "logs", "data"} {
		path := filepath.Join(dir, subdir)
		if err := os.MkdirAll(path, 0755); err != nil {
			return "", fmt.Errorf("create dir %s: %w", path, err)
		}
	}

	return dir, nil
}

// DefaultSetupCommand installs compilers and interpreters for the supported
// languages when the image does not already carry them.
const DefaultSetupCommand = `mkdir -p /workspace && ` +
	`(command -v python3 >/dev/null && command -v g++ >/dev/null && command -v node >/dev/null && command -v javac >/dev/null) || ` +
	`(apt-get update -qq && DEBIAN_FRONTEND=noninteractive apt-get install -y -qq python3 gcc g++ nodejs default-jdk-headless >/dev/null)`

// DefaultLocalConfig returns sensible defaults for local mode
func DefaultLocalConfig() *LocalConfig {
	return &LocalConfig{
		Daemon: DaemonConfig{
			Port:     7433,
			Bind:     "127.0.0.1",
			LogLevel: "info",
		},
		Sandbox: SandboxConfig{
			Image:                "ubuntu:22.04",
			WorkDir:              "/workspace",
			MemoryMB:             512,
			CPULimit:             0.5,
			CPUShares:            512,
			PidsLimit:            256,
			NetworkOff:           true,
			Shell:                "/bin/bash",
			SetupCommand:         DefaultSetupCommand,
			ExecTimeoutSeconds:   30,
			MaxSandboxes:         50,
			MaxConcurrentCreates: 4,
		},
		Sweep: SweepConfig{
			IntervalSeconds: 600,
			MaxIdleSeconds:  3600,
			Basis:           "activity",
		},
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		MCP: MCPConfig{
			Enabled: false,
			Addr:    "127.0.0.1:7434",
		},
		Events: EventsConfig{
			RatePerSecond: 20,
			SendBuffer:    512,
		},
	}
}

// LoadLocalConfig loads configuration from ~/.coderoom/config.yaml and
// applies CODEROOM_* environment overrides.
func LoadLocalConfig() (*LocalConfig, error) {
	dir, err := CoderoomDir()
	if err != nil {
		return nil, err
	}
	return LoadLocalConfigFrom(dir)
}

// LoadLocalConfigFrom loads config.yaml and secrets.yaml from dir.
func LoadLocalConfigFrom(dir string) (*LocalConfig, error) {
	cfg := DefaultLocalConfig()
	configPath := filepath.Join(dir, "config.yaml")

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := loadSecrets(dir, cfg); err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}

	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = filepath.Join(dir, "data", "coderoom.db")
	}

	ApplyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects settings the daemon cannot run with
func (c *LocalConfig) Validate() error {
	switch c.Sweep.Basis {
	case "activity", "created":
	default:
		return fmt.Errorf("sweep.basis must be activity or created, got %q", c.Sweep.Basis)
	}
	switch c.Storage.Driver {
	case "sqlite", "postgres", "none":
	default:
		return fmt.Errorf("storage.driver must be sqlite, postgres or none, got %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.PostgresURL == "" {
		return fmt.Errorf("storage.driver is postgres but no postgres url is configured")
	}
	if c.Queue.Enabled && c.Queue.URL == "" {
		return fmt.Errorf("queue is enabled but no rabbitmq url is configured")
	}
	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image must be set")
	}
	if c.Sweep.IntervalSeconds <= 0 {
		return fmt.Errorf("sweep.interval_seconds must be positive")
	}
	return nil
}

// loadSecrets loads connection strings from secrets.yaml
func loadSecrets(dir string, cfg *LocalConfig) error {
	secretsPath := filepath.Join(dir, "secrets.yaml")

	// If secrets file doesn't exist, skip
	if _, err := os.Stat(secretsPath); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(secretsPath)
	if err != nil {
		return fmt.Errorf("read secrets: %w", err)
	}

	var secrets SecretsConfig
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return fmt.Errorf("parse secrets: %w", err)
	}

	if secrets.PostgresURL != "" {
		cfg.Storage.PostgresURL = secrets.PostgresURL
	}
	if secrets.RabbitMQURL != "" {
		cfg.Queue.URL = secrets.RabbitMQURL
	}

	return nil
}

// SaveLocalConfig saves configuration to ~/.coderoom/config.yaml
func SaveLocalConfig(cfg *LocalConfig) error {
	dir, err := EnsureCoderoomDir()
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}
