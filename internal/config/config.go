package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bryanchriswhite/deskwatch/internal/logger"
	"gopkg.in/yaml.v3"
)

// Backend names accepted by the backend setting
const (
	BackendAuto  = "auto"
	BackendX11   = "x11"
	BackendGnome = "gnome"
	BackendKWin  = "kwin"
)

// Config represents the application configuration
type Config struct {
	ServerURL string `json:"server_url" yaml:"server_url"`
	Hostname  string `json:"hostname" yaml:"hostname"`
	Backend   string `json:"backend" yaml:"backend"`
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogPretty bool   `json:"log_pretty" yaml:"log_pretty"`

	Idle   IdleConfig   `json:"idle" yaml:"idle"`
	Window WindowConfig `json:"window" yaml:"window"`

	Pulsetime       time.Duration `json:"pulsetime" yaml:"pulsetime"`
	ProbeTimeout    time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
	RequestTimeout  time.Duration `json:"request_timeout" yaml:"request_timeout"`
	Retry           RetryConfig   `json:"retry" yaml:"retry"`
	MaxQueue        int           `json:"max_queue" yaml:"max_queue"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`

	// StatusAddr is the listen address of the local status server; empty disables it
	StatusAddr string `json:"status_addr" yaml:"status_addr"`
}

// IdleConfig configures the idle watcher
type IdleConfig struct {
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	Threshold    time.Duration `json:"threshold" yaml:"threshold"`
}

// WindowConfig configures the active window watcher
type WindowConfig struct {
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// RetryConfig configures reporter backoff
type RetryConfig struct {
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval"`
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		ServerURL: "http://localhost:5600/api/0",
		Backend:   BackendAuto,
		LogLevel:  "info",
		Idle: IdleConfig{
			PollInterval: time.Second,
			Threshold:    180 * time.Second,
		},
		Window: WindowConfig{
			PollInterval: time.Second,
		},
		Pulsetime:      5 * time.Second,
		ProbeTimeout:   2 * time.Second,
		RequestTimeout: 5 * time.Second,
		Retry: RetryConfig{
			InitialInterval: time.Second,
			MaxInterval:     60 * time.Second,
		},
		MaxQueue:        10000,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate checks the configuration for values the watchers cannot run with
func (c *Config) Validate() error {
	positive := []struct {
		name string
		val  time.Duration
	}{
		{"idle.poll_interval", c.Idle.PollInterval},
		{"idle.threshold", c.Idle.Threshold},
		{"window.poll_interval", c.Window.PollInterval},
		{"pulsetime", c.Pulsetime},
		{"probe_timeout", c.ProbeTimeout},
		{"request_timeout", c.RequestTimeout},
		{"retry.initial_interval", c.Retry.InitialInterval},
		{"retry.max_interval", c.Retry.MaxInterval},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return fmt.Errorf("%s must be positive, got %s", p.name, p.val)
		}
	}

	if c.Pulsetime < c.Idle.PollInterval || c.Pulsetime < c.Window.PollInterval {
		return fmt.Errorf("pulsetime %s is shorter than a poll interval", c.Pulsetime)
	}
	if c.Retry.MaxInterval < c.Retry.InitialInterval {
		return fmt.Errorf("retry.max_interval %s is shorter than retry.initial_interval %s",
			c.Retry.MaxInterval, c.Retry.InitialInterval)
	}
	if c.MaxQueue <= 0 {
		return fmt.Errorf("max_queue must be positive, got %d", c.MaxQueue)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown_timeout must not be negative, got %s", c.ShutdownTimeout)
	}
	if c.ServerURL == "" {
		return fmt.Errorf("server_url must be set")
	}

	switch c.Backend {
	case BackendAuto, BackendX11, BackendGnome, BackendKWin:
	default:
		return fmt.Errorf("unknown backend %q (use auto, x11, gnome or kwin)", c.Backend)
	}
	return nil
}

// ResolvedHostname returns the configured hostname or the system hostname
func (c *Config) ResolvedHostname() string {
	if c.Hostname != "" {
		return c.Hostname
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// DefaultPath returns ~/.config/deskwatch/config.yaml
func DefaultPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(configDir, "deskwatch", "config.yaml"), nil
}

// NewManager creates a new configuration manager. A missing file is
// created with defaults.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	m := &Manager{configPath: path}

	if err := m.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		m.config = Defaults()
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Str("backend", m.config.Backend).
		Msg("Config loaded")

	return m, nil
}

// load reads the configuration from disk. Keys absent from the file keep
// their default values.
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	return &cfg
}

// Update replaces the configuration in memory after validating it
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c := *cfg
	m.mu.Lock()
	m.config = &c
	m.mu.Unlock()
	return nil
}

// Save saves the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = Defaults()
	}

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved")
	return nil
}

// GetConfigPath returns the path of the configuration file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
