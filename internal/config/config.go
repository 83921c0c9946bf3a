// Package config loads and persists the application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/avandersteldt/regionwatch/internal/logger"
)

// CaptureConfig tunes the capture chain.
type CaptureConfig struct {
	// TimeoutMS bounds a single strategy attempt.
	TimeoutMS int `json:"timeout_ms" yaml:"timeout_ms" mapstructure:"timeout_ms"`

	// BridgeCommand enables the exec-bridge strategy when non-empty.
	BridgeCommand []string `json:"bridge_command,omitempty" yaml:"bridge_command,omitempty" mapstructure:"bridge_command"`
}

// Timeout returns the attempt timeout as a duration.
func (c CaptureConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// MonitorConfig holds the session defaults used when a start request omits
// fields.
type MonitorConfig struct {
	Strategy   string  `json:"strategy" yaml:"strategy" mapstructure:"strategy"`
	Threshold  float64 `json:"threshold" yaml:"threshold" mapstructure:"threshold"`
	IntervalMS int     `json:"interval_ms" yaml:"interval_ms" mapstructure:"interval_ms"`
}

// Interval returns the poll interval as a duration.
func (c MonitorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// StorageConfig controls the change-frame store.
type StorageConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Dir            string `json:"dir" yaml:"dir" mapstructure:"dir"`
	MaxFrames      int    `json:"max_frames" yaml:"max_frames" mapstructure:"max_frames"`
	ThumbnailWidth int    `json:"thumbnail_width" yaml:"thumbnail_width" mapstructure:"thumbnail_width"`
}

// Config is the full application configuration.
type Config struct {
	ServerPort int           `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	LogLevel   string        `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	Capture    CaptureConfig `json:"capture" yaml:"capture" mapstructure:"capture"`
	Monitor    MonitorConfig `json:"monitor" yaml:"monitor" mapstructure:"monitor"`
	Storage    StorageConfig `json:"storage" yaml:"storage" mapstructure:"storage"`
}

// Manager loads, serves and persists the configuration.
type Manager struct {
	configPath string
	mu         sync.RWMutex
	config     *Config
}

// NewManager reads the config file, creating it with defaults when absent.
// An empty configFile falls back to ~/.config/regionwatch/config.yaml.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".config", "regionwatch", "config.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	m := &Manager{configPath: path}
	if err := m.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		logger.WithComponent("config").Info().Str("path", path).
			Msg("config file not found, writing defaults")
		m.config = Defaults()
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}
	return m, nil
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ServerPort: 8080,
		LogLevel:   "info",
		Capture: CaptureConfig{
			TimeoutMS: 5000,
		},
		Monitor: MonitorConfig{
			Strategy:   "pixel",
			Threshold:  10,
			IntervalMS: 1000,
		},
		Storage: StorageConfig{
			Enabled:        true,
			Dir:            defaultStorageDir(),
			MaxFrames:      500,
			ThumbnailWidth: 320,
		},
	}
}

func defaultStorageDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "regionwatch-frames"
	}
	return filepath.Join(homeDir, ".local", "share", "regionwatch", "frames")
}

func (m *Manager) load() error {
	v := viper.New()
	v.SetConfigFile(m.configPath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			return os.ErrNotExist
		}
		return err
	}

	cfg := Defaults()
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	logger.WithComponent("config").Info().Str("path", m.configPath).Msg("config loaded")
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.config
}

// Path returns the backing file path.
func (m *Manager) Path() string { return m.configPath }

// SetPort overrides the server port.
func (m *Manager) SetPort(port int) {
	m.mu.Lock()
	m.config.ServerPort = port
	m.mu.Unlock()
}

// SetLogLevel overrides the log level.
func (m *Manager) SetLogLevel(level string) {
	m.mu.Lock()
	m.config.LogLevel = level
	m.mu.Unlock()
}

// Save writes the configuration back to disk as YAML.
func (m *Manager) Save() error {
	m.mu.RLock()
	data, err := yaml.Marshal(m.config)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(m.configPath, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
