// Package config manages trafficmon configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shini4i/trafficmon/internal/fileutil"
	"github.com/shini4i/trafficmon/internal/stats"
)

// Counter backends accepted in Config.Source.
const (
	SourceSystem = "system"
	SourceSysfs  = "sysfs"
)

const (
	// AppName is the application identifier used for XDG paths.
	AppName = "trafficmon"
	// ConfigFileName is the name of the main configuration file.
	ConfigFileName = "config.json"
	// DefaultSocketPath is where the daemon listens unless configured otherwise.
	DefaultSocketPath = "/run/trafficmon/trafficmond.sock"
)

// Config represents the application configuration.
type Config struct {
	SocketPath         string `json:"socket_path"`
	SocketGroup        string `json:"socket_group,omitempty"`
	ReportSchedule     string `json:"report_schedule"`
	ReportTypes        string `json:"report_types"`
	PollTimeoutSeconds int    `json:"poll_timeout_seconds"`
	StartOnLaunch      bool   `json:"start_on_launch"`

	// Source selects the counter backend: "system" (default) or "sysfs".
	Source string `json:"source,omitempty"`
	// SysfsRoot overrides /sys/class/net for the sysfs source.
	SysfsRoot string `json:"sysfs_root,omitempty"`

	// Classes overrides interface name prefixes per class ("wwan", "wifi", "awdl").
	// Classes absent here keep the platform defaults.
	Classes map[string][]string `json:"classes,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SocketPath:         DefaultSocketPath,
		ReportSchedule:     "@every 5s",
		ReportTypes:        "all",
		PollTimeoutSeconds: int(stats.DefaultPollTimeout / time.Second),
		StartOnLaunch:      true,
	}
}

// Paths holds the resolved configuration locations.
type Paths struct {
	ConfigDir  string
	ConfigFile string
}

// GetPaths returns the configuration paths following the XDG Base Directory layout.
func GetPaths() (*Paths, error) {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configHome = filepath.Join(homeDir, ".config")
	}

	configDir := filepath.Join(configHome, AppName)
	return &Paths{
		ConfigDir:  configDir,
		ConfigFile: filepath.Join(configDir, ConfigFileName),
	}, nil
}

// EnsurePaths creates the configuration directory.
func (p *Paths) EnsurePaths() error {
	if err := os.MkdirAll(p.ConfigDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return nil
}

// Load reads the configuration from disk. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to disk atomically.
func Save(path string, cfg *Config) error {
	if err := fileutil.WriteJSON(path, cfg, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return errors.New("socket path must not be empty")
	}
	if c.PollTimeoutSeconds < 0 {
		return errors.New("poll timeout must be non-negative")
	}
	if _, err := cron.ParseStandard(c.ReportSchedule); err != nil {
		return fmt.Errorf("invalid report schedule %q: %w", c.ReportSchedule, err)
	}
	if _, err := stats.ParseTrafficType(c.ReportTypes); err != nil {
		return fmt.Errorf("invalid report types: %w", err)
	}
	for name := range c.Classes {
		if _, ok := knownClasses[name]; !ok {
			return fmt.Errorf("unknown interface class %q", name)
		}
	}
	switch c.Source {
	case "", SourceSystem, SourceSysfs:
	default:
		return fmt.Errorf("unknown counter source %q", c.Source)
	}
	return nil
}

// InterfaceSource returns the configured counter backend.
func (c *Config) InterfaceSource() stats.InterfaceSource {
	if c.Source == SourceSysfs {
		return stats.SysfsSource{Root: c.SysfsRoot}
	}
	return stats.SystemSource{}
}

var knownClasses = map[string]stats.Class{
	string(stats.ClassWWAN): stats.ClassWWAN,
	string(stats.ClassWiFi): stats.ClassWiFi,
	string(stats.ClassAWDL): stats.ClassAWDL,
}

// ReportMask returns the parsed report_types expression.
func (c *Config) ReportMask() (stats.TrafficType, error) {
	return stats.ParseTrafficType(c.ReportTypes)
}

// PollTimeout returns the poll timeout as a duration.
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSeconds) * time.Second
}

// Rules returns the platform default rules with the configured overrides applied.
func (c *Config) Rules() stats.Rules {
	override := make(stats.Rules, len(c.Classes))
	for name, prefixes := range c.Classes {
		if class, ok := knownClasses[name]; ok {
			override[class] = prefixes
		}
	}
	return stats.DefaultRules().Merge(override)
}

// clone returns a deep copy of c.
func (c *Config) clone() *Config {
	cfg := *c
	if c.Classes != nil {
		cfg.Classes = make(map[string][]string, len(c.Classes))
		for name, prefixes := range c.Classes {
			cfg.Classes[name] = append([]string(nil), prefixes...)
		}
	}
	return &cfg
}

// Manager provides high-level configuration management.
// It is safe for concurrent use from multiple goroutines.
type Manager struct {
	path   string       // Immutable after construction
	config *Config      // Protected by mu
	mu     sync.RWMutex // Protects config only
}

// NewManager creates a configuration manager for the XDG config file,
// creating the config directory if needed.
func NewManager() (*Manager, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to get config paths: %w", err)
	}

	if err := paths.EnsurePaths(); err != nil {
		return nil, fmt.Errorf("failed to create config directories: %w", err)
	}

	return NewManagerWithPath(paths.ConfigFile)
}

// NewManagerWithPath creates a configuration manager for an explicit file.
func NewManagerWithPath(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &Manager{
		path:   path,
		config: cfg,
	}, nil
}

// GetConfig returns a copy of the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.clone()
}

// ConfigFile returns the path of the managed configuration file.
func (m *Manager) ConfigFile() string {
	return m.path
}

// SaveConfig saves the current configuration to disk.
func (m *Manager) SaveConfig() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Save(m.path, m.config)
}

// UpdateField atomically updates the config using a mutator function.
// If validation fails, the current config is preserved.
func (m *Manager) UpdateField(mutator func(cfg *Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	configCopy := m.config.clone()
	mutator(configCopy)
	if err := configCopy.Validate(); err != nil {
		return err
	}

	m.config = configCopy
	return Save(m.path, m.config)
}
