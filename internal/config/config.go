package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all FloorSync configuration.
type Config struct {
	Server ServerConfig `json:"server" yaml:"server"`
	Device DeviceConfig `json:"device" yaml:"device"`
	Sync   SyncConfig   `json:"sync" yaml:"sync"`
	MQTT   MQTTConfig   `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
	API    APIConfig    `json:"api" yaml:"api"`
}

// ServerConfig points at the upstream sync server.
type ServerConfig struct {
	URL        string `json:"url" yaml:"url"`
	AuthSecret string `json:"authSecret" yaml:"authSecret"`
}

// DeviceConfig identifies this installation.
type DeviceConfig struct {
	ID       string `json:"id" yaml:"id"`
	Site     string `json:"site" yaml:"site"`
	DataDir  string `json:"dataDir" yaml:"dataDir"`
	LogLevel string `json:"logLevel" yaml:"logLevel"`
}

// SyncConfig tunes the sync engine and its schedules.
type SyncConfig struct {
	// Schedule is a cron expression for periodic sync runs.
	Schedule string `json:"schedule" yaml:"schedule"`
	// CleanupSchedule is a cron expression for synced-row retention cleanup.
	CleanupSchedule string `json:"cleanupSchedule" yaml:"cleanupSchedule"`
	// ItemDelayMs is the pause between consecutive queue items during a run.
	ItemDelayMs int `json:"itemDelayMs" yaml:"itemDelayMs"`
	// RetentionHours is how long synced rows are kept before cleanup.
	RetentionHours int `json:"retentionHours" yaml:"retentionHours"`
	// PolicyPath points at an optional TOML conflict policy file.
	PolicyPath string `json:"policyPath,omitempty" yaml:"policyPath,omitempty"`
}

// MQTTConfig configures the optional status publisher.
type MQTTConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	// TopicPrefix defaults to "floorsync/<site>/<device>".
	TopicPrefix string `json:"topicPrefix,omitempty" yaml:"topicPrefix,omitempty"`
}

// APIConfig configures the local operational HTTP server.
type APIConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Port    int  `json:"port" yaml:"port"`
}

// ItemDelay returns the configured inter-item pause as a duration.
func (s SyncConfig) ItemDelay() time.Duration {
	return time.Duration(s.ItemDelayMs) * time.Millisecond
}

// Retention returns the configured synced-row retention as a duration.
func (s SyncConfig) Retention() time.Duration {
	return time.Duration(s.RetentionHours) * time.Hour
}

// TopicPrefixFor resolves the MQTT topic prefix for a device.
func (m MQTTConfig) TopicPrefixFor(site, deviceID string) string {
	if m.TopicPrefix != "" {
		return m.TopicPrefix
	}
	return fmt.Sprintf("floorsync/%s/%s", site, deviceID)
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			URL: "http://localhost:8080",
		},
		Device: DeviceConfig{
			Site:     "default",
			DataDir:  "./data",
			LogLevel: "info",
		},
		Sync: SyncConfig{
			Schedule:        "*/5 * * * *",
			CleanupSchedule: "0 3 * * *",
			ItemDelayMs:     100,
			RetentionHours:  72,
		},
		MQTT: MQTTConfig{
			Host: "localhost",
			Port: 1883,
		},
		API: APIConfig{
			Enabled: true,
			Port:    8430,
		},
	}
}

// Load reads config from a JSON or YAML file, chosen by extension.
// Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Device.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url required")
	}
	if c.Device.ID == "" {
		return fmt.Errorf("device.id required")
	}
	if c.Sync.ItemDelayMs < 0 {
		return fmt.Errorf("sync.itemDelayMs must not be negative")
	}
	if c.Sync.RetentionHours <= 0 {
		return fmt.Errorf("sync.retentionHours must be positive")
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port out of range: %d", c.API.Port)
	}
	return nil
}

// Save writes config to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0640)
}
