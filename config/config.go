// Package config handles the service configuration from a YAML file.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stadtlab/schulwegcheck/mapview"
)

// Config is the top-level service configuration.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Browser BrowserConfig  `yaml:"browser"`
	Capture CaptureConfig  `yaml:"capture"`
	Map     mapview.Config `yaml:"map"`
	Export  ExportConfig   `yaml:"export"`
	Events  EventsConfig   `yaml:"events"`
	Log     LogConfig      `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port int `yaml:"port"`

	// PublicURL is the base address the capture tab navigates to. Empty =
	// loopback on the configured port.
	PublicURL string `yaml:"public_url"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	// Remote is the DevTools WebSocket URL of an external Chrome.
	// Empty = launch a local headless instance.
	Remote string `yaml:"remote"`
}

// CaptureConfig controls the map rasterisation.
type CaptureConfig struct {
	Width         int           `yaml:"width"`
	Height        int           `yaml:"height"`
	SettleTimeout time.Duration `yaml:"settle_timeout"`
	Background    string        `yaml:"background"`
}

// ExportConfig controls the generated documents.
type ExportConfig struct {
	OutputDir      string `yaml:"output_dir"`
	FilenamePrefix string `yaml:"filename_prefix"`
}

// EventsConfig controls the business event store.
type EventsConfig struct {
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills unset fields. Exported so a zero Config can be used
// without a file.
func (c *Config) ApplyDefaults() {
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if c.Capture.Width <= 0 {
		c.Capture.Width = 1200
	}
	if c.Capture.Height <= 0 {
		c.Capture.Height = 800
	}
	if c.Capture.SettleTimeout <= 0 {
		c.Capture.SettleTimeout = 5 * time.Second
	}
	if c.Capture.Background == "" {
		c.Capture.Background = "#ffffff"
	}
	if c.Export.FilenamePrefix == "" {
		c.Export.FilenamePrefix = "Schulwegcheck_Beteiligung"
	}
	if c.Events.DBPath == "" {
		c.Events.DBPath = "schulwegcheck_events.db"
	}
	if c.Events.RetentionDays <= 0 {
		c.Events.RetentionDays = 90
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}
