// Package config loads the pneulink YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/pneulink/internal/codec"
	"github.com/srg/pneulink/internal/device"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file used when --config is not given.
const DefaultPath = "pneulink.yaml"

// DeviceConfig identifies the peripheral and its GATT layout.
type DeviceConfig struct {
	Name           string        `yaml:"name" default:"ESP32_BLUETOOTH"`
	ServiceUUID    string        `yaml:"service_uuid" default:"4fafc201-1fb5-459e-8fcc-c5c9c331914b"`
	SensorUUID     string        `yaml:"sensor_uuid" default:"beb5483e-36e1-4688-b7f5-ea07361b26a8"`
	CommandUUID    string        `yaml:"command_uuid" default:"e3223119-9445-4e96-a4a1-85358c4046a2"`
	StatusUUID     string        `yaml:"status_uuid" default:"c0de0001-36e1-4688-b7f5-ea07361b26a8"`
	ChannelID      string        `yaml:"channel_id" default:"bottom_left"`
	Zones          []string      `yaml:"zones"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
	ScanTimeout    time.Duration `yaml:"scan_timeout" default:"10s"`
}

type ReconnectConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff" default:"1s"`
	MaxBackoff     time.Duration `yaml:"max_backoff" default:"30s"`
}

type StreamConfig struct {
	Buffer int `yaml:"buffer" default:"1024"`
}

type QueueConfig struct {
	Path string `yaml:"path" default:"pneulink.db"`
}

type SyncConfig struct {
	UserID    string        `yaml:"user_id"`
	Interval  time.Duration `yaml:"interval" default:"1h"`
	BatchSize int           `yaml:"batch_size" default:"5000"`
}

type GatewayConfig struct {
	BaseURL string        `yaml:"base_url" default:"http://localhost:8000"`
	Timeout time.Duration `yaml:"timeout" default:"10s"`
	Token   string        `yaml:"token"`
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" default:":9100"`
}

// Config holds application configuration
type Config struct {
	LogLevel  string          `yaml:"log_level" default:"info"`
	Device    DeviceConfig    `yaml:"device"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Stream    StreamConfig    `yaml:"stream"`
	Queue     QueueConfig     `yaml:"queue"`
	Sync      SyncConfig      `yaml:"sync"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Device.Zones = append([]string(nil), codec.DefaultZones...)
	return cfg
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.Device.Zones) == 0 {
		cfg.Device.Zones = append([]string(nil), codec.DefaultZones...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the config file at path. A missing file is not an error when
// optional is true; the defaults are returned instead.
func Load(path string, optional bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			cfg := DefaultConfig()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks everything that does not depend on the command being run.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	d := c.Device
	if strings.TrimSpace(d.Name) == "" {
		errs = append(errs, errors.New("device.name is required"))
	}
	if _, err := device.ValidateUUID(d.ServiceUUID, d.SensorUUID, d.CommandUUID, d.StatusUUID); err != nil {
		errs = append(errs, fmt.Errorf("device uuids: %w", err))
	}
	zones := codec.Zones(d.Zones)
	if err := zones.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("device.zones: %w", err))
	} else if !zones.Contains(d.ChannelID) {
		errs = append(errs, fmt.Errorf("device.channel_id %q is not one of %v", d.ChannelID, d.Zones))
	}

	for _, f := range []struct {
		name  string
		value time.Duration
	}{
		{"device.connect_timeout", d.ConnectTimeout},
		{"device.scan_timeout", d.ScanTimeout},
		{"reconnect.initial_backoff", c.Reconnect.InitialBackoff},
		{"reconnect.max_backoff", c.Reconnect.MaxBackoff},
		{"sync.interval", c.Sync.Interval},
		{"gateway.timeout", c.Gateway.Timeout},
	} {
		if f.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", f.name, f.value))
		}
	}
	if c.Reconnect.MaxBackoff < c.Reconnect.InitialBackoff {
		errs = append(errs, errors.New("reconnect.max_backoff must not be below reconnect.initial_backoff"))
	}
	if c.Stream.Buffer <= 0 {
		errs = append(errs, fmt.Errorf("stream.buffer must be positive, got %d", c.Stream.Buffer))
	}
	if c.Sync.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize))
	}
	if strings.TrimSpace(c.Queue.Path) == "" {
		errs = append(errs, errors.New("queue.path is required"))
	}
	if u, err := url.Parse(c.Gateway.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("gateway.base_url %q must be an absolute http(s) URL", c.Gateway.BaseURL))
	}

	return errors.Join(errs...)
}

// RequireUserID fails when no user id is configured. Only commands that talk
// to the gateway on behalf of a user need it.
func (c *Config) RequireUserID() error {
	if strings.TrimSpace(c.Sync.UserID) == "" {
		return errors.New("sync.user_id is required (set it in the config file or pass --user)")
	}
	return nil
}

// Level returns the parsed log level, InfoLevel if it does not parse.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
