// Package config manages mapperd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides, layered as
// defaults, then file, then env.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete mapperd configuration (spec.md §6.3
// "Configuration").
type Config struct {
	Device  DeviceConfig  `koanf:"device"`
	Network NetworkConfig `koanf:"network"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// DeviceConfig holds the local device's name-allocation parameters
// (spec.md §4.2).
type DeviceConfig struct {
	// Prefix is the device name prefix; the runtime appends ".<ordinal>"
	// once the name-allocation protocol locks an ordinal.
	Prefix string `koanf:"prefix"`

	// NumLocalDevices scales the reprobe jitter when this process hosts
	// several devices sharing a prefix (spec.md §4.2 step 4).
	NumLocalDevices int `koanf:"num_local_devices"`
}

// NetworkConfig holds the discovery bus and transport parameters
// (spec.md §6.3).
type NetworkConfig struct {
	// MulticastGroup is the discovery bus multicast address.
	MulticastGroup string `koanf:"multicast_group"`

	// MulticastPort is the discovery bus multicast port.
	MulticastPort int `koanf:"multicast_port"`

	// Interface is the outbound network interface name; empty passes no
	// interface to the bus and leaves the choice to the operating system.
	// No search for the first non-loopback IPv4-up interface is made.
	Interface string `koanf:"interface"`

	// PeerPingTimeout is the link-dead threshold (spec.md §6.3 "peer
	// ping timeout").
	PeerPingTimeout time.Duration `koanf:"peer_ping_timeout"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults
// (spec.md §6.3's default table).
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Prefix:          "dev",
			NumLocalDevices: 1,
		},
		Network: NetworkConfig{
			MulticastGroup:  "224.0.1.3",
			MulticastPort:   7570,
			PeerPingTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for mapperd configuration.
// Variables are named MAPPERD_<section>_<key>, e.g. MAPPERD_DEVICE_PREFIX.
const envPrefix = "MAPPERD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (MAPPERD_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips
// the file layer and returns defaults plus any env overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms MAPPERD_DEVICE_PREFIX -> device.prefix.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"device.prefix":             defaults.Device.Prefix,
		"device.num_local_devices":  defaults.Device.NumLocalDevices,
		"network.multicast_group":   defaults.Network.MulticastGroup,
		"network.multicast_port":    defaults.Network.MulticastPort,
		"network.interface":         defaults.Network.Interface,
		"network.peer_ping_timeout": defaults.Network.PeerPingTimeout.String(),
		"metrics.addr":              defaults.Metrics.Addr,
		"metrics.path":              defaults.Metrics.Path,
		"log.level":                 defaults.Log.Level,
		"log.format":                defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyDevicePrefix indicates the device prefix is empty.
	ErrEmptyDevicePrefix = errors.New("device.prefix must not be empty")

	// ErrInvalidNumLocalDevices indicates num_local_devices is less than 1.
	ErrInvalidNumLocalDevices = errors.New("device.num_local_devices must be >= 1")

	// ErrEmptyMulticastGroup indicates the multicast group is empty.
	ErrEmptyMulticastGroup = errors.New("network.multicast_group must not be empty")

	// ErrInvalidMulticastPort indicates the multicast port is out of range.
	ErrInvalidMulticastPort = errors.New("network.multicast_port must be in [1,65535]")

	// ErrInvalidPeerPingTimeout indicates the peer ping timeout is non-positive.
	ErrInvalidPeerPingTimeout = errors.New("network.peer_ping_timeout must be > 0")

	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")
)

// Validate checks the configuration for logical errors. Returns the
// first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Device.Prefix == "" {
		return ErrEmptyDevicePrefix
	}
	if cfg.Device.NumLocalDevices < 1 {
		return ErrInvalidNumLocalDevices
	}
	if cfg.Network.MulticastGroup == "" {
		return ErrEmptyMulticastGroup
	}
	if cfg.Network.MulticastPort < 1 || cfg.Network.MulticastPort > 65535 {
		return ErrInvalidMulticastPort
	}
	if cfg.Network.PeerPingTimeout <= 0 {
		return ErrInvalidPeerPingTimeout
	}
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
