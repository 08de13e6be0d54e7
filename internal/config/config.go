// Package config provides configuration management for the sandboxfs mount
// daemon.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ajaxzhan/sandboxfs/pkg/types"
)

// Config represents the complete daemon configuration.
type Config struct {
	Mount   MountConfig   `yaml:"mount"`
	Watch   WatchConfig   `yaml:"watch"`
	Cache   CacheConfig   `yaml:"cache"`
	Logging LoggingConfig `yaml:"logging"`
}

// MountConfig holds the sandbox boundary configuration.
type MountConfig struct {
	Root            string `yaml:"root"`
	RootfsRoot      string `yaml:"rootfs_root"`
	ScratchRoot     string `yaml:"scratch_root"`
	Mountpoint      string `yaml:"mountpoint"`
	ReadOnly        bool   `yaml:"read_only"`
	Unsafe          bool   `yaml:"unsafe"`
	AllowSymlink    bool   `yaml:"allow_symlink"`
	AllowHardlink   bool   `yaml:"allow_hardlink"`
	DisableAnchored bool   `yaml:"disable_anchored"`
}

// WatchConfig holds change-notification defaults.
type WatchConfig struct {
	QueueSize    int    `yaml:"queue_size"`
	Overflow     string `yaml:"overflow"` // drop-oldest, error
	PollInterval string `yaml:"poll_interval"`
	DiffMaxBytes int    `yaml:"diff_max_bytes"`
}

// CacheConfig bounds the last-on-disk content cache.
type CacheConfig struct {
	MaxEntries int    `yaml:"max_entries"`
	MaxBytes   int    `yaml:"max_bytes"`
	DedupTTL   string `yaml:"dedup_ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Mount: MountConfig{
			Root:       "/tmp/sandboxfs/root",
			Mountpoint: "/tmp/sandboxfs/mnt",
		},
		Watch: WatchConfig{
			QueueSize:    512,
			Overflow:     "drop-oldest",
			PollInterval: "300ms",
			DiffMaxBytes: 64 * 1024,
		},
		Cache: CacheConfig{
			MaxEntries: 256,
			MaxBytes:   8 * 1024 * 1024,
			DedupTTL:   "15s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadOrDefault loads configuration from a file, or returns default if file doesn't exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// GetPollInterval returns the watch poll interval as a time.Duration.
func (c *WatchConfig) GetPollInterval() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil {
		return 300 * time.Millisecond
	}
	return d
}

// GetOverflow returns the configured overflow policy, defaulting to
// drop-oldest on unknown values.
func (c *WatchConfig) GetOverflow() types.OverflowPolicy {
	switch c.Overflow {
	case string(types.OverflowError):
		return types.OverflowError
	default:
		return types.OverflowDropOldest
	}
}

// GetDedupTTL returns the dedup entry TTL as a time.Duration.
func (c *CacheConfig) GetDedupTTL() time.Duration {
	d, err := time.ParseDuration(c.DedupTTL)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// Options assembles the sandbox construction options from the mount, watch
// and cache sections.
func (c *Config) Options() types.Options {
	return types.Options{
		Root:              c.Mount.Root,
		Unsafe:            c.Mount.Unsafe,
		ReadOnly:          c.Mount.ReadOnly,
		RootfsRoot:        c.Mount.RootfsRoot,
		ScratchRoot:       c.Mount.ScratchRoot,
		AllowSymlink:      c.Mount.AllowSymlink,
		AllowHardlink:     c.Mount.AllowHardlink,
		WatchQueueSize:    c.Watch.QueueSize,
		WatchOverflow:     c.Watch.GetOverflow(),
		WatchPollInterval: c.Watch.GetPollInterval(),
		DiffMaxBytes:      c.Watch.DiffMaxBytes,
		CacheMaxEntries:   c.Cache.MaxEntries,
		CacheMaxBytes:     c.Cache.MaxBytes,
		DedupTTL:          c.Cache.GetDedupTTL(),
	}
}
