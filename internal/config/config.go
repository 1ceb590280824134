// Package config handles procmux configuration using Viper.
//
// Configuration sources (in priority order):
//  1. Command-line flags (applied by the caller)
//  2. Environment variables (PROCMUX_*)
//  3. Config file (~/.config/procmux/config.yaml)
//  4. Built-in defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tstat/process-muxer/internal/paths"
)

// Defaults for every known key.
const (
	DefaultGracePeriod       = 5 * time.Second
	DefaultBufferLines       = 5000
	DefaultBusCapacity       = 4096
	DefaultFrameInterval     = 50 * time.Millisecond
	DefaultTickInterval      = time.Second
	DefaultRestartBackoff    = time.Second
	DefaultRestartMaxBackoff = 30 * time.Second
	DefaultRestartResetAfter = 10 * time.Second
	DefaultStdinQueue        = 64
	DefaultDrainTimeout      = 500 * time.Millisecond
	DefaultMaxLineBytes      = 64 * 1024
	DefaultProcessFile       = "procmux.yaml"
)

// Keys understood by procmux.
const (
	KeyGracePeriod       = "grace_period"
	KeyBufferLines       = "buffer_lines"
	KeyBusCapacity       = "bus_capacity"
	KeyFrameInterval     = "frame_interval"
	KeyTickInterval      = "tick_interval"
	KeyRestartBackoff    = "restart.backoff"
	KeyRestartMaxBackoff = "restart.max_backoff"
	KeyRestartResetAfter = "restart.reset_after"
	KeyStdinQueue        = "stdin_queue"
	KeyDrainTimeout      = "drain_timeout"
	KeyMaxLineBytes      = "max_line_bytes"
	KeyProcessFile       = "process_file"
)

var defaults = map[string]any{
	KeyGracePeriod:       DefaultGracePeriod,
	KeyBufferLines:       DefaultBufferLines,
	KeyBusCapacity:       DefaultBusCapacity,
	KeyFrameInterval:     DefaultFrameInterval,
	KeyTickInterval:      DefaultTickInterval,
	KeyRestartBackoff:    DefaultRestartBackoff,
	KeyRestartMaxBackoff: DefaultRestartMaxBackoff,
	KeyRestartResetAfter: DefaultRestartResetAfter,
	KeyStdinQueue:        DefaultStdinQueue,
	KeyDrainTimeout:      DefaultDrainTimeout,
	KeyMaxLineBytes:      DefaultMaxLineBytes,
	KeyProcessFile:       DefaultProcessFile,
}

// Keys returns every known configuration key, sorted.
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}

// IsKnownKey reports whether key is a procmux configuration key.
func IsKnownKey(key string) bool {
	_, ok := defaults[key]
	return ok
}

// Default returns the built-in default of key.
func Default(key string) (any, bool) {
	v, ok := defaults[key]
	return v, ok
}

// Config holds the procmux configuration.
type Config struct {
	v *viper.Viper
}

// Load reads configuration from all sources.
func Load() *Config {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	// Config file location
	if dir, err := paths.ConfigRoot(); err == nil {
		v.AddConfigPath(dir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// Environment variables
	v.SetEnvPrefix("PROCMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found, but warn on other errors)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Warning: error reading config file: %v\n", err)
		}
	}

	return &Config{v: v}
}

// Get returns a configuration value.
func (c *Config) Get(key string) any {
	return c.v.Get(key)
}

// GetString returns a configuration value as string.
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt returns a configuration value as int.
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetDuration returns a configuration value as a duration.
func (c *Config) GetDuration(key string) time.Duration {
	return c.v.GetDuration(key)
}

// Set sets a configuration value and persists it.
func (c *Config) Set(key string, value any) error {
	c.v.Set(key, value)

	configFile, err := paths.ConfigFile()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configFile), 0o700); err != nil {
		return err
	}

	return c.v.WriteConfigAs(configFile)
}

// All returns all configuration as a map.
func (c *Config) All() map[string]any {
	return c.v.AllSettings()
}

// Path returns the config file in use, or the location Set would write to.
func (c *Config) Path() string {
	if used := c.v.ConfigFileUsed(); used != "" {
		return used
	}

	path, err := paths.ConfigFile()
	if err != nil {
		return ""
	}

	return path
}

// GracePeriod is the default time a process gets between its stop signal
// and SIGKILL.
func (c *Config) GracePeriod() time.Duration {
	return c.GetDuration(KeyGracePeriod)
}

// BufferLines is the default output buffer capacity per process.
func (c *Config) BufferLines() int {
	return c.GetInt(KeyBufferLines)
}

// BusCapacity is the number of events the bus holds before publishers block.
func (c *Config) BusCapacity() int {
	return c.GetInt(KeyBusCapacity)
}

// FrameInterval is the renderer's frame period.
func (c *Config) FrameInterval() time.Duration {
	return c.GetDuration(KeyFrameInterval)
}

// TickInterval is the period of Tick events.
func (c *Config) TickInterval() time.Duration {
	return c.GetDuration(KeyTickInterval)
}

// RestartBackoff is the delay before the first automatic restart.
func (c *Config) RestartBackoff() time.Duration {
	return c.GetDuration(KeyRestartBackoff)
}

// RestartMaxBackoff caps the automatic restart delay.
func (c *Config) RestartMaxBackoff() time.Duration {
	return c.GetDuration(KeyRestartMaxBackoff)
}

// RestartResetAfter is how long an instance must run for its restart
// delay to start over.
func (c *Config) RestartResetAfter() time.Duration {
	return c.GetDuration(KeyRestartResetAfter)
}

// StdinQueue is the number of pending writes a process stdin accepts.
func (c *Config) StdinQueue() int {
	return c.GetInt(KeyStdinQueue)
}

// DrainTimeout bounds how long output is read after a process exits.
func (c *Config) DrainTimeout() time.Duration {
	return c.GetDuration(KeyDrainTimeout)
}

// MaxLineBytes is the longest output line kept before it is split.
func (c *Config) MaxLineBytes() int {
	return c.GetInt(KeyMaxLineBytes)
}

// ProcessFile is the process file read when -f is not given.
func (c *Config) ProcessFile() string {
	return c.GetString(KeyProcessFile)
}
