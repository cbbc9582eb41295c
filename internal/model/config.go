// Package model defines ozwatch's configuration, notification enumerations and state records.
package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Options  OptionsConfig  `yaml:"options" toml:"options"`
	Driver   DriverConfig   `yaml:"driver" toml:"driver"`
	Waiters  WaitersConfig  `yaml:"waiters" toml:"waiters"`
	Watcher  WatcherConfig  `yaml:"watcher" toml:"watcher"`
	Teardown TeardownConfig `yaml:"teardown" toml:"teardown"`
	Journal  JournalConfig  `yaml:"journal" toml:"journal"`
	Daemon   DaemonConfig   `yaml:"daemon" toml:"daemon"`
	Sim      SimConfig      `yaml:"sim" toml:"sim"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// OptionsConfig mirrors the library's options object inputs.
type OptionsConfig struct {
	ConfigPath string `yaml:"config_path" toml:"config_path"`
	UserPath   string `yaml:"user_path" toml:"user_path"`
	CmdLine    string `yaml:"cmd_line" toml:"cmd_line"`
}

type DriverConfig struct {
	Device  string `yaml:"device" toml:"device"`
	LockDir string `yaml:"lock_dir" toml:"lock_dir"`
}

type WaitersConfig struct {
	ReadyPollMs      int `yaml:"ready_poll_ms" toml:"ready_poll_ms"`
	ReadyMaxAttempts int `yaml:"ready_max_attempts" toml:"ready_max_attempts"`
	QueuePollMs      int `yaml:"queue_poll_ms" toml:"queue_poll_ms"`
	QueueMaxAttempts int `yaml:"queue_max_attempts" toml:"queue_max_attempts"`
}

type WatcherConfig struct {
	CallbackWaitMs        int `yaml:"callback_wait_ms" toml:"callback_wait_ms"`
	RegistryLockTimeoutMs int `yaml:"registry_lock_timeout_ms" toml:"registry_lock_timeout_ms"`
	ErrorBuffer           int `yaml:"error_buffer" toml:"error_buffer"`
}

type TeardownConfig struct {
	AckTimeoutMs int `yaml:"ack_timeout_ms" toml:"ack_timeout_ms"`
}

type JournalConfig struct {
	Path         string `yaml:"path" toml:"path"`
	Format       string `yaml:"format" toml:"format"` // "jsonl" or "cbor"
	MaxSizeBytes int64  `yaml:"max_size_bytes" toml:"max_size_bytes"`
	Checksum     bool   `yaml:"checksum" toml:"checksum"`
}

type DaemonConfig struct {
	SocketPath          string `yaml:"socket_path" toml:"socket_path"`
	ShutdownTimeoutSec  int    `yaml:"shutdown_timeout_sec" toml:"shutdown_timeout_sec"`
	SnapshotPath        string `yaml:"snapshot_path" toml:"snapshot_path"`
	SnapshotIntervalSec int    `yaml:"snapshot_interval_sec" toml:"snapshot_interval_sec"`
}

// SimConfig describes the scripted network served by the simulated manager.
type SimConfig struct {
	HomeID      uint32    `yaml:"home_id" toml:"home_id"`
	Nodes       []SimNode `yaml:"nodes" toml:"nodes"`
	QueueDepth  int32     `yaml:"queue_depth" toml:"queue_depth"`
	StepDelayMs int       `yaml:"step_delay_ms" toml:"step_delay_ms"`
	Fail        bool      `yaml:"fail" toml:"fail"`
}

type SimNode struct {
	ID       uint8  `yaml:"id" toml:"id"`
	Name     string `yaml:"name" toml:"name"`
	Dead     bool   `yaml:"dead" toml:"dead"`
	Sleeping bool   `yaml:"sleeping" toml:"sleeping"`
}

type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
}

const (
	JournalFormatJSONL = "jsonl"
	JournalFormatCBOR  = "cbor"

	DefaultJournalMaxSize = 100 * 1024 * 1024
	DefaultSocketName     = "ozwatch.sock"
	DefaultSimHomeID      = 0xe1a2b3c4
	DefaultSimQueueDepth  = 3
)

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Options.ConfigPath == "" {
		c.Options.ConfigPath = "config/"
	}
	if c.Options.UserPath == "" {
		c.Options.UserPath = "."
	}
	if c.Driver.LockDir == "" {
		c.Driver.LockDir = os.TempDir()
	}
	if c.Waiters.ReadyPollMs == 0 {
		c.Waiters.ReadyPollMs = 1000
	}
	if c.Waiters.ReadyMaxAttempts == 0 {
		c.Waiters.ReadyMaxAttempts = 20
	}
	if c.Waiters.QueuePollMs == 0 {
		c.Waiters.QueuePollMs = 500
	}
	if c.Waiters.QueueMaxAttempts == 0 {
		c.Waiters.QueueMaxAttempts = 60
	}
	if c.Watcher.CallbackWaitMs == 0 {
		c.Watcher.CallbackWaitMs = 500
	}
	if c.Watcher.RegistryLockTimeoutMs == 0 {
		c.Watcher.RegistryLockTimeoutMs = 2500
	}
	if c.Watcher.ErrorBuffer == 0 {
		c.Watcher.ErrorBuffer = 64
	}
	if c.Teardown.AckTimeoutMs == 0 {
		c.Teardown.AckTimeoutMs = 2000
	}
	if c.Journal.Format == "" {
		c.Journal.Format = JournalFormatJSONL
	}
	if c.Journal.MaxSizeBytes == 0 {
		c.Journal.MaxSizeBytes = DefaultJournalMaxSize
	}
	if c.Daemon.SocketPath == "" {
		c.Daemon.SocketPath = filepath.Join(os.TempDir(), DefaultSocketName)
	}
	if c.Daemon.ShutdownTimeoutSec == 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Daemon.SnapshotIntervalSec == 0 {
		c.Daemon.SnapshotIntervalSec = 10
	}
	if c.Sim.HomeID == 0 {
		c.Sim.HomeID = DefaultSimHomeID
	}
	if c.Sim.QueueDepth == 0 {
		c.Sim.QueueDepth = DefaultSimQueueDepth
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	budgets := []struct {
		name  string
		value int
	}{
		{"waiters.ready_poll_ms", c.Waiters.ReadyPollMs},
		{"waiters.ready_max_attempts", c.Waiters.ReadyMaxAttempts},
		{"waiters.queue_poll_ms", c.Waiters.QueuePollMs},
		{"waiters.queue_max_attempts", c.Waiters.QueueMaxAttempts},
		{"watcher.callback_wait_ms", c.Watcher.CallbackWaitMs},
		{"watcher.registry_lock_timeout_ms", c.Watcher.RegistryLockTimeoutMs},
		{"watcher.error_buffer", c.Watcher.ErrorBuffer},
		{"teardown.ack_timeout_ms", c.Teardown.AckTimeoutMs},
		{"daemon.shutdown_timeout_sec", c.Daemon.ShutdownTimeoutSec},
		{"sim.step_delay_ms", c.Sim.StepDelayMs},
		{"sim.queue_depth", int(c.Sim.QueueDepth)},
	}
	for _, b := range budgets {
		if b.value < 0 {
			return fmt.Errorf("%s must not be negative (got %d)", b.name, b.value)
		}
	}

	switch c.Journal.Format {
	case "", JournalFormatJSONL, JournalFormatCBOR:
	default:
		return fmt.Errorf("journal.format: unsupported format %q", c.Journal.Format)
	}

	seen := make(map[uint8]bool, len(c.Sim.Nodes))
	for i, n := range c.Sim.Nodes {
		if n.ID == 0 {
			return fmt.Errorf("sim.nodes[%d]: node id 0 is reserved", i)
		}
		if seen[n.ID] {
			return fmt.Errorf("sim.nodes[%d]: duplicate node id %d", i, n.ID)
		}
		seen[n.ID] = true
	}
	return nil
}

func (w WaitersConfig) ReadyInterval() time.Duration {
	return time.Duration(w.ReadyPollMs) * time.Millisecond
}

func (w WaitersConfig) QueueInterval() time.Duration {
	return time.Duration(w.QueuePollMs) * time.Millisecond
}

func (w WatcherConfig) CallbackWait() time.Duration {
	return time.Duration(w.CallbackWaitMs) * time.Millisecond
}

func (w WatcherConfig) RegistryLockTimeout() time.Duration {
	return time.Duration(w.RegistryLockTimeoutMs) * time.Millisecond
}

func (t TeardownConfig) AckTimeout() time.Duration {
	return time.Duration(t.AckTimeoutMs) * time.Millisecond
}

// LoadConfig reads a YAML or TOML config file, chosen by extension,
// then applies defaults and validates.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	default:
		if err := yamlv3.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}
