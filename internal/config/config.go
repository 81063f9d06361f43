package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	cerrors "github.com/openbach-stack/conductor/internal/errors"
)

// LogLevel specifies the logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat specifies the log output format.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// StoreBackend selects the instance store implementation.
type StoreBackend string

const (
	StoreBackendYAML   StoreBackend = "yaml"
	StoreBackendSQLite StoreBackend = "sqlite"
)

// BackoffStrategy selects how retry delays grow between attempts.
type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "fixed"       // Always wait the policy delay
	BackoffExponential BackoffStrategy = "exponential" // delay * factor^(attempt-1), capped
)

// SinkKind selects where function lifecycle logs are collected.
type SinkKind string

const (
	SinkLog SinkKind = "log" // Through the process logger
	SinkUDP SinkKind = "udp" // JSON datagrams to the local collect agent
)

// PathsConfig holds path configuration.
type PathsConfig struct {
	DefinitionsDir string `toml:"definitions_dir"`
	StateDir       string `toml:"state_dir"`
	LogsDir        string `toml:"logs_dir"`
	Socket         string `toml:"socket"`
}

// StoreConfig holds instance store settings.
type StoreConfig struct {
	Backend    StoreBackend `toml:"backend"`
	SQLitePath string       `toml:"sqlite_path"`
}

// FleetEntry is one agent of the fleet snapshot exported by fleet management.
type FleetEntry struct {
	Name    string `toml:"name"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Status  string `toml:"status"`
}

// AgentsConfig holds agent transport settings.
type AgentsConfig struct {
	Port         int           `toml:"port"`
	DialTimeout  time.Duration `toml:"dial_timeout"`
	CallTimeout  time.Duration `toml:"call_timeout"`
	SendAttempts int           `toml:"send_attempts"`
	Fleet        []FleetEntry  `toml:"fleet"`
}

// RetryConfig holds the backoff curve applied to Retry failure policies.
type RetryConfig struct {
	Strategy     BackoffStrategy `toml:"strategy"`
	DefaultDelay time.Duration   `toml:"default_delay"`
	Factor       float64         `toml:"factor"`
	MaxDelay     time.Duration   `toml:"max_delay"`
}

// SchedulerConfig holds scenario scheduler settings.
type SchedulerConfig struct {
	// StopTimeout bounds how long a stop waits for functions to confirm
	// before they are marked stopped locally.
	StopTimeout time.Duration `toml:"stop_timeout"`
}

// CollectorConfig holds statistics collector settings.
type CollectorConfig struct {
	StatsURL    string        `toml:"stats_url"`
	Database    string        `toml:"database"`
	Precision   string        `toml:"precision"`
	Timeout     time.Duration `toml:"timeout"`
	Sink        SinkKind      `toml:"sink"`
	SinkAddress string        `toml:"sink_address"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  LogLevel  `toml:"level"`
	Format LogFormat `toml:"format"`
	File   string    `toml:"file"`
}

// Config is the main configuration struct for the conductor.
type Config struct {
	Version   string          `toml:"version"`
	Paths     PathsConfig     `toml:"paths"`
	Store     StoreConfig     `toml:"store"`
	Agents    AgentsConfig    `toml:"agents"`
	Retry     RetryConfig     `toml:"retry"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Collector CollectorConfig `toml:"collector"`
	Logging   LoggingConfig   `toml:"logging"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Version: "1",
		Paths: PathsConfig{
			DefinitionsDir: ".conductor/scenarios",
			StateDir:       ".conductor/instances",
			LogsDir:        ".conductor/logs",
			Socket:         "/tmp/conductor.sock",
		},
		Store: StoreConfig{
			Backend:    StoreBackendYAML,
			SQLitePath: ".conductor/instances.db",
		},
		Agents: AgentsConfig{
			Port:         1112,
			DialTimeout:  2 * time.Second,
			CallTimeout:  30 * time.Second,
			SendAttempts: 3,
		},
		Retry: RetryConfig{
			Strategy:     BackoffFixed,
			DefaultDelay: 5 * time.Second,
			Factor:       2,
			MaxDelay:     5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			StopTimeout: 10 * time.Second,
		},
		Collector: CollectorConfig{
			Database:    "openbach",
			Precision:   "ms",
			Timeout:     5 * time.Second,
			Sink:        SinkLog,
			SinkAddress: "127.0.0.1:1111",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
	}
}

// Load loads configuration from file, merging with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromDir loads configuration from the standard locations in a directory.
// Applies in order: defaults -> ~/.conductor/config.toml -> <dir>/.conductor/config.toml
// Later configs override earlier ones.
func LoadFromDir(dir string) (*Config, error) {
	cfg := Default()

	if home, err := os.UserHomeDir(); err == nil {
		if err := decodeFile(filepath.Join(home, ".conductor", "config.toml"), cfg); err != nil {
			return nil, fmt.Errorf("global config: %w", err)
		}
	}

	if err := decodeFile(filepath.Join(dir, ".conductor", "config.toml"), cfg); err != nil {
		return nil, fmt.Errorf("project config: %w", err)
	}

	return cfg, nil
}

// Overlay decodes an explicit config file on top of an already loaded config.
func (c *Config) Overlay(path string) error {
	return decodeFile(path, c)
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Version == "" {
		return cerrors.ConfigMissingField("version")
	}
	if c.Paths.DefinitionsDir == "" {
		return cerrors.ConfigMissingField("paths.definitions_dir")
	}
	if c.Paths.StateDir == "" {
		return cerrors.ConfigMissingField("paths.state_dir")
	}
	switch c.Store.Backend {
	case StoreBackendYAML:
	case StoreBackendSQLite:
		if c.Store.SQLitePath == "" {
			return cerrors.ConfigMissingField("store.sqlite_path")
		}
	default:
		return cerrors.ConfigInvalidValue("store.backend", c.Store.Backend, "must be yaml or sqlite")
	}
	if c.Agents.Port <= 0 || c.Agents.Port > 65535 {
		return cerrors.ConfigInvalidValue("agents.port", c.Agents.Port, "must be a TCP port")
	}
	if c.Agents.DialTimeout <= 0 {
		return cerrors.ConfigInvalidValue("agents.dial_timeout", c.Agents.DialTimeout, "must be positive")
	}
	if c.Agents.CallTimeout <= 0 {
		return cerrors.ConfigInvalidValue("agents.call_timeout", c.Agents.CallTimeout, "must be positive")
	}
	if c.Agents.SendAttempts < 1 {
		return cerrors.ConfigInvalidValue("agents.send_attempts", c.Agents.SendAttempts, "must be at least 1")
	}
	for i, a := range c.Agents.Fleet {
		if a.Address == "" {
			return cerrors.ConfigMissingField(fmt.Sprintf("agents.fleet[%d].address", i))
		}
	}
	switch c.Retry.Strategy {
	case BackoffFixed:
	case BackoffExponential:
		if c.Retry.Factor < 1 {
			return cerrors.ConfigInvalidValue("retry.factor", c.Retry.Factor, "must be >= 1")
		}
	default:
		return cerrors.ConfigInvalidValue("retry.strategy", c.Retry.Strategy, "must be fixed or exponential")
	}
	if c.Retry.DefaultDelay < 0 {
		return cerrors.ConfigInvalidValue("retry.default_delay", c.Retry.DefaultDelay, "must not be negative")
	}
	if c.Scheduler.StopTimeout <= 0 {
		return cerrors.ConfigInvalidValue("scheduler.stop_timeout", c.Scheduler.StopTimeout, "must be positive")
	}
	switch c.Collector.Sink {
	case SinkLog, "":
	case SinkUDP:
		if c.Collector.SinkAddress == "" {
			return cerrors.ConfigMissingField("collector.sink_address")
		}
	default:
		return cerrors.ConfigInvalidValue("collector.sink", c.Collector.Sink, "must be log or udp")
	}
	return nil
}

// DefinitionsDir returns the absolute definitions directory path.
func (c *Config) DefinitionsDir(baseDir string) string {
	return resolve(baseDir, c.Paths.DefinitionsDir)
}

// StateDir returns the absolute instance state directory path.
func (c *Config) StateDir(baseDir string) string {
	return resolve(baseDir, c.Paths.StateDir)
}

// LogsDir returns the absolute logs directory path.
func (c *Config) LogsDir(baseDir string) string {
	return resolve(baseDir, c.Paths.LogsDir)
}

// SQLitePath returns the absolute SQLite database path.
func (c *Config) SQLitePath(baseDir string) string {
	return resolve(baseDir, c.Store.SQLitePath)
}

// LogFile returns the absolute log file path, or "" when logging to stderr only.
func (c *Config) LogFile(baseDir string) string {
	if c.Logging.File == "" {
		return ""
	}
	if filepath.IsAbs(c.Logging.File) {
		return c.Logging.File
	}
	return filepath.Join(c.LogsDir(baseDir), c.Logging.File)
}

func resolve(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
