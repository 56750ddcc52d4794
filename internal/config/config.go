// Package config handles configuration loading, validation, and management for gestured.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gestured/internal/pointer"
	"gestured/internal/posture"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Machine configures the posture state machine.
	Machine MachineConfig `toml:"machine" json:"machine" yaml:"machine"`

	// Pointer selects and calibrates the pointer backend.
	Pointer PointerConfig `toml:"pointer" json:"pointer" yaml:"pointer"`

	// IPC configuration for the posture ingress socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration for the HTTP metrics and health listener.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Journal configuration for the delivery journal.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// MachineConfig holds state machine tuning.
type MachineConfig struct {
	// ClickIntervalMs is the click timer duration in milliseconds.
	ClickIntervalMs int `toml:"click_interval_ms" json:"click_interval_ms" yaml:"click_interval_ms"`

	// QueueCapacity bounds the posture queue. Postures beyond it are dropped.
	QueueCapacity int `toml:"queue_capacity" json:"queue_capacity" yaml:"queue_capacity"`

	// InboxSize bounds each handler's inbox.
	InboxSize int `toml:"inbox_size" json:"inbox_size" yaml:"inbox_size"`
}

// PointerConfig holds pointer backend configuration.
type PointerConfig struct {
	// Backend is one of "auto", "uinput", "portal", "dryrun", "record".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// DeviceName is the name of the virtual uinput device.
	DeviceName string `toml:"device_name" json:"device_name" yaml:"device_name"`

	// ScreenWidth and ScreenHeight clamp mapped coordinates and size the
	// absolute axes of the uinput device.
	ScreenWidth  int `toml:"screen_width" json:"screen_width" yaml:"screen_width"`
	ScreenHeight int `toml:"screen_height" json:"screen_height" yaml:"screen_height"`

	// Calibration maps camera coordinates to screen coordinates.
	Calibration pointer.Calibration `toml:"calibration" json:"calibration" yaml:"calibration"`
}

// IPCConfig holds inter-process communication configuration.
type IPCConfig struct {
	// Enabled determines whether IPC server is enabled.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the path to the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the Unix socket permissions (e.g., "0600").
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections is the maximum concurrent connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the connection idle timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file" or "both").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`

	// CrashDir is where crash reports are written.
	CrashDir string `toml:"crash_dir" json:"crash_dir" yaml:"crash_dir"`
}

// MetricsConfig holds the HTTP observability listener configuration.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// JournalConfig holds delivery journal configuration.
type JournalConfig struct {
	// Enabled determines whether batches and anomalies are journaled.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the SQLite database path.
	Path string `toml:"path" json:"path" yaml:"path"`

	// RetentionDays prunes records older than this many days at startup.
	// Zero keeps everything.
	RetentionDays int `toml:"retention_days" json:"retention_days" yaml:"retention_days"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := GesturedDir()

	return &Config{
		Version: Version,
		Machine: MachineConfig{
			ClickIntervalMs: 1375,
			QueueCapacity:   posture.DefaultCapacity,
			InboxSize:       64,
		},
		Pointer: PointerConfig{
			Backend:      pointer.BackendAuto,
			DeviceName:   "gestured virtual pointer",
			ScreenWidth:  1920,
			ScreenHeight: 1080,
			Calibration:  pointer.DefaultCalibration(),
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     defaultSocketPath(),
			Permissions:    "0600",
			MaxConnections: 8,
			TimeoutSec:     300,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformStateDir(), "gestured.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
			CrashDir:   filepath.Join(PlatformStateDir(), "crashes"),
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
		Journal: JournalConfig{
			Enabled:       true,
			Path:          filepath.Join(dir, "journal.db"),
			RetentionDays: 30,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ValidateConfig(c)
}

// ClickInterval returns the click timer duration.
func (c *Config) ClickInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Machine.ClickIntervalMs) * time.Millisecond
}

// Calibration returns the pointer calibration sized to the configured screen.
func (c *Config) Calibration() pointer.Calibration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cal := c.Pointer.Calibration
	cal.Width = c.Pointer.ScreenWidth
	cal.Height = c.Pointer.ScreenHeight
	return cal
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dirs := []string{
		filepath.Dir(c.Journal.Path),
		c.Logging.CrashDir,
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.IPC.Enabled {
		dirs = append(dirs, filepath.Dir(c.IPC.SocketPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// GesturedDir returns the base data directory.
// GESTURED_DATA_DIR overrides the platform default.
func GesturedDir() string {
	if envDir := os.Getenv("GESTURED_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with GESTURED_ and use underscores.
// Unparseable numeric values are ignored.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Machine overrides
	envInt("GESTURED_CLICK_INTERVAL_MS", &c.Machine.ClickIntervalMs)
	envInt("GESTURED_QUEUE_CAPACITY", &c.Machine.QueueCapacity)

	// Pointer overrides
	if v := os.Getenv("GESTURED_POINTER_BACKEND"); v != "" {
		c.Pointer.Backend = v
	}
	envInt("GESTURED_SCREEN_WIDTH", &c.Pointer.ScreenWidth)
	envInt("GESTURED_SCREEN_HEIGHT", &c.Pointer.ScreenHeight)

	// Logging overrides
	if v := os.Getenv("GESTURED_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GESTURED_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("GESTURED_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// IPC overrides
	if v := os.Getenv("GESTURED_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}

	// Metrics overrides
	if v := os.Getenv("GESTURED_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
		c.Metrics.Enabled = true
	}

	// Journal overrides
	if v := os.Getenv("GESTURED_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
	if v := os.Getenv("GESTURED_JOURNAL_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Journal.Enabled = b
		}
	}
}

func envInt(key string, dst *int) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version: c.Version,
		Machine: c.Machine,
		Pointer: c.Pointer,
		IPC:     c.IPC,
		Logging: c.Logging,
		Metrics: c.Metrics,
		Journal: c.Journal,
	}
}

func defaultSocketPath() string {
	if dir := PlatformRuntimeDir(); dir != "" {
		return filepath.Join(dir, "gestured.sock")
	}
	return filepath.Join(os.TempDir(), "gestured.sock")
}
