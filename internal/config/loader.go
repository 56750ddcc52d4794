package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultDebounce is how long the loader waits after the last file event
// before reloading.
const DefaultDebounce = 100 * time.Millisecond

// ChangeFunc receives the previous and the newly loaded configuration.
type ChangeFunc func(old, new *Config)

// Loader handles configuration loading, watching, and hot-reloading.
type Loader struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	config   *Config
	onChange []ChangeFunc

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errChan chan error
}

// NewLoader creates a new configuration loader. A nil logger discards.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:     path,
		debounce: DefaultDebounce,
		logger:   logger,
		errChan:  make(chan error, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetDebounce changes the reload debounce. Call before Watch.
func (l *Loader) SetDebounce(d time.Duration) {
	l.debounce = d
}

// Path returns the watched file.
func (l *Loader) Path() string {
	return l.path
}

// Load reads, validates and stores the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.read()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()
	return cfg, nil
}

func (l *Loader) read() (*Config, error) {
	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Watch starts watching the configuration file for changes.
// When changes are detected, the configuration is reloaded and
// registered callbacks are invoked. A file that fails to load or
// validate is reported on Errors and the previous configuration stays.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory so editors that replace the file are seen.
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	l.watcher = watcher

	l.wg.Add(1)
	go l.watchLoop()

	return nil
}

func (l *Loader) watchLoop() {
	defer l.wg.Done()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-l.ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(l.debounce, l.reload)

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.report(fmt.Errorf("watch config: %w", err))
		}
	}
}

// Reload forces a reload of the configuration and notifies listeners.
func (l *Loader) Reload() error {
	newCfg, err := l.read()
	if err != nil {
		return err
	}

	l.mu.Lock()
	oldCfg := l.config
	l.config = newCfg
	callbacks := append([]ChangeFunc(nil), l.onChange...)
	l.mu.Unlock()

	l.logger.Info("configuration reloaded", "path", l.path)
	for _, cb := range callbacks {
		cb(oldCfg, newCfg)
	}
	return nil
}

func (l *Loader) reload() {
	if l.ctx.Err() != nil {
		return
	}
	if err := l.Reload(); err != nil {
		l.logger.Warn("configuration reload rejected", "path", l.path, "error", err)
		l.report(fmt.Errorf("reload config: %w", err))
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errChan <- err:
	default:
	}
}

// OnChange registers a callback to be invoked when the configuration changes.
func (l *Loader) OnChange(cb ChangeFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, cb)
}

// Errors returns a channel for receiving errors that occur during watching.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Close stops the watcher and releases resources.
func (l *Loader) Close() error {
	l.cancel()
	var err error
	if l.watcher != nil {
		err = l.watcher.Close()
	}
	l.wg.Wait()
	return err
}

// loadConfigFromFile reads and parses a config file based on its extension.
// The document is checked against the schema before decoding.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	format := strings.TrimPrefix(filepath.Ext(path), ".")
	if format == "" {
		format, err = detectFormat(data)
		if err != nil {
			return nil, err
		}
	}

	if err := ValidateDocument(data, format); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch format {
	case "toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case "json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	return cfg, nil
}

// detectFormat guesses the format of an extensionless config file.
func detectFormat(data []byte) (string, error) {
	var probe map[string]any
	if _, err := toml.Decode(string(data), &probe); err == nil {
		return "toml", nil
	}
	if err := json.Unmarshal(data, &probe); err == nil {
		return "json", nil
	}
	if err := yaml.Unmarshal(data, &probe); err == nil {
		return "yaml", nil
	}
	return "", fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

// LoadOrCreate loads the configuration from the specified path,
// creating a default configuration file if it doesn't exist.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		return cfg, true, nil
	}

	cfg, err := NewLoader(path, nil).Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}
