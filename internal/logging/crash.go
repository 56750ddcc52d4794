package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// CrashReport describes a recovered panic.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version"`
	Component    string         `json:"component,omitempty"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	GoVersion    string         `json:"go_version"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashReporter writes crash reports as JSON files into a directory.
type CrashReporter struct {
	mu        sync.Mutex
	dir       string
	version   string
	component string
	logger    *Logger
}

// DefaultCrashDir returns $XDG_STATE_HOME/gestured/crashes.
func DefaultCrashDir() string {
	return filepath.Join(filepath.Dir(DefaultLogPath()), "crashes")
}

// NewCrashReporter creates a reporter writing into dir. An empty dir uses
// DefaultCrashDir.
func NewCrashReporter(dir, version string, logger *Logger) *CrashReporter {
	if dir == "" {
		dir = DefaultCrashDir()
	}
	if logger == nil {
		logger = Default()
	}
	return &CrashReporter{
		dir:       dir,
		version:   version,
		component: logger.config.Component,
		logger:    logger,
	}
}

// Report records a panic. stack may be nil, in which case the current
// goroutine's stack is used. It returns the path of the written report.
func (c *CrashReporter) Report(value any, stack []byte, context map[string]any) (string, error) {
	if stack == nil {
		stack = debug.Stack()
	}
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      c.version,
		Component:    c.component,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		GoVersion:    runtime.Version(),
		PanicValue:   fmt.Sprint(value),
		StackTrace:   string(stack),
		Context:      context,
	}

	path, err := c.write(report)
	if err != nil {
		c.logger.Error("crash report not written", "panic", report.PanicValue, "error", err)
		return "", err
	}
	c.logger.Error("crash report written", "panic", report.PanicValue, "path", path)
	return path, nil
}

func (c *CrashReporter) write(report CrashReport) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.dir, 0o750); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}

	name := fmt.Sprintf("crash-%s-%s.json", report.Component, report.Timestamp.Format("20060102-150405.000000"))
	path := filepath.Join(c.dir, name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Recover records a panic in the calling goroutine and re-panics.
// Usage: defer reporter.Recover()
func (c *CrashReporter) Recover() {
	if r := recover(); r != nil {
		c.Report(r, debug.Stack(), nil)
		panic(r)
	}
}

// Reports reads every report in the directory.
func (c *CrashReporter) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(c.dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Prune removes reports older than maxAge.
func (c *CrashReporter) Prune(maxAge time.Duration) error {
	files, err := filepath.Glob(filepath.Join(c.dir, "crash-*.json"))
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-maxAge)
	for _, file := range files {
		if info, err := os.Stat(file); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(file)
		}
	}
	return nil
}
