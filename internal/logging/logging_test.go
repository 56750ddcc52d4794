package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input    string
		expected Format
		hasError bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"JSON", FormatJSON, false},
		{"xml", FormatText, true},
	}

	for _, test := range tests {
		format, err := ParseFormat(test.input)
		if (err != nil) != test.hasError {
			t.Errorf("ParseFormat(%q) error = %v, want error %v", test.input, err, test.hasError)
		}
		if format != test.expected {
			t.Errorf("ParseFormat(%q) = %v, want %v", test.input, format, test.expected)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if cfg.Component != "gestured" {
		t.Errorf("expected component gestured, got %s", cfg.Component)
	}
	if !strings.HasSuffix(cfg.FilePath, filepath.Join("gestured", "gestured.log")) {
		t.Errorf("unexpected default log path %s", cfg.FilePath)
	}
}

func TestJSONOutputCarriesComponent(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{
		Level:     LevelDebug,
		Format:    FormatJSON,
		Component: "gestured",
		Writer:    &buf,
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	logger.WithComponent(ComponentDispatcher).Info("dispatch", "gesture", "left")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if record["msg"] != "dispatch" {
		t.Errorf("unexpected msg %v", record["msg"])
	}
	if record["component"] != ComponentDispatcher {
		t.Errorf("expected component %q, got %v", ComponentDispatcher, record["component"])
	}
	if record["gesture"] != "left" {
		t.Errorf("unexpected gesture %v", record["gesture"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&Config{Level: LevelWarn, Writer: &buf})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info record written at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn record missing")
	}
}

func TestRequestIDs(t *testing.T) {
	logger, err := New(&Config{Component: "gestured", Writer: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	id1 := logger.NewRequestID()
	id2 := logger.WithComponent(ComponentIngress).NewRequestID()
	if id1 == id2 {
		t.Error("request IDs must be unique across child loggers")
	}
	if !strings.HasPrefix(id1, "gestured-") {
		t.Errorf("unexpected request ID %q", id1)
	}

	ctx := ContextWithRequestID(context.Background(), id1)
	if got := RequestIDFromContext(ctx); got != id1 {
		t.Errorf("expected %q, got %q", id1, got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Errorf("expected empty request ID, got %q", got)
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "gestured.log")
	logger, err := New(&Config{Level: LevelInfo, Output: "file", FilePath: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	logger.Info("hello file")
	if err := logger.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "hello file") {
		t.Errorf("record missing from file: %q", data)
	}
}

func TestFileRotatorRotateAndPrune(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	rotator, err := NewFileRotator(&Config{
		FilePath:   path,
		MaxSize:    1,
		MaxAge:     7,
		MaxBackups: 2,
	})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}

	for i := 0; i < 4; i++ {
		if _, err := rotator.Write([]byte("line\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
		if err := rotator.Rotate(); err != nil {
			t.Fatalf("rotate: %v", err)
		}
	}
	if err := rotator.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files := rotator.LogFiles()
	if files[0] != path {
		t.Errorf("current file must come first, got %v", files)
	}
	if backups := len(files) - 1; backups != 2 {
		t.Errorf("expected 2 backups after pruning, got %d (%v)", backups, files)
	}
}

func TestFileRotatorCompresses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	rotator, err := NewFileRotator(&Config{FilePath: path, MaxSize: 1, MaxBackups: 5, Compress: true})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}

	rotator.Write([]byte("compress me\n"))
	if err := rotator.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	rotator.Close()

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "test-*.log.gz"))
	if len(matches) != 1 {
		t.Errorf("expected one gzipped backup, got %v", matches)
	}
}

func TestFileRotatorRejectsEmptyPath(t *testing.T) {
	if _, err := NewFileRotator(&Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestCrashReporter(t *testing.T) {
	dir := t.TempDir()
	logger, _ := New(&Config{Component: "test", Writer: &bytes.Buffer{}})
	reporter := NewCrashReporter(dir, "1.0.0", logger)

	path, err := reporter.Report("handler exploded", []byte("goroutine 1 [running]:"), map[string]any{"slot": "track"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("report written outside %s: %s", dir, path)
	}

	reports, err := reporter.Reports()
	if err != nil {
		t.Fatalf("reports: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected 1 report, got %d", len(reports))
	}
	r := reports[0]
	if r.PanicValue != "handler exploded" || r.Version != "1.0.0" || r.Component != "test" {
		t.Errorf("unexpected report %+v", r)
	}
	if r.Context["slot"] != "track" {
		t.Errorf("context lost: %v", r.Context)
	}

	if err := reporter.Prune(-time.Second); err != nil {
		t.Errorf("prune: %v", err)
	}
	if reports, _ := reporter.Reports(); len(reports) != 0 {
		t.Errorf("expected reports pruned, got %d", len(reports))
	}
}

func TestCrashReporterRecoverRepanics(t *testing.T) {
	reporter := NewCrashReporter(t.TempDir(), "test", nil)

	sentinel := errors.New("boom")
	defer func() {
		if r := recover(); r != sentinel {
			t.Errorf("expected re-panic with sentinel, got %v", r)
		}
		if reports, _ := reporter.Reports(); len(reports) != 1 {
			t.Errorf("expected one report, got %d", len(reports))
		}
	}()

	func() {
		defer reporter.Recover()
		panic(sentinel)
	}()
}
