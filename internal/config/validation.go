package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"slices"
	"strings"

	"gestured/internal/pointer"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

var octalPerm = regexp.MustCompile(`^0[0-7]{3}$`)

// ValidationError names one offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors collects every problem found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i := range e {
		msgs[i] = e[i].Error()
	}
	return strings.Join(msgs, "; ")
}

// Is reports ErrInvalidConfig so callers can test with errors.Is.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, len(e))
	for i := range e {
		fields[i] = e[i].Field
	}
	return fields
}

type validator struct {
	errs ValidationErrors
}

func (v *validator) fail(field, format string, args ...any) {
	v.errs = append(v.errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) atLeast(field string, got, min int) {
	if got < min {
		v.fail(field, "must be at least %d, got %d", min, got)
	}
}

func (v *validator) oneOf(field, got string, valid ...string) {
	if !slices.Contains(valid, got) {
		v.fail(field, "invalid value %q (valid: %s)", got, strings.Join(valid, ", "))
	}
}

func (v *validator) required(field, got string) {
	if got == "" {
		v.fail(field, "required field is missing")
	}
}

// ValidateConfig checks every section and returns ValidationErrors, or nil.
// Disabled IPC and metrics sections are not checked.
func ValidateConfig(c *Config) error {
	var v validator

	if c.Version < 1 || c.Version > Version {
		v.fail("version", "unsupported version %d (current: %d)", c.Version, Version)
	}

	m := c.Machine
	if m.ClickIntervalMs < 50 || m.ClickIntervalMs > 10000 {
		v.fail("machine.click_interval_ms", "value must be between 50 and 10000, got %d", m.ClickIntervalMs)
	}
	v.atLeast("machine.queue_capacity", m.QueueCapacity, 1)
	v.atLeast("machine.inbox_size", m.InboxSize, 1)

	p := c.Pointer
	v.oneOf("pointer.backend", p.Backend, pointer.Backends()...)
	v.atLeast("pointer.screen_width", p.ScreenWidth, 1)
	v.atLeast("pointer.screen_height", p.ScreenHeight, 1)
	if p.Calibration.ScaleX <= 0 {
		v.fail("pointer.calibration.scale_x", "scale must be positive")
	}
	if p.Calibration.ScaleY <= 0 {
		v.fail("pointer.calibration.scale_y", "scale must be positive")
	}

	l := c.Logging
	v.oneOf("logging.level", l.Level, "debug", "info", "warn", "error")
	v.oneOf("logging.format", l.Format, "text", "json")
	v.oneOf("logging.output", l.Output, "stdout", "stderr", "file", "both")
	if l.Output == "file" || l.Output == "both" {
		v.required("logging.file_path", l.FilePath)
	}
	v.atLeast("logging.max_size_mb", l.MaxSizeMB, 1)
	v.atLeast("logging.max_backups", l.MaxBackups, 0)
	v.atLeast("logging.max_age_days", l.MaxAgeDays, 0)

	if i := c.IPC; i.Enabled {
		v.required("ipc.socket_path", i.SocketPath)
		if i.Permissions != "" && !octalPerm.MatchString(i.Permissions) {
			v.fail("ipc.permissions", "invalid permissions %q (expected octal like 0600)", i.Permissions)
		}
		v.atLeast("ipc.max_connections", i.MaxConnections, 1)
		v.atLeast("ipc.timeout_sec", i.TimeoutSec, 1)
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.ListenAddr); err != nil {
			v.fail("metrics.listen_addr", "invalid listen address %q: %v", c.Metrics.ListenAddr, err)
		}
	}

	if c.Journal.Enabled {
		v.required("journal.path", c.Journal.Path)
	}
	v.atLeast("journal.retention_days", c.Journal.RetentionDays, 0)

	if len(v.errs) > 0 {
		return v.errs
	}
	return nil
}
