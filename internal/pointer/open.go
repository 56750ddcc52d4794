package pointer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendAuto   = "auto"
	BackendUInput = "uinput"
	BackendPortal = "portal"
	BackendDryRun = "dryrun"
	BackendRecord = "record"
)

// Options selects and configures a backend.
type Options struct {
	Backend    string
	DeviceName string
	Width      int
	Height     int
	Logger     *slog.Logger
}

// Backends lists the backend names Open understands.
func Backends() []string {
	return []string{BackendAuto, BackendUInput, BackendPortal, BackendDryRun, BackendRecord}
}

// Open returns the injector named by opts.Backend. "auto" tries the
// platform backends in order (uinput, then portal) and fails if none of
// them can run.
func Open(ctx context.Context, opts Options) (Injector, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch name := strings.ToLower(strings.TrimSpace(opts.Backend)); name {
	case BackendDryRun:
		return NewLogInjector(logger), nil
	case BackendRecord:
		return NewRecorder(), nil
	case BackendUInput, BackendPortal:
		return openPlatform(ctx, name, opts)
	case "", BackendAuto:
		var errs []string
		for _, candidate := range []string{BackendUInput, BackendPortal} {
			inj, err := openPlatform(ctx, candidate, opts)
			if err == nil {
				logger.Info("pointer backend selected", "backend", inj.Name())
				return inj, nil
			}
			logger.Debug("pointer backend unavailable", "backend", candidate, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", candidate, err))
		}
		return nil, fmt.Errorf("%w: no usable backend (%s)", ErrUnavailable, strings.Join(errs, "; "))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}

// Probe reports whether the named backend could be opened here, with a
// short human-readable reason. It does not start a portal session.
func Probe(name string) (bool, string) {
	switch name = strings.ToLower(strings.TrimSpace(name)); name {
	case BackendDryRun, BackendRecord:
		return true, "always available"
	case BackendUInput, BackendPortal:
		return probePlatform(name)
	case "", BackendAuto:
		for _, candidate := range []string{BackendUInput, BackendPortal} {
			if ok, _ := probePlatform(candidate); ok {
				return true, "would select " + candidate
			}
		}
		return false, "no platform backend available"
	default:
		return false, "unknown backend"
	}
}
