package pointer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Injector delivers pointer actions to the host input subsystem.
type Injector interface {
	// Inject delivers batch in order, as close to atomically as the host
	// allows, and returns how many actions were delivered.
	Inject(ctx context.Context, batch []Action) (int, error)

	// Close releases the backend.
	Close() error

	// Name identifies the backend in logs and status output.
	Name() string
}

var (
	// ErrClosed is returned by Inject after Close.
	ErrClosed = errors.New("pointer: injector closed")

	// ErrUnavailable is returned when a backend cannot run on this host.
	ErrUnavailable = errors.New("pointer: backend not available")

	// ErrUnknownBackend is returned by Open for an unrecognised name.
	ErrUnknownBackend = errors.New("pointer: unknown backend")
)

// Recorder is an in-memory Injector that keeps every delivered batch.
// Limit, when positive, caps how many actions of each batch are accepted,
// which simulates a host that delivers partially.
type Recorder struct {
	mu      sync.Mutex
	batches [][]Action
	closed  bool
	notify  chan struct{}

	Limit int
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

// Inject records batch.
func (r *Recorder) Inject(_ context.Context, batch []Action) (int, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrClosed
	}
	n := len(batch)
	if r.Limit > 0 && n > r.Limit {
		n = r.Limit
	}
	cp := make([]Action, n)
	copy(cp, batch[:n])
	r.batches = append(r.batches, cp)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return n, nil
}

// Batches returns a copy of the recorded batches.
func (r *Recorder) Batches() [][]Action {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([][]Action, len(r.batches))
	for i, b := range r.batches {
		out[i] = append([]Action(nil), b...)
	}
	return out
}

// Buttons returns the recorded batches with Move actions removed.
// Batches that only contained moves are omitted.
func (r *Recorder) Buttons() [][]Action {
	var out [][]Action
	for _, b := range r.Batches() {
		var buttons []Action
		for _, a := range b {
			if a.Kind != Move {
				buttons = append(buttons, a)
			}
		}
		if len(buttons) > 0 {
			out = append(out, buttons)
		}
	}
	return out
}

// Notify returns a channel signalled after each recorded batch.
func (r *Recorder) Notify() <-chan struct{} {
	return r.notify
}

// Reset discards recorded batches.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = nil
}

// Close stops recording.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Name returns "record".
func (r *Recorder) Name() string { return "record" }

// LogInjector is a dry-run Injector that logs each batch.
type LogInjector struct {
	logger *slog.Logger
}

// NewLogInjector creates a dry-run injector writing to logger.
func NewLogInjector(logger *slog.Logger) *LogInjector {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogInjector{logger: logger}
}

// Inject logs batch and reports it fully delivered.
func (l *LogInjector) Inject(ctx context.Context, batch []Action) (int, error) {
	l.logger.DebugContext(ctx, "inject", "actions", FormatBatch(batch), "count", len(batch))
	return len(batch), nil
}

// Close is a no-op.
func (l *LogInjector) Close() error { return nil }

// Name returns "dryrun".
func (l *LogInjector) Name() string { return "dryrun" }
