package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultClickInterval is the single/double click disambiguation window.
const DefaultClickInterval = 1375 * time.Millisecond

// TimerState is the click timer's externally visible state.
type TimerState uint8

const (
	// TimerReset means no timer is armed and no expiry is waiting to be
	// consumed.
	TimerReset TimerState = iota
	// TimerAlive means a deadline wait is in progress.
	TimerAlive
	// TimerExpired means the deadline elapsed without a second strike.
	TimerExpired
)

func (s TimerState) String() string {
	switch s {
	case TimerReset:
		return "reset"
	case TimerAlive:
		return "alive"
	case TimerExpired:
		return "expired"
	default:
		return fmt.Sprintf("timer(%d)", uint8(s))
	}
}

// StrikeResult reports what a left strike did to the timer.
type StrikeResult uint8

const (
	// StrikeArmed: the timer was idle and is now counting down.
	StrikeArmed StrikeResult = iota
	// StrikeCancelled: a second strike arrived inside the window.
	StrikeCancelled
	// StrikeConsumed: the previous window had already expired.
	StrikeConsumed
	// StrikeIgnored: the timer is stopped.
	StrikeIgnored
)

func (r StrikeResult) String() string {
	switch r {
	case StrikeArmed:
		return "armed"
	case StrikeCancelled:
		return "cancelled"
	case StrikeConsumed:
		return "consumed"
	case StrikeIgnored:
		return "ignored"
	default:
		return fmt.Sprintf("strike(%d)", uint8(r))
	}
}

// TimerOutcome names a timer state change for observers.
type TimerOutcome string

const (
	OutcomeArmed     TimerOutcome = "armed"
	OutcomeExpired   TimerOutcome = "expired"
	OutcomeCancelled TimerOutcome = "cancelled"
	OutcomeConsumed  TimerOutcome = "consumed"
	OutcomeDisarmed  TimerOutcome = "disarmed"
	OutcomeAborted   TimerOutcome = "aborted"
	OutcomeForced    TimerOutcome = "forced"
)

// countdown is one armed wait. cancel is closed only by a genuine
// cancellation of this arm; settled is closed when the arm leaves Alive,
// after result is set.
type countdown struct {
	gen      uint64
	interval time.Duration
	cancel   chan struct{}
	settled  chan struct{}

	// held arms belong to a Track flush: their expiry goes to the holder
	// and the timer itself returns to Reset.
	held   bool
	result TimerState
}

// ClickTimer is the single-shot deadline used to tell a single click from
// the first half of a double click. At most one arm exists at a time.
//
// The timer has its own lock. Callers may hold the state lock while calling
// into the timer; the timer never calls back into state.
type ClickTimer struct {
	mu       sync.Mutex
	state    TimerState
	interval time.Duration
	gen      uint64
	current  *countdown
	held     *countdown
	stopped  bool

	ctx    context.Context
	wg     sync.WaitGroup
	logger *slog.Logger
	report func(TimerOutcome)
}

// NewClickTimer creates a timer in the Reset state. Cancelling ctx aborts
// any countdown in progress. report, if non-nil, is called outside the
// timer lock for every outcome.
func NewClickTimer(ctx context.Context, interval time.Duration, logger *slog.Logger, report func(TimerOutcome)) *ClickTimer {
	if interval <= 0 {
		interval = DefaultClickInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ClickTimer{
		interval: interval,
		ctx:      ctx,
		logger:   logger,
		report:   report,
	}
}

// State returns the current state.
func (t *ClickTimer) State() TimerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Interval returns the interval used for the next arm.
func (t *ClickTimer) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// SetInterval changes the interval for subsequent arms. A countdown in
// progress keeps its original deadline.
func (t *ClickTimer) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	t.interval = d
	t.mu.Unlock()
}

// Strike applies a left strike atomically: Reset arms, Alive cancels and
// returns to Reset, Expired is consumed and returns to Reset.
func (t *ClickTimer) Strike() StrikeResult {
	t.mu.Lock()
	var (
		result  StrikeResult
		outcome TimerOutcome
	)
	switch {
	case t.stopped:
		t.mu.Unlock()
		return StrikeIgnored
	case t.current != nil:
		close(t.current.cancel)
		t.settle(TimerReset)
		result, outcome = StrikeCancelled, OutcomeCancelled
	case t.state == TimerExpired:
		t.state = TimerReset
		result, outcome = StrikeConsumed, OutcomeConsumed
	default:
		t.arm()
		result, outcome = StrikeArmed, OutcomeArmed
	}
	t.mu.Unlock()

	t.notify(outcome)
	return result
}

// Consume moves an Expired timer back to Reset. It reports whether an
// expiry was consumed; only one caller can consume a given expiry.
func (t *ClickTimer) Consume() bool {
	t.mu.Lock()
	if t.state != TimerExpired {
		t.mu.Unlock()
		return false
	}
	t.state = TimerReset
	t.mu.Unlock()

	t.notify(OutcomeConsumed)
	return true
}

// Disarm returns the timer to Reset without producing a click, cancelling
// a countdown in progress. A held countdown is left alone since its click
// already belongs to a flush. It reports whether anything changed.
func (t *ClickTimer) Disarm() bool {
	t.mu.Lock()
	switch {
	case t.current != nil && t.current.held:
		t.mu.Unlock()
		return false
	case t.current != nil:
		close(t.current.cancel)
		t.settle(TimerReset)
	case t.state == TimerExpired:
		t.state = TimerReset
	default:
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()

	t.notify(OutcomeDisarmed)
	return true
}

// Hold hands the countdown in progress to the caller and returns its
// generation, or 0 when nothing is armed. A strike before the deadline
// still cancels a held countdown; its expiry is reported only through
// Await and leaves the timer Reset, so a later strike starts a fresh arm.
func (t *ClickTimer) Hold() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return 0
	}
	t.current.held = true
	t.held = t.current
	return t.current.gen
}

// Await blocks until the held countdown gen settles, ctx is done, or bound
// elapses, and returns the countdown's final state. Expired means the click
// belongs to the caller; Alive means ctx ended the wait first. bound <= 0
// uses the countdown's own interval. If bound elapses first the countdown
// is forced to expire, so a stalled timer goroutine cannot hold the caller
// indefinitely.
func (t *ClickTimer) Await(ctx context.Context, gen uint64, bound time.Duration) TimerState {
	t.mu.Lock()
	a := t.held
	if a == nil || a.gen != gen {
		t.mu.Unlock()
		return TimerReset
	}
	t.mu.Unlock()

	if bound <= 0 {
		bound = a.interval
	}
	deadline := time.NewTimer(bound)
	defer deadline.Stop()

	select {
	case <-a.settled:
	case <-ctx.Done():
	case <-deadline.C:
		t.mu.Lock()
		forced := t.current == a
		if forced {
			close(a.cancel)
			t.settle(TimerExpired)
		}
		t.mu.Unlock()
		if forced {
			t.logger.Warn("click timer overran its bound, forcing expiry", "gen", a.gen, "bound", bound)
			t.notify(OutcomeForced)
		}
	}

	t.mu.Lock()
	select {
	case <-a.settled:
	default:
		t.mu.Unlock()
		return TimerAlive
	}
	if t.held == a {
		t.held = nil
	}
	result := a.result
	t.mu.Unlock()

	if result == TimerExpired {
		t.notify(OutcomeConsumed)
	}
	return result
}

// Stop cancels any countdown, leaves the timer Reset and waits for the
// countdown goroutine to exit. Further strikes are ignored. Stop is
// idempotent.
func (t *ClickTimer) Stop() {
	t.mu.Lock()
	if !t.stopped {
		t.stopped = true
		if t.current != nil {
			close(t.current.cancel)
			t.settle(TimerReset)
		}
		t.state = TimerReset
	}
	t.mu.Unlock()
	t.wg.Wait()
}

// arm starts a countdown. Must hold t.mu with no arm in progress.
func (t *ClickTimer) arm() {
	t.gen++
	a := &countdown{
		gen:      t.gen,
		interval: t.interval,
		cancel:   make(chan struct{}),
		settled:  make(chan struct{}),
	}
	t.current = a
	t.state = TimerAlive

	t.wg.Add(1)
	go t.run(a)
}

// settle ends the current arm with state. Must hold t.mu.
func (t *ClickTimer) settle(state TimerState) {
	a := t.current
	t.current = nil
	a.result = state
	t.state = state
	if a.held {
		t.state = TimerReset
	}
	close(a.settled)
}

func (t *ClickTimer) run(a *countdown) {
	defer t.wg.Done()

	deadline := time.NewTimer(a.interval)
	defer deadline.Stop()

	select {
	case <-deadline.C:
		t.mu.Lock()
		// A stale arm must never overwrite a newer one.
		expired := t.current == a
		if expired {
			t.settle(TimerExpired)
		}
		t.mu.Unlock()
		if expired {
			t.logger.Debug("click window expired", "gen", a.gen)
			t.notify(OutcomeExpired)
		}

	case <-a.cancel:
		// The canceller already settled the state.

	case <-t.ctx.Done():
		t.mu.Lock()
		aborted := t.current == a
		if aborted {
			t.settle(TimerReset)
		}
		t.mu.Unlock()
		if aborted {
			t.logger.Warn("click timer wait aborted, treating as reset", "gen", a.gen, "error", t.ctx.Err())
			t.notify(OutcomeAborted)
		}
	}
}

func (t *ClickTimer) notify(o TimerOutcome) {
	if t.report != nil {
		t.report(o)
	}
}
