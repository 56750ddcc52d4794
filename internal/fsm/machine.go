// Package fsm turns a stream of posture events into timed pointer actions.
//
// A single dispatcher goroutine drains the posture queue and routes each
// event to one of four long-lived handler goroutines (left/drag, right,
// zoom, track). Handlers coordinate only through SharedState and the
// ClickTimer. Transitions commit in dispatch order and batches reach the
// injector in commit order.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"gestured/internal/logging"
	"gestured/internal/pointer"
	"gestured/internal/posture"
)

var (
	// ErrClosed is returned by Run after the machine has been torn down.
	ErrClosed = errors.New("fsm: machine closed")

	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("fsm: machine already running")

	// ErrHandlerFailed is returned by Run when a handler panicked.
	ErrHandlerFailed = errors.New("fsm: handler failed")

	// ErrUnexpectedTransition marks a gesture arriving in a state no
	// handler branch models.
	ErrUnexpectedTransition = errors.New("fsm: unexpected transition")

	// ErrShortDelivery marks a batch the injector only partly delivered.
	ErrShortDelivery = errors.New("fsm: short delivery")
)

// DefaultInboxSize is the per-handler inbox capacity.
const DefaultInboxSize = 64

// releaseTimeout bounds the button release sent for an unfinished drag at
// teardown.
const releaseTimeout = time.Second

type slot int

const (
	slotLeft slot = iota
	slotRight
	slotZoom
	slotTrack
	slotCount

	slotNone slot = -1
)

var slotNames = [slotCount]string{"left", "right", "zoom", "track"}

type job struct {
	seq     uint64
	gesture posture.Gesture
	at      time.Time
}

// Options configures a Machine.
type Options struct {
	// Injector receives synthesised batches. Required.
	Injector pointer.Injector

	Logger   *slog.Logger
	Observer Observer

	ClickInterval time.Duration
	QueueCapacity int
	InboxSize     int
	Calibration   pointer.Calibration

	// PanicHook, if set, receives a recovered handler panic and its stack
	// before the machine stops.
	PanicHook func(value any, stack []byte)
}

// Status is a point-in-time view of a Machine.
type Status struct {
	State         Snapshot      `json:"state"`
	Timer         string        `json:"timer"`
	ClickInterval time.Duration `json:"click_interval"`
	QueueLen      int           `json:"queue_len"`
	QueueCap      int           `json:"queue_cap"`
	Dropped       uint64        `json:"dropped"`
	Cursor        pointer.Point `json:"cursor"`
	CursorKnown   bool          `json:"cursor_known"`
	Backend       string        `json:"backend"`
	Running       bool          `json:"running"`
}

// Machine is the gesture state machine.
type Machine struct {
	logger      *slog.Logger
	dispatchLog *slog.Logger
	handlerLog  *slog.Logger

	injector  pointer.Injector
	observer  Observer
	panicHook func(value any, stack []byte)

	queue  *posture.Queue
	state  *SharedState
	timer  *ClickTimer
	cursor *Cursor
	out    *outbound

	ctx     context.Context
	cancel  context.CancelFunc
	inboxes [slotCount]chan job
	workers sync.WaitGroup
	seq     uint64

	running      atomic.Bool
	done         chan struct{}
	stopOnce     sync.Once
	teardownOnce sync.Once

	errMu sync.Mutex
	err   error
}

// New creates a Machine. Call Run to start it.
func New(opts Options) (*Machine, error) {
	if opts.Injector == nil {
		return nil, errors.New("fsm: injector is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inboxSize := opts.InboxSize
	if inboxSize <= 0 {
		inboxSize = DefaultInboxSize
	}
	cal := opts.Calibration
	if cal == (pointer.Calibration{}) {
		cal = pointer.Identity()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		logger:      logger,
		dispatchLog: logger.With("component", logging.ComponentDispatcher),
		handlerLog:  logger.With("component", logging.ComponentHandler),
		injector:    opts.Injector,
		observer:    opts.Observer,
		panicHook:   opts.PanicHook,
		queue:       posture.NewQueue(opts.QueueCapacity),
		state:       newSharedState(),
		cursor:      NewCursor(cal),
		out:         newOutbound(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	m.timer = NewClickTimer(ctx, opts.ClickInterval, logger.With("component", logging.ComponentTimer), func(o TimerOutcome) {
		m.emit(Event{Kind: EventTimer, Timer: o})
	})
	for i := range m.inboxes {
		m.inboxes[i] = make(chan job, inboxSize)
	}
	return m, nil
}

// Submit offers a posture to the queue without blocking. It returns false
// if the posture was dropped.
func (m *Machine) Submit(g posture.Gesture) bool {
	if m.queue.Submit(g) {
		return true
	}
	m.emit(Event{Kind: EventDropped, Gesture: g})
	return false
}

// SetCursor records the tracked hand position in camera coordinates and
// returns the mapped screen position.
func (m *Machine) SetCursor(x, y float64) pointer.Point {
	return m.cursor.Set(x, y)
}

// SetClickInterval changes the click window for subsequent clicks.
func (m *Machine) SetClickInterval(d time.Duration) {
	m.timer.SetInterval(d)
}

// SetCalibration replaces the cursor calibration.
func (m *Machine) SetCalibration(cal pointer.Calibration) {
	m.cursor.SetCalibration(cal)
}

// Status returns a snapshot of the machine.
func (m *Machine) Status() Status {
	pos, known := m.cursor.Position()
	return Status{
		State:         m.state.Snapshot(),
		Timer:         m.timer.State().String(),
		ClickInterval: m.timer.Interval(),
		QueueLen:      m.queue.Len(),
		QueueCap:      m.queue.Cap(),
		Dropped:       m.queue.Drops(),
		Cursor:        pos,
		CursorKnown:   known,
		Backend:       m.injector.Name(),
		Running:       m.running.Load() && m.ctx.Err() == nil,
	}
}

// Done is closed when Run has returned.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Run starts the handler goroutines and runs the dispatcher until a Quit
// posture, Close, or cancellation of ctx. It tears the machine down before
// returning. Run returns ErrHandlerFailed (wrapped) if a handler panicked.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(m.done)

	if m.ctx.Err() != nil {
		m.teardown()
		return ErrClosed
	}

	for i := range m.inboxes {
		m.workers.Add(1)
		go m.work(slot(i))
	}

	stopWatch := context.AfterFunc(ctx, func() {
		m.dispatchLog.Info("context cancelled, stopping")
		m.stop(nil)
	})
	defer stopWatch()

	m.dispatchLog.Info("machine started",
		"backend", m.injector.Name(),
		"click_interval", m.timer.Interval(),
		"queue_capacity", m.queue.Cap(),
	)

	m.dispatch()
	m.teardown()
	return m.Err()
}

// Close stops the machine and waits for Run to return. It is safe to call
// more than once and from any goroutine except a handler.
func (m *Machine) Close() error {
	m.stop(nil)
	if m.running.Load() {
		<-m.done
	} else {
		m.teardown()
	}
	return nil
}

// Err returns the failure that stopped the machine, if any.
func (m *Machine) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

func (m *Machine) dispatch() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.queue.Ready():
		}

		for g := m.queue.Take(); g != posture.Nop; g = m.queue.Take() {
			if !m.route(g) {
				return
			}
		}
	}
}

// route classifies g and hands it to its handler slot. It returns false
// when the dispatcher must stop.
func (m *Machine) route(g posture.Gesture) bool {
	m.seq++
	class, s := classify(g)
	m.state.classify(g, class)

	if g == posture.Quit {
		m.dispatchLog.Info("quit received", "seq", m.seq)
		m.stop(nil)
		return false
	}

	m.dispatchLog.Debug("dispatch", "seq", m.seq, "gesture", g, "classification", class)
	select {
	case m.inboxes[s] <- job{seq: m.seq, gesture: g, at: time.Now()}:
		return true
	case <-m.ctx.Done():
		return false
	}
}

func (m *Machine) work(s slot) {
	defer m.workers.Done()
	inbox := m.inboxes[s]
	for {
		select {
		case j, ok := <-inbox:
			if !ok {
				return
			}
			m.handle(s, j)
		case <-m.ctx.Done():
			return
		}
	}
}

// handle runs one handler. A panic is fatal to the machine.
func (m *Machine) handle(s slot, j job) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %s handler: %v", ErrHandlerFailed, slotNames[s], r)
			m.handlerLog.Error("handler panicked", "slot", slotNames[s], "seq", j.seq, "gesture", j.gesture, "panic", r)
			if m.panicHook != nil {
				m.panicHook(r, debug.Stack())
			}
			m.emit(Event{Kind: EventAnomaly, Seq: j.seq, Gesture: j.gesture, Err: err})
			m.stop(err)
		}
	}()

	switch s {
	case slotLeft:
		m.onLeft(j)
	case slotRight:
		m.onRight(j)
	case slotZoom:
		m.onZoom(j)
	case slotTrack:
		m.onTrack(j)
	}
}

// stop signals every goroutine to finish. It never blocks on handler
// goroutines, so handlers may call it.
func (m *Machine) stop(reason error) {
	m.stopOnce.Do(func() {
		if reason != nil {
			m.errMu.Lock()
			m.err = reason
			m.errMu.Unlock()
		}
		m.queue.Close()
		m.state.close()
		m.out.close()
		m.timer.Stop()
		m.cancel()
	})
}

// teardown stops the machine and joins every handler goroutine.
func (m *Machine) teardown() {
	m.teardownOnce.Do(func() {
		m.stop(nil)
		for _, inbox := range m.inboxes {
			close(inbox)
		}
		m.workers.Wait()

		if m.state.releaseDrag() {
			ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			if _, err := m.injector.Inject(ctx, []pointer.Action{pointer.Up(pointer.ButtonLeft)}); err != nil {
				m.handlerLog.Warn("releasing held button failed", "error", err)
			} else {
				m.handlerLog.Info("released held button at shutdown")
			}
		}
		m.dispatchLog.Info("machine stopped", "dropped", m.queue.Drops())
	})
}

func (m *Machine) emit(ev Event) {
	if m.observer == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	m.observer.Observe(ev)
}
