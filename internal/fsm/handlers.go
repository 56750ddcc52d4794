package fsm

import (
	"fmt"
	"time"

	"gestured/internal/pointer"
	"gestured/internal/posture"
)

// outcome collects what a handler decided under the state lock so that
// logging, notification and injection happen after the lock is released.
type outcome struct {
	prev, next posture.Gesture
	unexpected bool
	// dropped is set when entering a drag discarded an unresolved click.
	dropped bool

	batch  []pointer.Action
	send   bool
	ticket uint64

	// flush marks a Track flush branch; an empty flush is reported.
	flush bool
	// window is the held click countdown a Track flush waits on; 0 if none.
	window uint64
}

// commit takes a delivery ticket if the handler will inject. Must hold
// the state lock.
func (m *Machine) commit(o *outcome) {
	if len(o.batch) > 0 || o.flush {
		o.send = true
		o.ticket = m.out.ticket()
	}
}

// moveBatch returns a Move to the tracked position, if one is known.
func (m *Machine) moveBatch() []pointer.Action {
	if pos, ok := m.cursor.Position(); ok {
		return []pointer.Action{pointer.MoveTo(pos)}
	}
	return nil
}

// onLeft handles Left and Drag. A Drag event, or any event while a drag is
// in progress, continues the drag; otherwise Left strikes the click timer.
func (m *Machine) onLeft(j job) {
	var o outcome
	var strike StrikeResult
	ok := m.state.transact(j.seq, func() {
		s := m.state
		o.prev = s.previous

		switch {
		case j.gesture == posture.Drag || s.previous == posture.Drag:
			o.batch = m.moveBatch()
			if !s.draggable {
				// Entering a drag ends any click sequence in progress.
				o.dropped = m.timer.Disarm()
				o.batch = append(o.batch, pointer.Down(pointer.ButtonLeft))
				s.draggable = true
				s.setPending(pointer.Click(pointer.ButtonLeft))
			}
			s.previous = posture.Drag

		case s.previous == posture.Track || s.previous == posture.Left:
			strike = m.timer.Strike()
			switch strike {
			case StrikeCancelled:
				s.setPending(pointer.DoubleClick(pointer.ButtonLeft))
			case StrikeConsumed:
				s.setPending(pointer.Click(pointer.ButtonLeft))
			}
			s.previous = posture.Left

		default:
			o.unexpected = true
		}

		o.next = s.previous
		m.commit(&o)
	})
	if !ok {
		return
	}
	if j.gesture == posture.Left && !o.unexpected && o.prev != posture.Drag {
		m.handlerLog.Debug("left strike", "seq", j.seq, "result", strike)
	}
	if o.dropped {
		m.handlerLog.Debug("drag discarded unresolved left click", "seq", j.seq, "previous", o.prev)
	}
	m.finish(j, o)
}

// onRight builds a right click, folding in a left click still waiting for
// its window when the right posture follows a left one.
func (m *Machine) onRight(j job) {
	var o outcome
	ok := m.state.transact(j.seq, func() {
		s := m.state
		o.prev = s.previous

		switch s.previous {
		case posture.Track:
			s.setPending(pointer.Click(pointer.ButtonRight))
		case posture.Left:
			combined := append(pointer.Click(pointer.ButtonLeft), pointer.Click(pointer.ButtonRight)...)
			s.setPending(combined)
			m.timer.Disarm()
		case posture.Right:
			// Repeated frame of the same posture.
		default:
			o.unexpected = true
			o.next = s.previous
			return
		}
		s.previous = posture.Right
		o.next = s.previous
	})
	if !ok {
		return
	}
	m.finish(j, o)
}

// onZoom only records the posture. A drag in progress is left intact.
func (m *Machine) onZoom(j job) {
	var o outcome
	ok := m.state.transact(j.seq, func() {
		s := m.state
		o.prev = s.previous
		if s.draggable {
			o.unexpected = true
		} else {
			s.previous = posture.Zoom
		}
		o.next = s.previous
	})
	if !ok {
		return
	}
	m.finish(j, o)
}

// onTrack moves the pointer in steady state and flushes whatever the
// previous posture left pending.
func (m *Machine) onTrack(j job) {
	var o outcome
	ok := m.state.transact(j.seq, func() {
		s := m.state
		o.prev = s.previous

		switch s.previous {
		case posture.Track:
			o.batch = m.moveBatch()
		case posture.Left:
			// The window is resolved or held here, in dispatch order. A Left
			// arriving while a held window is alive still cancels it into a
			// double click; one arriving after it expired starts afresh.
			o.batch = s.takePending()
			o.flush = true
			if m.timer.Consume() {
				o.batch = append(o.batch, pointer.Click(pointer.ButtonLeft)...)
			} else {
				o.window = m.timer.Hold()
			}
		case posture.Right:
			o.batch = s.takePending()
			o.flush = true
		case posture.Drag:
			if p := s.takePending(); len(p) > 1 {
				o.batch = p[1:2]
			}
			s.draggable = false
			o.flush = true
		case posture.Zoom:
		default:
			o.unexpected = true
		}

		s.previous = posture.Track
		o.next = s.previous
		m.commit(&o)
	})
	if !ok {
		return
	}

	if o.window != 0 && m.timer.Await(m.ctx, o.window, 0) == TimerExpired {
		o.batch = append(o.batch, pointer.Click(pointer.ButtonLeft)...)
	}
	m.finish(j, o)
}

// finish reports the transition and delivers the batch, if any.
func (m *Machine) finish(j job, o outcome) {
	if o.unexpected {
		err := fmt.Errorf("%w: %s after %s", ErrUnexpectedTransition, j.gesture, o.prev)
		m.handlerLog.Warn("unexpected transition", "seq", j.seq, "gesture", j.gesture, "previous", o.prev)
		m.emit(Event{Kind: EventAnomaly, Seq: j.seq, Gesture: j.gesture, Previous: o.prev, Next: o.next, Err: err})
	} else {
		m.emit(Event{Kind: EventTransition, Seq: j.seq, Gesture: j.gesture, Previous: o.prev, Next: o.next})
	}

	if o.flush && len(o.batch) == 0 {
		m.handlerLog.Debug("empty flush", "seq", j.seq, "previous", o.prev)
		m.emit(Event{Kind: EventEmptyFlush, Seq: j.seq, Gesture: j.gesture, Previous: o.prev})
	}
	if o.send {
		m.deliver(j, o.ticket, o.batch)
	}
}

// deliver injects batch once every earlier ticket has been served.
func (m *Machine) deliver(j job, ticket uint64, batch []pointer.Action) {
	if !m.out.wait(ticket) {
		if len(batch) > 0 {
			m.handlerLog.Debug("batch discarded at shutdown", "seq", j.seq, "actions", pointer.FormatBatch(batch))
		}
		return
	}
	defer m.out.done()

	if len(batch) == 0 {
		return
	}

	start := time.Now()
	n, err := m.injector.Inject(m.ctx, batch)
	latency := time.Since(start)

	m.emit(Event{
		Kind:      EventBatch,
		Seq:       j.seq,
		Gesture:   j.gesture,
		Actions:   batch,
		Delivered: n,
		Latency:   latency,
	})
	m.handlerLog.Debug("batch delivered", "seq", j.seq, "actions", pointer.FormatBatch(batch), "delivered", n, "latency", latency)

	if err != nil || n < len(batch) {
		short := fmt.Errorf("%w: %d of %d actions", ErrShortDelivery, n, len(batch))
		if err != nil {
			short = fmt.Errorf("%w: %v", short, err)
		}
		m.handlerLog.Warn("short delivery", "seq", j.seq, "requested", len(batch), "delivered", n, "error", err)
		m.emit(Event{Kind: EventAnomaly, Seq: j.seq, Gesture: j.gesture, Actions: batch, Delivered: n, Err: short})
	}
}
