package fsm

import (
	"fmt"
	"sync"

	"gestured/internal/pointer"
	"gestured/internal/posture"
)

// maxPending bounds the pending action sequence.
const maxPending = 5

// Classification is the dispatcher's coarse view of the machine.
type Classification uint8

const (
	Initial Classification = iota
	Timing
	Accepting
	Final
)

func (c Classification) String() string {
	switch c {
	case Initial:
		return "initial"
	case Timing:
		return "timing"
	case Accepting:
		return "accepting"
	case Final:
		return "final"
	default:
		return fmt.Sprintf("classification(%d)", uint8(c))
	}
}

// classify maps a gesture to its classification and handler slot.
func classify(g posture.Gesture) (Classification, slot) {
	switch g {
	case posture.Left, posture.Drag:
		return Timing, slotLeft
	case posture.Right:
		return Accepting, slotRight
	case posture.Zoom:
		return Accepting, slotZoom
	case posture.Track:
		return Initial, slotTrack
	default:
		return Final, slotNone
	}
}

// Snapshot is a point-in-time copy of SharedState.
type Snapshot struct {
	Previous       posture.Gesture  `json:"previous"`
	Current        posture.Gesture  `json:"current"`
	Classification string           `json:"classification"`
	Pending        []pointer.Action `json:"pending,omitempty"`
	Draggable      bool             `json:"draggable"`
	Applied        uint64           `json:"applied"`
}

// SharedState is the machine's single mutable record. All fields are
// guarded by mu.
//
// Handlers commit their transitions through transact, which admits them in
// dispatch order: the handler for sequence n runs only after n-1 has
// committed. Dispatch order is therefore the order in which transitions
// are applied, regardless of which worker goroutine runs first.
type SharedState struct {
	mu      sync.Mutex
	turn    *sync.Cond
	applied uint64
	closed  bool

	previous  posture.Gesture
	current   posture.Gesture
	class     Classification
	pending   []pointer.Action
	draggable bool
}

func newSharedState() *SharedState {
	s := &SharedState{
		previous: posture.Track,
		current:  posture.Nop,
		class:    Initial,
	}
	s.turn = sync.NewCond(&s.mu)
	return s
}

// classify records the dispatcher's view of the newest event.
func (s *SharedState) classify(g posture.Gesture, c Classification) {
	s.mu.Lock()
	s.current = g
	s.class = c
	s.mu.Unlock()
}

// transact waits for seq's turn, runs fn under the lock and marks seq
// applied. It returns false without running fn if the state was closed.
// fn must not block.
func (s *SharedState) transact(seq uint64, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.applied != seq-1 && !s.closed {
		s.turn.Wait()
	}
	if s.closed {
		return false
	}
	defer func() {
		s.applied = seq
		s.turn.Broadcast()
	}()
	fn()
	return true
}

// close releases every goroutine waiting for its turn.
func (s *SharedState) close() {
	s.mu.Lock()
	s.closed = true
	s.class = Final
	s.turn.Broadcast()
	s.mu.Unlock()
}

// setPending replaces the pending sequence. Must hold mu.
func (s *SharedState) setPending(actions []pointer.Action) {
	if len(actions) > maxPending {
		panic(fmt.Sprintf("fsm: pending sequence of %d actions exceeds %d", len(actions), maxPending))
	}
	s.pending = append(s.pending[:0:0], actions...)
}

// takePending returns and clears the pending sequence. Must hold mu.
func (s *SharedState) takePending() []pointer.Action {
	p := s.pending
	s.pending = nil
	return p
}

// releaseDrag clears an unfinished drag and reports whether one was active.
func (s *SharedState) releaseDrag() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.draggable {
		return false
	}
	s.draggable = false
	s.pending = nil
	return true
}

// Snapshot returns a copy of the state.
func (s *SharedState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Previous:       s.previous,
		Current:        s.current,
		Classification: s.class.String(),
		Pending:        append([]pointer.Action(nil), s.pending...),
		Draggable:      s.draggable,
		Applied:        s.applied,
	}
}

// outbound hands out delivery tickets in transition order and admits
// injections one at a time in ticket order, so batches reach the injector
// in the order their transitions committed and never interleave.
type outbound struct {
	mu     sync.Mutex
	cond   *sync.Cond
	next   uint64
	served uint64
	closed bool
}

func newOutbound() *outbound {
	o := &outbound{}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func (o *outbound) ticket() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.next
	o.next++
	return t
}

// wait blocks until ticket t may inject. It returns false once closed.
func (o *outbound) wait(t uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for o.served != t && !o.closed {
		o.cond.Wait()
	}
	return !o.closed
}

func (o *outbound) done() {
	o.mu.Lock()
	o.served++
	o.cond.Broadcast()
	o.mu.Unlock()
}

func (o *outbound) close() {
	o.mu.Lock()
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
}
