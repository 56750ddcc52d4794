package fsm

import (
	"time"

	"gestured/internal/pointer"
	"gestured/internal/posture"
)

// EventKind distinguishes observer notifications.
type EventKind string

const (
	// EventDropped: a posture was rejected by the queue.
	EventDropped EventKind = "dropped"
	// EventTransition: a handler committed a transition.
	EventTransition EventKind = "transition"
	// EventBatch: a batch was handed to the injector.
	EventBatch EventKind = "batch"
	// EventAnomaly: something the machine recovered from but should be seen.
	EventAnomaly EventKind = "anomaly"
	// EventEmptyFlush: a flush found nothing pending.
	EventEmptyFlush EventKind = "empty_flush"
	// EventTimer: the click timer changed state.
	EventTimer EventKind = "timer"
)

// Event is a machine notification. Fields not relevant to Kind are zero.
type Event struct {
	Kind     EventKind       `json:"kind"`
	At       time.Time       `json:"at"`
	Seq      uint64          `json:"seq,omitempty"`
	Gesture  posture.Gesture `json:"gesture,omitempty"`
	Previous posture.Gesture `json:"previous,omitempty"`
	Next     posture.Gesture `json:"next,omitempty"`

	Actions   []pointer.Action `json:"actions,omitempty"`
	Delivered int              `json:"delivered,omitempty"`
	Latency   time.Duration    `json:"latency,omitempty"`

	Timer TimerOutcome `json:"timer,omitempty"`

	// Err classifies anomalies: ErrUnexpectedTransition, ErrShortDelivery,
	// ErrHandlerFailed.
	Err error `json:"-"`
}

// Observer receives machine notifications. Observe is called synchronously
// from machine goroutines, sometimes with internal locks held, so it must
// not block and must not call back into the Machine.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f(ev).
func (f ObserverFunc) Observe(ev Event) { f(ev) }

// Observers fans an event out to several observers in order.
type Observers []Observer

// Observe forwards ev to every non-nil observer.
func (os Observers) Observe(ev Event) {
	for _, o := range os {
		if o != nil {
			o.Observe(ev)
		}
	}
}
