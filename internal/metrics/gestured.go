package metrics

import (
	"errors"
	"time"

	"gestured/internal/fsm"
	"gestured/internal/posture"
)

// GesturedMetrics holds the daemon's metric set. It implements fsm.Observer.
type GesturedMetrics struct {
	registry *Registry
	started  time.Time

	// Counters
	PosturesTotal         *Counter
	PosturesDropped       *Counter
	TransitionsTotal      *Counter
	BatchesTotal          *Counter
	ActionsTotal          *Counter
	ActionsDelivered      *Counter
	ShortDeliveries       *Counter
	UnexpectedTransitions *Counter
	HandlerFailures       *Counter
	EmptyFlushes          *Counter
	IngressConnections    *Counter

	// Gauges
	QueueDepth    *Gauge
	UptimeSeconds *Gauge
	Subscribers   *Gauge

	// Histograms
	BatchLatency *Histogram

	timer map[fsm.TimerOutcome]*Counter
}

// NewGesturedMetrics creates and registers all gestured metrics.
func NewGesturedMetrics(registry *Registry) *GesturedMetrics {
	if registry == nil {
		registry = NewRegistry("gestured", "")
	}

	m := &GesturedMetrics{
		registry: registry,
		started:  time.Now(),

		PosturesTotal: registry.RegisterCounter(
			"postures_total",
			"Postures accepted into the queue",
			nil,
		),
		PosturesDropped: registry.RegisterCounter(
			"postures_dropped_total",
			"Postures rejected because the queue was full or closed",
			nil,
		),
		TransitionsTotal: registry.RegisterCounter(
			"transitions_total",
			"Committed state transitions",
			nil,
		),
		BatchesTotal: registry.RegisterCounter(
			"batches_total",
			"Action batches handed to the pointer backend",
			nil,
		),
		ActionsTotal: registry.RegisterCounter(
			"actions_total",
			"Pointer actions requested",
			nil,
		),
		ActionsDelivered: registry.RegisterCounter(
			"actions_delivered_total",
			"Pointer actions the backend reported as delivered",
			nil,
		),
		ShortDeliveries: registry.RegisterCounter(
			"short_deliveries_total",
			"Batches delivered only in part",
			nil,
		),
		UnexpectedTransitions: registry.RegisterCounter(
			"unexpected_transitions_total",
			"Postures received in a state that does not accept them",
			nil,
		),
		HandlerFailures: registry.RegisterCounter(
			"handler_failures_total",
			"Handler panics",
			nil,
		),
		EmptyFlushes: registry.RegisterCounter(
			"empty_flushes_total",
			"Track flushes that found nothing pending",
			nil,
		),
		IngressConnections: registry.RegisterCounter(
			"ingress_connections_total",
			"Accepted control socket connections",
			nil,
		),

		QueueDepth: registry.RegisterGauge(
			"queue_depth",
			"Postures waiting in the queue",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Seconds since the daemon started",
			nil,
		),
		Subscribers: registry.RegisterGauge(
			"event_subscribers",
			"Control clients subscribed to machine events",
			nil,
		),

		BatchLatency: registry.RegisterHistogram(
			"batch_latency_seconds",
			"Time from posture dispatch to batch delivery",
			nil,
			LatencyBuckets,
		),

		timer: make(map[fsm.TimerOutcome]*Counter),
	}

	for _, o := range []fsm.TimerOutcome{
		fsm.OutcomeArmed, fsm.OutcomeExpired, fsm.OutcomeCancelled, fsm.OutcomeConsumed,
		fsm.OutcomeDisarmed, fsm.OutcomeAborted, fsm.OutcomeForced,
	} {
		m.timer[o] = registry.RegisterCounter(
			"click_timer_total",
			"Click timer state changes by outcome",
			Labels{"outcome": string(o)},
		)
	}

	return m
}

// Registry returns the underlying registry.
func (m *GesturedMetrics) Registry() *Registry {
	return m.registry
}

// Observe implements fsm.Observer.
func (m *GesturedMetrics) Observe(ev fsm.Event) {
	switch ev.Kind {
	case fsm.EventDropped:
		m.PosturesDropped.Inc()
	case fsm.EventTransition:
		m.TransitionsTotal.Inc()
	case fsm.EventBatch:
		m.BatchesTotal.Inc()
		m.ActionsTotal.Add(uint64(len(ev.Actions)))
		if ev.Delivered > 0 {
			m.ActionsDelivered.Add(uint64(ev.Delivered))
		}
		m.BatchLatency.ObserveDuration(ev.Latency)
	case fsm.EventAnomaly:
		switch {
		case errors.Is(ev.Err, fsm.ErrShortDelivery):
			m.ShortDeliveries.Inc()
		case errors.Is(ev.Err, fsm.ErrUnexpectedTransition):
			m.UnexpectedTransitions.Inc()
		case errors.Is(ev.Err, fsm.ErrHandlerFailed):
			m.HandlerFailures.Inc()
		}
	case fsm.EventEmptyFlush:
		m.EmptyFlushes.Inc()
	case fsm.EventTimer:
		if c, ok := m.timer[ev.Timer]; ok {
			c.Inc()
		}
	}
}

// PostureAccepted counts a posture that entered the queue.
func (m *GesturedMetrics) PostureAccepted(posture.Gesture) {
	m.PosturesTotal.Inc()
}

// Sample refreshes gauges from a machine status.
func (m *GesturedMetrics) Sample(status fsm.Status) {
	m.QueueDepth.Set(int64(status.QueueLen))
	m.UptimeSeconds.Set(int64(time.Since(m.started).Seconds()))
}

// TimerOutcomes returns the count recorded for one timer outcome.
func (m *GesturedMetrics) TimerOutcomes(o fsm.TimerOutcome) uint64 {
	if c, ok := m.timer[o]; ok {
		return c.Value()
	}
	return 0
}
