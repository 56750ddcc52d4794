package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gestured/internal/fsm"
	"gestured/internal/pointer"
	"gestured/internal/posture"
)

func TestCounterAndGauge(t *testing.T) {
	r := NewRegistry("test", "")
	c := r.RegisterCounter("events_total", "events", nil)
	c.Inc()
	c.Add(4)
	assert.Equal(t, uint64(5), c.Value())
	assert.Same(t, c, r.RegisterCounter("events_total", "events", nil), "registration is idempotent")

	g := r.RegisterGauge("depth", "depth", nil)
	g.Set(3)
	g.Dec()
	assert.Equal(t, int64(2), g.Value())
}

func TestRegisterTypeConflictPanics(t *testing.T) {
	r := NewRegistry("test", "")
	r.RegisterCounter("x", "x", nil)
	assert.Panics(t, func() { r.RegisterGauge("x", "x", nil) })
}

func TestHistogramBuckets(t *testing.T) {
	h := NewHistogram("lat", "latency", nil, []float64{1, 2, 5})
	for _, v := range []float64{0.5, 1, 1.5, 4, 10} {
		h.Observe(v)
	}

	assert.Equal(t, []uint64{2, 3, 4, 5}, h.Cumulative())
	assert.Equal(t, uint64(5), h.Count())
	assert.InDelta(t, 17.0, h.Sum(), 1e-9)
}

func TestWritePrometheus(t *testing.T) {
	r := NewRegistry("gestured", "")
	r.RegisterCounter("timer_total", "timer", Labels{"outcome": "armed"}).Add(2)
	r.RegisterCounter("timer_total", "timer", Labels{"outcome": "expired"}).Inc()
	r.RegisterCounter("timer_total_extra", "extra", nil)
	r.RegisterHistogram("lat_seconds", "latency", nil, []float64{0.5}).Observe(0.25)

	var buf bytes.Buffer
	require.NoError(t, r.WritePrometheus(&buf))
	out := buf.String()

	assert.Equal(t, 1, strings.Count(out, "# TYPE gestured_timer_total counter"))
	assert.Contains(t, out, `gestured_timer_total{outcome="armed"} 2`)
	assert.Contains(t, out, `gestured_timer_total{outcome="expired"} 1`)
	assert.Contains(t, out, `gestured_lat_seconds_bucket{le="0.5"} 1`)
	assert.Contains(t, out, `gestured_lat_seconds_bucket{le="+Inf"} 1`)
	assert.Contains(t, out, "gestured_lat_seconds_count 1")
}

func TestHTTPHandlerNegotiatesJSON(t *testing.T) {
	r := NewRegistry("gestured", "")
	r.RegisterGauge("queue_depth", "depth", nil).Set(7)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	r.HTTPHandler().ServeHTTP(rec, req)

	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 7, body["gestured_queue_depth"])

	rec = httptest.NewRecorder()
	r.HTTPHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "gestured_queue_depth 7")
}

func TestReset(t *testing.T) {
	r := NewRegistry("", "")
	c := r.RegisterCounter("c", "c", nil)
	h := r.RegisterHistogram("h", "h", nil, nil)
	c.Inc()
	h.Observe(0.01)

	r.Reset()
	assert.Zero(t, c.Value())
	assert.Zero(t, h.Count())
}

func TestGesturedMetricsObserve(t *testing.T) {
	m := NewGesturedMetrics(nil)

	m.PostureAccepted(posture.Left)
	m.Observe(fsm.Event{Kind: fsm.EventDropped, Gesture: posture.Track})
	m.Observe(fsm.Event{Kind: fsm.EventTransition, Previous: posture.Track, Next: posture.Left})
	m.Observe(fsm.Event{
		Kind:      fsm.EventBatch,
		Actions:   pointer.Click(pointer.ButtonLeft),
		Delivered: 2,
		Latency:   3 * time.Millisecond,
	})
	m.Observe(fsm.Event{Kind: fsm.EventAnomaly, Err: fmt.Errorf("%w: 1 of 2", fsm.ErrShortDelivery)})
	m.Observe(fsm.Event{Kind: fsm.EventAnomaly, Err: fsm.ErrUnexpectedTransition})
	m.Observe(fsm.Event{Kind: fsm.EventAnomaly, Err: fsm.ErrHandlerFailed})
	m.Observe(fsm.Event{Kind: fsm.EventEmptyFlush})
	m.Observe(fsm.Event{Kind: fsm.EventTimer, Timer: fsm.OutcomeArmed})
	m.Observe(fsm.Event{Kind: fsm.EventTimer, Timer: fsm.OutcomeArmed})
	m.Sample(fsm.Status{QueueLen: 3})

	assert.Equal(t, uint64(1), m.PosturesTotal.Value())
	assert.Equal(t, uint64(1), m.PosturesDropped.Value())
	assert.Equal(t, uint64(1), m.TransitionsTotal.Value())
	assert.Equal(t, uint64(1), m.BatchesTotal.Value())
	assert.Equal(t, uint64(2), m.ActionsTotal.Value())
	assert.Equal(t, uint64(2), m.ActionsDelivered.Value())
	assert.Equal(t, uint64(1), m.BatchLatency.Count())
	assert.Equal(t, uint64(1), m.ShortDeliveries.Value())
	assert.Equal(t, uint64(1), m.UnexpectedTransitions.Value())
	assert.Equal(t, uint64(1), m.HandlerFailures.Value())
	assert.Equal(t, uint64(1), m.EmptyFlushes.Value())
	assert.Equal(t, uint64(2), m.TimerOutcomes(fsm.OutcomeArmed))
	assert.Equal(t, int64(3), m.QueueDepth.Value())

	var buf bytes.Buffer
	require.NoError(t, m.Registry().WritePrometheus(&buf))
	assert.Contains(t, buf.String(), "gestured_postures_dropped_total 1")
	assert.Contains(t, buf.String(), `gestured_click_timer_total{outcome="armed"} 2`)
}
