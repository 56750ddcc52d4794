// Package metrics provides Prometheus-compatible metrics for gestured.
//
// Features:
//   - Counters for postures, batches, actions and anomalies
//   - Gauges for queue depth and uptime
//   - Histograms for batch delivery latency
//   - Prometheus text and JSON exposition over HTTP
//   - Thread-safe operations
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents the type of metric.
type MetricType int

const (
	// TypeCounter is a monotonically increasing counter.
	TypeCounter MetricType = iota
	// TypeGauge is a value that can go up and down.
	TypeGauge
	// TypeHistogram is a distribution of values.
	TypeHistogram
)

// String returns the string representation of the metric type.
func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Labels represents metric labels.
type Labels map[string]string

// String returns a string representation of labels.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}

	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(l))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s="%s"`, k, escapeLabel(l[k])))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// with returns the labels plus one extra pair, rendered.
func (l Labels) with(key, value string) string {
	merged := make(Labels, len(l)+1)
	for k, v := range l {
		merged[k] = v
	}
	merged[key] = value
	return merged.String()
}

func escapeLabel(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return strings.ReplaceAll(v, "\n", `\n`)
}

// metric is implemented by every registered series.
type metric interface {
	Name() string
	Help() string
	Type() MetricType
	writeSeries(w io.Writer)
	snapshot() any
	reset()
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels Labels
	value  atomic.Uint64
}

// NewCounter creates a new Counter.
func NewCounter(name, help string, labels Labels) *Counter {
	return &Counter{name: name, help: help, labels: labels}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add adds the given value to the counter.
func (c *Counter) Add(v uint64) { c.value.Add(v) }

// Value returns the current value.
func (c *Counter) Value() uint64 { return c.value.Load() }

// Name returns the metric name.
func (c *Counter) Name() string { return c.name }

// Help returns the help text.
func (c *Counter) Help() string { return c.help }

// Type returns the metric type.
func (c *Counter) Type() MetricType { return TypeCounter }

func (c *Counter) writeSeries(w io.Writer) {
	fmt.Fprintf(w, "%s%s %d\n", c.name, c.labels.String(), c.Value())
}

func (c *Counter) snapshot() any { return c.Value() }
func (c *Counter) reset()        { c.value.Store(0) }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels Labels
	value  atomic.Int64
}

// NewGauge creates a new Gauge.
func NewGauge(name, help string, labels Labels) *Gauge {
	return &Gauge{name: name, help: help, labels: labels}
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Add adds the given value to the gauge.
func (g *Gauge) Add(v int64) { g.value.Add(v) }

// Value returns the current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Name returns the metric name.
func (g *Gauge) Name() string { return g.name }

// Help returns the help text.
func (g *Gauge) Help() string { return g.help }

// Type returns the metric type.
func (g *Gauge) Type() MetricType { return TypeGauge }

func (g *Gauge) writeSeries(w io.Writer) {
	fmt.Fprintf(w, "%s%s %d\n", g.name, g.labels.String(), g.Value())
}

func (g *Gauge) snapshot() any { return g.Value() }
func (g *Gauge) reset()        { g.value.Store(0) }

// Histogram tracks the distribution of values.
type Histogram struct {
	name    string
	help    string
	labels  Labels
	buckets []float64

	mu     sync.Mutex
	counts []uint64 // per bucket, not cumulative; last entry is +Inf
	sum    float64
	count  uint64
}

// LatencyBuckets cover injector round trips, in seconds.
var LatencyBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewHistogram creates a new Histogram. Buckets are upper bounds.
func NewHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = LatencyBuckets
	}

	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)

	return &Histogram{
		name:    name,
		help:    help,
		labels:  labels,
		buckets: sorted,
		counts:  make([]uint64, len(sorted)+1),
	}
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += v
	h.count++
	// First bucket whose upper bound is >= v.
	h.counts[sort.SearchFloat64s(h.buckets, v)]++
}

// ObserveDuration records a duration in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

// Name returns the metric name.
func (h *Histogram) Name() string { return h.name }

// Help returns the help text.
func (h *Histogram) Help() string { return h.help }

// Type returns the metric type.
func (h *Histogram) Type() MetricType { return TypeHistogram }

// Count returns the count of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Sum returns the sum of observed values.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Cumulative returns the cumulative count per bucket, +Inf last.
func (h *Histogram) Cumulative() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]uint64, len(h.counts))
	var running uint64
	for i, c := range h.counts {
		running += c
		out[i] = running
	}
	return out
}

func (h *Histogram) writeSeries(w io.Writer) {
	cumulative := h.Cumulative()
	for i, bound := range h.buckets {
		fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, h.labels.with("le", formatBound(bound)), cumulative[i])
	}
	fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, h.labels.with("le", "+Inf"), cumulative[len(h.buckets)])
	fmt.Fprintf(w, "%s_sum%s %g\n", h.name, h.labels.String(), h.Sum())
	fmt.Fprintf(w, "%s_count%s %d\n", h.name, h.labels.String(), h.Count())
}

func formatBound(b float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.6f", b), "0"), ".")
}

func (h *Histogram) snapshot() any {
	cumulative := h.Cumulative()
	buckets := make(map[string]uint64, len(cumulative))
	for i, bound := range h.buckets {
		buckets[formatBound(bound)] = cumulative[i]
	}
	buckets["+Inf"] = cumulative[len(h.buckets)]
	return map[string]any{
		"buckets": buckets,
		"sum":     h.Sum(),
		"count":   h.Count(),
	}
}

func (h *Histogram) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum = 0
	h.count = 0
	clear(h.counts)
}

// Registry holds all registered metrics. Series sharing a name but not
// labels are exposed under one HELP/TYPE header.
type Registry struct {
	mu     sync.RWMutex
	series map[string]metric

	namespace string
	subsystem string
}

// NewRegistry creates a new Registry.
func NewRegistry(namespace, subsystem string) *Registry {
	return &Registry{
		series:    make(map[string]metric),
		namespace: namespace,
		subsystem: subsystem,
	}
}

// fullName returns the full metric name with namespace and subsystem.
func (r *Registry) fullName(name string) string {
	parts := []string{}
	if r.namespace != "" {
		parts = append(parts, r.namespace)
	}
	if r.subsystem != "" {
		parts = append(parts, r.subsystem)
	}
	parts = append(parts, name)
	return strings.Join(parts, "_")
}

// register returns the existing series under key or stores the one built
// by mk. It panics if the key is already registered with another type.
func register[T metric](r *Registry, name string, labels Labels, mk func(full string) T) T {
	r.mu.Lock()
	defer r.mu.Unlock()

	full := r.fullName(name)
	key := full + labels.String()
	if existing, ok := r.series[key]; ok {
		typed, ok := existing.(T)
		if !ok {
			panic(fmt.Sprintf("metrics: %s registered as %s", key, existing.Type()))
		}
		return typed
	}
	m := mk(full)
	r.series[key] = m
	return m
}

// RegisterCounter registers a new counter.
func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	return register(r, name, labels, func(full string) *Counter {
		return NewCounter(full, help, labels)
	})
}

// RegisterGauge registers a new gauge.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	return register(r, name, labels, func(full string) *Gauge {
		return NewGauge(full, help, labels)
	})
}

// RegisterHistogram registers a new histogram.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, buckets []float64) *Histogram {
	return register(r, name, labels, func(full string) *Histogram {
		return NewHistogram(full, help, labels, buckets)
	})
}

type entry struct {
	key string
	m   metric
}

// sorted returns every series ordered by name, then labels.
func (r *Registry) sorted() []entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]entry, 0, len(r.series))
	for k, m := range r.series {
		out = append(out, entry{k, m})
	}
	sort.Slice(out, func(i, j int) bool {
		if ni, nj := out[i].m.Name(), out[j].m.Name(); ni != nj {
			return ni < nj
		}
		return out[i].key < out[j].key
	})
	return out
}

// WritePrometheus writes metrics in Prometheus text format.
func (r *Registry) WritePrometheus(w io.Writer) error {
	var last string
	for _, s := range r.sorted() {
		if name := s.m.Name(); name != last {
			fmt.Fprintf(w, "# HELP %s %s\n", name, s.m.Help())
			fmt.Fprintf(w, "# TYPE %s %s\n", name, s.m.Type())
			last = name
		}
		s.m.writeSeries(w)
	}
	return nil
}

// Snapshot returns the value of every series keyed by name and labels.
func (r *Registry) Snapshot() map[string]any {
	snapshot := make(map[string]any)
	for _, s := range r.sorted() {
		snapshot[s.key] = s.m.snapshot()
	}
	return snapshot
}

// WriteJSON writes metrics in JSON format.
func (r *Registry) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.Snapshot())
}

// Reset resets all metrics.
func (r *Registry) Reset() {
	for _, s := range r.sorted() {
		s.m.reset()
	}
}

// HTTPHandler returns an HTTP handler for metrics.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		accept := req.Header.Get("Accept")
		if strings.Contains(accept, "application/json") {
			w.Header().Set("Content-Type", "application/json")
			r.WriteJSON(w)
		} else {
			w.Header().Set("Content-Type", "text/plain; version=0.0.4")
			r.WritePrometheus(w)
		}
	})
}
