// Package health serves gestured's liveness, readiness and component
// health over HTTP. Components register a Check; critical ones decide
// whether the daemon as a whole is unhealthy.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Status is a component or daemon health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown is reported until a critical component has been checked.
	StatusUnknown Status = "unknown"
)

// Component names registered by the daemon.
const (
	ComponentDispatcher = "dispatcher"
	ComponentPointer    = "pointer"
	ComponentJournal    = "journal"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 2 * time.Second

// CheckResult is one component's verdict.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check inspects one component.
type Check func(ctx context.Context) CheckResult

type component struct {
	critical bool
	check    Check
}

// Checker runs registered checks and remembers their last results.
type Checker struct {
	// Timeout bounds each check; zero means DefaultTimeout.
	Timeout time.Duration

	mu         sync.RWMutex
	components map[string]component
	last       map[string]CheckResult
	started    time.Time
	ready      atomic.Bool
}

// NewChecker creates an empty Checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]component),
		last:       make(map[string]CheckResult),
		started:    time.Now(),
	}
}

// RegisterFunc adds or replaces a component check.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = component{critical: critical, check: check}
	c.last[name] = CheckResult{Status: StatusUnknown}
}

// SetReady flips readiness; the daemon sets it while the machine runs.
func (c *Checker) SetReady(ready bool) { c.ready.Store(ready) }

// IsReady reports readiness.
func (c *Checker) IsReady() bool { return c.ready.Load() }

func (c *Checker) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

// runCheck executes check under timeout. A panicking or overrunning check
// counts as unhealthy.
func runCheck(ctx context.Context, timeout time.Duration, check Check) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- check(ctx)
	}()

	var res CheckResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	res.LastChecked = start
	res.Duration = time.Since(start)
	return res
}

// Check runs every registered check concurrently and records the results.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.components))
	for name, comp := range c.components {
		checks[name] = comp.check
	}
	c.mu.RUnlock()

	timeout := c.timeout()
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]CheckResult, len(checks))
	)
	for name, check := range checks {
		wg.Go(func() {
			res := runCheck(ctx, timeout, check)
			mu.Lock()
			results[name] = res
			mu.Unlock()
		})
	}
	wg.Wait()

	c.mu.Lock()
	for name, res := range results {
		if _, ok := c.components[name]; ok {
			c.last[name] = res
		}
	}
	c.mu.Unlock()
	return results
}

// OverallStatus folds the last results: an unhealthy critical component
// makes the daemon unhealthy, any other failure only degrades it.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	overall := StatusHealthy
	for name, res := range c.last {
		critical := c.components[name].critical
		switch {
		case res.Status == StatusUnhealthy && critical:
			return StatusUnhealthy
		case res.Status == StatusUnknown && critical:
			overall = StatusUnknown
		case res.Status == StatusUnhealthy, res.Status == StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return overall
}

// Report is the /healthz body.
type Report struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Report runs every check and returns the aggregate.
func (c *Checker) Report(ctx context.Context) Report {
	components := c.Check(ctx)
	return Report{
		Status:     c.OverallStatus(),
		Ready:      c.IsReady(),
		Uptime:     time.Since(c.started).Truncate(time.Second).String(),
		Components: components,
		Timestamp:  time.Now(),
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// Mux serves /healthz, /readyz and /livez, plus /metrics when metrics is
// non-nil.
func (c *Checker) Mux(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": time.Now()})
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "timestamp": time.Now()})
			return
		}
		c.Check(r.Context())
		status := c.OverallStatus()
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": status, "ready": true, "timestamp": time.Now()})
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		report := c.Report(r.Context())
		code := http.StatusOK
		if report.Status == StatusUnhealthy || report.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	})

	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return mux
}
