package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gestured/internal/fsm"
)

func healthy(context.Context) CheckResult   { return CheckResult{Status: StatusHealthy} }
func unhealthy(context.Context) CheckResult { return CheckResult{Status: StatusUnhealthy} }

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		critical Check
		optional Check
		want     Status
	}{
		{"all healthy", healthy, healthy, StatusHealthy},
		{"optional failing degrades", healthy, unhealthy, StatusDegraded},
		{"critical failing", unhealthy, healthy, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			c.RegisterFunc(ComponentDispatcher, true, tt.critical)
			c.RegisterFunc(ComponentJournal, false, tt.optional)

			assert.Equal(t, StatusUnknown, c.OverallStatus(), "critical component not yet checked")
			c.Check(context.Background())
			assert.Equal(t, tt.want, c.OverallStatus())
		})
	}
}

func TestCheckRecoversPanicAndTimeout(t *testing.T) {
	c := NewChecker()
	c.Timeout = 10 * time.Millisecond
	c.RegisterFunc("panics", false, func(context.Context) CheckResult { panic("boom") })
	c.RegisterFunc("slow", false, func(ctx context.Context) CheckResult {
		time.Sleep(time.Second)
		return CheckResult{Status: StatusHealthy}
	})

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["panics"].Status)
	assert.Equal(t, "boom", results["panics"].Error)
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)
	assert.Equal(t, StatusDegraded, c.OverallStatus(), "optional failures only degrade")
}

func TestMachineCheck(t *testing.T) {
	status := fsm.Status{Running: true, QueueCap: 10}
	check := MachineCheck(func() fsm.Status { return status })

	assert.Equal(t, StatusHealthy, check(context.Background()).Status)

	status.QueueLen = 8
	assert.Equal(t, StatusDegraded, check(context.Background()).Status)

	status.Running = false
	assert.Equal(t, StatusUnhealthy, check(context.Background()).Status)
}

func TestPointerCheck(t *testing.T) {
	var shorts uint64
	check := PointerCheck("record", func() uint64 { return shorts })

	assert.Equal(t, StatusHealthy, check(context.Background()).Status)
	shorts = 2
	res := check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, "record", res.Details["backend"])
	assert.Equal(t, StatusHealthy, check(context.Background()).Status, "no new short deliveries")
}

func TestJournalCheck(t *testing.T) {
	ok := JournalCheck(func(context.Context) error { return nil })
	assert.Equal(t, StatusHealthy, ok(context.Background()).Status)

	bad := JournalCheck(func(context.Context) error { return errors.New("locked") })
	res := bad(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "locked", res.Error)
}

func TestMux(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc(ComponentDispatcher, true, healthy)
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("gestured_up 1\n"))
	})
	srv := httptest.NewServer(c.Mux(metrics))
	defer srv.Close()

	get := func(path string) *http.Response {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusOK, get("/livez").StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").StatusCode)

	c.SetReady(true)
	assert.Equal(t, http.StatusOK, get("/readyz").StatusCode)

	resp := get("/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var report Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, StatusHealthy, report.Status)
	assert.True(t, report.Ready)
	assert.Contains(t, report.Components, ComponentDispatcher)

	assert.Equal(t, http.StatusOK, get("/metrics").StatusCode)
}
