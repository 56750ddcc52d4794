package health

import (
	"context"
	"fmt"
	"sync/atomic"

	"gestured/internal/fsm"
)

// MachineCheck reports the dispatcher as unhealthy once the machine stops,
// and degraded while the posture queue is at least 80% full.
func MachineCheck(status func() fsm.Status) Check {
	return func(ctx context.Context) CheckResult {
		st := status()
		details := map[string]any{
			"state":     st.State.Current,
			"timer":     st.Timer,
			"queue_len": st.QueueLen,
			"queue_cap": st.QueueCap,
			"dropped":   st.Dropped,
		}

		switch {
		case !st.Running:
			return CheckResult{Status: StatusUnhealthy, Message: "machine not running", Details: details}
		case st.QueueCap > 0 && st.QueueLen*5 >= st.QueueCap*4:
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("posture queue %d/%d", st.QueueLen, st.QueueCap),
				Details: details,
			}
		default:
			return CheckResult{Status: StatusHealthy, Message: "dispatching", Details: details}
		}
	}
}

// PointerCheck reports the backend as degraded when short deliveries were
// counted since the previous check.
func PointerCheck(backend string, shortDeliveries func() uint64) Check {
	var last atomic.Uint64
	return func(ctx context.Context) CheckResult {
		now := shortDeliveries()
		prev := last.Swap(now)
		details := map[string]any{
			"backend":          backend,
			"short_deliveries": now,
		}
		if now > prev {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%d short deliveries since last check", now-prev),
				Details: details,
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "backend " + backend, Details: details}
	}
}

// JournalCheck pings the journal database.
func JournalCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "journal unreachable",
				Error:   err.Error(),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: "journal ok"}
	}
}
