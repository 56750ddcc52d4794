package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gestured/internal/fsm"
	"gestured/internal/ipc"
	"gestured/internal/journal"
	"gestured/internal/pointer"
	"gestured/internal/posture"
)

func TestParseEventTypes(t *testing.T) {
	types, err := parseEventTypes("")
	require.NoError(t, err)
	assert.Empty(t, types)

	types, err = parseEventTypes("batch, transition,,shutdown")
	require.NoError(t, err)
	assert.Equal(t, []ipc.EventType{ipc.EventBatchDelivered, ipc.EventTransition, ipc.EventDaemonShutdown}, types)

	_, err = parseEventTypes("batch,keystroke")
	assert.Error(t, err)
}

func TestFormatEvent(t *testing.T) {
	c = newPalette(false)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)

	tests := []struct {
		name string
		ev   *ipc.Event
		want []string
	}{
		{
			name: "batch",
			ev: &ipc.Event{Type: ipc.EventBatchDelivered, Timestamp: at, Machine: &ipc.MachineEvent{
				Kind:      fsm.EventBatch,
				Seq:       7,
				Gesture:   posture.Left,
				Actions:   pointer.Click(pointer.ButtonLeft),
				Delivered: 2,
				LatencyUs: 1500,
			}},
			want: []string{"12:00:00.000", "batch", "seq=7", "left", "delivered=2/2", "latency=1.5ms"},
		},
		{
			name: "transition",
			ev: &ipc.Event{Type: ipc.EventTransition, Timestamp: at, Machine: &ipc.MachineEvent{
				Kind: fsm.EventTransition, Seq: 3, Previous: posture.Track, Next: posture.Drag,
			}},
			want: []string{"transition", "track -> drag"},
		},
		{
			name: "anomaly",
			ev: &ipc.Event{Type: ipc.EventAnomaly, Timestamp: at, Machine: &ipc.MachineEvent{
				Kind: fsm.EventAnomaly, Gesture: posture.Zoom, Error: "fsm: unexpected transition",
			}},
			want: []string{"anomaly", "zoom", `error="fsm: unexpected transition"`},
		},
		{
			name: "shutdown",
			ev:   &ipc.Event{Type: ipc.EventDaemonShutdown, Timestamp: at},
			want: []string{"shutdown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := formatEvent(tt.ev)
			for _, w := range tt.want {
				assert.Contains(t, line, w)
			}
		})
	}
}

func TestPrintStatus(t *testing.T) {
	c = newPalette(false)
	var buf bytes.Buffer

	printStatus(&buf, &ipc.StatusResponse{
		Version: "1.2.3",
		Uptime:  "5m0s",
		Clients: 2,
		Machine: fsm.Status{
			State: fsm.Snapshot{
				Previous:       posture.Track,
				Current:        posture.Left,
				Classification: "pending",
				Pending:        pointer.Click(pointer.ButtonLeft),
			},
			Timer:         "armed",
			ClickInterval: 1375 * time.Millisecond,
			QueueLen:      1,
			QueueCap:      64,
			Backend:       "uinput",
			Running:       true,
		},
	})

	out := buf.String()
	assert.Contains(t, out, "1.2.3")
	assert.Contains(t, out, "RUNNING")
	assert.Contains(t, out, "left (previous track)")
	assert.Contains(t, out, "armed (1.375s)")
	assert.Contains(t, out, "1/64, 0 dropped")
	assert.Contains(t, out, "unknown")
	assert.Contains(t, out, "Pending")
}

func TestPrintJournal(t *testing.T) {
	c = newPalette(false)
	var buf bytes.Buffer

	printJournalStats(&buf, journal.Stats{Batches: 3, Actions: 5, Anomalies: 1})
	printBatches(&buf, nil)
	printAnomalies(&buf, []journal.Anomaly{{
		Seq: 9, Kind: journal.KindUnexpectedTransition, Gesture: posture.Zoom, Previous: posture.Drag, Detail: "no branch",
	}})

	out := buf.String()
	assert.Contains(t, out, "3 (5 actions)")
	assert.Contains(t, out, "none")
	assert.Contains(t, out, "zoom after drag: no branch")
}
