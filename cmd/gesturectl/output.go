package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gestured/internal/ipc"
	"gestured/internal/journal"
	"gestured/internal/pointer"
)

// palette holds ANSI escape codes; every field is empty when colour is off.
type palette struct {
	Reset, Bold, Dim, Green, Yellow, Red, Cyan string
}

var c = newPalette(colorEnabled())

func newPalette(enabled bool) palette {
	if !enabled {
		return palette{}
	}
	return palette{
		Reset:  "\033[0m",
		Bold:   "\033[1m",
		Dim:    "\033[2m",
		Green:  "\033[32m",
		Yellow: "\033[33m",
		Red:    "\033[31m",
		Cyan:   "\033[36m",
	}
}

func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	info, err := os.Stdout.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "%s%sError:%s %s\n", c.Bold, c.Red, c.Reset, msg)
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "\n%s%s%s\n", c.Bold, title, c.Reset)
}

func field(w io.Writer, name string, format string, args ...any) {
	fmt.Fprintf(w, "  %s%-14s%s %s\n", c.Dim, name, c.Reset, fmt.Sprintf(format, args...))
}

func printStatus(w io.Writer, s *ipc.StatusResponse) {
	printSection(w, "DAEMON")
	field(w, "Version", "%s%s%s", c.Cyan, s.Version, c.Reset)
	field(w, "Started", "%s", s.StartedAt.Local().Format(time.RFC3339))
	field(w, "Uptime", "%s", s.Uptime)
	field(w, "Clients", "%d (%d subscribed)", s.Clients, s.Subscribers)

	m := s.Machine
	printSection(w, "MACHINE")
	if m.Running {
		field(w, "Status", "%s%sRUNNING%s", c.Bold, c.Green, c.Reset)
	} else {
		field(w, "Status", "%s%sSTOPPED%s", c.Bold, c.Yellow, c.Reset)
	}
	field(w, "Backend", "%s", m.Backend)
	field(w, "Posture", "%s (previous %s)", m.State.Current, m.State.Previous)
	field(w, "Click", "%s", m.State.Classification)
	field(w, "Draggable", "%t", m.State.Draggable)
	if len(m.State.Pending) > 0 {
		field(w, "Pending", "%s", pointer.FormatBatch(m.State.Pending))
	}
	field(w, "Timer", "%s (%s)", m.Timer, m.ClickInterval)
	field(w, "Queue", "%d/%d, %d dropped", m.QueueLen, m.QueueCap, m.Dropped)
	if m.CursorKnown {
		field(w, "Cursor", "(%d, %d)", m.Cursor.X, m.Cursor.Y)
	} else {
		field(w, "Cursor", "%sunknown%s", c.Dim, c.Reset)
	}
	field(w, "Transitions", "%d", m.State.Applied)
	fmt.Fprintln(w)
}

// formatEvent renders one streamed event on a single line.
func formatEvent(ev *ipc.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-10s", ev.Timestamp.Local().Format("15:04:05.000"), ev.Type)

	m := ev.Machine
	if m == nil {
		return b.String()
	}
	if m.Seq > 0 {
		fmt.Fprintf(&b, " seq=%d", m.Seq)
	}
	switch ev.Type {
	case ipc.EventTransition:
		fmt.Fprintf(&b, " %s -> %s", m.Previous, m.Next)
	case ipc.EventBatchDelivered:
		fmt.Fprintf(&b, " %s [%s] delivered=%d/%d latency=%s",
			m.Gesture, pointer.FormatBatch(m.Actions), m.Delivered, len(m.Actions),
			time.Duration(m.LatencyUs)*time.Microsecond)
	case ipc.EventTimer:
		fmt.Fprintf(&b, " %s", m.Timer)
	default:
		if m.Gesture.Valid() {
			fmt.Fprintf(&b, " %s", m.Gesture)
		}
	}
	if m.Error != "" {
		fmt.Fprintf(&b, " %serror=%q%s", c.Red, m.Error, c.Reset)
	}
	return b.String()
}

func printJournalStats(w io.Writer, s journal.Stats) {
	printSection(w, "JOURNAL")
	field(w, "Batches", "%d (%d actions)", s.Batches, s.Actions)
	field(w, "Anomalies", "%d", s.Anomalies)
	field(w, "Dropped", "%d", s.Dropped)
}

func printBatches(w io.Writer, batches []journal.Batch) {
	printSection(w, "RECENT BATCHES")
	if len(batches) == 0 {
		fmt.Fprintf(w, "  %snone%s\n", c.Dim, c.Reset)
		return
	}
	for _, b := range batches {
		fmt.Fprintf(w, "  %s  #%-6d %-6s %s (%d/%d, %s)\n",
			b.At.Local().Format("2006-01-02 15:04:05.000"), b.Seq, b.Gesture,
			pointer.FormatBatch(b.Actions), b.Delivered, len(b.Actions), b.Latency)
	}
}

func printAnomalies(w io.Writer, anomalies []journal.Anomaly) {
	printSection(w, "RECENT ANOMALIES")
	if len(anomalies) == 0 {
		fmt.Fprintf(w, "  %snone%s\n", c.Dim, c.Reset)
		return
	}
	for _, a := range anomalies {
		fmt.Fprintf(w, "  %s  #%-6d %s%-22s%s %s after %s: %s\n",
			a.At.Local().Format("2006-01-02 15:04:05.000"), a.Seq,
			c.Yellow, a.Kind, c.Reset, a.Gesture, a.Previous, a.Detail)
	}
}

func prettyJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
