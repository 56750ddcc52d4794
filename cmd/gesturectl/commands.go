package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gestured/internal/ipc"
	"gestured/internal/journal"
	"gestured/internal/posture"
)

const requestTimeout = 10 * time.Second

// connect dials the daemon or exits with a hint.
func connect(ctx context.Context) *ipc.IPCClient {
	cfg := ipc.DefaultClientConfig(resolveSocket())
	cfg.ClientName = "gesturectl"
	cfg.ClientVersion = Version

	client := ipc.NewClient(cfg)
	if err := client.Connect(ctx); err != nil {
		printError(fmt.Sprintf("Cannot connect to daemon: %v", err))
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			fmt.Fprintf(os.Stderr, "  %sTip%s: Start the daemon with: gestured start\n", c.Dim, c.Reset)
		}
		os.Exit(1)
	}
	return client
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func cmdStatus() {
	ctx, cancel := requestContext()
	defer cancel()

	client := connect(ctx)
	defer client.Close()

	status, err := client.Status(ctx)
	if err != nil {
		fail("Failed to get status", err)
	}

	if *jsonOutput {
		fmt.Println(prettyJSON(status))
		return
	}
	printStatus(os.Stdout, status)
}

func cmdPing() {
	ctx, cancel := requestContext()
	defer cancel()

	client := connect(ctx)
	defer client.Close()

	start := time.Now()
	if err := client.Ping(ctx); err != nil {
		fail("Ping failed", err)
	}
	fmt.Printf("pong from gestured %s in %s\n", client.ServerVersion(), time.Since(start).Round(time.Microsecond))
}

func cmdSubmit(args []string) {
	if len(args) < 1 {
		printError("Usage: gesturectl submit <gesture> [-x X -y Y]")
		os.Exit(1)
	}
	g, err := posture.ParseGesture(args[0])
	if err != nil {
		printError(err.Error())
		os.Exit(1)
	}

	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	x := fs.Float64("x", 0, "raw cursor x")
	y := fs.Float64("y", 0, "raw cursor y")
	fs.Parse(args[1:])

	positioned := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "x" || f.Name == "y" {
			positioned = true
		}
	})

	ctx, cancel := requestContext()
	defer cancel()

	client := connect(ctx)
	defer client.Close()

	var accepted bool
	if positioned {
		accepted, err = client.SubmitPostureAt(ctx, g, *x, *y)
	} else {
		accepted, err = client.SubmitPosture(ctx, g)
	}
	if err != nil {
		fail("Submit failed", err)
	}

	if !accepted {
		printError(fmt.Sprintf("%s dropped: queue full", g))
		os.Exit(2)
	}
	fmt.Printf("%s accepted\n", g)
}

func cmdMove(args []string) {
	if len(args) != 2 {
		printError("Usage: gesturectl move <x> <y>")
		os.Exit(1)
	}
	x, errX := strconv.ParseFloat(args[0], 64)
	y, errY := strconv.ParseFloat(args[1], 64)
	if err := errors.Join(errX, errY); err != nil {
		printError(fmt.Sprintf("invalid coordinates: %v", err))
		os.Exit(1)
	}

	ctx, cancel := requestContext()
	defer cancel()

	client := connect(ctx)
	defer client.Close()

	screen, err := client.MoveCursor(ctx, x, y)
	if err != nil {
		fail("Move failed", err)
	}
	fmt.Printf("cursor at (%d, %d)\n", screen.X, screen.Y)
}

// parseEventTypes turns a comma-separated list into event types. An empty
// list means every type.
func parseEventTypes(list string) ([]ipc.EventType, error) {
	var types []ipc.EventType
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		t, err := ipc.ParseEventType(name)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}

func cmdWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	events := fs.String("events", "", "comma-separated event types (default: all)")
	fs.Parse(args)

	types, err := parseEventTypes(*events)
	if err != nil {
		printError(err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := connect(ctx)
	defer client.Close()

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	_, err = client.Subscribe(reqCtx, types...)
	cancel()
	if err != nil {
		fail("Subscribe failed", err)
	}
	fmt.Fprintf(os.Stderr, "%sWatching gestured %s (Ctrl-C to stop)%s\n", c.Dim, client.ServerVersion(), c.Reset)

	for {
		select {
		case <-ctx.Done():
			unsubCtx, cancel := requestContext()
			client.Unsubscribe(unsubCtx)
			cancel()
			return
		case ev, ok := <-client.Events():
			if !ok {
				printError("connection to daemon closed")
				os.Exit(1)
			}
			if *jsonOutput {
				fmt.Println(compactJSON(ev))
			} else {
				fmt.Println(formatEvent(ev))
			}
			if ev.Type == ipc.EventDaemonShutdown {
				return
			}
		}
	}
}

func cmdQuit() {
	ctx, cancel := requestContext()
	defer cancel()

	client := connect(ctx)
	defer client.Close()

	if err := client.Shutdown(ctx); err != nil {
		fail("Shutdown failed", err)
	}
	fmt.Println("gestured is stopping")
}

func cmdJournal(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	anomalies := fs.Bool("anomalies", false, "show anomalies instead of batches")
	kind := fs.String("kind", "", "anomaly kind filter")
	limit := fs.Int("n", 20, "number of records")
	fs.Parse(args)

	cfg := loadConfig()
	if _, err := os.Stat(cfg.Journal.Path); err != nil {
		printError(fmt.Sprintf("No journal at %s", cfg.Journal.Path))
		os.Exit(1)
	}

	j, err := journal.Open(cfg.Journal.Path, journal.Options{})
	if err != nil {
		fail("Cannot open journal", err)
	}
	defer j.Close()

	ctx, cancel := requestContext()
	defer cancel()

	stats, err := j.Stats(ctx)
	if err != nil {
		fail("Cannot read journal", err)
	}

	if *anomalies {
		records, err := j.RecentAnomalies(ctx, *kind, *limit)
		if err != nil {
			fail("Cannot read anomalies", err)
		}
		if *jsonOutput {
			fmt.Println(prettyJSON(records))
			return
		}
		printJournalStats(os.Stdout, stats)
		printAnomalies(os.Stdout, records)
		return
	}

	records, err := j.RecentBatches(ctx, *limit)
	if err != nil {
		fail("Cannot read batches", err)
	}
	if *jsonOutput {
		fmt.Println(prettyJSON(records))
		return
	}
	printJournalStats(os.Stdout, stats)
	printBatches(os.Stdout, records)
}

func fail(what string, err error) {
	var remote *ipc.RemoteError
	if errors.As(err, &remote) {
		printError(fmt.Sprintf("%s: %s", what, remote.Message))
	} else {
		printError(fmt.Sprintf("%s: %v", what, err))
	}
	os.Exit(1)
}
