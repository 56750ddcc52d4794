// gesturectl - control utility for gestured
package main

import (
	"flag"
	"fmt"
	"os"

	"gestured/internal/config"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath = flag.String("config", "", "path to config file")
	socketPath = flag.String("socket", "", "path to the daemon socket (overrides config)")
	jsonOutput = flag.Bool("json", false, "print machine-readable JSON")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {
	case "status":
		cmdStatus()
	case "ping":
		cmdPing()
	case "submit":
		cmdSubmit(args)
	case "move":
		cmdMove(args)
	case "watch":
		cmdWatch(args)
	case "quit":
		cmdQuit()
	case "journal":
		cmdJournal(args)
	case "version":
		fmt.Printf("gesturectl %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `gesturectl - Control utility for gestured

Usage: gesturectl [options] <command> [args]

Commands:
  status                          Show daemon and machine status
  ping                            Check the daemon is responsive
  submit <gesture> [-x X -y Y]    Submit a posture (left, right, zoom, track, drag, quit)
  move <x> <y>                    Set the raw cursor position
  watch [-events a,b]             Stream machine events (batch, anomaly, transition,
                                  dropped, timer, shutdown)
  quit                            Stop the daemon
  journal [-anomalies] [-n N]     Show recent journal records
  version                         Print the version
  help                            Show this help message

Options:
  -config <path>  Path to config file
  -socket <path>  Path to the daemon socket
  -json           Print JSON instead of text`)
}

func loadConfig() *config.Config {
	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func resolveSocket() string {
	if *socketPath != "" {
		return *socketPath
	}
	return loadConfig().IPC.SocketPath
}
