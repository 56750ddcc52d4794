// gestured - gesture-posture pointer daemon
//
// gestured turns a stream of hand postures into pointer actions:
//
//	gestured run            Run the daemon in the foreground
//	gestured start          Start the daemon in the background
//	gestured config         Show or create the configuration file
//	gestured backends       List pointer backends
//	gestured crashes        List crash reports
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"gestured/internal/config"
	"gestured/internal/fsm"
	"gestured/internal/ipc"
	"gestured/internal/logging"
	"gestured/internal/pointer"
)

// Version is set at build time.
var Version = "dev"

const detachedEnv = "GESTURED_DETACHED"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		os.Exit(cmdRun(args))
	case "start":
		cmdStart(args)
	case "config":
		cmdConfig(args)
	case "backends":
		cmdBackends()
	case "crashes":
		cmdCrashes(args)
	case "version", "-version", "--version":
		fmt.Printf("gestured %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`gestured - Gesture-posture pointer daemon

USAGE:
    gestured <command> [options]

COMMANDS:
    run                 Run the daemon in the foreground
    start               Start the daemon in the background
    config [-init]      Show the effective configuration
    backends            List pointer backends
    crashes [-prune]    List crash reports
    version             Print the version
    help                Show this help message

RUN OPTIONS:
    -config <path>      Path to config file (default: $XDG_CONFIG_HOME/gestured/config.toml)
    -backend <name>     Override the pointer backend
    -log-level <level>  Override the log level (debug, info, warn, error)

Postures are submitted with gesturectl, or by any client speaking the
control socket protocol.`)
}

type runFlags struct {
	configPath string
	backend    string
	logLevel   string
}

func parseRunFlags(name string, args []string) runFlags {
	var f runFlags
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&f.configPath, "config", "", "path to config file")
	fs.StringVar(&f.backend, "backend", "", "pointer backend")
	fs.StringVar(&f.logLevel, "log-level", "", "log level")
	fs.Parse(args)
	return f
}

func cmdRun(args []string) int {
	f := parseRunFlags("run", args)

	loader := config.NewLoader(resolveConfigPath(f.configPath), nil)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	if f.backend != "" {
		cfg.Pointer.Backend = f.backend
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if os.Getenv(detachedEnv) == "1" && cfg.Logging.Output != "file" {
		cfg.Logging.Output = "file"
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		return 1
	}
	defer logger.Close()
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	daemon, err := NewDaemon(ctx, Version, loader, logger)
	if err != nil {
		logger.Error("daemon setup failed", "error", err)
		return 1
	}

	if err := daemon.Run(ctx); err != nil {
		logger.Error("daemon stopped with error", "error", err)
		if errors.Is(err, fsm.ErrHandlerFailed) {
			return 2
		}
		return 1
	}
	return 0
}

// resolveConfigPath prefers an explicit path, then a config file found in the
// working or config directory, then the default location.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if found := config.FindConfigFile(); found != "" {
		return found
	}
	return config.ConfigPath()
}

func newLogger(lc config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     lc.Output,
		FilePath:   lc.FilePath,
		MaxSize:    int64(lc.MaxSizeMB),
		MaxAge:     lc.MaxAgeDays,
		MaxBackups: lc.MaxBackups,
		Compress:   lc.Compress,
		Component:  "gestured",
	})
}

// cmdStart re-executes "gestured run" detached from the terminal and waits
// for the control socket to come up.
func cmdStart(args []string) {
	f := parseRunFlags("start", args)

	cfg, err := config.Load(resolveConfigPath(f.configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	socket := cfg.IPC.SocketPath
	if cfg.IPC.Enabled && ipc.IsSocketListening(socket) {
		fmt.Fprintf(os.Stderr, "gestured is already running (%s)\n", socket)
		os.Exit(1)
	}

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error finding executable: %v\n", err)
		os.Exit(1)
	}

	cmd := exec.Command(exe, append([]string{"run"}, args...)...)
	cmd.Env = append(os.Environ(), detachedEnv+"=1")
	cmd.SysProcAttr = getDaemonSysProcAttr()

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting daemon: %v\n", err)
		os.Exit(1)
	}
	pid := cmd.Process.Pid
	cmd.Process.Release()

	if !cfg.IPC.Enabled {
		fmt.Printf("gestured started (PID %d)\n", pid)
		return
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ipc.IsSocketListening(socket) {
			fmt.Printf("gestured started (PID %d, socket %s)\n", pid, socket)
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "gestured did not come up; see %s\n", cfg.Logging.FilePath)
	os.Exit(1)
}

func cmdConfig(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	initFile := fs.Bool("init", false, "write the default configuration if none exists")
	fs.Parse(args)

	path := resolveConfigPath(*configPath)

	var cfg *config.Config
	if *initFile {
		var created bool
		var err error
		cfg, created, err = config.LoadOrCreate(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if created {
			fmt.Fprintf(os.Stderr, "Wrote %s\n", path)
		}
	} else {
		var err error
		cfg, err = config.NewLoader(path, nil).Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("# %s\n", path)
	fmt.Println(prettyJSON(cfg))
}

func cmdBackends() {
	for _, name := range pointer.Backends() {
		ok, reason := pointer.Probe(name)
		mark := "no "
		if ok {
			mark = "yes"
		}
		fmt.Printf("  %-8s %s  %s\n", name, mark, reason)
	}
}

func cmdCrashes(args []string) {
	fs := flag.NewFlagSet("crashes", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	prune := fs.Duration("prune", 0, "remove reports older than this age")
	fs.Parse(args)

	cfg, err := config.Load(resolveConfigPath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	reporter := logging.NewCrashReporter(cfg.Logging.CrashDir, Version, nil)

	if *prune > 0 {
		if err := reporter.Prune(*prune); err != nil {
			fmt.Fprintf(os.Stderr, "Error pruning reports: %v\n", err)
			os.Exit(1)
		}
	}

	reports, err := reporter.Reports()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading reports: %v\n", err)
		os.Exit(1)
	}
	if len(reports) == 0 {
		fmt.Println("No crash reports")
		return
	}
	for _, r := range reports {
		fmt.Printf("%s  %s  %s\n", r.Timestamp.Local().Format(time.RFC3339), r.Version, r.PanicValue)
	}
}

func prettyJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
