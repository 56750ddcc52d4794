package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"gestured/internal/config"
	"gestured/internal/fsm"
	"gestured/internal/health"
	"gestured/internal/ipc"
	"gestured/internal/journal"
	"gestured/internal/logging"
	"gestured/internal/metrics"
	"gestured/internal/pointer"
)

const (
	sampleInterval = 5 * time.Second
	pruneInterval  = time.Hour
	stopTimeout    = 5 * time.Second
)

// Daemon wires the state machine to its pointer backend, the control
// socket, the journal and the metrics endpoint.
type Daemon struct {
	version string
	loader  *config.Loader
	cfg     *config.Config
	logger  *logging.Logger
	crash   *logging.CrashReporter

	injector pointer.Injector
	machine  *fsm.Machine
	metrics  *metrics.GesturedMetrics
	journal  *journal.Journal
	server   *ipc.Server
	handler  *ipc.MachineHandler
	checker  *health.Checker
	http     *http.Server
	httpAddr string

	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDaemon builds every component from the loaded configuration. Nothing
// is started until Run.
func NewDaemon(ctx context.Context, version string, loader *config.Loader, logger *logging.Logger) (*Daemon, error) {
	cfg := loader.Config()
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}

	d := &Daemon{
		version: version,
		loader:  loader,
		cfg:     cfg,
		logger:  logger,
		crash:   logging.NewCrashReporter(cfg.Logging.CrashDir, version, logger),
		metrics: metrics.NewGesturedMetrics(nil),
		checker: health.NewChecker(),
	}

	injector, err := pointer.Open(ctx, pointer.Options{
		Backend:    cfg.Pointer.Backend,
		DeviceName: cfg.Pointer.DeviceName,
		Width:      cfg.Pointer.ScreenWidth,
		Height:     cfg.Pointer.ScreenHeight,
		Logger:     logger.WithComponent(logging.ComponentPointer).Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open pointer backend: %w", err)
	}
	d.injector = injector

	observers := fsm.Observers{d.metrics}

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path, journal.Options{
			Logger: logger.WithComponent(logging.ComponentJournal).Logger,
		})
		if err != nil {
			injector.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
		d.journal = j
		observers = append(observers, j)
	}

	if cfg.IPC.Enabled {
		srv, err := d.newServer()
		if err != nil {
			d.closeStores()
			return nil, err
		}
		d.server = srv
		observers = append(observers, srv)
	}

	machine, err := fsm.New(fsm.Options{
		Injector:      injector,
		Logger:        logger.Logger,
		Observer:      observers,
		ClickInterval: cfg.ClickInterval(),
		QueueCapacity: cfg.Machine.QueueCapacity,
		InboxSize:     cfg.Machine.InboxSize,
		Calibration:   cfg.Calibration(),
		PanicHook: func(value any, stack []byte) {
			d.crash.Report(value, stack, map[string]any{"backend": injector.Name()})
		},
	})
	if err != nil {
		d.closeStores()
		return nil, fmt.Errorf("create machine: %w", err)
	}
	d.machine = machine

	if d.server != nil {
		d.handler = ipc.NewMachineHandler(ipc.MachineHandlerConfig{
			Machine:    machine,
			Version:    version,
			OnAccepted: d.metrics.PostureAccepted,
			OnShutdown: d.Shutdown,
		})
		d.handler.AttachServer(d.server)
		d.server.SetHandler(d.handler)
	}

	d.registerChecks()
	loader.OnChange(d.reload)

	return d, nil
}

func (d *Daemon) newServer() (*ipc.Server, error) {
	serverCfg := ipc.DefaultServerConfig(d.cfg.IPC.SocketPath)
	serverCfg.Version = d.version
	serverCfg.Logger = d.logger
	if d.cfg.IPC.MaxConnections > 0 {
		serverCfg.MaxConnections = d.cfg.IPC.MaxConnections
	}
	if d.cfg.IPC.TimeoutSec > 0 {
		serverCfg.IdleTimeout = time.Duration(d.cfg.IPC.TimeoutSec) * time.Second
	}
	if d.cfg.IPC.Permissions != "" {
		perm, err := strconv.ParseUint(d.cfg.IPC.Permissions, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("socket permissions %q: %w", d.cfg.IPC.Permissions, err)
		}
		serverCfg.Permissions = os.FileMode(perm)
	}
	serverCfg.Hooks = ipc.ServerHooks{
		Connected:   d.metrics.IngressConnections.Inc,
		Subscribers: func(n int) { d.metrics.Subscribers.Set(int64(n)) },
	}

	srv, err := ipc.NewServer(serverCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}
	return srv, nil
}

func (d *Daemon) registerChecks() {
	d.checker.RegisterFunc(health.ComponentDispatcher, true, health.MachineCheck(d.machine.Status))
	d.checker.RegisterFunc(health.ComponentPointer, true,
		health.PointerCheck(d.injector.Name(), d.metrics.ShortDeliveries.Value))
	if d.journal != nil {
		d.checker.RegisterFunc(health.ComponentJournal, false, health.JournalCheck(d.journal.Ping))
	}
}

// reload applies the settings that can change while the machine runs.
func (d *Daemon) reload(old, cfg *config.Config) {
	d.machine.SetClickInterval(cfg.ClickInterval())
	d.machine.SetCalibration(cfg.Calibration())

	if old.Pointer.Backend != cfg.Pointer.Backend ||
		old.IPC.SocketPath != cfg.IPC.SocketPath ||
		old.Journal.Path != cfg.Journal.Path {
		d.logger.Warn("configuration change needs a restart to take effect")
	}
	d.logger.Info("configuration reloaded",
		"click_interval", cfg.ClickInterval(),
		"screen_width", cfg.Pointer.ScreenWidth,
		"screen_height", cfg.Pointer.ScreenHeight,
	)
}

// Run starts the daemon and blocks until the machine stops: on a Quit
// posture, a Shutdown request, or cancellation of ctx.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)
	defer d.cancel()

	if err := d.start(ctx); err != nil {
		d.stop()
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- d.machine.Run(ctx) }()
	d.checker.SetReady(true)

	d.logger.Info("daemon started",
		"version", d.version,
		"backend", d.injector.Name(),
		"socket", d.SocketPath(),
		"pid", os.Getpid(),
	)

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-errc:
			d.checker.SetReady(false)
			d.stop()
			return err
		case <-ticker.C:
			d.metrics.Sample(d.machine.Status())
		}
	}
}

func (d *Daemon) start(ctx context.Context) error {
	if err := d.loader.Watch(); err != nil {
		d.logger.Warn("config watch unavailable", "error", err)
	} else {
		d.wg.Add(1)
		go d.watchErrors(ctx)
	}

	if d.journal != nil && d.cfg.Journal.RetentionDays > 0 {
		maxAge := time.Duration(d.cfg.Journal.RetentionDays) * 24 * time.Hour
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.journal.RunPruner(ctx, maxAge, pruneInterval)
		}()
	}

	if d.server != nil {
		if err := d.server.Start(); err != nil {
			return fmt.Errorf("start server: %w", err)
		}
	}

	if d.cfg.Metrics.Enabled {
		if err := d.startHTTP(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) watchErrors(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-d.loader.Errors():
			if !ok {
				return
			}
			d.logger.Warn("configuration reload rejected", "error", err)
		}
	}
}

func (d *Daemon) startHTTP() error {
	ln, err := net.Listen("tcp", d.cfg.Metrics.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Metrics.ListenAddr, err)
	}
	d.httpAddr = ln.Addr().String()
	d.http = &http.Server{
		Handler:           d.checker.Mux(d.metrics.Registry().HTTPHandler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("metrics server failed", "error", err)
		}
	}()
	d.logger.Info("metrics listening", "addr", d.httpAddr)
	return nil
}

// Shutdown asks a running daemon to stop. Run returns once teardown ends.
func (d *Daemon) Shutdown() {
	if d.cancel != nil {
		d.cancel()
	}
}

// stop tears everything down once the machine has returned.
func (d *Daemon) stop() {
	d.stopOnce.Do(func() {
		d.cancel()
		d.machine.Close()

		if d.server != nil {
			if err := d.server.Stop(); err != nil {
				d.logger.Warn("stop server", "error", err)
			}
		}
		if d.http != nil {
			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			if err := d.http.Shutdown(ctx); err != nil {
				d.logger.Warn("stop metrics server", "error", err)
			}
			cancel()
		}

		d.loader.Close()
		d.wg.Wait()
		d.closeStores()

		status := d.machine.Status()
		d.logger.Info("daemon stopped",
			"dropped", status.Dropped,
			"postures", d.metrics.PosturesTotal.Value(),
			"batches", d.metrics.BatchesTotal.Value(),
		)
	})
}

func (d *Daemon) closeStores() {
	if d.journal != nil {
		if err := d.journal.Close(); err != nil {
			d.logger.Warn("close journal", "error", err)
		}
	}
	if err := d.injector.Close(); err != nil {
		d.logger.Warn("close pointer backend", "error", err)
	}
}

// SocketPath returns the control socket path, or "" when IPC is disabled.
func (d *Daemon) SocketPath() string {
	if d.server != nil {
		return d.server.SocketPath()
	}
	return ""
}

// HTTPAddr returns the bound metrics address once Run has started it.
func (d *Daemon) HTTPAddr() string {
	return d.httpAddr
}
