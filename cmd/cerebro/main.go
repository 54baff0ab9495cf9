// Package main implements the cerebro daemon and its control commands.
// Cerebro collects telemetry from observatory devices and services and
// dispatches it to one or more storage backends. Run with no command it
// starts the daemon; "status", "restart" and "stop" talk to a running
// daemon over its control socket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sdss/cerebro/catalog"
	"github.com/sdss/cerebro/config"
	"github.com/sdss/cerebro/control"
	"github.com/sdss/cerebro/dispatch"
	"github.com/sdss/cerebro/health"
	"github.com/sdss/cerebro/metric"
	"github.com/sdss/cerebro/pkg/clock"
)

// Build information constants
const (
	Version   = "0.2.0"
	BuildTime = "dev"
	appName   = "cerebro"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	// Control commands print for a human and exit; only the daemon path
	// sets up structured logging.
	if len(os.Args) > 1 && isClientCommand(os.Args[1]) {
		if err := runClient(os.Args[1], os.Args[2:]); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("Daemon failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid",
			"config", cliCfg.ConfigPath,
			"profile", cliCfg.Profile)
		return nil
	}

	registry := config.NewRegistry()
	if err := catalog.Register(registry); err != nil {
		return err
	}

	clk, ntp, err := setupClock(cfg, logger)
	if err != nil {
		return err
	}
	metrics := metric.NewRegistry()

	built, err := cfg.Build(cliCfg.Profile, registry, config.Deps{
		Logger:  logger,
		Clock:   clk,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	hub, err := dispatch.New(dispatch.Config{
		Tags:        cfg.Tags,
		StopTimeout: cliCfg.ShutdownTimeout,
	}, dispatch.Deps{
		Logger:  logger,
		Clock:   clk,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	if err := register(hub, built); err != nil {
		return err
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if ntp != nil {
		if err := ntp.Start(signalCtx); err != nil {
			return err
		}
		defer func() { _ = ntp.Stop(2 * time.Second) }()
	}

	if err := hub.Start(signalCtx); err != nil {
		return err
	}

	socket := cfg.Socket
	if cliCfg.Socket != "" {
		socket = cliCfg.Socket
	}
	ctrl, err := control.NewServer(control.Config{Socket: socket}, control.Deps{
		Controller: hub,
		Logger:     logger,
		Metrics:    metrics,
		Shutdown:   signalCancel,
	})
	if err != nil {
		_ = hub.Stop(cliCfg.ShutdownTimeout)
		return err
	}
	if err := ctrl.Start(signalCtx); err != nil {
		_ = hub.Stop(cliCfg.ShutdownTimeout)
		return err
	}

	errc := make(chan error, 1)
	var metricsServer *metric.Server
	if cfg.MetricsAddr != "" {
		metricsServer = metric.NewServer(cfg.MetricsAddr, metrics, health.Handler(func() health.Status {
			return health.FromDispatch(hub.Status())
		}))
		if err := metricsServer.Start(errc); err != nil {
			_ = ctrl.Stop(cliCfg.ShutdownTimeout)
			_ = hub.Stop(cliCfg.ShutdownTimeout)
			return err
		}
		slog.Info("Metrics listening", "addr", cfg.MetricsAddr)
	}

	slog.Info("Cerebro started",
		"profile", cliCfg.Profile,
		"sources", len(built.Sources),
		"sinks", len(built.Sinks),
		"socket", socket)

	var runErr error
	select {
	case <-signalCtx.Done():
		slog.Info("Shutdown requested")
	case err := <-errc:
		slog.Error("Metrics listener failed", "error", err)
		runErr = err
	}

	if err := shutdownAll(cliCfg.ShutdownTimeout, ctrl, hub, metricsServer); err != nil && runErr == nil {
		runErr = err
	}
	if runErr == nil {
		slog.Info("Cerebro shutdown complete")
	}
	return runErr
}

// initializeCLI parses flags and sets up logging.
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting cerebro telemetry dispatcher",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"profile", cliCfg.Profile)

	return cliCfg, logger, false, nil
}

// setupClock picks the clock components stamp timestamps with. With an NTP
// server configured readings follow the site's reference time even when the
// host clock drifts; without one the system clock is used directly.
func setupClock(cfg *config.File, logger *slog.Logger) (clock.Clock, *clock.NTP, error) {
	if cfg.NTP.Server == "" {
		return clock.System{}, nil, nil
	}
	ntp, err := clock.NewNTP(clock.NTPConfig{
		Server:   cfg.NTP.Server,
		Interval: cfg.NTP.Refresh.Std(),
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Using NTP-disciplined clock", "server", cfg.NTP.Server)
	return ntp, ntp, nil
}

// register hands every built component to the hub.
func register(hub *dispatch.Hub, built *config.Built) error {
	for _, src := range built.Sources {
		if _, err := hub.AddSource(src); err != nil {
			return err
		}
	}
	for _, s := range built.Sinks {
		if _, err := hub.AddSink(s); err != nil {
			return err
		}
	}
	return nil
}

// shutdownAll stops the daemon in dependency order: the control socket
// first so no new commands arrive, then the hub so sources stop before
// sinks run their final flush, then the metrics listener.
func shutdownAll(timeout time.Duration, ctrl *control.Server, hub *dispatch.Hub, metricsServer *metric.Server) error {
	var firstErr error

	if err := ctrl.Stop(timeout); err != nil {
		slog.Error("Control socket stop failed", "error", err)
		firstErr = err
	}
	if err := hub.Stop(timeout); err != nil {
		slog.Error("Hub stop failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(timeout); err != nil {
			slog.Error("Metrics listener stop failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
