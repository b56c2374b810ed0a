package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	memwatch "github.com/99souls/memwatch"
	fileconfig "github.com/99souls/memwatch/config"
	"github.com/99souls/memwatch/telemetry/logging"
)

var version = "dev" // set via -ldflags at release

func main() {
	var (
		port           int
		configPath     string
		snapshotDir    string
		corsOrigin     string
		inactivity     time.Duration
		sweep          time.Duration
		metricsBackend string
		enableMetrics  bool
		enableTracing  bool
		logLevel       string
		showVersion    bool
	)
	flag.IntVar(&port, "port", 0, "Listen port (default 4000)")
	flag.StringVar(&configPath, "config", "", "Path to YAML config file (watched for changes)")
	flag.StringVar(&snapshotDir, "snapshot-dir", "", "Directory for persisted heap snapshots")
	flag.StringVar(&corsOrigin, "cors-origin", "", "Allowed dashboard origin (default *)")
	flag.DurationVar(&inactivity, "inactivity-timeout", 0, "Mark services disconnected after this idle period")
	flag.DurationVar(&sweep, "sweep-period", 0, "Liveness sweep period")
	flag.StringVar(&metricsBackend, "metrics-backend", "", "Metrics backend: prom|otel|noop")
	flag.BoolVar(&enableMetrics, "metrics", true, "Enable the metrics provider")
	flag.BoolVar(&enableTracing, "tracing", false, "Enable analysis tracing")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("memwatch", version)
		return
	}

	logger := logging.NewJSON(parseLevel(logLevel))
	slog.SetDefault(logger.Base())

	cfg := memwatch.Defaults()
	if configPath != "" {
		f, err := fileconfig.Load(configPath)
		if err != nil {
			logger.ErrorCtx(context.Background(), "config load failed", "path", configPath, "error", err)
			os.Exit(1)
		}
		cfg = cfg.ApplyFile(f)
	}
	if port > 0 {
		cfg.Port = port
	}
	if snapshotDir != "" {
		cfg.SnapshotDir = snapshotDir
	}
	if corsOrigin != "" {
		cfg.CORSOrigin = corsOrigin
	}
	if inactivity > 0 {
		cfg.InactivityTimeout = inactivity
	}
	if sweep > 0 {
		cfg.SweepPeriod = sweep
	}
	if metricsBackend != "" {
		cfg.MetricsBackend = metricsBackend
	}
	cfg.MetricsEnabled = enableMetrics
	cfg.TracingEnabled = cfg.TracingEnabled || enableTracing

	hub, err := memwatch.New(cfg, memwatch.WithCorrelatedLogger(logger))
	if err != nil {
		logger.ErrorCtx(context.Background(), "hub construction failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if configPath != "" {
		watcher, err := fileconfig.NewWatcher(configPath, logger.Base(), func(ch fileconfig.Change) {
			if ch.Config.InactivityTimeout > 0 {
				hub.SetInactivityTimeout(ch.Config.InactivityTimeout.Std())
			}
		})
		if err != nil {
			logger.WarnCtx(ctx, "config watcher unavailable", "error", err)
		} else {
			defer func() { _ = watcher.Close() }()
		}
	}

	if err := hub.Start(ctx); err != nil {
		logger.ErrorCtx(context.Background(), "hub exited", "error", err)
		os.Exit(1)
	}
	logger.InfoCtx(context.Background(), "hub stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
