// Package main implements the wsfeed command. It keeps one WebSocket feed connected,
// logs every event and optionally republishes events to NATS, where responders can
// answer them over the same socket.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/wsfeed/config"
	"github.com/c360/wsfeed/errors"
	"github.com/c360/wsfeed/health"
	"github.com/c360/wsfeed/metric"
	"github.com/c360/wsfeed/natsclient"
	"github.com/c360/wsfeed/sink"
	"github.com/c360/wsfeed/supervisor"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "wsfeed"
)

const (
	healthInterval = 5 * time.Second
	natsService    = "nats"
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

	if err := run(os.Args[1:]); err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		cliCfg.usage(os.Stdout)
		return nil
	}

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	logger.Info("Starting wsfeed",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runFeed(ctx, cfg, logger, metric.NewMetricsRegistry(), cliCfg.ShutdownTimeout)
}

// loadConfig reads the file and environment, applies flag overrides, then validates
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(false)
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	for _, key := range loader.Skipped() {
		slog.Warn("Ignoring invalid environment variable", "key", key)
	}

	applyOverrides(cfg, cliCfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, cliCfg *CLIConfig) {
	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}
	if cliCfg.MetricsPort >= 0 {
		cfg.Metrics.Port = cliCfg.MetricsPort
	}
	if cliCfg.Manual {
		cfg.Connection.Mode = string(supervisor.ModeManual)
	}
}

// runFeed wires the supervisor to its sinks and runs it until the run ends or ctx
// is cancelled
func runFeed(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	registry *metric.MetricsRegistry,
	shutdownTimeout time.Duration,
) error {
	core := registry.CoreMetrics()
	monitor := health.NewMonitor(health.WithUpdateHook(func(s health.Status) {
		core.RecordHealthStatus(s.Component, s.IsHealthy())
	}))

	creds, err := cfg.CredentialSet(logger, registry)
	if err != nil {
		return fmt.Errorf("build credentials: %w", err)
	}

	sinks := sink.Multi{sink.NewLog(logger, slog.LevelInfo)}

	if cfg.NATS.Enabled {
		natsClient, err := connectNATS(ctx, cfg.NATS, logger, registry)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := natsClient.Close(closeCtx); err != nil {
				logger.Warn("NATS close failed", "error", err)
			}
			core.RecordServiceStatus(natsService, metric.StatusStopped)
		}()
		go monitor.Track(ctx, natsService, healthInterval, natsClient.Health)

		natsSink, err := sink.NewNATS(natsClient, cfg.NATS.Sink(),
			sink.WithNATSLogger(logger), sink.WithNATSMetrics(registry))
		if err != nil {
			return fmt.Errorf("create NATS sink: %w", err)
		}
		// Runs before the client closes so relays can finish their requests
		defer natsSink.Close()
		sinks = append(sinks, natsSink)
	}

	supCfg, err := cfg.Supervisor()
	if err != nil {
		return err
	}
	dialer, err := cfg.Dialer()
	if err != nil {
		return err
	}
	sup, err := supervisor.New(supCfg, sinks,
		supervisor.WithDialer(dialer),
		supervisor.WithCredentials(creds),
		supervisor.WithLogger(logger),
		supervisor.WithMetrics(registry),
		supervisor.WithName("feed"))
	if err != nil {
		return fmt.Errorf("create supervisor: %w", err)
	}

	if cfg.Metrics.Port > 0 {
		srv := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry, func() health.Status {
			return monitor.AggregateHealth(appName)
		})
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
		defer func() { _ = srv.Stop() }()
		logger.Info("Metrics server listening", "address", srv.Address())
	}

	go monitor.Track(ctx, sup.Name(), healthInterval, sup.Health)

	core.RecordServiceStatus(sup.Name(), metric.StatusStarting)
	if err := sup.Start(ctx); err != nil {
		core.RecordServiceStatus(sup.Name(), metric.StatusFailed)
		return fmt.Errorf("start supervisor: %w", err)
	}
	core.RecordServiceStatus(sup.Name(), metric.StatusRunning)

	runErr := sup.Wait(ctx)
	if ctx.Err() != nil {
		logger.Info("Received shutdown signal")
		runErr = nil
	}

	core.RecordServiceStatus(sup.Name(), metric.StatusStopping)
	if err := shutdown(sup, shutdownTimeout); err != nil {
		core.RecordServiceStatus(sup.Name(), metric.StatusFailed)
		return err
	}

	if runErr != nil && !stderrors.Is(runErr, errors.ErrShutdownRequested) {
		core.RecordServiceStatus(sup.Name(), metric.StatusFailed)
		return runErr
	}
	core.RecordServiceStatus(sup.Name(), metric.StatusStopped)
	logger.Info("wsfeed shutdown complete")
	return nil
}

func connectNATS(
	ctx context.Context,
	cfg config.NATSConfig,
	logger *slog.Logger,
	registry *metric.MetricsRegistry,
) (*natsclient.Client, error) {
	opts, err := cfg.ClientOptions()
	if err != nil {
		return nil, err
	}
	core := registry.CoreMetrics()
	opts = append(opts,
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(registry),
		natsclient.WithDisconnectCallback(natsDisconnected(core)),
		natsclient.WithReconnectCallback(natsReconnected(core)))

	client, err := natsclient.NewClient(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "url", cfg.URL)
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Connect(connCtx); err != nil {
		core.RecordServiceStatus(natsService, metric.StatusFailed)
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	core.RecordServiceStatus(natsService, metric.StatusRunning)
	return client, nil
}

// natsDisconnected marks the NATS link failed and counts the cause
func natsDisconnected(core *metric.Metrics) func(error) {
	return func(err error) {
		core.RecordServiceStatus(natsService, metric.StatusFailed)
		if err != nil {
			core.RecordError(natsService, errors.Classify(err).String())
		}
	}
}

func natsReconnected(core *metric.Metrics) func() {
	return func() {
		core.RecordServiceStatus(natsService, metric.StatusRunning)
	}
}

// shutdown stops the supervisor, giving up after timeout
func shutdown(sup *supervisor.Supervisor, timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		sup.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapFatal(fmt.Errorf("supervisor did not stop within %s", timeout),
			"main", "shutdown", "stop supervisor")
	}
}
