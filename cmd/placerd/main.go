// Package main is the entry point for the vmplacer controller.
//
// placerd replays a workload trace against the in-memory substrate while serving
// status, health, metrics and the live event stream.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/limiquantix/vmplacer/internal/config"
	"github.com/limiquantix/vmplacer/internal/driver"
	"github.com/limiquantix/vmplacer/internal/engine"
	"github.com/limiquantix/vmplacer/internal/events"
	"github.com/limiquantix/vmplacer/internal/metrics"
	etcdrepo "github.com/limiquantix/vmplacer/internal/repository/etcd"
	"github.com/limiquantix/vmplacer/internal/repository/postgres"
	redisrepo "github.com/limiquantix/vmplacer/internal/repository/redis"
	"github.com/limiquantix/vmplacer/internal/server"
	"github.com/limiquantix/vmplacer/internal/substrate/memory"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const (
	eventBuffer  = 4096
	eventTimeout = 2 * time.Second
	recentEvents = 1000
	snapshotTTL  = 24 * time.Hour
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	tracePath := flag.String("trace", "", "Path to trace file (overrides simulation.trace_path)")
	linger := flag.Bool("linger", false, "Keep serving status after the replay finishes")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		println("vmplacer")
		println("Version:", version)
		println("Commit:", commit)
		println("Build Date:", buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		println("Failed to load config:", err.Error())
		os.Exit(1)
	}
	if *tracePath != "" {
		cfg.Simulation.TracePath = *tracePath
	}

	logger := setupLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Starting vmplacer",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := run(ctx, cfg, *linger, logger); err != nil {
		logger.Fatal("Controller error", zap.Error(err))
	}
	logger.Info("Goodbye!")
}

func run(ctx context.Context, cfg *config.Config, linger bool, logger *zap.Logger) error {
	scope, closer, metricsHandler := metrics.NewPrometheusScope(cfg.Metrics.Prefix, cfg.Metrics.ReportInterval)
	defer closer.Close()

	eventsHandler := server.NewEventsHandler(recentEvents, logger)
	sinks := []events.Sink{eventsHandler}
	serverOpts := []server.ServerOption{
		server.WithEvents(eventsHandler),
		server.WithMetricsHandler(metricsHandler),
	}

	var publisher *redisrepo.Publisher
	if cfg.Redis.Enabled {
		p, err := redisrepo.NewPublisher(cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer p.Close()
		publisher = p
		sinks = append(sinks, p)
		serverOpts = append(serverOpts, server.WithHealthCheck("redis", p))
	}

	if cfg.Database.Enabled {
		db, err := postgres.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		sinks = append(sinks, postgres.NewJournalRepository(db, logger))
		serverOpts = append(serverOpts,
			server.WithHealthCheck("postgres", db),
			server.WithStats("postgres", func() any { return db.Stats() }),
		)
	}

	// Delivery outlives ctx so events emitted during shutdown still reach the sinks.
	emitter := events.NewAsync(eventBuffer, eventTimeout, logger, sinks...)
	emitter.Start(context.Background())
	defer emitter.Close()

	engineOpts := []engine.Option{
		engine.WithMetrics(metrics.New(scope)),
		engine.WithEmitter(emitter),
	}

	if cfg.Etcd.Enabled {
		client, err := etcdrepo.NewClient(cfg.Etcd, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		leader := client.Campaign(ctx, cfg.Etcd.ElectionName, func(isLeader bool) {
			logger.Info("Leadership changed", zap.Bool("leader", isLeader))
		})
		defer leader.Resign(context.Background())
		engineOpts = append(engineOpts, engine.WithLeaderChecker(leader))
		serverOpts = append(serverOpts, server.WithHealthCheck("etcd", client))
	}

	trace, err := driver.LoadTrace(cfg.Simulation.TracePath)
	if err != nil {
		return err
	}
	sub := memory.New(driver.SubstrateOptions(cfg), logger)
	if err := trace.Populate(sub); err != nil {
		return err
	}
	engineOpts = append(engineOpts, engine.WithReporter(sub))

	eng, err := engine.New(cfg, sub, logger, engineOpts...)
	if err != nil {
		return err
	}

	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	serverErr := make(chan error, 1)
	if cfg.Server.Enabled {
		srv := server.New(cfg, eng, logger, serverOpts...)
		go func() { serverErr <- srv.Run(serverCtx) }()
	} else {
		close(serverErr)
	}

	summary, err := driver.New(eng, sub, trace, cfg.Simulation, logger).Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if publisher != nil {
		snapshot := map[string]any{"engine": eng.Snapshot(), "summary": summary}
		if err := publisher.StoreSnapshot(context.Background(), snapshot, snapshotTTL); err != nil {
			logger.Warn("Failed to store snapshot", zap.Error(err))
		}
	}

	if linger && cfg.Server.Enabled && ctx.Err() == nil {
		logger.Info("Replay finished, serving status until interrupted")
		select {
		case <-ctx.Done():
		case err := <-serverErr:
			return err
		}
	}

	stopServer()
	return <-serverErr
}

// setupLogger configures the zap logger based on configuration.
func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}
	return logger
}
