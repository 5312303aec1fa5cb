package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"reflect"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/YourDaypilot/orchestration/internal/agents"
	"github.com/YourDaypilot/orchestration/internal/circuitbreaker"
	"github.com/YourDaypilot/orchestration/internal/config"
	"github.com/YourDaypilot/orchestration/internal/coordinator"
	"github.com/YourDaypilot/orchestration/internal/db"
	"github.com/YourDaypilot/orchestration/internal/health"
	"github.com/YourDaypilot/orchestration/internal/httpapi"
	"github.com/YourDaypilot/orchestration/internal/server"
	"github.com/YourDaypilot/orchestration/internal/stages"
	"github.com/YourDaypilot/orchestration/internal/store"
	"github.com/YourDaypilot/orchestration/internal/streaming"
	"github.com/YourDaypilot/orchestration/internal/tracing"
	"github.com/YourDaypilot/orchestration/internal/workflow"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfgPath := getEnvOrDefault("CONFIG_PATH", config.DefaultPath)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, cfgPath, logger); err != nil {
		logger.Fatal("Orchestration hub exited with error", zap.Error(err))
	}
}

func newLogger(lc config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lc.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	level, err := zap.ParseAtomicLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	zc.Level = level
	return zc.Build()
}

func run(cfg *config.HubConfig, cfgPath string, logger *zap.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		Version:      version,
	}, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	bus := streaming.NewManager(streaming.Config{
		Backlog:       cfg.Dispatcher.Backlog,
		HistorySize:   cfg.Dispatcher.HistorySize,
		OverflowRate:  rate.Limit(cfg.Dispatcher.OverflowRate),
		OverflowBurst: cfg.Dispatcher.OverflowBurst,
	}, logger)

	sizes := make(map[agents.Role]int, len(cfg.Pools))
	for role, n := range cfg.Pools {
		sizes[agents.Role(role)] = n
	}
	coord, err := coordinator.New(coordinator.Config{
		PoolSizes:        sizes,
		StageTimeout:     cfg.Coordinator.StageTimeout,
		Policy:           coordinator.Policy(cfg.Coordinator.Policy),
		QueueDepth:       cfg.Coordinator.QueueDepth,
		FailureThreshold: cfg.Coordinator.FailureThreshold,
		RecoveryAfter:    cfg.Coordinator.RecoveryAfter,
	}, bus, logger)
	if err != nil {
		return fmt.Errorf("create coordinator: %w", err)
	}

	graph, err := workflow.FromDefinition(cfg.GraphDefinition(), stages.Default())
	if err != nil {
		return fmt.Errorf("build stage graph: %w", err)
	}

	hm := health.NewManager(nil, logger)
	if err := hm.RegisterChecker(health.NewPoolHealthChecker(coord)); err != nil {
		return err
	}
	if err := hm.RegisterChecker(health.NewDispatcherHealthChecker(bus)); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	engineCfg := workflow.Config{
		Retention:   cfg.Engine.Retention,
		MaxRetained: cfg.Engine.MaxRetained,
	}

	// Redis backs the snapshot archive and the durable event stream.
	if cfg.Redis.URL != "" {
		rdb, rerr := store.OpenRedis(ctx, cfg.Redis.URL)
		if rerr != nil {
			return fmt.Errorf("connect redis: %w", rerr)
		}
		defer func() { err = multierr.Append(err, rdb.Close()) }()

		var breakers []*circuitbreaker.CircuitBreaker
		if cfg.Redis.Archive {
			archive := store.NewRedisArchive(rdb, cfg.Redis.ArchiveTTL, logger)
			engineCfg.Archive = archive
			breakers = append(breakers, archive.Breaker())
		}
		if cfg.Redis.Sink {
			sink := streaming.NewRedisSink(rdb, streaming.RedisSinkConfig{
				MaxLen:      cfg.Redis.StreamMaxLen,
				WorkflowTTL: cfg.Redis.ArchiveTTL,
			}, logger)
			breakers = append(breakers, sink.Breaker())
			g.Go(func() error { return streaming.Forward(gctx, bus, "*", sink, logger) })
		}
		if err := hm.RegisterChecker(health.NewRedisHealthChecker(rdb, logger, breakers...)); err != nil {
			return err
		}
		logger.Info("Redis attached",
			zap.Bool("archive", cfg.Redis.Archive),
			zap.Bool("sink", cfg.Redis.Sink),
		)
	}

	// The relational event log is optional; timelines in full mode need it.
	var dbClient *db.Client
	if cfg.Database.URL != "" {
		dbClient, err = db.NewClient(&db.Config{
			Driver:    cfg.Database.Driver,
			DSN:       cfg.Database.URL,
			Workers:   cfg.Database.Workers,
			QueueSize: cfg.Database.QueueSize,
		}, logger)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer func() { err = multierr.Append(err, dbClient.Close()) }()
		if err := dbClient.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		if err := hm.RegisterChecker(health.NewDatabaseHealthChecker(dbClient.DB(), dbClient.Breaker(), logger)); err != nil {
			return err
		}
		sink := db.NewEventLogSink(dbClient)
		g.Go(func() error { return streaming.Forward(gctx, bus, "*", sink, logger) })
	}

	engine, err := workflow.New(graph, coord, bus, engineCfg, logger)
	if err != nil {
		return fmt.Errorf("create workflow engine: %w", err)
	}

	agg := health.NewAggregator(engine, coord, bus, nil)
	monitor := health.NewMonitor(agg, hm, bus, health.MonitorConfig{
		Interval:            cfg.Health.Interval,
		HistorySize:         cfg.Health.HistorySize,
		SuccessRateBaseline: cfg.Health.SuccessRateBaseline,
		MinVolume:           cfg.Health.MinVolume,
		AlertHistory:        health.DefaultMonitorConfig().AlertHistory,
	}, logger)

	svc, err := server.NewOrchestratorService(engine, coord, bus, agg, server.Config{
		MaxConcurrentWorkflows: cfg.Engine.MaxConcurrentWorkflows,
	}, logger)
	if err != nil {
		return fmt.Errorf("create orchestrator service: %w", err)
	}

	mux := http.NewServeMux()
	httpapi.NewAPIHandler(svc, cfg.Service.WriteTimeout, logger).RegisterRoutes(mux)
	streamHandler := httpapi.NewStreamingHandler(svc, logger)
	streamHandler.RegisterRoutes(mux)
	streamHandler.RegisterWebSocket(mux)
	httpapi.NewTimelineHandler(svc, dbClient, logger).RegisterRoutes(mux)
	httpapi.NewIngestHandler(bus, logger, os.Getenv("EVENTS_INGEST_TOKEN")).RegisterRoutes(mux)
	health.NewHTTPHandler(hm, agg, monitor, logger).RegisterRoutes(mux)

	// Streams are long-lived, so the server sets no write timeout. API
	// requests get theirs from the handler.
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Service.ReadTimeout,
	}
	metricsSrv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.MetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := watchConfig(gctx, cfgPath, cfg.GraphDefinition(), coord, bus, monitor, logger); err != nil {
		logger.Warn("Config hot-reload disabled", zap.String("path", cfgPath), zap.Error(err))
	}

	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return coord.StartRecovery(gctx, cfg.Coordinator.RecoveryInterval, nil) })
	g.Go(func() error { return engine.RunJanitor(gctx, cfg.Engine.JanitorInterval) })
	g.Go(func() error { return serve(srv, "api", logger) })
	g.Go(func() error { return serve(metricsSrv, "metrics", logger) })

	bus.Publish(streaming.TopicSystemStart, map[string]interface{}{
		"version": version,
		"pools":   cfg.Pools,
	}, streaming.WithSource(streaming.SourceSystem))
	logger.Info("Orchestration hub started",
		zap.String("version", version),
		zap.Int("port", cfg.Service.Port),
		zap.Int("metrics_port", cfg.Service.MetricsPort),
	)

	<-gctx.Done()
	logger.Info("Shutting down orchestration hub")
	bus.Publish(streaming.TopicSystemStop, map[string]interface{}{
		"version": version,
	}, streaming.WithSource(streaming.SourceSystem))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancel()

	// Closing the facade first ends the stream subscriptions so the HTTP
	// server does not wait on them.
	err = multierr.Combine(
		svc.Shutdown(shutdownCtx),
		srv.Shutdown(shutdownCtx),
		metricsSrv.Shutdown(shutdownCtx),
	)
	err = multierr.Append(err, g.Wait())
	bus.Close()
	err = multierr.Append(err, shutdownTracing(shutdownCtx))
	return err
}

func serve(srv *http.Server, name string, logger *zap.Logger) error {
	logger.Info("HTTP listener starting", zap.String("listener", name), zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s listener: %w", name, err)
	}
	return nil
}

// watchConfig applies the live-tunable settings when the config file changes.
// Pools only grow; shrinking them or editing the graph needs a restart.
func watchConfig(ctx context.Context, cfgPath string, graph workflow.Definition, coord *coordinator.Coordinator, bus *streaming.Manager, monitor *health.Monitor, logger *zap.Logger) error {
	cm, err := config.NewManager(filepath.Dir(cfgPath), logger)
	if err != nil {
		return err
	}
	file := filepath.Base(cfgPath)
	cm.RegisterValidator(file, config.ValidateDocument)
	cm.RegisterHandler(file, func(ev config.ChangeEvent) error {
		if ev.Action == "delete" || ev.Config == nil {
			return nil
		}
		next, err := config.FromMap(ev.Config)
		if err != nil {
			return err
		}
		coord.SetStageTimeout(next.Coordinator.StageTimeout)
		coord.SetQueueDepth(next.Coordinator.QueueDepth)
		bus.SetBacklog(next.Dispatcher.Backlog)
		monitor.SetInterval(next.Health.Interval)
		if !reflect.DeepEqual(next.GraphDefinition(), graph) {
			logger.Warn("Stage graph changed on disk; restart to apply", zap.String("file", ev.File))
		}

		have := make(map[agents.Role]int)
		for _, a := range coord.Agents() {
			have[a.Role]++
		}
		for role, want := range next.Pools {
			if extra := want - have[agents.Role(role)]; extra > 0 {
				ids := coord.AddAgents(agents.Role(role), extra)
				logger.Info("Pool grown", zap.String("role", role), zap.Strings("agent_ids", ids))
			}
		}
		logger.Info("Configuration applied", zap.String("file", ev.File), zap.String("action", ev.Action))
		return nil
	})
	if os.Getenv("CONFIG_POLL") == "true" {
		cm.EnablePolling(getEnvDuration("CONFIG_POLL_INTERVAL", 5*time.Second))
	}
	return cm.Start(ctx)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
