package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"solana-pool-watch/internal/alerting"
	"solana-pool-watch/internal/api"
	"solana-pool-watch/internal/config"
	"solana-pool-watch/internal/events"
	"solana-pool-watch/internal/faulttolerance"
	"solana-pool-watch/internal/fork"
	"solana-pool-watch/internal/observability"
	"solana-pool-watch/internal/parser"
	"solana-pool-watch/internal/pipeline"
	"solana-pool-watch/internal/pool"
	"solana-pool-watch/internal/pricing"
	"solana-pool-watch/internal/storage"
	chstore "solana-pool-watch/internal/storage/clickhouse"
	"solana-pool-watch/internal/storage/memory"
	pgstore "solana-pool-watch/internal/storage/postgres"
	"solana-pool-watch/internal/stream"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	wsEndpoint := flag.String("ws-endpoint", "", "Override: single upstream WebSocket endpoint")
	postgresDSN := flag.String("postgres-dsn", "", "Override: PostgreSQL connection string")
	useMemory := flag.Bool("use-memory", false, "Override: in-memory stores regardless of config")
	apiAddr := flag.String("api-addr", "", "Override: HTTP API listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg, *wsEndpoint, *postgresDSN, *useMemory, *apiAddr)

	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()

		select {
		case <-sigCh:
			logger.Warn("second signal, forcing exit")
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Warn("graceful shutdown timed out, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	err = run(ctx, cfg, logger)
	close(done)

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("monitor failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func applyFlagOverrides(cfg *config.Config, wsEndpoint, postgresDSN string, useMemory bool, apiAddr string) {
	if wsEndpoint != "" {
		cfg.Stream.Connections = []config.StreamConnection{{ID: "primary", Endpoint: wsEndpoint}}
	}
	if postgresDSN != "" {
		cfg.Storage.Backend = config.BackendPostgres
		cfg.Storage.PostgresDSN = postgresDSN
	}
	if useMemory {
		cfg.Storage.Backend = config.BackendMemory
	}
	if apiAddr != "" {
		cfg.API.Addr = apiAddr
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	bus := events.NewBus()
	metrics := observability.NewMetrics("pool_watch")

	sinks := []alerting.Sink{alerting.NewConsoleSink(logger)}
	if cfg.Alerting.WebhookURL != "" {
		sinks = append(sinks, alerting.NewWebhookSink(cfg.Alerting.WebhookURL,
			cfg.Alerting.WebhookRatePerSec, cfg.Alerting.WebhookBurst, logger))
	}
	alerter := alerting.NewAlerter(alerting.Config{
		Cooldown:   time.Duration(cfg.Alerting.CooldownSec) * time.Second,
		MaxHistory: cfg.Alerting.MaxHistory,
	}, metrics, logger, sinks...)

	controller := faulttolerance.NewController(faulttolerance.Config{
		FailureThreshold:     cfg.FaultTolerance.FailureThreshold,
		Cooldown:             time.Duration(cfg.FaultTolerance.CooldownSec) * time.Second,
		BaseReconnectDelay:   time.Duration(cfg.FaultTolerance.BaseReconnectDelayMs) * time.Millisecond,
		MaxReconnectAttempts: cfg.FaultTolerance.MaxReconnectAttempts,
	}, alerter, metrics, logger)

	oracle := pricing.NewOracle(pricing.Config{
		Endpoint:     cfg.Pricing.Endpoint,
		PollInterval: time.Duration(cfg.Pricing.PollIntervalSec) * time.Second,
	}, logger)

	coordinator := pool.NewCoordinator(pool.Config{
		Retention: time.Duration(cfg.Pipeline.PoolRetentionHours) * time.Hour,
	}, bus, oracle, logger)
	detector := fork.NewDetector(fork.Config{}, bus, logger)
	registry := parser.NewRegistry(bus, metrics, logger)

	var (
		trades    storage.TradeStore
		forkStore storage.ForkEventStore
	)
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pg, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pg.Close()
		trades = pgstore.NewTradeStore(pg)
		forkStore = pgstore.NewForkEventStore(pg)
		logger.Info("using postgres storage")
	default:
		trades = memory.NewTradeStore()
		forkStore = memory.NewForkEventStore()
		logger.Info("using in-memory storage")
	}

	processors := []pipeline.Processor{
		pipeline.NewPersistProcessor(trades),
		pipeline.NewLifecycleProcessor(coordinator, logger),
	}
	if cfg.Storage.ClickHouseDSN != "" {
		ch, err := chstore.NewConn(ctx, cfg.Storage.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		defer ch.Close()
		processors = append(processors, pipeline.NewArchiveProcessor(chstore.NewTradeArchiveStore(ch)))
		logger.Info("trade archive enabled")
	}

	orchestrator := pipeline.NewOrchestrator(pipeline.OrchestratorOptions{
		Config: pipeline.OrchestratorConfig{
			MonitorID:                  cfg.MonitorID,
			ForkSweepSpec:              cfg.Pipeline.ForkSweepSpec,
			ChainValidationSpec:        cfg.Pipeline.ChainValidationSpec,
			PoolSweepSpec:              cfg.Pipeline.PoolSweepSpec,
			ParseFailureAlertThreshold: cfg.Pipeline.ParseFailureAlertThreshold,
			ParseFailureWindow:         time.Duration(cfg.Pipeline.ParseFailureWindowSec) * time.Second,
			Batch: pipeline.BatchConfig{
				MaxSize:       cfg.Pipeline.BatchMaxSize,
				FlushInterval: time.Duration(cfg.Pipeline.BatchFlushIntervalMs) * time.Millisecond,
			},
			Dispatcher: pipeline.DispatcherConfig{
				Workers:    cfg.Pipeline.Workers,
				MaxRetries: cfg.Pipeline.MaxRetries,
				RetryDelay: time.Duration(cfg.Pipeline.RetryDelayMs) * time.Millisecond,
			},
		},
		Bus:         bus,
		Registry:    registry,
		Coordinator: coordinator,
		Detector:    detector,
		Alerter:     alerter,
		Metrics:     metrics,
		Processors:  processors,
		ForkStore:   forkStore,
		Logger:      logger,
	})

	streamCfg := stream.Config{
		HandshakeTimeout: time.Duration(cfg.Stream.HandshakeTimeoutSec) * time.Second,
		ReadTimeout:      time.Duration(cfg.Stream.ReadTimeoutSec) * time.Second,
		WriteTimeout:     time.Duration(cfg.Stream.WriteTimeoutSec) * time.Second,
		PingInterval:     time.Duration(cfg.Stream.PingIntervalSec) * time.Second,
	}
	clients := make([]*stream.Client, 0, len(cfg.Stream.Connections))
	for _, conn := range cfg.Stream.Connections {
		controller.Register(conn.ID)
		client := stream.NewClient(conn.ID, conn.Endpoint, streamCfg, controller,
			orchestrator.Handlers(), logger)
		client.SubscribeTransactions(parser.BondingCurveProgram)
		client.SubscribeTransactions(parser.AMMProgram)
		client.SubscribeSlots()
		for _, pubkey := range cfg.Stream.WatchAccounts {
			client.SubscribeAccount(pubkey)
		}
		clients = append(clients, client)
	}

	server := api.NewServer(api.Config{Addr: cfg.API.Addr}, coordinator, detector,
		alerter, registry, controller, metrics, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orchestrator.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	if cfg.Pricing.Endpoint != "" {
		g.Go(func() error { return oracle.Run(gctx) })
	}
	for _, client := range clients {
		g.Go(func() error {
			err := client.Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				// A terminally failed connection does not take the monitor
				// down; the controller has already alerted and surviving
				// connections keep feeding the pipeline.
				logger.Error("connection terminated", zap.String("connection", client.ID()), zap.Error(err))
			}
			return nil
		})
	}

	logger.Info("monitor started",
		zap.String("monitor_id", cfg.MonitorID),
		zap.Int("connections", len(clients)),
		zap.String("api_addr", cfg.API.Addr))
	return g.Wait()
}
