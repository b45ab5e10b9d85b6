package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/saturnino-fabrica-de-software/vigia/internal/alert"
	"github.com/saturnino-fabrica-de-software/vigia/internal/analyzer"
	"github.com/saturnino-fabrica-de-software/vigia/internal/api"
	"github.com/saturnino-fabrica-de-software/vigia/internal/api/handler"
	"github.com/saturnino-fabrica-de-software/vigia/internal/api/middleware"
	"github.com/saturnino-fabrica-de-software/vigia/internal/backbone"
	"github.com/saturnino-fabrica-de-software/vigia/internal/batch"
	"github.com/saturnino-fabrica-de-software/vigia/internal/broadcast"
	"github.com/saturnino-fabrica-de-software/vigia/internal/config"
	"github.com/saturnino-fabrica-de-software/vigia/internal/database"
	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
	"github.com/saturnino-fabrica-de-software/vigia/internal/ingest"
	"github.com/saturnino-fabrica-de-software/vigia/internal/pipeline"
	"github.com/saturnino-fabrica-de-software/vigia/internal/ratelimit"
	"github.com/saturnino-fabrica-de-software/vigia/internal/repository"
	"github.com/saturnino-fabrica-de-software/vigia/internal/service"
	"github.com/saturnino-fabrica-de-software/vigia/internal/storage"
	"github.com/saturnino-fabrica-de-software/vigia/internal/system"
	"github.com/saturnino-fabrica-de-software/vigia/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	logger := config.NewLogger(cfg.Environment, cfg.LogLevel)
	slog.SetDefault(logger)

	replicaID := cfg.ReplicaID
	if replicaID == "" {
		replicaID, _ = os.Hostname()
	}
	logger = logger.With(slog.String("replica_id", replicaID))

	logger.Info("starting Vigia",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.Port),
		slog.String("backbone", cfg.Backbone),
		slog.String("sequencer", cfg.Sequencer),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checks := map[string]handler.Check{}

	// Database (optional)
	var pool *pgxpool.Pool
	if cfg.HasDatabase() {
		if err := database.MigrateUp(cfg.DatabaseURL, logger); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		pool, err = database.NewPool(ctx, database.DefaultPoolConfig(cfg.DatabaseURL))
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pool.Close()
		checks["database"] = func(ctx context.Context) error { return database.HealthCheck(ctx, pool) }
	} else {
		logger.Warn("DATABASE_URL not set, running without persistence")
	}

	// Broadcast backbone
	var mqttConn *backbone.MQTTConn
	if cfg.Backbone == config.BackboneMQTT || cfg.IngestEnabled {
		mqttConn, err = backbone.DialMQTT(backbone.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID + "-" + replicaID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to mqtt: %w", err)
		}
		defer mqttConn.Close()
		checks["mqtt"] = mqttConn.Ping
	}

	bb, err := openBackbone(cfg, replicaID, mqttConn, logger)
	if err != nil {
		return err
	}
	defer func() { _ = bb.Close() }()

	var sequencer broadcast.Sequencer = broadcast.NewMemorySequencer()
	if cfg.Sequencer == config.SequencerPostgres {
		sequencer = broadcast.NewPGSequencer(pool)
	}
	broadcaster := broadcast.New(bb, sequencer, logger)

	// Persistence-backed collaborators stay nil interfaces without a database
	var (
		eventStore    service.EventRepositoryInterface
		summarizer    system.Summarizer
		keyLookup     ws.APIKeyLookup
		keyUsage      ws.KeyUsageTracker
		alertsAPI     handler.AlertService
		pipelineOpts  pipeline.Options
		usageWorker   *middleware.KeyUsageWorker
		streamLimiter ratelimit.Limiter
		httpLimiter   ratelimit.Limiter
	)

	if pool != nil {
		events := repository.NewEventRepository(pool)
		eventStore = events
		summarizer = events
		pipelineOpts.Events = events

		alerts := alert.NewService(repository.NewAlertRepository(pool), broadcaster, cfg.AlertMinScore, logger)
		alertsAPI = alerts
		pipelineOpts.Alerts = alerts

		streamLimiter = ratelimit.NewPGLimiter(pool, cfg.WSConnectRateLimit, time.Minute)
		httpLimiter = ratelimit.NewPGLimiter(pool, cfg.HTTPRateLimit, time.Minute)

		if cfg.WSStoredKeys {
			keys := repository.NewAPIKeyRepository(pool)
			keyLookup = keys
			usageWorker = middleware.NewKeyUsageWorker(keys, logger, middleware.KeyUsageConfig{})
			keyUsage = usageWorker
		}
	} else {
		streamWindow := ratelimit.NewWindow(cfg.WSConnectRateLimit, time.Minute)
		httpWindow := ratelimit.NewWindow(cfg.HTTPRateLimit, time.Minute)
		go streamWindow.Run(ctx, time.Minute)
		go httpWindow.Run(ctx, time.Minute)
		streamLimiter = streamWindow
		httpLimiter = httpWindow
	}

	if cfg.HasArchive() {
		archive, err := storage.DialMinIO(ctx, storage.Config{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to batch archive: %w", err)
		}
		pipelineOpts.Archive = archive
	}

	// Detection pipeline
	processor := pipeline.NewProcessor(pipeline.Config{
		AnalyzerTimeout:   cfg.AnalyzerTimeout,
		DegradedRiskScore: cfg.DegradedRiskScore,
	}, newAnalyzer(cfg), broadcaster, pipelineOpts, logger)

	aggregator := batch.NewAggregator(batch.Config{
		Window:        cfg.BatchWindow(),
		Idle:          cfg.BatchIdle(),
		MaxDetections: cfg.BatchMaxDetections,
		TieBreak:      domain.CloseReason(cfg.BatchTieBreak),
	}, batch.NewFastPath(cfg.FastPathEnabled, cfg.NormalizedFastPathClasses(), cfg.FastPathThreshold), processor, batch.SystemClock, logger)

	var source *ingest.MQTTSource
	if cfg.IngestEnabled {
		source = ingest.NewMQTTSource(mqttConn, cfg.MQTTCameraTopic, aggregator, broadcaster, logger)
		if err := source.Start(); err != nil {
			return fmt.Errorf("failed to start detection source: %w", err)
		}
	}

	// Streams
	var tokens *ws.TokenService
	if cfg.JWTSecret != "" {
		tokens = ws.NewTokenService(cfg.JWTSecret, cfg.JWTIssuer)
	}
	authenticator := ws.NewAuthenticator(cfg.WSAPIKeyHashes, keyLookup, keyUsage, tokens)
	if !authenticator.Enabled() {
		logger.Warn("no credentials configured, streams and REST are open")
	}

	wsCfg := ws.Config{
		IdleTimeout:        cfg.WSIdleTimeout(),
		PingInterval:       cfg.WSPingInterval(),
		SendBuffer:         cfg.WSSendBuffer,
		MaxInvalidMessages: cfg.WSMaxInvalidMessages,
	}
	streams := make(map[broadcast.Channel]*ws.Manager, len(broadcast.Channels))
	counters := make([]system.ChannelCounter, 0, len(broadcast.Channels))
	for _, ch := range broadcast.Channels {
		m := ws.NewManager(ch, wsCfg, ws.Options{
			Auth:      authenticator,
			Limiter:   streamLimiter,
			Sequences: broadcaster,
		}, logger)
		if err := m.Start(bb); err != nil {
			return fmt.Errorf("failed to start %s stream: %w", ch, err)
		}
		streams[ch] = m
		counters = append(counters, m)
	}

	// Background workers
	var workers sync.WaitGroup
	startWorker := func(fn func(context.Context)) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			fn(ctx)
		}()
	}

	if usageWorker != nil {
		startWorker(usageWorker.Run)
	}

	var sampler system.Sampler
	if ps, err := system.NewProcessSampler(); err != nil {
		logger.Warn("process sampling unavailable", "error", err)
	} else {
		sampler = ps
	}
	statusWorker := system.NewStatusWorker(system.StatusConfig{
		Interval:           time.Duration(cfg.SystemStatusIntervalSeconds) * time.Second,
		ReplicaID:          replicaID,
		CPUAlertPercent:    cfg.CPUAlertPercent,
		MemoryAlertPercent: cfg.MemoryAlertPercent,
	}, sampler, aggregator, counters, broadcaster, logger)
	if source != nil {
		statusWorker.WithIngest(source)
	}
	startWorker(statusWorker.Start)

	if summarizer != nil {
		summaryWorker := system.NewSummaryWorker(summarizer, broadcaster,
			time.Duration(cfg.SummaryIntervalMinutes)*time.Minute, replicaID, logger)
		startWorker(summaryWorker.Start)
	}

	// Setup router
	router := api.NewRouter(logger, &api.Dependencies{
		ReplicaID:     replicaID,
		Events:        service.NewEventService(eventStore),
		Alerts:        alertsAPI,
		Authenticator: authenticator,
		Limiter:       httpLimiter,
		RateLimitMax:  cfg.HTTPRateLimit,
		Streams:       streams,
		Publisher:     broadcaster,
		Checks:        checks,
	})
	router.Setup()

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		logger.Info("server listening", slog.String("addr", addr))
		if err := router.Listen(addr); err != nil {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errChan:
		serveErr = fmt.Errorf("server error: %w", err)
		stop()
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down...")

	// Open batches are flushed first so their events still reach connected clients.
	if err := aggregator.Stop(shutdownCtx); err != nil {
		logger.Error("aggregator shutdown", slog.Any("error", err))
	}
	for ch, m := range streams {
		if err := m.Shutdown(shutdownCtx); err != nil {
			logger.Error("stream shutdown", slog.String("channel", string(ch)), slog.Any("error", err))
		}
	}
	if err := router.Shutdown(); err != nil {
		logger.Error("shutdown error", slog.Any("error", err))
	}
	workers.Wait()

	logger.Info("server stopped", slog.Any("broadcast", broadcaster.Stats()), slog.Any("pipeline", processor.Stats()))

	return serveErr
}

func openBackbone(cfg *config.Config, replicaID string, conn *backbone.MQTTConn, logger *slog.Logger) (backbone.Backbone, error) {
	switch cfg.Backbone {
	case config.BackboneMQTT:
		return backbone.NewMQTT(conn, cfg.MQTTBroadcastTopic, 5*time.Second, logger), nil
	case config.BackboneKafka:
		k, err := backbone.DialKafka(cfg.KafkaBrokers, "vigia-"+replicaID, cfg.KafkaTopicPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to kafka: %w", err)
		}
		return k, nil
	default:
		return backbone.NewMemory(1024), nil
	}
}

func newAnalyzer(cfg *config.Config) analyzer.RiskAnalyzer {
	if cfg.AnalyzerType == config.AnalyzerHTTP {
		return analyzer.NewClient(analyzer.Config{
			BaseURL:        cfg.AnalyzerURL,
			Timeout:        cfg.AnalyzerTimeout,
			AttemptTimeout: cfg.AnalyzerAttemptTimeout,
			RetryCount:     cfg.AnalyzerRetryCount,
		})
	}
	return analyzer.NewHeuristic()
}
