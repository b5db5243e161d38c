package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"token-aggregator/internal/aggregator"
	"token-aggregator/internal/api"
	"token-aggregator/internal/cache"
	"token-aggregator/internal/changes"
	"token-aggregator/internal/config"
	"token-aggregator/internal/history"
	"token-aggregator/internal/logging"
	"token-aggregator/internal/providers"
	"token-aggregator/internal/query"
	"token-aggregator/internal/telemetry"
	"token-aggregator/internal/ws"
)

const (
	cacheProbeInterval = 15 * time.Second
	wsQueueSize        = 64
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		zap.NewExample().Fatal("failed to build logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := telemetry.New()

	store := cache.New(cache.Options{
		URL:             cfg.RedisURL,
		Addr:            cfg.RedisAddr,
		Password:        cfg.RedisPassword,
		DB:              cfg.RedisDB,
		ConnectAttempts: cfg.RedisConnectAttempts,
		DefaultTTL:      cfg.CacheTTL,
	}, logger, metrics)
	defer func() { _ = store.Close() }()
	store.Connect(ctx)
	go store.KeepAlive(ctx, cacheProbeInterval)

	sources := providers.NewFromConfig(cfg, logger, metrics)
	agg, err := aggregator.New(sources, store, aggregator.Options{
		SnapshotTTL: cfg.CacheTTL,
		IdentityTTL: cfg.IdentityCacheTTL,
	}, logger, metrics)
	if err != nil {
		logger.Fatal("failed to build aggregator", zap.Error(err))
	}
	engine := query.NewEngine(query.Limits{Default: cfg.PageDefaultLimit, Max: cfg.PageMaxLimit})

	hub := ws.NewHub(wsQueueSize, logger, metrics)
	wsServer := ws.NewServer(hub, func(ctx context.Context) (any, error) {
		return agg.Query(ctx, engine, query.Filter{})
	}, logger, metrics)

	detector := changes.NewDetector(detectorThresholds(cfg.Thresholds))
	broadcaster := changes.NewBroadcaster(agg, detector, hub, cfg.RefreshInterval, logger, metrics)

	apiServer := api.NewServer(agg, engine, store, hub, logger)

	if cfg.DatabaseURL != "" {
		archive, err := history.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to initialize database", zap.Error(err))
		}
		defer archive.Close()
		if err := archive.EnsureSchema(ctx); err != nil {
			logger.Fatal("failed to prepare price history schema", zap.Error(err))
		}
		broadcaster.SetArchive(archive)
		apiServer.History = archive
	}

	if cfg.ConfigFile != "" {
		go func() {
			err := config.WatchThresholds(ctx, cfg.ConfigFile, logger, func(th config.Thresholds) {
				detector.SetThresholds(detectorThresholds(th))
			})
			if err != nil {
				logger.Warn("config watcher stopped", zap.Error(err))
			}
		}()
	}

	router := chi.NewRouter()
	router.Use(metrics.APIRequestMetricsMiddleware)
	router.Handle("/metrics", metrics.Handler())
	router.Get("/ws", wsServer.Handler())
	apiServer.Mount(router)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	broadcastDone := make(chan struct{})
	go func() {
		defer close(broadcastDone)
		if err := broadcaster.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("broadcaster stopped", zap.Error(err))
		}
	}()

	logger.Info("token aggregator started",
		zap.String("port", cfg.Port),
		zap.Strings("providers", cfg.Providers),
		zap.Bool("redis", store.IsAvailable()),
		zap.Bool("history", cfg.DatabaseURL != ""),
	)
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debug("sd_notify failed", zap.Error(err))
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErrCh:
		logger.Error("http server terminated unexpectedly", zap.Error(err))
		stop()
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	select {
	case <-broadcastDone:
	case <-shutdownCtx.Done():
		logger.Warn("broadcaster did not stop before shutdown deadline")
	}
	logger.Info("token aggregator stopped")
}

func detectorThresholds(th config.Thresholds) changes.Thresholds {
	return changes.Thresholds{
		PriceChangePct:       th.PriceChangePct,
		VolumeSpikeFloor:     th.VolumeSpikeFloor,
		VolumeSpikeChangePct: th.VolumeSpikeChangePct,
	}
}
