// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/reelscribe/reelscribe/internal/adapters/download"
	"github.com/reelscribe/reelscribe/internal/adapters/generate"
	"github.com/reelscribe/reelscribe/internal/adapters/mediaprobe"
	"github.com/reelscribe/reelscribe/internal/adapters/messaging"
	"github.com/reelscribe/reelscribe/internal/adapters/upload"
	"github.com/reelscribe/reelscribe/internal/api"
	"github.com/reelscribe/reelscribe/internal/audit"
	"github.com/reelscribe/reelscribe/internal/cache"
	"github.com/reelscribe/reelscribe/internal/config"
	"github.com/reelscribe/reelscribe/internal/daemon"
	"github.com/reelscribe/reelscribe/internal/domain"
	"github.com/reelscribe/reelscribe/internal/ephemeral"
	"github.com/reelscribe/reelscribe/internal/gate"
	xglog "github.com/reelscribe/reelscribe/internal/log"
	"github.com/reelscribe/reelscribe/internal/pipeline/bus"
	pipelinestore "github.com/reelscribe/reelscribe/internal/pipeline/store"
	"github.com/reelscribe/reelscribe/internal/pipeline/worker"
	"github.com/reelscribe/reelscribe/internal/health"
	"github.com/reelscribe/reelscribe/internal/queue"
	"github.com/reelscribe/reelscribe/internal/resilience"
	"github.com/reelscribe/reelscribe/internal/session"
	sqlitestore "github.com/reelscribe/reelscribe/internal/store/sqlite"
	"github.com/reelscribe/reelscribe/internal/telemetry"
	"github.com/reelscribe/reelscribe/internal/validation"
)

var (
	version   = "v2.0.1"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "config":
			os.Exit(runConfigCLI(os.Args[2:]))
		case "healthcheck":
			os.Exit(runHealthcheckCLI(os.Args[2:]))
		}
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	xglog.Configure(xglog.Config{Level: "info", Service: "reelscribe", Version: version})
	logger := xglog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	effectiveConfigPath := strings.TrimSpace(*configPath)
	if effectiveConfigPath == "" {
		effectiveConfigPath = resolveDefaultConfigPath()
	}

	loader := config.NewLoader(effectiveConfigPath, version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().Err(err).Str("event", "config.load_failed").Str("config_path", effectiveConfigPath).Msg("failed to load configuration")
	}

	xglog.Configure(xglog.Config{Level: cfg.LogLevel, Service: "reelscribe", Version: version})

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", cfg.ListenAddr).
		Str("ephemeral_url", config.MaskURL(cfg.EphemeralURL)).
		Msg("starting reelscribe")

	holder := config.NewHolder(cfg)

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        os.Getenv("REELSCRIBE_OTEL_ENDPOINT") != "",
		ServiceName:    "reelscribe",
		ServiceVersion: version,
		Environment:    envOrDefault("REELSCRIBE_ENV", "production"),
		ExporterType:   envOrDefault("REELSCRIBE_OTEL_EXPORTER", "grpc"),
		Endpoint:       os.Getenv("REELSCRIBE_OTEL_ENDPOINT"),
		SamplingRate:   1.0,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("telemetry provider init failed, tracing disabled")
	} else {
		defer func() {
			if shErr := tp.Shutdown(context.Background()); shErr != nil {
				logger.Warn().Err(shErr).Msg("telemetry shutdown failed")
			}
		}()
	}

	if err := validation.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Str("event", "startup_check.failed").Msg("pre-flight startup checks failed")
	}

	durable, err := sqlitestore.OpenStore(cfg.DurableDSN, sqlitestore.DefaultConfig())
	if err != nil {
		logger.Fatal().Err(err).Str("event", "store.open_failed").Msg("failed to open durable store")
	}
	repo := sqlitestore.NewRepository(durable)

	redisOpts, err := redis.ParseURL(cfg.EphemeralURL)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "ephemeral.url_invalid").Msg("invalid ephemeral store URL")
	}
	if cfg.EphemeralPassword != "" {
		redisOpts.Password = cfg.EphemeralPassword
	}
	if cfg.EphemeralDB != 0 {
		redisOpts.DB = cfg.EphemeralDB
	}
	ephemeralStore := ephemeral.New(redisOpts, logger)

	mirrorCache, err := cache.NewRedisCache(cache.RedisConfig{
		Addr:     redisOpts.Addr,
		Password: redisOpts.Password,
		DB:       redisOpts.DB,
	}, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("circuit breaker mirror cache unavailable, breaker state stays process-local")
		mirrorCache = cache.NewNoOpCache()
	}
	registry := resilience.NewRegistry(nil)
	mirror := resilience.NewDistributedMirror(mirrorCache)
	defer mirror.Stop()

	sessions := session.NewManager(ephemeralStore)

	gateCfg := gate.Config{
		QuotaPerHour:   cfg.PerSubscriberQuota,
		QuotaWindow:    cfg.PerSubscriberQuotaWindow,
		ActiveCapacity: cfg.ActiveCapacity,
	}
	accessGate := gate.New(gateCfg, repo, ephemeralStore)

	jobStore := pipelinestore.New(durable)

	downloadAdapter := download.New(download.Config{
		BinaryPath:     cfg.DownloaderBin,
		CookiesPath:    cfg.CookiesPath,
		MaxFilesize:    fmt.Sprintf("%dM", cfg.MaxDownloadMB),
		MaxDurationSec: cfg.MaxDurationSec,
		Timeout:        60 * time.Second,
	}, registry)
	probeAdapter := mediaprobe.New(mediaprobe.Config{
		FFprobePath: cfg.FFprobeBin,
		FFmpegPath:  cfg.FFmpegBin,
		Timeout:     60 * time.Second,
	}, registry)
	generateAdapter := generate.New(generate.DefaultConfig(cfg.GeneratorAPIKey), registry)
	uploadAdapter := upload.New(upload.DefaultConfig(cfg.UploaderEndpoint, cfg.UploaderAPIKey), registry)
	messagingAdapter := messaging.New(messaging.DefaultConfig(cfg.MessagingBaseURL, cfg.MessagingAPIKey), registry)

	workerConfig := worker.DefaultConfig(filepath.Join(cfg.DataDir, "jobs"))
	workerConfig.PublicBaseURL = cfg.PublicBaseURL
	workerConfig.MaxAttempts = cfg.JobMaxAttempts

	orchestrator := worker.New(
		workerConfig,
		worker.Adapters{
			Download: downloadAdapter,
			Probe:    probeAdapter,
			Generate: generateAdapter,
			Render:   uploadAdapter,
			Fields:   messagingAdapter,
			Deliver:  messagingAdapter,
		},
		jobStore, repo, sessions, logger,
	)

	lifecycleBus := bus.NewMemoryBus()
	dispatcher := queue.New(queue.Config{
		Concurrency:     cfg.QueueConcurrency,
		StartsPerMinute: cfg.QueueStartRateRPM,
		PollInterval:    500 * time.Millisecond,
		StalledAfter:    2 * cfg.JobTimeout,
		SweepInterval:   30 * time.Second,
		MaxAttempts:     cfg.JobMaxAttempts,
	}, jobStore, orchestrator, logger).WithBus(lifecycleBus)

	auditLog := audit.NewLogger()
	go watchJobLifecycle(ctx, lifecycleBus, auditLog, "job.completed", "success")
	go watchJobLifecycle(ctx, lifecycleBus, auditLog, "job.failed", "failure")

	go func() {
		if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("dispatcher stopped unexpectedly")
		}
	}()

	healthMgr := health.NewManager(version)
	healthMgr.RegisterChecker(health.NewFileChecker("durable_store_file", cfg.DurableDSN))
	healthMgr.RegisterChecker(health.NewDependencyChecker("ephemeral_store", func(ctx context.Context) error {
		return ephemeralStore.Ping(ctx)
	}))
	healthMgr.RegisterChecker(health.NewLastRunChecker(func() (time.Time, string) {
		lastRun, reason, err := jobStore.LastCompleted(ctx)
		if err != nil {
			return time.Time{}, err.Error()
		}
		return lastRun, reason
	}))

	apiServer := api.New(api.Deps{
		Config: api.Config{
			AdminAPIKey:   cfg.AdminAPIKey,
			PublicBaseURL: cfg.PublicBaseURL,
			PerIPRate:     60,
		},
		Repo:      repo,
		Jobs:      jobStore,
		Sessions:  sessions,
		Gate:      accessGate,
		Messenger: messagingAdapter,
		Health:    healthMgr,
		Logger:    logger,
	})

	deps := daemon.Deps{
		Logger:         logger,
		Config:         cfg,
		APIHandler:     apiServer.Handler(),
		MetricsHandler: promhttp.Handler(),
		MetricsAddr:    cfg.MetricsAddr,
	}

	mgr, err := daemon.NewManager(config.DeriveServerConfig(cfg), deps)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "manager.creation.failed").Msg("failed to create daemon manager")
	}
	mgr.RegisterShutdownHook("durable_store", func(context.Context) error { return durable.Close() })

	app := daemon.NewApp(logger, mgr, holder, effectiveConfigPath, version)
	if err := app.Run(ctx); err != nil {
		logger.Fatal().Err(err).Str("event", "manager.failed").Msg("daemon app failed")
	}

	logger.Info().Msg("server exiting")
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// watchJobLifecycle subscribes to topic and records each delivered
// message as an audit event, giving the durable job queue's completion
// and failure transitions a record outside the per-request access log.
func watchJobLifecycle(ctx context.Context, b bus.Bus, auditLog *audit.Logger, topic, result string) {
	sub, err := b.Subscribe(ctx, topic)
	if err != nil {
		return
	}
	defer sub.Close() //nolint:errcheck

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			job, _ := msg.Payload.(domain.Job)
			auditLog.Log(audit.Event{
				Type:     audit.EventAPIAccess,
				Actor:    job.Subscriber,
				Action:   "job " + topic,
				Resource: msg.JobID,
				Result:   result,
			})
		}
	}
}
