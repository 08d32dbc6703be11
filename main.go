package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/fasthttp/router"
	"github.com/joho/godotenv"
	"github.com/valyala/fasthttp"

	"errsight/internal/analytics"
	"errsight/internal/config"
	"errsight/internal/db"
	"errsight/internal/events"
	"errsight/internal/fingerprint"
	"errsight/internal/http/handlers"
	appmw "errsight/internal/http/middleware"
	"errsight/internal/ingest"
)

func main() {
	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	sqlDB, err := db.Connect(cfg)
	if err != nil {
		logger.Error("failed to connect database", "error", err)
		os.Exit(1)
	}

	if err := db.EnsureBootstrapKey(sqlDB, cfg); err != nil {
		logger.Error("failed to ensure bootstrap API key", "error", err)
		os.Exit(1)
	}

	db.StartRetentionWorker(sqlDB, logger)

	ingest.InitMetrics()
	analytics.InitMetrics()

	bus := events.NewBus()
	recorder := ingest.NewRecorder(sqlDB, cfg, fingerprint.New(logger), bus, logger)

	// Synchronous writes by default; with NATS configured the HTTP boundary
	// only enqueues and a queue worker drains into the same recorder.
	var sink ingest.Sink = recorder
	if cfg.NATSURL != "" {
		publisher, err := ingest.NewQueuePublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to connect ingest queue", "url", cfg.NATSURL, "error", err)
			os.Exit(1)
		}
		defer publisher.Close()

		if _, err := ingest.StartQueueWorker(publisher.Conn(), recorder, logger); err != nil {
			logger.Error("failed to start ingest queue worker", "error", err)
			os.Exit(1)
		}
		sink = publisher
		logger.Info("async ingestion enabled", "url", cfg.NATSURL)
	}

	correlator := analytics.NewCorrelator(cfg.Analytics, cfg.SamplingRate, logger)
	cascade := analytics.NewCascadeDetector(cfg.Analytics, logger)
	baseline := analytics.NewBaselineMonitor(cfg.Analytics, cfg.SamplingRate, bus, logger)
	scorer := analytics.NewPlatformScorer(cfg.Analytics.Score, cfg.SamplingRate, logger)

	runner := analytics.NewRunner(sqlDB, cfg.Analytics, cascade, baseline, logger)
	runner.Start(context.Background())

	r := router.New()

	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	bearer := appmw.BearerAuth(sqlDB)

	r.POST("/v1/errors", bearer(handlers.IngestHandler(sink, logger)))
	r.GET("/metrics", handlers.ApplicationMetricsHandler(sqlDB))

	r.GET("/v1/groups", handlers.ListGroupsHandler(sqlDB))
	r.GET("/v1/groups/{id}", handlers.GetGroupHandler(sqlDB))
	r.POST("/v1/groups/{id}/resolve", handlers.ResolveGroupHandler(sqlDB))
	r.POST("/v1/groups/{id}/snooze", handlers.SnoozeGroupHandler(sqlDB))
	r.POST("/v1/groups/{id}/assign", handlers.AssignGroupHandler(sqlDB))

	r.GET("/v1/reports/correlation", handlers.CorrelationHandler(sqlDB, correlator))
	r.GET("/v1/reports/cascades", handlers.CascadesHandler(sqlDB, cascade))
	r.GET("/v1/reports/alerts", handlers.AlertsHandler(sqlDB))
	r.GET("/v1/reports/platform-scores", handlers.PlatformScoresHandler(sqlDB, scorer))

	handler := handlers.RequestLogger(logger, r.Handler)

	logger.Info("errsight listening", "addr", cfg.ListenAddr)
	if err := fasthttp.ListenAndServe(cfg.ListenAddr, handler); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
