package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/laddha-akshay/data-sync-ingestion-coding-challenge/internal/config"
	"github.com/laddha-akshay/data-sync-ingestion-coding-challenge/internal/httpserver"
	"github.com/laddha-akshay/data-sync-ingestion-coding-challenge/internal/pipeline"
	"github.com/laddha-akshay/data-sync-ingestion-coding-challenge/internal/source"
	"github.com/laddha-akshay/data-sync-ingestion-coding-challenge/internal/store"
)

// main boots the ingestor: config → DB → schema → status server → pipeline.
func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("load config", "error", err)
		return 1
	}

	runID := uuid.New()
	logger := newLogger(cfg.LogLevel).With("run_id", runID.String())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to durable storage (Postgres) using a connection pool.
	db, err := store.NewPostgresStore(ctx, cfg.DB.URL, store.Options{
		MaxConns:          cfg.DB.MaxConns,
		MinConns:          cfg.DB.MinConns,
		FallbackChunkSize: cfg.Pipeline.FallbackChunkSize,
		RunID:             runID,
		Logger:            logger,
	})
	if err != nil {
		logger.Error("connect database", "error", err)
		return 1
	}
	defer db.Close()

	// Tables are created idempotently so a fresh database is enough to start.
	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error("ensure schema", "error", err)
		return 1
	}

	limiter := source.NewRateLimiter(cfg.API.MinRequestDelay, source.SystemClock)
	client := source.NewClient(source.ClientConfig{
		BaseURL:    cfg.API.BaseURL,
		APIKey:     cfg.API.APIKey,
		AuthScheme: cfg.API.AuthScheme,
		Timeout:    cfg.API.Timeout,
		LowWater:   cfg.API.LowWater,
	}, limiter, logger)

	p := pipeline.New(client, db, db, pipeline.Config{
		PageSize:            cfg.API.PageSize,
		QueueDepth:          cfg.Pipeline.QueueDepth,
		CheckpointInterval:  cfg.Pipeline.CheckpointInterval,
		WriteRetryDelay:     cfg.Pipeline.WriteRetryDelay,
		StaleCursorCooldown: cfg.Pipeline.StaleCursorCooldown,
		StatsInterval:       cfg.Pipeline.StatsInterval,
		TargetEvents:        cfg.Pipeline.TargetEvents,
	}, logger)

	statusCtx, stopStatus := context.WithCancel(ctx)
	statusDone := make(chan struct{})
	if cfg.Status.Addr != "" {
		router := httpserver.NewRouter(cfg.Status.APIKeys, db, p.Monitor())
		go func() {
			defer close(statusDone)
			if err := httpserver.Serve(statusCtx, cfg.Status.Addr, router, logger); err != nil {
				logger.Error("status server", "error", err)
			}
		}()
	} else {
		close(statusDone)
	}

	runErr := p.Run(ctx)

	stopStatus()
	<-statusDone

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			logger.Warn("ingestion interrupted; resume from the saved checkpoint")
		} else {
			logger.Error("ingestion failed", "error", runErr)
		}
		return 1
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
