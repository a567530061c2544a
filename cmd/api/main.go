package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "conversion-pipeline/internal/api"
	"conversion-pipeline/internal/archive"
	"conversion-pipeline/internal/config"
	"conversion-pipeline/internal/conversion"
	"conversion-pipeline/internal/converter"
	"conversion-pipeline/internal/formats"
	"conversion-pipeline/internal/queue"
	"conversion-pipeline/internal/ratelimit"
	"conversion-pipeline/internal/runner"
	"conversion-pipeline/internal/storage"
	"conversion-pipeline/internal/store"
	"conversion-pipeline/internal/telemetry"
	"conversion-pipeline/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	table := formats.DefaultTable()
	exec := runner.NewExec(logger.With("component", "runner"))
	engine := archive.NewEngine(
		archive.WithRunner(exec),
		archive.WithLogger(logger.With("component", "archive")),
		archive.WithTempDir(cfg.WorkDir),
		archive.WithSeparators(cfg.ChainSeparators),
		archive.WithSevenZipBin(cfg.SevenZipBin),
	)
	router := converter.NewRouter(table, engine.Parse,
		converter.NewDocumentConverter(exec, table, logger, converter.WithSofficeBin(cfg.SofficeBin)),
		converter.NewImageConverter(exec, cfg.MagickBin, logger),
		converter.NewAudioConverter(exec, cfg.FFmpegBin, logger),
		converter.NewArchiveConverter(engine),
	)

	registry := store.NewRegistry()
	history := store.NewHistory(cfg.DebugHistoryLimit)
	handlerOpts := []worker.Option{worker.WithHistory(history), worker.WithLogger(logger.With("component", "handler"))}
	serviceOpts := []conversion.Option{
		conversion.WithTable(table),
		conversion.WithRouter(router),
		conversion.WithHistory(history),
		conversion.WithWorkDir(cfg.WorkDir),
		conversion.WithLogger(logger.With("component", "service")),
	}

	if cfg.PostgresDSN != "" {
		pg, err := store.NewPostgresHistory(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.RunMigrations(ctx); err != nil {
			return err
		}
		handlerOpts = append(handlerOpts, worker.WithHistorySink(pg))
		serviceOpts = append(serviceOpts, conversion.WithHistoryLookup(pg), conversion.WithHistorySink(pg))
		go pruneHistory(ctx, pg, cfg.HistoryRetention, logger)
	}

	uploader, err := storage.New(ctx, cfg)
	if err != nil {
		return err
	}
	if uploader != nil {
		handlerOpts = append(handlerOpts, worker.WithUploader(uploader))
	}

	var limiter *ratelimit.TokenBucket
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		limiter = ratelimit.NewTokenBucket(client, "rl:convert:", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	handler := worker.NewConversionHandler(registry, table, router, handlerOpts...)
	pool := queue.NewPool(cfg.Workers, handler.Handle, queue.WithLogger(logger.With("component", "pool")))
	pool.Start(ctx)

	svc := conversion.NewService(registry, pool, engine, serviceOpts...)
	server := api.New(cfg, svc, limiter, logger.With("component", "api"))
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "port", cfg.HTTPPort, "workers", cfg.Workers)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	pool.Stop()
	if err := pool.Wait(shutdownCtx); err != nil {
		logger.Warn("in-flight conversions abandoned", "error", err, "in_progress", pool.InProgress())
	}
	logger.Info("api stopped", "queued_unrun", pool.Len())
	return nil
}

func pruneHistory(ctx context.Context, pg *store.PostgresHistory, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := pg.Prune(ctx, retention)
		if err != nil {
			logger.Warn("prune conversion history", "error", err)
		} else if n > 0 {
			logger.Info("pruned conversion history", "rows", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
