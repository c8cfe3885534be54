// Command server runs the HTTP API: dispatcher, task registry reads,
// concept reads, export and the SSE status channel.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conceptforge/conceptforge/internal/adapter/blob/s3"
	"github.com/conceptforge/conceptforge/internal/adapter/httpserver"
	"github.com/conceptforge/conceptforge/internal/adapter/observability"
	"github.com/conceptforge/conceptforge/internal/adapter/queue/redpanda"
	"github.com/conceptforge/conceptforge/internal/adapter/repo/postgres"
	"github.com/conceptforge/conceptforge/internal/app"
	"github.com/conceptforge/conceptforge/internal/config"
	"github.com/conceptforge/conceptforge/internal/service/ratelimiter"
	"github.com/conceptforge/conceptforge/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(observability.SetupLogger(cfg))
	observability.InitMetrics()

	tracingShutdown, err := observability.SetupTracing(cfg)
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	tables := cfg.Tables()
	if err := postgres.EnsureSchema(ctx, pool, tables); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()

	limits, err := config.LoadRateLimits(cfg.RateLimitConfigPath)
	if err != nil {
		return err
	}
	rates := ratelimiter.NewRedisCounter(rdb, limits)

	blobs, err := s3.New(ctx, cfg)
	if err != nil {
		return err
	}

	producer, err := redpanda.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		return err
	}
	defer func() { _ = producer.Close() }()

	tasks := postgres.NewTaskRepo(pool, tables)
	concepts := postgres.NewConceptRepo(pool, tables)

	statusCh := app.NewStatusChannel(postgres.NewTaskFeed(pool, tables))
	go statusCh.Run(ctx)

	conceptsUC := usecase.NewConcepts(concepts, blobs, rates, cfg.SignedURLTTL)
	srv := &httpserver.Server{
		Dispatcher: usecase.NewDispatcher(tasks, producer, rates, cfg.NumPalettesDefault),
		Registry:   usecase.NewRegistry(tasks),
		Concepts:   conceptsUC,
		Exporter:   usecase.NewExporter(conceptsUC, rates),
		Rates:      rates,
		Events:     statusCh,
	}

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      app.NewRouter(cfg, srv, httpserver.UUIDTokenResolver{}, pool, rdb),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", slog.Any("error", err))
	}
	if tracingShutdown != nil {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer tcancel()
		if err := tracingShutdown(tctx); err != nil {
			slog.Error("tracing shutdown", slog.Any("error", err))
		}
	}
	return nil
}
