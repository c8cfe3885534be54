// Command worker consumes task messages from the bus, runs the generation
// and refinement workflows, and hosts the reaper.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/conceptforge/conceptforge/internal/adapter/ai"
	"github.com/conceptforge/conceptforge/internal/adapter/ai/stub"
	"github.com/conceptforge/conceptforge/internal/adapter/blob/s3"
	"github.com/conceptforge/conceptforge/internal/adapter/observability"
	"github.com/conceptforge/conceptforge/internal/adapter/queue/redpanda"
	"github.com/conceptforge/conceptforge/internal/adapter/repo/postgres"
	"github.com/conceptforge/conceptforge/internal/app"
	"github.com/conceptforge/conceptforge/internal/config"
	"github.com/conceptforge/conceptforge/internal/domain"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", slog.Any("error", err))
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

	blobs, err := s3.New(ctx, cfg)
	if err != nil {
		return err
	}

	var provider domain.ImageProvider
	if cfg.ProviderStub {
		slog.Info("using stub image provider")
		provider = stub.New()
	} else {
		provider = ai.New(cfg)
	}

	tasks := postgres.NewTaskRepo(pool, tables)
	concepts := postgres.NewConceptRepo(pool, tables)

	reaper := app.NewReaper(cfg, tasks, concepts, blobs, rdb)
	go reaper.Run(ctx)

	workflow := redpanda.NewWorkflow(cfg, tasks, concepts, blobs, provider)
	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, "conceptforge-workers", workflow, 10)
	if err != nil {
		return err
	}
	defer func() { _ = consumer.Close() }()

	slog.Info("worker started",
		slog.Int("parallelism", cfg.WorkerParallelism),
		slog.Duration("task_deadline", cfg.WorkerTaskDeadline))
	err = consumer.Start(ctx)

	if tracingShutdown != nil {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer tcancel()
		if serr := tracingShutdown(tctx); serr != nil {
			slog.Error("tracing shutdown", slog.Any("error", serr))
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
