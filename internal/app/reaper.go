package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/conceptforge/conceptforge/internal/adapter/observability"
	"github.com/conceptforge/conceptforge/internal/config"
	"github.com/conceptforge/conceptforge/internal/domain"
)

// Stall messages written onto reaped task rows.
const (
	msgProcessingStalled = "timed out in processing"
	msgPendingStalled    = "not picked up"
)

const reaperLeaseKey = "reaper:lease"

// Reaper periodically fails stalled tasks and deletes concepts past the
// retention window. A short-TTL Redis lease keeps concurrent instances from
// sweeping at the same time.
type Reaper struct {
	Tasks    domain.TaskRepository
	Concepts domain.ConceptRepository
	Blobs    domain.BlobStore
	Redis    *redis.Client

	Interval          time.Duration
	ProcessingTimeout time.Duration
	PendingTimeout    time.Duration
	Retention         time.Duration

	instanceID string
}

// NewReaper wires a Reaper from config.
func NewReaper(cfg config.Config, tasks domain.TaskRepository, concepts domain.ConceptRepository, blobs domain.BlobStore, rdb *redis.Client) *Reaper {
	return &Reaper{
		Tasks:             tasks,
		Concepts:          concepts,
		Blobs:             blobs,
		Redis:             rdb,
		Interval:          cfg.ReaperInterval,
		ProcessingTimeout: cfg.ProcessingTimeout(),
		PendingTimeout:    cfg.PendingTimeout(),
		Retention:         cfg.RetentionWindow(),
		instanceID:        uuid.New().String(),
	}
}

// Run sweeps on the interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	slog.Info("reaper started",
		slog.Duration("interval", r.Interval),
		slog.Duration("processing_timeout", r.ProcessingTimeout),
		slog.Duration("pending_timeout", r.PendingTimeout))
	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper stopped")
			return
		case <-ticker.C:
			if !r.acquireLease(ctx) {
				continue
			}
			r.sweep(ctx)
		}
	}
}

// acquireLease takes the distributed lease for one interval. Losing Redis
// means sweeping anyway: double sweeps are harmless, missed sweeps are not.
func (r *Reaper) acquireLease(ctx context.Context) bool {
	ok, err := r.Redis.SetNX(ctx, reaperLeaseKey, r.instanceID, r.Interval-time.Second).Result()
	if err != nil {
		slog.Warn("reaper lease check failed, sweeping anyway", slog.Any("error", err))
		return true
	}
	return ok
}

func (r *Reaper) sweep(ctx context.Context) {
	n, err := r.Tasks.FailStale(ctx, domain.TaskProcessing, r.ProcessingTimeout, msgProcessingStalled)
	if err != nil {
		slog.Error("processing-stall sweep failed", slog.Any("error", err))
	} else if n > 0 {
		slog.Warn("reaped stalled processing tasks", slog.Int64("count", n))
		for i := int64(0); i < n; i++ {
			observability.ReapTask("processing")
		}
	}

	n, err = r.Tasks.FailStale(ctx, domain.TaskPending, r.PendingTimeout, msgPendingStalled)
	if err != nil {
		slog.Error("pending-stall sweep failed", slog.Any("error", err))
	} else if n > 0 {
		slog.Warn("reaped orphaned pending tasks", slog.Int64("count", n))
		for i := int64(0); i < n; i++ {
			observability.ReapTask("pending")
		}
	}

	if r.Retention > 0 {
		r.sweepRetention(ctx)
	}
}

// sweepRetention deletes concepts past the retention window, blobs first,
// best-effort.
func (r *Reaper) sweepRetention(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.Retention)
	concepts, err := r.Concepts.ListOlderThan(ctx, cutoff, 100)
	if err != nil {
		slog.Error("retention sweep list failed", slog.Any("error", err))
		return
	}
	for _, c := range concepts {
		for _, v := range c.Variations {
			if err := r.Blobs.Delete(ctx, v.ImagePath); err != nil {
				slog.Warn("retention blob delete failed", slog.String("path", v.ImagePath), slog.Any("error", err))
			}
		}
		if err := r.Blobs.Delete(ctx, c.ImagePath); err != nil {
			slog.Warn("retention blob delete failed", slog.String("path", c.ImagePath), slog.Any("error", err))
		}
		if err := r.Concepts.Delete(ctx, c.ID); err != nil {
			slog.Error("retention concept delete failed", slog.String("concept_id", c.ID), slog.Any("error", err))
			continue
		}
		slog.Info("expired concept deleted", slog.String("concept_id", c.ID))
	}
}
