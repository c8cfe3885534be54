package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/conceptforge/conceptforge/internal/config"
	"github.com/conceptforge/conceptforge/internal/domain"
)

// TaskFeed implements domain.TaskWatcher over Postgres LISTEN/NOTIFY. The
// schema installs a trigger that notifies the env-scoped channel on every
// task row update.
type TaskFeed struct {
	pool    *pgxpool.Pool
	channel string
}

// NewTaskFeed constructs a TaskFeed for the env-suffixed tasks table.
func NewTaskFeed(pool *pgxpool.Pool, t config.TableNames) *TaskFeed {
	return &TaskFeed{pool: pool, channel: t.Tasks + "_changed"}
}

// WatchTasks holds one dedicated connection on LISTEN and streams change
// events until ctx is done or the connection drops. The returned channel is
// closed on exit; callers fall back to polling when that happens.
func (f *TaskFeed) WatchTasks(ctx context.Context) (<-chan domain.TaskChange, error) {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=taskfeed.watch: acquire: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+f.channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("op=taskfeed.watch: listen: %w", err)
	}

	ch := make(chan domain.TaskChange, 64)
	go func() {
		defer close(ch)
		defer conn.Release()
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("task change feed interrupted", slog.Any("error", err))
				}
				return
			}
			var ev domain.TaskChange
			if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
				slog.Error("task change feed: bad payload", slog.String("payload", n.Payload), slog.Any("error", err))
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			default:
				// Slow consumer: drop rather than block the listener; the
				// polling fallback covers missed events.
				slog.Warn("task change feed: dropping event", slog.String("task_id", ev.TaskID))
			}
		}
	}()
	return ch, nil
}
