package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/conceptforge/conceptforge/internal/config"
	"github.com/conceptforge/conceptforge/internal/domain"
)

// TaskRepo persists and loads tasks. The Transition method implements the
// conditional status update that all lifecycle changes funnel through.
type TaskRepo struct {
	Pool  PgxPool
	table string
}

// NewTaskRepo constructs a TaskRepo bound to the env-suffixed tasks table.
func NewTaskRepo(p PgxPool, t config.TableNames) *TaskRepo {
	return &TaskRepo{Pool: p, table: t.Tasks}
}

const taskColumns = `id, user_id, type, status, COALESCE(result_id::text,''), COALESCE(error_message,''), metadata, is_cancelled, created_at, updated_at`

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	var meta []byte
	if err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.Status, &t.ResultID, &t.ErrorMessage, &meta, &t.IsCancelled, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Task{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return domain.Task{}, fmt.Errorf("metadata decode: %w", err)
		}
	}
	return t, nil
}

// Create inserts a new task with status pending and returns its id.
func (r *TaskRepo) Create(ctx context.Context, t domain.Task) (string, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return "", fmt.Errorf("op=task.create: metadata encode: %w", err)
	}
	if t.Metadata == nil {
		meta = []byte(`{}`)
	}
	now := time.Now().UTC()
	q := fmt.Sprintf(`INSERT INTO %s (id, user_id, type, status, metadata, is_cancelled, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,false,$6,$6)`, r.table)
	if _, err := r.Pool.Exec(ctx, q, id, t.UserID, t.Type, t.Status, meta, now); err != nil {
		return "", fmt.Errorf("op=task.create: %w", err)
	}
	return id, nil
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id=$1`, taskColumns, r.table)
	t, err := scanTask(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.get: %w", err)
	}
	return t, nil
}

// Transition performs the conditional status update. The WHERE clause on the
// current status makes duplicate claims race-free: exactly one concurrent
// caller observes a row change, every other gets ErrConflict with the
// current row attached via Get.
func (r *TaskRepo) Transition(ctx context.Context, id string, from, to domain.TaskStatus, patch domain.TaskPatch) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Transition")
	defer span.End()

	set := "status=$3, updated_at=GREATEST($4, updated_at)"
	args := []any{id, from, to, time.Now().UTC()}
	n := 5
	if patch.ResultID != nil {
		set += fmt.Sprintf(", result_id=$%d", n)
		args = append(args, *patch.ResultID)
		n++
	}
	if patch.ErrorMessage != nil {
		set += fmt.Sprintf(", error_message=$%d", n)
		args = append(args, truncate(*patch.ErrorMessage, 200))
		n++
	}
	if patch.Metadata != nil {
		meta, err := json.Marshal(patch.Metadata)
		if err != nil {
			return domain.Task{}, fmt.Errorf("op=task.transition: metadata encode: %w", err)
		}
		set += fmt.Sprintf(", metadata=metadata || $%d::jsonb", n)
		args = append(args, meta)
		n++
	}

	q := fmt.Sprintf(`UPDATE %s SET %s WHERE id=$1 AND status=$2 RETURNING %s`, r.table, set, taskColumns)
	t, err := scanTask(r.Pool.QueryRow(ctx, q, args...))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("op=task.transition: %w", err)
	}
	// No row matched: either the task does not exist or its status moved.
	cur, gerr := r.Get(ctx, id)
	if gerr != nil {
		return domain.Task{}, fmt.Errorf("op=task.transition: %w", domain.ErrNotFound)
	}
	return cur, fmt.Errorf("op=task.transition: status=%s want=%s: %w", cur.Status, from, domain.ErrConflict)
}

// ListActive returns the user's non-terminal tasks of the given type.
func (r *TaskRepo) ListActive(ctx context.Context, userID string, typ domain.TaskType) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListActive")
	defer span.End()
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id=$1 AND type=$2 AND status IN ($3,$4) ORDER BY created_at`, taskColumns, r.table)
	rows, err := r.Pool.Query(ctx, q, userID, typ, domain.TaskPending, domain.TaskProcessing)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_active: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListByUser returns the user's tasks, optionally filtered by status/type.
func (r *TaskRepo) ListByUser(ctx context.Context, userID string, f domain.TaskFilter) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListByUser")
	defer span.End()

	q := fmt.Sprintf(`SELECT %s FROM %s WHERE user_id=$1`, taskColumns, r.table)
	args := []any{userID}
	n := 2
	if f.Status != "" {
		q += fmt.Sprintf(" AND status=$%d", n)
		args = append(args, f.Status)
		n++
	}
	if f.Type != "" {
		q += fmt.Sprintf(" AND type=$%d", n)
		args = append(args, f.Type)
		n++
	}
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", n)
	args = append(args, limit)

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=task.list: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// SetCancelled flips the cancellation flag. Status is untouched: the worker
// observes the flag between stages, and the cancel usecase transitions
// pending tasks directly.
func (r *TaskRepo) SetCancelled(ctx context.Context, id string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.SetCancelled")
	defer span.End()
	q := fmt.Sprintf(`UPDATE %s SET is_cancelled=true, updated_at=GREATEST($2, updated_at) WHERE id=$1 RETURNING %s`, r.table, taskColumns)
	t, err := scanTask(r.Pool.QueryRow(ctx, q, id, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("op=task.set_cancelled: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.set_cancelled: %w", err)
	}
	return t, nil
}

// FailStale marks tasks stuck in the given status as failed. Processing
// tasks age by updated_at (a live worker keeps touching the row); pending
// tasks age by created_at (nothing touches an orphan).
func (r *TaskRepo) FailStale(ctx context.Context, status domain.TaskStatus, olderThan time.Duration, errMsg string) (int64, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.FailStale")
	defer span.End()

	ageCol := "updated_at"
	if status == domain.TaskPending {
		ageCol = "created_at"
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	q := fmt.Sprintf(`UPDATE %s SET status=$1, error_message=$2, updated_at=GREATEST($3, updated_at)
		WHERE status=$4 AND %s < $5`, r.table, ageCol)
	tag, err := r.Pool.Exec(ctx, q, domain.TaskFailed, truncate(errMsg, 200), time.Now().UTC(), status, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=task.fail_stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectTasks(rows pgx.Rows) ([]domain.Task, error) {
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
