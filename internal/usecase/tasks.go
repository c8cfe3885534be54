package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/conceptforge/conceptforge/internal/domain"
)

// Registry exposes task reads and cancellation. Writes beyond cancel go
// through the Dispatcher and the worker only.
type Registry struct {
	Tasks domain.TaskRepository
}

// NewRegistry wires a Registry.
func NewRegistry(tasks domain.TaskRepository) *Registry {
	return &Registry{Tasks: tasks}
}

// GetTask loads a task and enforces ownership. A foreign task reads as
// not found so ids cannot be probed.
func (r *Registry) GetTask(ctx context.Context, userID, taskID string) (domain.Task, error) {
	tracer := otel.Tracer("usecase.tasks")
	ctx, span := tracer.Start(ctx, "GetTask")
	defer span.End()

	t, err := r.Tasks.Get(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.UserID != userID {
		return domain.Task{}, fmt.Errorf("op=tasks.get: %w", domain.ErrNotFound)
	}
	return t, nil
}

// ListTasks returns the user's tasks under the filter.
func (r *Registry) ListTasks(ctx context.Context, userID string, f domain.TaskFilter) ([]domain.Task, error) {
	tracer := otel.Tracer("usecase.tasks")
	ctx, span := tracer.Start(ctx, "ListTasks")
	defer span.End()
	return r.Tasks.ListByUser(ctx, userID, f)
}

// Cancel requests cancellation. Pending tasks fail immediately; processing
// tasks get the flag and the worker fails them at its next stage boundary.
// A task that already reached a terminal status is returned as-is: cancel
// may legitimately observe a completed task.
func (r *Registry) Cancel(ctx context.Context, userID, taskID string) (domain.Task, error) {
	tracer := otel.Tracer("usecase.tasks")
	ctx, span := tracer.Start(ctx, "Cancel")
	defer span.End()

	t, err := r.GetTask(ctx, userID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status.Terminal() {
		return t, nil
	}

	t, err = r.Tasks.SetCancelled(ctx, taskID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("op=tasks.cancel: %w", err)
	}
	if t.Status != domain.TaskPending {
		return t, nil
	}

	msg := "cancelled"
	t2, err := r.Tasks.Transition(ctx, taskID, domain.TaskPending, domain.TaskFailed,
		domain.TaskPatch{ErrorMessage: &msg})
	if err != nil {
		// A worker claimed it between the flag and the transition; the flag
		// still takes effect at the worker's next check.
		if errors.Is(err, domain.ErrConflict) {
			return t2, nil
		}
		return domain.Task{}, fmt.Errorf("op=tasks.cancel: %w", err)
	}
	return t2, nil
}
