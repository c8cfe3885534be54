// Package usecase contains the application services that orchestrate the
// domain ports. Handlers call these; adapters implement the ports.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/conceptforge/conceptforge/internal/adapter/observability"
	"github.com/conceptforge/conceptforge/internal/domain"
)

// GenerateInput is the validated payload of an enqueue-generate request.
type GenerateInput struct {
	LogoDescription  string
	ThemeDescription string
	NumPalettes      int
}

// RefineInput is the validated payload of an enqueue-refine request.
// Exactly one of ConceptID or OriginalImageURL must be set.
type RefineInput struct {
	ConceptID               string
	OriginalImageURL        string
	RefinementPrompt        string
	PreserveAspects         []string
	UpdatedLogoDescription  string
	UpdatedThemeDescription string
}

// MaxDescriptionLen bounds free-text prompt fields.
const MaxDescriptionLen = 500

// Dispatcher implements the enqueue flows: rate check, single-active-task
// rule, task creation, bus publish.
type Dispatcher struct {
	Tasks       domain.TaskRepository
	Queue       domain.Queue
	Rates       domain.RateCounter
	NumPalettes int
}

// NewDispatcher wires a Dispatcher.
func NewDispatcher(tasks domain.TaskRepository, queue domain.Queue, rates domain.RateCounter, numPalettesDefault int) *Dispatcher {
	return &Dispatcher{Tasks: tasks, Queue: queue, Rates: rates, NumPalettes: numPalettesDefault}
}

// EnqueueGenerate validates, rate-checks and enqueues a generate task. The
// returned RateDecision is meaningful whenever the rate bucket was
// consulted, including on ErrRateLimited.
func (d *Dispatcher) EnqueueGenerate(ctx context.Context, userID string, in GenerateInput) (domain.Task, domain.RateDecision, error) {
	tracer := otel.Tracer("usecase.dispatch")
	ctx, span := tracer.Start(ctx, "EnqueueGenerate")
	defer span.End()

	if err := validateDescription("logo_description", in.LogoDescription); err != nil {
		return domain.Task{}, domain.RateDecision{}, err
	}
	if err := validateDescription("theme_description", in.ThemeDescription); err != nil {
		return domain.Task{}, domain.RateDecision{}, err
	}
	n := in.NumPalettes
	if n == 0 {
		n = d.NumPalettes
	}
	if n < 1 || n > 10 {
		return domain.Task{}, domain.RateDecision{}, fmt.Errorf("op=dispatch.generate: num_palettes=%d out of 1..10: %w", n, domain.ErrInvalidArgument)
	}

	payload := map[string]any{
		"logo_description":  in.LogoDescription,
		"theme_description": in.ThemeDescription,
		"num_palettes":      n,
	}
	return d.enqueue(ctx, userID, domain.TaskGenerate, domain.CategoryGenerateConcept, payload)
}

// EnqueueRefine validates, rate-checks and enqueues a refine task.
func (d *Dispatcher) EnqueueRefine(ctx context.Context, userID string, in RefineInput) (domain.Task, domain.RateDecision, error) {
	tracer := otel.Tracer("usecase.dispatch")
	ctx, span := tracer.Start(ctx, "EnqueueRefine")
	defer span.End()

	if strings.TrimSpace(in.RefinementPrompt) == "" {
		return domain.Task{}, domain.RateDecision{}, fmt.Errorf("op=dispatch.refine: empty refinement_prompt: %w", domain.ErrInvalidArgument)
	}
	if len(in.RefinementPrompt) > MaxDescriptionLen {
		return domain.Task{}, domain.RateDecision{}, fmt.Errorf("op=dispatch.refine: refinement_prompt too long: %w", domain.ErrInvalidArgument)
	}
	if (in.ConceptID == "") == (in.OriginalImageURL == "") {
		return domain.Task{}, domain.RateDecision{}, fmt.Errorf("op=dispatch.refine: exactly one of concept_id or original_image_url required: %w", domain.ErrInvalidArgument)
	}
	for _, a := range in.PreserveAspects {
		if !domain.PreserveAspects[a] {
			return domain.Task{}, domain.RateDecision{}, fmt.Errorf("op=dispatch.refine: unknown preserve aspect %q: %w", a, domain.ErrInvalidArgument)
		}
	}

	payload := map[string]any{
		"refinement_prompt": in.RefinementPrompt,
	}
	if in.ConceptID != "" {
		payload["concept_id"] = in.ConceptID
	}
	if in.OriginalImageURL != "" {
		payload["original_image_url"] = in.OriginalImageURL
	}
	if len(in.PreserveAspects) > 0 {
		payload["preserve_aspects"] = in.PreserveAspects
	}
	if in.UpdatedLogoDescription != "" {
		payload["updated_logo_description"] = in.UpdatedLogoDescription
	}
	if in.UpdatedThemeDescription != "" {
		payload["updated_theme_description"] = in.UpdatedThemeDescription
	}
	return d.enqueue(ctx, userID, domain.TaskRefine, domain.CategoryRefineConcept, payload)
}

func (d *Dispatcher) enqueue(ctx context.Context, userID string, typ domain.TaskType, category string, payload map[string]any) (domain.Task, domain.RateDecision, error) {
	lg := observability.LoggerFromContext(ctx)

	// Rate check first. A counter backend failure fails open: availability
	// beats strict enforcement here.
	dec, err := d.Rates.CheckAndDecrement(ctx, userID, category, 1)
	if err != nil {
		lg.Warn("rate counter unavailable, failing open",
			slog.String("category", category), slog.Any("error", err))
		dec = domain.RateDecision{Allowed: true, Limit: -1, Remaining: -1}
	}
	observability.RateLimitDecision(category, dec.Allowed)
	if !dec.Allowed {
		return domain.Task{}, dec, fmt.Errorf("op=dispatch: category=%s: %w", category, domain.ErrRateLimited)
	}

	active, err := d.Tasks.ListActive(ctx, userID, typ)
	if err != nil {
		d.refund(ctx, userID, category)
		return domain.Task{}, dec, fmt.Errorf("op=dispatch: list active: %w", err)
	}
	if len(active) > 0 {
		d.refund(ctx, userID, category)
		return active[0], dec, fmt.Errorf("op=dispatch: task %s still %s: %w", active[0].ID, active[0].Status, domain.ErrConflict)
	}

	id, err := d.Tasks.Create(ctx, domain.Task{
		UserID:   userID,
		Type:     typ,
		Status:   domain.TaskPending,
		Metadata: map[string]any{"request": payload},
	})
	if err != nil {
		d.refund(ctx, userID, category)
		return domain.Task{}, dec, fmt.Errorf("op=dispatch: create task: %w", err)
	}

	// A publish failure after the row exists is not rolled back: the row
	// stays pending and the reaper fails it with "not picked up". Rolling
	// back here would race a fast worker that already claimed the task.
	if err := d.Queue.PublishTask(ctx, domain.TaskMessage{
		TaskID:     id,
		UserID:     userID,
		Type:       typ,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}); err != nil {
		lg.Error("task publish failed, leaving pending for reaper",
			slog.String("task_id", id), slog.Any("error", err))
	}

	task, err := d.Tasks.Get(ctx, id)
	if err != nil {
		return domain.Task{}, dec, fmt.Errorf("op=dispatch: reload task: %w", err)
	}
	lg.Info("task dispatched", slog.String("task_id", id), slog.String("type", string(typ)))
	return task, dec, nil
}

func (d *Dispatcher) refund(ctx context.Context, userID, category string) {
	if err := d.Rates.Refund(ctx, userID, category, 1); err != nil {
		observability.LoggerFromContext(ctx).Warn("rate refund failed",
			slog.String("category", category), slog.Any("error", err))
	}
}

func validateDescription(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("op=dispatch: empty %s: %w", field, domain.ErrInvalidArgument)
	}
	if len(v) > MaxDescriptionLen {
		return fmt.Errorf("op=dispatch: %s exceeds %d chars: %w", field, MaxDescriptionLen, domain.ErrInvalidArgument)
	}
	return nil
}
