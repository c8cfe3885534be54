package redpanda

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/conceptforge/conceptforge/internal/adapter/observability"
	"github.com/conceptforge/conceptforge/internal/config"
	"github.com/conceptforge/conceptforge/internal/domain"
	"github.com/conceptforge/conceptforge/pkg/imgx"
)

// Workflow executes one task end to end after the consumer claims it. All
// state lives in the task row and the repositories; the workflow itself is
// stateless and safe for concurrent invocations.
type Workflow struct {
	Tasks    domain.TaskRepository
	Concepts domain.ConceptRepository
	Blobs    domain.BlobStore
	Provider domain.ImageProvider

	Buckets      config.Buckets
	TaskDeadline time.Duration
	Parallelism  int
	NumPalettes  int

	// Fetches original_image_url refine sources.
	HTTP *http.Client
}

// NewWorkflow wires a Workflow from config.
func NewWorkflow(cfg config.Config, tasks domain.TaskRepository, concepts domain.ConceptRepository, blobs domain.BlobStore, provider domain.ImageProvider) *Workflow {
	return &Workflow{
		Tasks:        tasks,
		Concepts:     concepts,
		Blobs:        blobs,
		Provider:     provider,
		Buckets:      cfg.BucketNames(),
		TaskDeadline: cfg.WorkerTaskDeadline,
		Parallelism:  cfg.WorkerParallelism,
		NumPalettes:  cfg.NumPalettesDefault,
		HTTP:         &http.Client{Timeout: 30 * time.Second},
	}
}

// HandleTask claims the task and runs its workflow. Every outcome is
// recorded on the task row before returning, so the consumer can always
// commit the offset: duplicates and redeliveries hit the status guard and
// turn into no-ops.
func (w *Workflow) HandleTask(ctx context.Context, msg domain.TaskMessage) error {
	tracer := otel.Tracer("worker.workflow")
	ctx, span := tracer.Start(ctx, "HandleTask")
	defer span.End()
	lg := observability.LoggerFromContext(ctx)

	task, err := w.Tasks.Transition(ctx, msg.TaskID, domain.TaskPending, domain.TaskProcessing, domain.TaskPatch{})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrConflict):
			// Duplicate delivery or another worker owns it. Either way the
			// row's owner finishes the job; drop the message.
			lg.Info("task already claimed", slog.String("status", string(task.Status)))
			return nil
		case errors.Is(err, domain.ErrNotFound):
			lg.Warn("task message for unknown task, dropping")
			return nil
		default:
			return fmt.Errorf("op=workflow.claim: %w", err)
		}
	}
	observability.StartProcessingTask(string(task.Type))

	ctx, cancel := context.WithTimeout(ctx, w.TaskDeadline)
	defer cancel()

	if task.IsCancelled {
		return w.fail(ctx, task, "cancelled")
	}

	// The claimed row is the source of truth for the request; the message
	// body is only a fallback for rows written without one.
	payload := msg.Payload
	if req, ok := task.Metadata["request"].(map[string]any); ok {
		payload = req
	}

	var resultID string
	var meta map[string]any
	switch task.Type {
	case domain.TaskGenerate:
		resultID, meta, err = w.runGenerate(ctx, task, payload)
	case domain.TaskRefine:
		resultID, meta, err = w.runRefine(ctx, task, payload)
	default:
		err = fmt.Errorf("unknown task type %q: %w", task.Type, domain.ErrInvalidArgument)
	}
	if err != nil {
		lg.Error("workflow error", slog.Any("error", err))
		return w.fail(ctx, task, brief(err))
	}

	_, err = w.Tasks.Transition(ctx, task.ID, domain.TaskProcessing, domain.TaskCompleted,
		domain.TaskPatch{ResultID: &resultID, Metadata: meta})
	if err != nil {
		observability.AbandonTask(string(task.Type))
		if errors.Is(err, domain.ErrConflict) {
			// The reaper or a cancel raced us after the work finished.
			lg.Warn("completion lost to concurrent transition")
			return nil
		}
		return fmt.Errorf("op=workflow.complete: %w", err)
	}
	observability.CompleteTask(string(task.Type))
	lg.Info("task completed", slog.String("result_id", resultID))
	return nil
}

// fail moves the task to failed. A conflict means someone else already
// terminated it, which is fine.
func (w *Workflow) fail(ctx context.Context, task domain.Task, msg string) error {
	// The deadline may already be exhausted; recording failure must not be.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}
	_, err := w.Tasks.Transition(ctx, task.ID, domain.TaskProcessing, domain.TaskFailed,
		domain.TaskPatch{ErrorMessage: &msg})
	if err != nil {
		// Someone else terminated the row; their transition owns the outcome
		// counter, this invocation only leaves the in-flight gauge.
		observability.AbandonTask(string(task.Type))
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return fmt.Errorf("op=workflow.fail: %w", err)
	}
	observability.FailTask(string(task.Type))
	return nil
}

// cancelled re-reads the cancellation flag between stages.
func (w *Workflow) cancelled(ctx context.Context, id string) bool {
	t, err := w.Tasks.Get(ctx, id)
	return err == nil && t.IsCancelled
}

type variationResult struct {
	palette domain.Palette
	data    []byte
	path    string
	err     error
	// Provider error that a local recolor repaired; surfaced in the
	// partial_failures metadata even though the slot produced a variation.
	recovered error
}

// runGenerate implements the generate workflow: suggest palettes, render
// one image per slot with bounded parallelism, upload everything, then
// write concept and variations in one transaction. The unforced Original
// occupies the first of the requested slots.
func (w *Workflow) runGenerate(ctx context.Context, task domain.Task, payload map[string]any) (string, map[string]any, error) {
	lg := observability.LoggerFromContext(ctx)
	logoDesc := payloadString(payload, "logo_description")
	themeDesc := payloadString(payload, "theme_description")
	if logoDesc == "" || themeDesc == "" {
		return "", nil, fmt.Errorf("missing descriptions: %w", domain.ErrInvalidArgument)
	}
	n := payloadInt(payload, "num_palettes", w.NumPalettes)
	if n < 1 {
		n = 1
	}
	if n > 10 {
		n = 10
	}

	// Slot 0 is the Original rendering with no forced colors. It counts
	// toward the requested total, so only n-1 palettes come from the provider.
	slots := make([]variationResult, 1, n)
	slots[0] = variationResult{palette: domain.Palette{Name: "Original"}}
	if n > 1 {
		palettes, err := w.Provider.SuggestPalettes(ctx, logoDesc, themeDesc, n-1)
		if err != nil {
			return "", nil, fmt.Errorf("suggest palettes: %w", err)
		}
		for _, p := range palettes {
			slots = append(slots, variationResult{palette: p})
		}
	}
	if w.cancelled(ctx, task.ID) {
		return "", nil, errors.New("cancelled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.Parallelism)
	for i := range slots {
		i := i
		g.Go(func() error {
			s := &slots[i]
			data, err := w.Provider.Generate(gctx, domain.GenerateRequest{
				LogoDescription:  logoDesc,
				ThemeDescription: themeDesc,
				PaletteColors:    s.palette.Colors,
			})
			if err != nil {
				s.err = err
				return nil
			}
			s.data = data
			s.path, s.err = w.upload(gctx, s.palette.Name, data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", nil, err
	}

	original := &slots[0]
	// Post-hoc recolor fallback: a palette whose generation failed can still
	// be produced by recoloring the Original locally.
	if original.err == nil {
		for i := 1; i < len(slots); i++ {
			s := &slots[i]
			if s.err == nil {
				continue
			}
			recolored, rerr := imgx.ApplyPalette(original.data, s.palette.Colors)
			if rerr != nil {
				lg.Warn("palette fallback failed",
					slog.String("palette", s.palette.Name),
					slog.Any("error", rerr))
				continue
			}
			if path, uerr := w.upload(ctx, s.palette.Name, recolored); uerr == nil {
				s.data, s.path = recolored, path
				s.recovered, s.err = s.err, nil
				lg.Info("palette recolored locally", slog.String("palette", s.palette.Name))
			}
		}
	}

	var vars []domain.Variation
	var partial []map[string]any
	var uploaded []string
	for i := range slots {
		s := &slots[i]
		if s.err != nil {
			partial = append(partial, map[string]any{
				"palette": s.palette.Name,
				"error":   brief(s.err),
			})
			continue
		}
		if s.recovered != nil {
			// The slot produced a variation, but the provider failure still
			// belongs in the task record.
			partial = append(partial, map[string]any{
				"palette":  s.palette.Name,
				"error":    brief(s.recovered),
				"fallback": "local_recolor",
			})
		}
		uploaded = append(uploaded, s.path)
		colors := s.palette.Colors
		if len(colors) == 0 {
			// The Original carries its actual rendered colors.
			if extracted, eerr := imgx.ExtractPalette(s.data, domain.PaletteSize); eerr == nil {
				colors = extracted
			}
		}
		vars = append(vars, domain.Variation{
			PaletteName: s.palette.Name,
			Colors:      colors,
			ImagePath:   s.path,
		})
	}
	if len(vars) == 0 {
		return "", nil, fmt.Errorf("all renderings failed: %w", firstErr(slots))
	}
	if w.cancelled(ctx, task.ID) {
		w.cleanupBlobs(ctx, uploaded)
		return "", nil, errors.New("cancelled")
	}

	imagePath := vars[0].ImagePath
	if original.err == nil {
		imagePath = original.path
	}
	conceptID, err := w.Concepts.CreateWithVariations(ctx, domain.Concept{
		UserID:           task.UserID,
		LogoDescription:  logoDesc,
		ThemeDescription: themeDesc,
		ImagePath:        imagePath,
	}, vars)
	if err != nil {
		w.cleanupBlobs(ctx, uploaded)
		return "", nil, fmt.Errorf("store concept: %w", err)
	}

	observability.VariationsGenerated.Observe(float64(len(vars)))
	var meta map[string]any
	if len(partial) > 0 {
		meta = map[string]any{"partial_failures": partial}
	}
	return conceptID, meta, nil
}

// runRefine implements the refine workflow: fetch the base image, ask the
// provider to rework it, store the result as a fresh single-variation
// concept.
func (w *Workflow) runRefine(ctx context.Context, task domain.Task, payload map[string]any) (string, map[string]any, error) {
	instructions := payloadString(payload, "refinement_prompt")
	if instructions == "" {
		return "", nil, fmt.Errorf("missing refinement_prompt: %w", domain.ErrInvalidArgument)
	}

	logoDesc := payloadString(payload, "updated_logo_description")
	themeDesc := payloadString(payload, "updated_theme_description")

	var base []byte
	switch {
	case payloadString(payload, "concept_id") != "":
		src, err := w.Concepts.Get(ctx, payloadString(payload, "concept_id"))
		if err != nil {
			return "", nil, fmt.Errorf("load source concept: %w", err)
		}
		base, err = w.Blobs.Get(ctx, src.ImagePath)
		if err != nil {
			return "", nil, fmt.Errorf("load source image: %w", err)
		}
		if logoDesc == "" {
			logoDesc = src.LogoDescription
		}
		if themeDesc == "" {
			themeDesc = src.ThemeDescription
		}
	case payloadString(payload, "original_image_url") != "":
		var err error
		base, err = w.fetchImage(ctx, payloadString(payload, "original_image_url"))
		if err != nil {
			return "", nil, err
		}
	default:
		return "", nil, fmt.Errorf("missing image source: %w", domain.ErrInvalidArgument)
	}
	if w.cancelled(ctx, task.ID) {
		return "", nil, errors.New("cancelled")
	}

	refined, err := w.Provider.Refine(ctx, domain.RefineRequest{
		BaseImage:               base,
		Instructions:            instructions,
		PreserveAspects:         payloadStrings(payload, "preserve_aspects"),
		UpdatedLogoDescription:  logoDesc,
		UpdatedThemeDescription: themeDesc,
	})
	if err != nil {
		return "", nil, fmt.Errorf("refine: %w", err)
	}
	if w.cancelled(ctx, task.ID) {
		return "", nil, errors.New("cancelled")
	}

	path, err := w.upload(ctx, "Original", refined)
	if err != nil {
		return "", nil, err
	}
	colors, _ := imgx.ExtractPalette(refined, domain.PaletteSize)
	conceptID, err := w.Concepts.CreateWithVariations(ctx, domain.Concept{
		UserID:           task.UserID,
		LogoDescription:  logoDesc,
		ThemeDescription: themeDesc,
		ImagePath:        path,
	}, []domain.Variation{{PaletteName: "Original", Colors: colors, ImagePath: path}})
	if err != nil {
		w.cleanupBlobs(ctx, []string{path})
		return "", nil, fmt.Errorf("store concept: %w", err)
	}
	observability.VariationsGenerated.Observe(1)
	return conceptID, nil, nil
}

// upload stores image bytes under a fresh UUID key. The Original rendering
// goes to the concept bucket, recolors to the palette bucket.
func (w *Workflow) upload(ctx context.Context, paletteName string, data []byte) (string, error) {
	bucket := w.Buckets.Palette
	if paletteName == "Original" {
		bucket = w.Buckets.Concept
	}
	path := fmt.Sprintf("%s/%s.png", bucket, uuid.New().String())
	if err := w.Blobs.Put(ctx, path, data, "image/png"); err != nil {
		return "", fmt.Errorf("upload %s: %w", paletteName, err)
	}
	return path, nil
}

func (w *Workflow) cleanupBlobs(ctx context.Context, paths []string) {
	for _, p := range paths {
		if err := w.Blobs.Delete(ctx, p); err != nil {
			slog.Warn("blob cleanup failed", slog.String("path", p), slog.Any("error", err))
		}
	}
}

func (w *Workflow) fetchImage(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch source: %w", domain.ErrInvalidArgument)
	}
	resp, err := w.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch source: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch source: status %d: %w", resp.StatusCode, domain.ErrInvalidArgument)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, fmt.Errorf("fetch source: %w", err)
	}
	if mt := mimetype.Detect(b); !strings.HasPrefix(mt.String(), "image/") {
		return nil, fmt.Errorf("fetch source: %s is not an image: %w", mt.String(), domain.ErrInvalidArgument)
	}
	return b, nil
}

func firstErr(slots []variationResult) error {
	for i := range slots {
		if slots[i].err != nil {
			return slots[i].err
		}
	}
	return domain.ErrInternal
}

// brief trims an error chain to something fit for the task row.
func brief(err error) string {
	s := err.Error()
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func payloadString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func payloadInt(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func payloadStrings(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
