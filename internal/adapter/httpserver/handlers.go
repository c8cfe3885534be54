// Package httpserver implements the JSON API under /api. Handlers stay
// thin: decode, call a usecase, map the result onto the wire shapes.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/conceptforge/conceptforge/internal/domain"
	"github.com/conceptforge/conceptforge/internal/usecase"
)

// TaskEventSource streams status changes for one task. The returned cancel
// must be called when the subscriber goes away. Implemented by the status
// channel in internal/app.
type TaskEventSource interface {
	Subscribe(taskID string) (<-chan domain.TaskChange, func())
}

// Server holds the wired usecases behind the HTTP handlers.
type Server struct {
	Dispatcher *usecase.Dispatcher
	Registry   *usecase.Registry
	Concepts   *usecase.Concepts
	Exporter   *usecase.Exporter
	Rates      domain.RateCounter
	// Optional; nil falls back to polling in the SSE handler.
	Events TaskEventSource
}

// Wire shapes

type taskResponse struct {
	TaskID       string         `json:"task_id"`
	Status       string         `json:"status"`
	Type         string         `json:"type"`
	ResultID     string         `json:"result_id,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	IsCancelled  bool           `json:"is_cancelled"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func toTaskResponse(t domain.Task) taskResponse {
	return taskResponse{
		TaskID:       t.ID,
		Status:       string(t.Status),
		Type:         string(t.Type),
		ResultID:     t.ResultID,
		ErrorMessage: t.ErrorMessage,
		Metadata:     t.Metadata,
		IsCancelled:  t.IsCancelled,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

type variationResponse struct {
	VariationID string    `json:"variation_id"`
	PaletteName string    `json:"palette_name"`
	Colors      []string  `json:"colors"`
	ImageURL    string    `json:"image_url"`
	CreatedAt   time.Time `json:"created_at"`
}

type conceptResponse struct {
	ConceptID        string              `json:"concept_id"`
	LogoDescription  string              `json:"logo_description"`
	ThemeDescription string              `json:"theme_description"`
	ImageURL         string              `json:"image_url"`
	CreatedAt        time.Time           `json:"created_at"`
	Variations       []variationResponse `json:"variations,omitempty"`
}

func toConceptResponse(v usecase.ConceptView) conceptResponse {
	out := conceptResponse{
		ConceptID:        v.Concept.ID,
		LogoDescription:  v.Concept.LogoDescription,
		ThemeDescription: v.Concept.ThemeDescription,
		ImageURL:         v.ImageURL,
		CreatedAt:        v.Concept.CreatedAt,
	}
	for i, vr := range v.Concept.Variations {
		url := vr.ImagePath
		if i < len(v.VariationURLs) {
			url = v.VariationURLs[i]
		}
		out.Variations = append(out.Variations, variationResponse{
			VariationID: vr.ID,
			PaletteName: vr.PaletteName,
			Colors:      vr.Colors,
			ImageURL:    url,
			CreatedAt:   vr.CreatedAt,
		})
	}
	return out
}

// Handlers

type generateRequest struct {
	LogoDescription  string `json:"logo_description" validate:"required,max=500"`
	ThemeDescription string `json:"theme_description" validate:"required,max=500"`
	NumPalettes      int    `json:"num_palettes" validate:"omitempty,min=1,max=10"`
}

// EnqueueGenerate handles POST /api/concepts/generate-with-palettes.
func (s *Server) EnqueueGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	task, dec, err := s.Dispatcher.EnqueueGenerate(r.Context(), UserIDFromContext(r.Context()), usecase.GenerateInput{
		LogoDescription:  req.LogoDescription,
		ThemeDescription: req.ThemeDescription,
		NumPalettes:      req.NumPalettes,
	})
	s.respondEnqueue(w, r, task, dec, err)
}

type refineRequest struct {
	ConceptID               string   `json:"concept_id" validate:"omitempty,uuid"`
	OriginalImageURL        string   `json:"original_image_url" validate:"omitempty,url"`
	RefinementPrompt        string   `json:"refinement_prompt" validate:"required,max=500"`
	PreserveAspects         []string `json:"preserve_aspects" validate:"omitempty,dive,oneof=layout colors style symbols proportions"`
	UpdatedLogoDescription  string   `json:"updated_logo_description" validate:"omitempty,max=500"`
	UpdatedThemeDescription string   `json:"updated_theme_description" validate:"omitempty,max=500"`
}

// EnqueueRefine handles POST /api/concepts/refine.
func (s *Server) EnqueueRefine(w http.ResponseWriter, r *http.Request) {
	var req refineRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	task, dec, err := s.Dispatcher.EnqueueRefine(r.Context(), UserIDFromContext(r.Context()), usecase.RefineInput{
		ConceptID:               req.ConceptID,
		OriginalImageURL:        req.OriginalImageURL,
		RefinementPrompt:        req.RefinementPrompt,
		PreserveAspects:         req.PreserveAspects,
		UpdatedLogoDescription:  req.UpdatedLogoDescription,
		UpdatedThemeDescription: req.UpdatedThemeDescription,
	})
	s.respondEnqueue(w, r, task, dec, err)
}

func (s *Server) respondEnqueue(w http.ResponseWriter, r *http.Request, task domain.Task, dec domain.RateDecision, err error) {
	if err != nil {
		if errors.Is(err, domain.ErrRateLimited) {
			respondRateLimited(w, dec)
			return
		}
		respondError(w, r, err)
		return
	}
	if dec.Limit >= 0 {
		setRateHeaders(w, domain.RateState{
			Limit:             dec.Limit,
			Remaining:         dec.Remaining,
			Period:            dec.Period,
			ResetAfterSeconds: int64(dec.ResetAfter.Seconds()),
		})
	}
	writeJSON(w, http.StatusAccepted, toTaskResponse(task))
}

// GetTask handles GET /api/tasks/{task_id}.
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.Registry.GetTask(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "taskID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(task))
}

// ListTasks handles GET /api/tasks.
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := s.Registry.ListTasks(r.Context(), UserIDFromContext(r.Context()), domain.TaskFilter{
		Status: domain.TaskStatus(q.Get("status")),
		Type:   domain.TaskType(q.Get("type")),
		Limit:  queryInt(r, "limit", 0),
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := make([]taskResponse, len(tasks))
	for i, t := range tasks {
		out[i] = toTaskResponse(t)
	}
	writeJSON(w, http.StatusOK, out)
}

// CancelTask handles POST /api/tasks/{task_id}/cancel. Idempotent: repeat
// cancels return the same terminal state.
func (s *Server) CancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.Registry.Cancel(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "taskID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(task))
}

// TaskEvents handles GET /api/tasks/{task_id}/events: an SSE stream of
// status changes, closing after the terminal event. Falls back to polling
// when the change feed is unavailable.
func (s *Server) TaskEvents(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	taskID := chi.URLParam(r, "taskID")
	task, err := s.Registry.GetTask(r.Context(), userID, taskID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, fmt.Errorf("streaming unsupported: %w", domain.ErrInternal))
		return
	}
	// The stream must outlive the server's global write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	send := func(ev domain.TaskChange) {
		b, _ := json.Marshal(ev)
		_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}
	// Current state first, so subscribers of finished tasks get one event.
	send(domain.TaskChange{
		TaskID:       task.ID,
		NewStatus:    task.Status,
		ResultID:     task.ResultID,
		ErrorMessage: task.ErrorMessage,
	})
	if task.Status.Terminal() {
		return
	}

	if s.Events != nil {
		ch, cancel := s.Events.Subscribe(taskID)
		defer cancel()
		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-ch:
				if !ok {
					s.pollEvents(r.Context(), w, flusher, userID, taskID, task.Status)
					return
				}
				send(ev)
				if ev.NewStatus.Terminal() {
					return
				}
			}
		}
	}
	s.pollEvents(r.Context(), w, flusher, userID, taskID, task.Status)
}

// pollEvents is the degraded path: short-interval polling of the task row.
func (s *Server) pollEvents(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, userID, taskID string, last domain.TaskStatus) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task, err := s.Registry.GetTask(ctx, userID, taskID)
			if err != nil {
				return
			}
			if task.Status == last {
				continue
			}
			b, _ := json.Marshal(domain.TaskChange{
				TaskID:       task.ID,
				OldStatus:    last,
				NewStatus:    task.Status,
				ResultID:     task.ResultID,
				ErrorMessage: task.ErrorMessage,
			})
			_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
			if task.Status.Terminal() {
				return
			}
			last = task.Status
		}
	}
}

// GetConcept handles GET /api/concepts/{id}.
func (s *Server) GetConcept(w http.ResponseWriter, r *http.Request) {
	view, err := s.Concepts.Get(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "conceptID"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConceptResponse(view))
}

// ListConcepts handles GET /api/concepts/list.
func (s *Server) ListConcepts(w http.ResponseWriter, r *http.Request) {
	views, err := s.Concepts.List(r.Context(), UserIDFromContext(r.Context()), queryInt(r, "limit", 10))
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := make([]conceptResponse, len(views))
	for i, v := range views {
		out[i] = toConceptResponse(v)
	}
	writeJSON(w, http.StatusOK, out)
}

// DeleteConcept handles DELETE /api/concepts/{id}.
func (s *Server) DeleteConcept(w http.ResponseWriter, r *http.Request) {
	if err := s.Concepts.Delete(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "conceptID")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type exportRequest struct {
	ImageIdentifier string `json:"image_identifier" validate:"required"`
	TargetFormat    string `json:"target_format" validate:"required,oneof=png jpg jpeg webp svg"`
	TargetSize      int    `json:"target_size" validate:"omitempty,min=1"`
}

// ExportProcess handles POST /api/export/process, returning raw image bytes.
func (s *Server) ExportProcess(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	data, contentType, err := s.Exporter.Export(r.Context(), UserIDFromContext(r.Context()), usecase.ExportInput{
		ImageIdentifier: req.ImageIdentifier,
		TargetFormat:    req.TargetFormat,
		TargetSize:      req.TargetSize,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// RateLimitSnapshot handles GET /api/health/rate-limits.
func (s *Server) RateLimitSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Rates.Snapshot(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rate_limits": snap})
}

// Ping handles GET /api/health/ping.
func (s *Server) Ping(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
