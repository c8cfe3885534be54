package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/conceptforge/conceptforge/internal/adapter/observability"
	"github.com/conceptforge/conceptforge/internal/domain"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Detail  string         `json:"detail"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, detail string, details map[string]any) {
	writeJSON(w, status, errorBody{Detail: detail, Details: details})
}

// respondError maps a domain error to its HTTP status and body. Internal
// details never leak: only sentinel classes pick the message.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	lg := observability.LoggerFromContext(r.Context())
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "Invalid request", map[string]any{"reason": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found", nil)
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, "An active task of this type already exists", nil)
	case errors.Is(err, domain.ErrRateLimited):
		// Callers with a RateDecision in hand use respondRateLimited instead.
		writeError(w, http.StatusTooManyRequests, "Rate limit exceeded", nil)
	default:
		lg.Error("request failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "Internal server error", nil)
	}
}

// respondRateLimited writes the 429 shape with reset info and Retry-After.
func respondRateLimited(w http.ResponseWriter, dec domain.RateDecision) {
	resetAfter := int64(dec.ResetAfter.Seconds())
	if resetAfter < 1 {
		resetAfter = 1
	}
	period := dec.Period
	if period == "" {
		period = "day"
	}
	w.Header().Set("Retry-After", strconv.FormatInt(resetAfter, 10))
	writeError(w, http.StatusTooManyRequests, "Rate limit exceeded", map[string]any{
		"limit":               dec.Limit,
		"current":             dec.Limit - dec.Remaining,
		"period":              period,
		"reset_after_seconds": resetAfter,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
