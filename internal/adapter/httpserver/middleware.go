package httpserver

import (
	"crypto/rand"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/conceptforge/conceptforge/internal/adapter/observability"
	"github.com/conceptforge/conceptforge/internal/domain"
)

// RequestID assigns a ULID to each request, propagates it through the
// context logger and echoes it in the X-Request-ID header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
		}
		ctx := observability.ContextWithRequestID(r.Context(), id)
		lg := observability.LoggerFromContext(ctx).With(slog.String("request_id", id))
		ctx = observability.ContextWithLogger(ctx, lg)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// AccessLog emits one structured line per request.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		observability.LoggerFromContext(r.Context()).Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", sw.status),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote", r.RemoteAddr))
	})
}

// SecurityHeaders sets the standard hardening headers on every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// RateLimitHeaders attaches X-RateLimit-* headers for one category in a
// single place instead of per handler. The snapshot is taken before the
// handler runs (headers must precede the status line); handlers that
// consume the bucket overwrite the triple with their own decision values.
func RateLimitHeaders(rates domain.RateCounter, category string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if userID := UserIDFromContext(r.Context()); userID != "" {
				if snap, err := rates.Snapshot(r.Context(), userID); err == nil {
					if st, ok := snap[category]; ok {
						setRateHeaders(w, st)
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// setRateHeaders writes the standard header triple from one bucket state.
func setRateHeaders(w http.ResponseWriter, st domain.RateState) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(st.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(st.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(st.ResetAfterSeconds, 10))
}
