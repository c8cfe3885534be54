package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/conceptforge/conceptforge/internal/adapter/httpserver"
	"github.com/conceptforge/conceptforge/internal/adapter/observability"
	"github.com/conceptforge/conceptforge/internal/config"
	"github.com/conceptforge/conceptforge/internal/domain"
)

// NewRouter assembles the full HTTP surface: operational endpoints at the
// root, the JSON API under /api behind auth.
func NewRouter(cfg config.Config, srv *httpserver.Server, resolver httpserver.UserResolver, pool *pgxpool.Pool, rdb *redis.Client) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(httpserver.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(httpserver.SecurityHeaders)
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(httpserver.AccessLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowOrigins, ","),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		if err := pool.Ping(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Route("/api", func(api chi.Router) {
		// Surge limiter per client IP, in front of the per-user category
		// limits enforced in the usecases.
		api.Use(httprate.LimitByIP(cfg.SurgeLimitPerMin, time.Minute))
		api.Use(httpserver.BearerAuth(resolver))

		api.Route("/concepts", func(c chi.Router) {
			c.With(httpserver.RateLimitHeaders(srv.Rates, domain.CategoryGenerateConcept)).
				Post("/generate-with-palettes", srv.EnqueueGenerate)
			c.With(httpserver.RateLimitHeaders(srv.Rates, domain.CategoryRefineConcept)).
				Post("/refine", srv.EnqueueRefine)
			c.With(httpserver.RateLimitHeaders(srv.Rates, domain.CategoryGetConcepts)).
				Get("/list", srv.ListConcepts)
			c.With(httpserver.RateLimitHeaders(srv.Rates, domain.CategoryGetConcepts)).
				Get("/{conceptID}", srv.GetConcept)
			c.Delete("/{conceptID}", srv.DeleteConcept)
		})

		api.Route("/tasks", func(t chi.Router) {
			t.Get("/", srv.ListTasks)
			t.Get("/{taskID}", srv.GetTask)
			t.Get("/{taskID}/events", srv.TaskEvents)
			t.Post("/{taskID}/cancel", srv.CancelTask)
		})

		api.With(httpserver.RateLimitHeaders(srv.Rates, domain.CategoryExportAction)).
			Post("/export/process", srv.ExportProcess)

		api.Route("/health", func(h chi.Router) {
			h.Get("/ping", srv.Ping)
			h.Get("/rate-limits", srv.RateLimitSnapshot)
		})
	})

	return r
}
