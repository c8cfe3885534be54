package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Total number of image provider requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Image provider request duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"operation"},
	)

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
		[]string{"type"},
	)
	TasksProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tasks_processing",
			Help: "Number of tasks currently processing",
		},
		[]string{"type"},
	)
	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_completed_total",
			Help: "Total number of tasks completed",
		},
		[]string{"type"},
	)
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_failed_total",
			Help: "Total number of tasks failed",
		},
		[]string{"type"},
	)
	TasksReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_reaped_total",
			Help: "Total number of stalled tasks failed by the reaper",
		},
		[]string{"stalled_in"},
	)
	RateLimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Rate limit check outcomes per category",
		},
		[]string{"category", "outcome"},
	)
	VariationsGenerated = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "generation_variations_stored",
			Help:    "Distribution of variations stored per completed generation",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11},
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ProviderRequestsTotal)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(TasksProcessing)
	prometheus.MustRegister(TasksCompletedTotal)
	prometheus.MustRegister(TasksFailedTotal)
	prometheus.MustRegister(TasksReapedTotal)
	prometheus.MustRegister(RateLimitDecisionsTotal)
	prometheus.MustRegister(VariationsGenerated)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueTask(taskType string) {
	TasksEnqueuedTotal.WithLabelValues(taskType).Inc()
}

func StartProcessingTask(taskType string) {
	TasksProcessing.WithLabelValues(taskType).Inc()
}

func CompleteTask(taskType string) {
	TasksProcessing.WithLabelValues(taskType).Dec()
	TasksCompletedTotal.WithLabelValues(taskType).Inc()
}

func FailTask(taskType string) {
	TasksProcessing.WithLabelValues(taskType).Dec()
	TasksFailedTotal.WithLabelValues(taskType).Inc()
}

// AbandonTask releases the in-flight gauge without counting an outcome,
// for invocations whose task another actor already terminated.
func AbandonTask(taskType string) {
	TasksProcessing.WithLabelValues(taskType).Dec()
}

func ReapTask(stalledIn string) {
	TasksReapedTotal.WithLabelValues(stalledIn).Inc()
}

func RateLimitDecision(category string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "limited"
	}
	RateLimitDecisionsTotal.WithLabelValues(category, outcome).Inc()
}
