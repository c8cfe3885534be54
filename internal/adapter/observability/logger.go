// Package observability provides logging, metrics, and tracing.
//
// It wires slog-based structured logging, Prometheus metrics, and
// OpenTelemetry tracing for both the API server and the worker.
package observability

import (
	"log/slog"
	"os"
	"strings"

	"github.com/conceptforge/conceptforge/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.IsDev() || strings.EqualFold(cfg.LogLevel, "DEBUG") {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}
