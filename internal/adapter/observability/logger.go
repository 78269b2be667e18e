// Package observability provides logging, metrics, and tracing.
//
// It wires slog JSON logging, Prometheus metrics and OpenTelemetry tracing
// for both the HTTP surface and the background workers.
package observability

import (
	"log/slog"
	"os"

	"github.com/clipforge/orchestrator/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
	return logger
}
