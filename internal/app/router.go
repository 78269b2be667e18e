package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clipforge/orchestrator/internal/adapter/httpserver"
	"github.com/clipforge/orchestrator/internal/adapter/observability"
	"github.com/clipforge/orchestrator/internal/config"
	"github.com/clipforge/orchestrator/internal/domain"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
// wsHandler serves the push channel; probes feed /readyz.
func BuildRouter(cfg config.Config, srv *httpserver.Server, wsHandler http.Handler, probes map[string]func(ctx domain.Context) error) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Mutating endpoints carry request timeouts and per-IP rate limits. The
	// push channel and the internal callback stay outside both.
	r.Group(func(wr chi.Router) {
		wr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/convert", srv.ConvertHandler())
		wr.Post("/validate", srv.ValidateHandler())
		wr.Post("/status/{jobId}/cancel", srv.CancelHandler())
	})

	r.Group(func(rr chi.Router) {
		rr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		rr.Get("/status/{jobId}", srv.StatusHandler())
		rr.Get("/platforms", srv.PlatformsHandler())
	})

	r.Post("/internal/progress", srv.ProgressCallbackHandler())
	r.Handle("/ws", wsHandler)

	r.Get("/healthz", httpserver.HealthzHandler())
	r.Get("/readyz", httpserver.ReadyzHandler(probes))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
