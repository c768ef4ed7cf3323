// Package server wires the HTTP API together.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrel-search/scripting/common/middleware"
	"github.com/kestrel-search/scripting/internal/auth"
	"github.com/kestrel-search/scripting/internal/handlers"
)

// NewRouter constructs the service mux. The /api/v1 subtree sits behind the
// auth middleware; probes and metrics stay open.
func NewRouter(h *handlers.Handler, authMw *auth.Middleware, corsOrigins []string) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("/api/v1/scripts", h.Scripts)
	api.HandleFunc("/api/v1/scripts/execute", h.Execute)
	api.HandleFunc("/api/v1/scripts/", h.ScriptByID)
	api.HandleFunc("/api/v1/docs/", h.Docs)
	api.HandleFunc("/api/v1/pipelines", h.Pipelines)
	api.HandleFunc("/api/v1/pipelines/simulate", h.Simulate)
	api.HandleFunc("/api/v1/pipelines/", h.PipelineByID)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.HealthCheck)
	mux.HandleFunc("/readyz", h.Readiness)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/v1/", authMw.Protect(api))

	cors := middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	})

	return middleware.RequestID(cors(mux))
}
