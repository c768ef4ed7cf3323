// Package handlers implements the HTTP API of the scripting service.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kestrel-search/scripting/common/httputil"
	"github.com/kestrel-search/scripting/internal/pipeline"
	"github.com/kestrel-search/scripting/internal/registry"
	"github.com/kestrel-search/scripting/internal/script"
	"github.com/kestrel-search/scripting/internal/script/cache"
	"github.com/kestrel-search/scripting/internal/script/engine"
	"github.com/kestrel-search/scripting/internal/update"
)

// errInvalidRequest marks request-shape errors that map to 400.
var errInvalidRequest = errors.New("invalid request")

// Handler carries the services behind the HTTP API.
type Handler struct {
	scripts   *registry.Service
	compiled  *cache.Cache
	updates   *update.Executor
	pipelines *pipeline.Service
	ready     func(ctx context.Context) error
	logger    *slog.Logger
}

// New creates a Handler. ready is polled by the readiness probe and may be
// nil when the service has no external dependencies to wait for.
func New(scripts *registry.Service, compiled *cache.Cache, updates *update.Executor, pipelines *pipeline.Service, ready func(ctx context.Context) error) *Handler {
	return &Handler{
		scripts:   scripts,
		compiled:  compiled,
		updates:   updates,
		pipelines: pipelines,
		ready:     ready,
		logger:    slog.Default().With(slog.String("component", "handlers")),
	}
}

// HealthCheck handles GET /healthz.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			httputil.WriteError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// writeServiceError maps domain errors onto HTTP status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var compileErr *engine.CompileError
	var execErr *engine.ExecError
	var illegalOp *update.IllegalOpError

	switch {
	case errors.Is(err, cache.ErrRateLimited):
		httputil.WriteError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &compileErr):
		httputil.WriteError(w, http.StatusBadRequest, compileErr.Error())
	case errors.As(err, &execErr):
		httputil.WriteError(w, http.StatusBadRequest, execErr.Error())
	case errors.As(err, &illegalOp):
		httputil.WriteError(w, http.StatusBadRequest, illegalOp.Error())
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, pipeline.ErrNotFound),
		errors.Is(err, update.ErrDocumentMissing):
		httputil.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrInvalidID),
		errors.Is(err, script.ErrUnsupportedLang),
		errors.Is(err, script.ErrEmptySource),
		errors.Is(err, script.ErrUnknownContext),
		errors.Is(err, pipeline.ErrInvalidDefinition),
		errors.Is(err, pipeline.ErrNoProcessors),
		errors.Is(err, errInvalidRequest):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, update.ErrConflict):
		httputil.WriteError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("request failed", slog.String("error", err.Error()))
		httputil.WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}
