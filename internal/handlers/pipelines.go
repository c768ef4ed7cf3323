package handlers

import (
	"net/http"
	"strings"

	"github.com/kestrel-search/scripting/common/httputil"
	"github.com/kestrel-search/scripting/internal/auth"
	"github.com/kestrel-search/scripting/internal/pipeline"
)

// Pipelines handles GET /api/v1/pipelines and POST /api/v1/pipelines/simulate.
func (h *Handler) Pipelines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, http.MethodGet)
		return
	}

	pipelines, err := h.pipelines.List(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"pipelines": pipelines,
		"count":     len(pipelines),
	})
}

// PipelineByID handles PUT/GET/DELETE /api/v1/pipelines/{id} and
// POST /api/v1/pipelines/{id}/simulate.
func (h *Handler) PipelineByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/pipelines/")

	if id, ok := strings.CutSuffix(rest, "/simulate"); ok && id != "" && !strings.ContainsRune(id, '/') {
		if r.Method != http.MethodPost {
			h.methodNotAllowed(w, http.MethodPost)
			return
		}
		h.simulateStored(w, r, id)
		return
	}

	id := rest
	if id == "" || strings.ContainsRune(id, '/') {
		httputil.WriteError(w, http.StatusBadRequest, "pipeline id must be provided")
		return
	}

	switch r.Method {
	case http.MethodPut:
		h.putPipeline(w, r, id)
	case http.MethodGet:
		h.getPipeline(w, r, id)
	case http.MethodDelete:
		h.deletePipeline(w, r, id)
	default:
		h.methodNotAllowed(w, http.MethodPut, http.MethodGet, http.MethodDelete)
	}
}

func (h *Handler) putPipeline(w http.ResponseWriter, r *http.Request, id string) {
	var def pipeline.Definition
	if err := httputil.DecodeJSON(w, r, &def, httputil.DefaultMaxBodyBytes); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	def.ID = id

	stored, err := h.pipelines.Put(r.Context(), &def, auth.UserID(r.Context()))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if stored.Version > 1 {
		status = http.StatusOK
	}
	httputil.WriteJSON(w, status, stored)
}

func (h *Handler) getPipeline(w http.ResponseWriter, r *http.Request, id string) {
	def, err := h.pipelines.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, def)
}

func (h *Handler) deletePipeline(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.pipelines.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
}

type simulateRequest struct {
	// Pipeline is the ad-hoc definition for /pipelines/simulate. Ignored
	// for the stored variant.
	Pipeline *pipeline.Definition     `json:"pipeline,omitempty"`
	Docs     []map[string]interface{} `json:"docs"`
}

type simulateResponse struct {
	Docs []pipeline.DocResult `json:"docs"`
}

// Simulate handles POST /api/v1/pipelines/simulate with an inline
// pipeline definition.
func (h *Handler) Simulate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req simulateRequest
	if err := httputil.DecodeJSON(w, r, &req, httputil.DefaultMaxBodyBytes); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Pipeline == nil {
		httputil.WriteError(w, http.StatusBadRequest, "a pipeline definition is required")
		return
	}
	if req.Pipeline.ID == "" {
		req.Pipeline.ID = "_simulate"
	}

	results, err := h.pipelines.Simulate(r.Context(), req.Pipeline, req.Docs, verbose(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, simulateResponse{Docs: results})
}

func (h *Handler) simulateStored(w http.ResponseWriter, r *http.Request, id string) {
	var req simulateRequest
	if err := httputil.DecodeJSON(w, r, &req, httputil.DefaultMaxBodyBytes); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := h.pipelines.SimulateStored(r.Context(), id, req.Docs, verbose(r))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, simulateResponse{Docs: results})
}

func verbose(r *http.Request) bool {
	return r.URL.Query().Get("verbose") == "true"
}
