package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kestrel-search/scripting/common/httputil"
	"github.com/kestrel-search/scripting/internal/auth"
	"github.com/kestrel-search/scripting/internal/metrics"
	"github.com/kestrel-search/scripting/internal/script"
	"github.com/kestrel-search/scripting/internal/script/engine"
)

// Scripts handles GET /api/v1/scripts.
func (h *Handler) Scripts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.methodNotAllowed(w, http.MethodGet)
		return
	}

	scripts, err := h.scripts.List(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"scripts": scripts,
		"count":   len(scripts),
	})
}

// ScriptByID handles PUT/GET/DELETE /api/v1/scripts/{id}.
func (h *Handler) ScriptByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/scripts/")
	if id == "" || strings.ContainsRune(id, '/') {
		httputil.WriteError(w, http.StatusBadRequest, "script id must be provided")
		return
	}

	switch r.Method {
	case http.MethodPut:
		h.putScript(w, r, id)
	case http.MethodGet:
		h.getScript(w, r, id)
	case http.MethodDelete:
		h.deleteScript(w, r, id)
	default:
		h.methodNotAllowed(w, http.MethodPut, http.MethodGet, http.MethodDelete)
	}
}

type putScriptRequest struct {
	Script script.Script `json:"script"`
}

func (h *Handler) putScript(w http.ResponseWriter, r *http.Request, id string) {
	var req putScriptRequest
	if err := httputil.DecodeJSON(w, r, &req, httputil.DefaultMaxBodyBytes); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	stored, err := h.scripts.Put(r.Context(), id, req.Script, auth.UserID(r.Context()))
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

func (h *Handler) getScript(w http.ResponseWriter, r *http.Request, id string) {
	stored, err := h.scripts.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stored)
}

func (h *Handler) deleteScript(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.scripts.Delete(r.Context(), id, auth.UserID(r.Context())); err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"acknowledged": true})
}

type executeRequest struct {
	// ID references a stored script; Script supplies one inline. Exactly
	// one must be set.
	ID     string         `json:"id,omitempty"`
	Script *script.Script `json:"script,omitempty"`

	// Context selects the execution context. Defaults to "execute".
	Context string `json:"context,omitempty"`

	// Params overrides the script's own params when present.
	Params map[string]interface{} `json:"params,omitempty"`

	// Document is the input document for filter, update and ingest runs.
	Document map[string]interface{} `json:"document,omitempty"`
}

type executeResponse struct {
	Result  interface{}            `json:"result,omitempty"`
	Matched *bool                  `json:"matched,omitempty"`
	Doc     map[string]interface{} `json:"doc,omitempty"`
	Ctx     map[string]interface{} `json:"ctx,omitempty"`
}

// Execute handles POST /api/v1/scripts/execute.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req executeRequest
	if err := httputil.DecodeJSON(w, r, &req, httputil.DefaultMaxBodyBytes); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	scriptCtx := req.Context
	if scriptCtx == "" {
		scriptCtx = script.ContextExecute
	}
	if !script.ValidContext(scriptCtx) {
		httputil.WriteError(w, http.StatusBadRequest, "unknown script context "+scriptCtx)
		return
	}

	compiled, params, err := h.resolveScript(r.Context(), req.ID, req.Script)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if req.Params != nil {
		params = req.Params
	}

	resp, err := h.execute(r.Context(), compiled, scriptCtx, params, req.Document)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// resolveScript turns a stored-script reference or inline body into a
// compiled script, going through the shared compiled cache.
func (h *Handler) resolveScript(ctx context.Context, id string, inline *script.Script) (*engine.Compiled, map[string]interface{}, error) {
	switch {
	case id != "" && inline != nil:
		return nil, nil, fmt.Errorf("%w: provide either a stored script id or an inline script, not both", errInvalidRequest)
	case id != "":
		stored, err := h.scripts.Get(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		compiled, err := h.compiled.GetOrCompile(stored.Script)
		if err != nil {
			return nil, nil, err
		}
		return compiled, stored.Script.Params, nil
	case inline != nil:
		compiled, err := h.compiled.GetOrCompile(*inline)
		if err != nil {
			return nil, nil, err
		}
		return compiled, inline.Params, nil
	default:
		return nil, nil, fmt.Errorf("%w: a script is required", errInvalidRequest)
	}
}

func (h *Handler) execute(ctx context.Context, compiled *engine.Compiled, scriptCtx string, params, document map[string]interface{}) (*executeResponse, error) {
	start := time.Now()
	resp, err := h.executeInContext(ctx, compiled, scriptCtx, params, document)
	metrics.ExecutionDuration.Observe(time.Since(start).Seconds())

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ExecutionsTotal.WithLabelValues(scriptCtx, status).Inc()
	return resp, err
}

func (h *Handler) executeInContext(ctx context.Context, compiled *engine.Compiled, scriptCtx string, params, document map[string]interface{}) (*executeResponse, error) {
	eng := h.compiled.Engine()

	switch scriptCtx {
	case script.ContextExecute:
		res, err := eng.Execute(ctx, compiled, engine.Bindings{Params: params, Doc: document})
		if err != nil {
			return nil, err
		}
		return &executeResponse{Result: res.Value}, nil

	case script.ContextFilter:
		if document == nil {
			return nil, fmt.Errorf("%w: filter context requires a document", errInvalidRequest)
		}
		res, err := eng.Execute(ctx, compiled, engine.Bindings{Params: params, Doc: document})
		if err != nil {
			return nil, err
		}
		matched := res.Value != nil && res.Value != false
		return &executeResponse{Matched: &matched}, nil

	case script.ContextUpdate:
		if document == nil {
			return nil, fmt.Errorf("%w: update context requires a document", errInvalidRequest)
		}
		res, err := eng.Execute(ctx, compiled, engine.Bindings{
			Params: params,
			Ctx: map[string]interface{}{
				"_source": document,
				"op":      "index",
			},
		})
		if err != nil {
			return nil, err
		}
		return &executeResponse{Ctx: res.Ctx}, nil

	case script.ContextIngest:
		if document == nil {
			return nil, fmt.Errorf("%w: ingest context requires a document", errInvalidRequest)
		}
		res, err := eng.Execute(ctx, compiled, engine.Bindings{Params: params, Ctx: document})
		if err != nil {
			return nil, err
		}
		return &executeResponse{Doc: res.Ctx}, nil
	}

	return nil, fmt.Errorf("%w: unknown script context %s", errInvalidRequest, scriptCtx)
}
