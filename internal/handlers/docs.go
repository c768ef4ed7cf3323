package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/kestrel-search/scripting/common/httputil"
	"github.com/kestrel-search/scripting/internal/script"
	"github.com/kestrel-search/scripting/internal/update"
)

// Docs routes POST /api/v1/docs/{index}/{id}/update and
// POST /api/v1/docs/{index}/update-by-query.
func (h *Handler) Docs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.methodNotAllowed(w, http.MethodPost)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/docs/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 2 && parts[1] == "update-by-query" && parts[0] != "":
		h.updateByQuery(w, r, parts[0])
	case len(parts) == 3 && parts[2] == "update" && parts[0] != "" && parts[1] != "":
		h.updateDoc(w, r, parts[0], parts[1])
	default:
		httputil.WriteError(w, http.StatusNotFound, "not found")
	}
}

type updateDocRequest struct {
	ID     string         `json:"id,omitempty"`
	Script *script.Script `json:"script,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`

	Upsert         map[string]interface{} `json:"upsert,omitempty"`
	ScriptedUpsert bool                   `json:"scripted_upsert,omitempty"`
}

func (h *Handler) updateDoc(w http.ResponseWriter, r *http.Request, index, id string) {
	var req updateDocRequest
	if err := httputil.DecodeJSON(w, r, &req, httputil.DefaultMaxBodyBytes); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
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

	upd := &update.Request{
		Index:           index,
		ID:              id,
		Script:          compiled,
		Params:          params,
		Upsert:          req.Upsert,
		ScriptedUpsert:  req.ScriptedUpsert,
		RetryOnConflict: -1,
	}

	q := r.URL.Query()
	if v := q.Get("retry_on_conflict"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.WriteError(w, http.StatusBadRequest, "retry_on_conflict must be a non-negative integer")
			return
		}
		upd.RetryOnConflict = n
	}
	if v := q.Get("if_seq_no"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "if_seq_no must be an integer")
			return
		}
		upd.IfSeqNo = &n
	}
	if v := q.Get("if_primary_term"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, "if_primary_term must be an integer")
			return
		}
		upd.IfPrimaryTerm = &n
	}

	resp, err := h.updates.Update(r.Context(), upd)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

type updateByQueryRequest struct {
	Query  map[string]interface{} `json:"query,omitempty"`
	ID     string                 `json:"id,omitempty"`
	Script *script.Script         `json:"script,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`

	BatchSize int `json:"batch_size,omitempty"`
}

func (h *Handler) updateByQuery(w http.ResponseWriter, r *http.Request, index string) {
	var req updateByQueryRequest
	if err := httputil.DecodeJSON(w, r, &req, httputil.DefaultMaxBodyBytes); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
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

	resp, err := h.updates.UpdateByQuery(r.Context(), &update.ByQueryRequest{
		Index:     index,
		Query:     req.Query,
		Script:    compiled,
		Params:    params,
		BatchSize: req.BatchSize,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
