package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-search/scripting/internal/auth"
	"github.com/kestrel-search/scripting/internal/handlers"
	"github.com/kestrel-search/scripting/internal/pipeline"
	"github.com/kestrel-search/scripting/internal/registry"
	"github.com/kestrel-search/scripting/internal/script"
	"github.com/kestrel-search/scripting/internal/script/cache"
	"github.com/kestrel-search/scripting/internal/script/engine"
	"github.com/kestrel-search/scripting/internal/server"
	"github.com/kestrel-search/scripting/internal/update"
)

// scriptStore is an in-memory registry.Store.
type scriptStore struct {
	mu   sync.Mutex
	data map[string]*script.Stored
}

func newScriptStore() *scriptStore {
	return &scriptStore{data: make(map[string]*script.Stored)}
}

func (m *scriptStore) Put(_ context.Context, stored *script.Stored) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := m.data[stored.ID]; ok {
		stored.Version = prev.Version + 1
		stored.CreatedAt = prev.CreatedAt
	} else {
		stored.Version = 1
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	cp := *stored
	m.data[stored.ID] = &cp
	return nil
}

func (m *scriptStore) Get(_ context.Context, id string) (*script.Stored, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.data[id]
	if !ok {
		return nil, registry.ErrNotFound
	}
	cp := *stored
	return &cp, nil
}

func (m *scriptStore) Delete(_ context.Context, id, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[id]; !ok {
		return registry.ErrNotFound
	}
	delete(m.data, id)
	return nil
}

func (m *scriptStore) List(_ context.Context) ([]script.Stored, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]script.Stored, 0, len(m.data))
	for _, stored := range m.data {
		out = append(out, *stored)
	}
	return out, nil
}

// pipelineStore is an in-memory pipeline.Store.
type pipelineStore struct {
	mu   sync.Mutex
	data map[string]*pipeline.Definition
}

func newPipelineStore() *pipelineStore {
	return &pipelineStore{data: make(map[string]*pipeline.Definition)}
}

func (m *pipelineStore) Put(_ context.Context, def *pipeline.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.data[def.ID]; ok {
		def.Version = prev.Version + 1
	} else {
		def.Version = 1
	}
	cp := *def
	m.data[def.ID] = &cp
	return nil
}

func (m *pipelineStore) Get(_ context.Context, id string) (*pipeline.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.data[id]
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	cp := *def
	return &cp, nil
}

func (m *pipelineStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[id]; !ok {
		return pipeline.ErrNotFound
	}
	delete(m.data, id)
	return nil
}

func (m *pipelineStore) List(_ context.Context) ([]pipeline.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]pipeline.Definition, 0, len(m.data))
	for _, def := range m.data {
		out = append(out, *def)
	}
	return out, nil
}

// docServer fakes the OpenSearch document endpoints the update executor
// touches.
type docServer struct {
	mu   sync.Mutex
	docs map[string]map[string]interface{}
}

func newDocServer() *docServer {
	return &docServer{docs: make(map[string]map[string]interface{})}
}

func (d *docServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

		switch r.Method {
		case http.MethodGet:
			doc, ok := d.docs[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"found":false}`)
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"found": true, "_seq_no": 1, "_primary_term": 1, "_source": doc,
			})
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			var source map[string]interface{}
			json.Unmarshal(body, &source)
			d.docs[r.URL.Path] = source
			fmt.Fprint(w, `{"result":"updated","_seq_no":2,"_primary_term":1}`)
		case http.MethodDelete:
			delete(d.docs, r.URL.Path)
			fmt.Fprint(w, `{"result":"deleted"}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
}

type testEnv struct {
	srv     *httptest.Server
	docs    *docServer
	scripts *scriptStore
}

func newTestEnv(t *testing.T, limiter *cache.RateLimiter, authMw *auth.Middleware) *testEnv {
	t.Helper()

	docs := newDocServer()
	osSrv := httptest.NewServer(docs.handler())
	t.Cleanup(osSrv.Close)

	osClient, err := opensearch.NewClient(opensearch.Config{Addresses: []string{osSrv.URL}})
	require.NoError(t, err)

	eng := engine.New(engine.DefaultConfig())
	compiled := cache.New(eng, 100, limiter)
	scripts := newScriptStore()
	scriptSvc := registry.NewService(eng, scripts, nil, nil)
	pipelineSvc := pipeline.NewService(eng, newPipelineStore(), nil)
	updater := update.NewExecutor(eng, osClient, 3, nil)

	h := handlers.New(scriptSvc, compiled, updater, pipelineSvc, nil)
	if authMw == nil {
		authMw = auth.NewMiddleware("", false)
	}

	srv := httptest.NewServer(server.NewRouter(h, authMw, nil))
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, docs: docs, scripts: scripts}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp, decoded
}

func TestScriptLifecycle(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp, body := env.do(t, http.MethodPut, "/api/v1/scripts/double", map[string]interface{}{
		"script": map[string]interface{}{"lang": "lua", "source": "return params.n * 2"},
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(1), body["version"])

	resp, body = env.do(t, http.MethodGet, "/api/v1/scripts/double", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "double", body["id"])

	resp, body = env.do(t, http.MethodPut, "/api/v1/scripts/double", map[string]interface{}{
		"script": map[string]interface{}{"source": "return params.n * 2 + 1"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["version"])

	resp, body = env.do(t, http.MethodGet, "/api/v1/scripts", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/scripts/double", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/scripts/double", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPutScriptCompileError(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp, body := env.do(t, http.MethodPut, "/api/v1/scripts/bad", map[string]interface{}{
		"script": map[string]interface{}{"source": "return = ="},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "line")
}

func TestExecuteInline(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp, body := env.do(t, http.MethodPost, "/api/v1/scripts/execute", map[string]interface{}{
		"script": map[string]interface{}{"source": "return params.a + params.b"},
		"params": map[string]interface{}{"a": 2, "b": 3},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(5), body["result"])
}

func TestExecuteStored(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp, _ := env.do(t, http.MethodPut, "/api/v1/scripts/greet", map[string]interface{}{
		"script": map[string]interface{}{
			"source": `return "hello " .. params.name`,
			"params": map[string]interface{}{"name": "default"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/api/v1/scripts/execute", map[string]interface{}{
		"id": "greet",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello default", body["result"])

	resp, body = env.do(t, http.MethodPost, "/api/v1/scripts/execute", map[string]interface{}{
		"id":     "greet",
		"params": map[string]interface{}{"name": "kestrel"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello kestrel", body["result"])
}

func TestExecuteFilterContext(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp, body := env.do(t, http.MethodPost, "/api/v1/scripts/execute", map[string]interface{}{
		"script":   map[string]interface{}{"source": "return doc.status == 200"},
		"context":  "filter",
		"document": map[string]interface{}{"status": 200},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["matched"])

	resp, body = env.do(t, http.MethodPost, "/api/v1/scripts/execute", map[string]interface{}{
		"script":   map[string]interface{}{"source": "return doc.status == 200"},
		"context":  "filter",
		"document": map[string]interface{}{"status": 500},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["matched"])
}

func TestExecuteIngestContext(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp, body := env.do(t, http.MethodPost, "/api/v1/scripts/execute", map[string]interface{}{
		"script":   map[string]interface{}{"source": `ctx.level = string.upper(ctx.level)`},
		"context":  "ingest",
		"document": map[string]interface{}{"level": "warn"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	doc, ok := body["doc"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "WARN", doc["level"])
}

func TestExecuteValidation(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	tests := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{
			name: "no script",
			body: map[string]interface{}{"params": map[string]interface{}{}},
			want: http.StatusBadRequest,
		},
		{
			name: "both id and script",
			body: map[string]interface{}{
				"id":     "x",
				"script": map[string]interface{}{"source": "return 1"},
			},
			want: http.StatusBadRequest,
		},
		{
			name: "unknown context",
			body: map[string]interface{}{
				"script":  map[string]interface{}{"source": "return 1"},
				"context": "aggregation",
			},
			want: http.StatusBadRequest,
		},
		{
			name: "filter without document",
			body: map[string]interface{}{
				"script":  map[string]interface{}{"source": "return true"},
				"context": "filter",
			},
			want: http.StatusBadRequest,
		},
		{
			name: "runtime error",
			body: map[string]interface{}{
				"script": map[string]interface{}{"source": `error("boom")`},
			},
			want: http.StatusBadRequest,
		},
		{
			name: "unsupported lang",
			body: map[string]interface{}{
				"script": map[string]interface{}{"lang": "painless", "source": "return 1"},
			},
			want: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := env.do(t, http.MethodPost, "/api/v1/scripts/execute", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestExecuteRateLimited(t *testing.T) {
	limiter := cache.NewRateLimiter(1, time.Hour)
	env := newTestEnv(t, limiter, nil)

	resp, _ := env.do(t, http.MethodPost, "/api/v1/scripts/execute", map[string]interface{}{
		"script": map[string]interface{}{"source": "return 1"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/scripts/execute", map[string]interface{}{
		"script": map[string]interface{}{"source": "return 2"},
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Cached script still runs while the limiter is exhausted.
	resp, _ = env.do(t, http.MethodPost, "/api/v1/scripts/execute", map[string]interface{}{
		"script": map[string]interface{}{"source": "return 1"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUpdateDocEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.docs.docs["/docs/_doc/1"] = map[string]interface{}{"counter": float64(1)}

	resp, body := env.do(t, http.MethodPost, "/api/v1/docs/docs/1/update", map[string]interface{}{
		"script": map[string]interface{}{"source": "ctx._source.counter = ctx._source.counter + params.by"},
		"params": map[string]interface{}{"by": 4},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "updated", body["result"])
	assert.Equal(t, float64(5), env.docs.docs["/docs/_doc/1"]["counter"])
}

func TestUpdateDocMissing(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp, _ := env.do(t, http.MethodPost, "/api/v1/docs/docs/absent/update", map[string]interface{}{
		"script": map[string]interface{}{"source": "ctx._source.x = 1"},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateDocIllegalOp(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.docs.docs["/docs/_doc/1"] = map[string]interface{}{}

	resp, body := env.do(t, http.MethodPost, "/api/v1/docs/docs/1/update", map[string]interface{}{
		"script": map[string]interface{}{"source": `ctx.op = "explode"`},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "illegal ctx.op")
}

func TestPipelineLifecycleAndSimulate(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	def := map[string]interface{}{
		"description": "normalize http logs",
		"processors": []map[string]interface{}{
			{"lowercase": map[string]interface{}{"field": "method"}},
			{"set": map[string]interface{}{"field": "ingested", "value": true}},
		},
	}

	resp, body := env.do(t, http.MethodPut, "/api/v1/pipelines/http-logs", def)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "http-logs", body["id"])

	resp, body = env.do(t, http.MethodGet, "/api/v1/pipelines", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, body = env.do(t, http.MethodPost, "/api/v1/pipelines/http-logs/simulate", map[string]interface{}{
		"docs": []map[string]interface{}{{"method": "GET"}},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	docs := body["docs"].([]interface{})
	require.Len(t, docs, 1)
	first := docs[0].(map[string]interface{})["doc"].(map[string]interface{})
	assert.Equal(t, "get", first["method"])
	assert.Equal(t, true, first["ingested"])

	resp, _ = env.do(t, http.MethodDelete, "/api/v1/pipelines/http-logs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/v1/pipelines/http-logs", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPutPipelineRejectsUnknownProcessor(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp, _ := env.do(t, http.MethodPut, "/api/v1/pipelines/bad", map[string]interface{}{
		"processors": []map[string]interface{}{
			{"geoip": map[string]interface{}{"field": "ip"}},
		},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSimulateInlineVerbose(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp, body := env.do(t, http.MethodPost, "/api/v1/pipelines/simulate?verbose=true", map[string]interface{}{
		"pipeline": map[string]interface{}{
			"processors": []map[string]interface{}{
				{"set": map[string]interface{}{"field": "a", "value": 1}},
				{"set": map[string]interface{}{"field": "b", "value": 2}},
			},
		},
		"docs": []map[string]interface{}{{}},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	docs := body["docs"].([]interface{})
	require.Len(t, docs, 1)
	steps := docs[0].(map[string]interface{})["steps"].([]interface{})
	assert.Len(t, steps, 2)
}

func TestHealthAndReadiness(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp, body := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])
}

func TestMetricsEndpointOpen(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRequiresAuthWhenEnabled(t *testing.T) {
	authMw := auth.NewMiddleware("secret", true)
	env := newTestEnv(t, nil, authMw)

	resp, _ := env.do(t, http.MethodGet, "/api/v1/scripts", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Probes stay open.
	resp, _ = env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	token, err := authMw.Sign("user-1", []string{"admin"}, time.Minute)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/scripts", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)
}
