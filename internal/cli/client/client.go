// Package client is the HTTP client for the scripting service API.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kestrel-search/scripting/internal/pipeline"
	"github.com/kestrel-search/scripting/internal/script"
	"github.com/kestrel-search/scripting/internal/update"
)

// Client talks to a scripting service node.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(method, path string, body, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// PutScript creates or replaces a stored script.
func (c *Client) PutScript(id string, sc script.Script) (*script.Stored, error) {
	body := map[string]interface{}{"script": sc}
	var stored script.Stored
	if err := c.do("PUT", "/api/v1/scripts/"+url.PathEscape(id), body, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetScript fetches a stored script by ID.
func (c *Client) GetScript(id string) (*script.Stored, error) {
	var stored script.Stored
	if err := c.do("GET", "/api/v1/scripts/"+url.PathEscape(id), nil, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// DeleteScript removes a stored script.
func (c *Client) DeleteScript(id string) error {
	return c.do("DELETE", "/api/v1/scripts/"+url.PathEscape(id), nil, nil)
}

// ListScripts returns all stored scripts.
func (c *Client) ListScripts() ([]script.Stored, error) {
	var resp struct {
		Scripts []script.Stored `json:"scripts"`
	}
	if err := c.do("GET", "/api/v1/scripts", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Scripts, nil
}

// ExecuteRequest is the body for POST /api/v1/scripts/execute.
type ExecuteRequest struct {
	ID       string                 `json:"id,omitempty"`
	Script   *script.Script         `json:"script,omitempty"`
	Context  string                 `json:"context,omitempty"`
	Params   map[string]interface{} `json:"params,omitempty"`
	Document map[string]interface{} `json:"document,omitempty"`
}

// ExecuteResponse mirrors the execute endpoint's response.
type ExecuteResponse struct {
	Result  interface{}            `json:"result,omitempty"`
	Matched *bool                  `json:"matched,omitempty"`
	Doc     map[string]interface{} `json:"doc,omitempty"`
	Ctx     map[string]interface{} `json:"ctx,omitempty"`
}

// Execute runs a stored or inline script.
func (c *Client) Execute(req *ExecuteRequest) (*ExecuteResponse, error) {
	var resp ExecuteResponse
	if err := c.do("POST", "/api/v1/scripts/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PutPipeline creates or replaces a pipeline definition.
func (c *Client) PutPipeline(def *pipeline.Definition) (*pipeline.Definition, error) {
	var stored pipeline.Definition
	if err := c.do("PUT", "/api/v1/pipelines/"+url.PathEscape(def.ID), def, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// GetPipeline fetches a pipeline by ID.
func (c *Client) GetPipeline(id string) (*pipeline.Definition, error) {
	var def pipeline.Definition
	if err := c.do("GET", "/api/v1/pipelines/"+url.PathEscape(id), nil, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// DeletePipeline removes a pipeline.
func (c *Client) DeletePipeline(id string) error {
	return c.do("DELETE", "/api/v1/pipelines/"+url.PathEscape(id), nil, nil)
}

// ListPipelines returns all pipeline definitions.
func (c *Client) ListPipelines() ([]pipeline.Definition, error) {
	var resp struct {
		Pipelines []pipeline.Definition `json:"pipelines"`
	}
	if err := c.do("GET", "/api/v1/pipelines", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Pipelines, nil
}

// Simulate runs docs through an inline pipeline definition. id may name a
// stored pipeline instead, in which case def must be nil.
func (c *Client) Simulate(id string, def *pipeline.Definition, docs []map[string]interface{}, verbose bool) ([]pipeline.DocResult, error) {
	path := "/api/v1/pipelines/simulate"
	body := map[string]interface{}{"docs": docs}
	if id != "" {
		path = "/api/v1/pipelines/" + url.PathEscape(id) + "/simulate"
	} else {
		body["pipeline"] = def
	}
	if verbose {
		path += "?verbose=true"
	}

	var resp struct {
		Docs []pipeline.DocResult `json:"docs"`
	}
	if err := c.do("POST", path, body, &resp); err != nil {
		return nil, err
	}
	return resp.Docs, nil
}

// UpdateRequest is the body for POST /api/v1/docs/{index}/{id}/update.
type UpdateRequest struct {
	ID     string                 `json:"id,omitempty"`
	Script *script.Script         `json:"script,omitempty"`
	Params map[string]interface{} `json:"params,omitempty"`

	Upsert         map[string]interface{} `json:"upsert,omitempty"`
	ScriptedUpsert bool                   `json:"scripted_upsert,omitempty"`
}

// UpdateDoc applies a scripted update to a single document.
func (c *Client) UpdateDoc(index, id string, req *UpdateRequest) (*update.Response, error) {
	path := fmt.Sprintf("/api/v1/docs/%s/%s/update", url.PathEscape(index), url.PathEscape(id))
	var resp update.Response
	if err := c.do("POST", path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
