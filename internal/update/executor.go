// Package update executes scripted document updates against OpenSearch.
package update

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/kestrel-search/scripting/internal/metrics"
	"github.com/kestrel-search/scripting/internal/script/engine"
)

var (
	// ErrDocumentMissing is returned when the target document does not
	// exist and no upsert body was provided.
	ErrDocumentMissing = errors.New("document not found")

	// ErrConflict is returned when a version conflict survives all
	// retries, or when the caller pinned an explicit seq_no/primary_term.
	ErrConflict = errors.New("version conflict")
)

// Script-visible operation values. A script signals its intent by writing
// one of these into ctx.op.
const (
	OpIndex  = "index"
	OpNoop   = "noop"
	OpDelete = "delete"
)

// IllegalOpError reports a ctx.op value outside the allowed set. The
// document is left untouched.
type IllegalOpError struct {
	Op string
}

func (e *IllegalOpError) Error() string {
	return fmt.Sprintf("illegal ctx.op value %q (want index, noop or delete)", e.Op)
}

// Request describes a single scripted update.
type Request struct {
	Index  string
	ID     string
	Script *engine.Compiled
	Params map[string]interface{}

	// Upsert is indexed as-is when the document is missing. With
	// ScriptedUpsert set, the script runs over the upsert body first.
	Upsert         map[string]interface{}
	ScriptedUpsert bool

	// RetryOnConflict overrides the executor default when >= 0.
	RetryOnConflict int

	// IfSeqNo/IfPrimaryTerm pin the update to an exact document version.
	// Conflicts are then returned immediately, never retried.
	IfSeqNo       *int64
	IfPrimaryTerm *int64
}

// Response is the outcome of an update.
type Response struct {
	Index       string `json:"_index"`
	ID          string `json:"_id"`
	Result      string `json:"result"` // updated, created, deleted, noop
	SeqNo       int64  `json:"_seq_no,omitempty"`
	PrimaryTerm int64  `json:"_primary_term,omitempty"`
	Retries     int    `json:"retries,omitempty"`
}

// Executor runs update scripts against documents and writes the outcome
// back, guarded by optimistic concurrency control.
type Executor struct {
	engine         *engine.Engine
	client         *opensearch.Client
	defaultRetries int
	logger         *slog.Logger
}

// NewExecutor creates an Executor. defaultRetries bounds the retry loop for
// requests that do not pin an explicit version.
func NewExecutor(eng *engine.Engine, client *opensearch.Client, defaultRetries int, logger *slog.Logger) *Executor {
	if defaultRetries < 0 {
		defaultRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		engine:         eng,
		client:         client,
		defaultRetries: defaultRetries,
		logger:         logger,
	}
}

// Update applies req.Script to the target document. The script sees the
// document as ctx._source and controls the write path through ctx.op.
func (e *Executor) Update(ctx context.Context, req *Request) (*Response, error) {
	retries := e.defaultRetries
	if req.RetryOnConflict >= 0 {
		retries = req.RetryOnConflict
	}
	if req.IfSeqNo != nil || req.IfPrimaryTerm != nil {
		retries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		resp, err := e.updateOnce(ctx, req, attempt)
		if err == nil {
			metrics.UpdatesTotal.WithLabelValues(resp.Result).Inc()
			return resp, nil
		}
		if !errors.Is(err, ErrConflict) {
			metrics.UpdatesTotal.WithLabelValues("failed").Inc()
			return nil, err
		}

		metrics.UpdateConflicts.Inc()
		lastErr = err
		e.logger.Debug("update conflict, retrying",
			slog.String("index", req.Index),
			slog.String("doc_id", req.ID),
			slog.Int("attempt", attempt),
		)
	}

	metrics.UpdatesTotal.WithLabelValues("conflict").Inc()
	return nil, fmt.Errorf("update %s/%s: %w", req.Index, req.ID, lastErr)
}

func (e *Executor) updateOnce(ctx context.Context, req *Request, attempt int) (*Response, error) {
	doc, err := e.getDocument(ctx, req.Index, req.ID)
	if err != nil {
		return nil, err
	}

	if doc == nil {
		return e.upsert(ctx, req, attempt)
	}

	seqNo, primaryTerm := doc.SeqNo, doc.PrimaryTerm
	if req.IfSeqNo != nil {
		seqNo = *req.IfSeqNo
	}
	if req.IfPrimaryTerm != nil {
		primaryTerm = *req.IfPrimaryTerm
	}

	op, source, err := e.runScript(ctx, req, req.ID, doc.Source)
	if err != nil {
		return nil, err
	}

	switch op {
	case OpNoop:
		return &Response{Index: req.Index, ID: req.ID, Result: "noop", SeqNo: doc.SeqNo, PrimaryTerm: doc.PrimaryTerm, Retries: attempt}, nil
	case OpDelete:
		return e.deleteDocument(ctx, req, seqNo, primaryTerm, attempt)
	case OpIndex:
		return e.indexDocument(ctx, req, source, &seqNo, &primaryTerm, "updated", attempt)
	default:
		return nil, &IllegalOpError{Op: op}
	}
}

// upsert handles the write path for a missing document.
func (e *Executor) upsert(ctx context.Context, req *Request, attempt int) (*Response, error) {
	if req.Upsert == nil {
		return nil, fmt.Errorf("%s/%s: %w", req.Index, req.ID, ErrDocumentMissing)
	}

	source := req.Upsert
	if req.ScriptedUpsert {
		op, scripted, err := e.runScript(ctx, req, req.ID, req.Upsert)
		if err != nil {
			return nil, err
		}
		switch op {
		case OpNoop:
			return &Response{Index: req.Index, ID: req.ID, Result: "noop", Retries: attempt}, nil
		case OpIndex:
			source = scripted
		case OpDelete:
			// Nothing to delete; treat as noop like a lost race would.
			return &Response{Index: req.Index, ID: req.ID, Result: "noop", Retries: attempt}, nil
		default:
			return nil, &IllegalOpError{Op: op}
		}
	}

	// op_type=create turns a concurrent create into a conflict we can retry.
	return e.createDocument(ctx, req, source, attempt)
}

// getResult is the subset of the GET _doc response the executor needs.
type getResult struct {
	Found       bool                   `json:"found"`
	SeqNo       int64                  `json:"_seq_no"`
	PrimaryTerm int64                  `json:"_primary_term"`
	Source      map[string]interface{} `json:"_source"`
}

// getDocument returns nil without error when the document does not exist.
func (e *Executor) getDocument(ctx context.Context, index, id string) (*getResult, error) {
	res, err := e.client.Get(index, id, e.client.Get.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", index, id, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("get %s/%s: %s - %s", index, id, res.Status(), string(body))
	}

	var doc getResult
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode get response: %w", err)
	}
	if !doc.Found {
		return nil, nil
	}
	if doc.Source == nil {
		doc.Source = map[string]interface{}{}
	}
	return &doc, nil
}

// runScript executes the update script and returns the op it chose plus the
// resulting source.
func (e *Executor) runScript(ctx context.Context, req *Request, id string, source map[string]interface{}) (string, map[string]interface{}, error) {
	scriptCtx := map[string]interface{}{
		"_source": source,
		"_id":     id,
		"_index":  req.Index,
		"_now":    float64(time.Now().UnixMilli()),
		"op":      OpIndex,
	}

	res, err := e.engine.Execute(ctx, req.Script, engine.Bindings{
		Params: req.Params,
		Ctx:    scriptCtx,
	})
	if err != nil {
		return "", nil, err
	}

	op := OpIndex
	if v, ok := res.Ctx["op"].(string); ok {
		op = v
	}

	newSource, ok := res.Ctx["_source"].(map[string]interface{})
	if !ok {
		if op == OpIndex {
			return "", nil, errors.New("script removed ctx._source")
		}
		newSource = source
	}
	return op, newSource, nil
}

func (e *Executor) indexDocument(ctx context.Context, req *Request, source map[string]interface{}, seqNo, primaryTerm *int64, result string, attempt int) (*Response, error) {
	body, err := json.Marshal(source)
	if err != nil {
		return nil, fmt.Errorf("marshal source: %w", err)
	}

	res, err := e.client.Index(req.Index, bytes.NewReader(body),
		e.client.Index.WithContext(ctx),
		e.client.Index.WithDocumentID(req.ID),
		e.client.Index.WithIfSeqNo(int(*seqNo)),
		e.client.Index.WithIfPrimaryTerm(int(*primaryTerm)),
	)
	if err != nil {
		return nil, fmt.Errorf("index %s/%s: %w", req.Index, req.ID, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		return nil, ErrConflict
	}
	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("index %s/%s: %s - %s", req.Index, req.ID, res.Status(), string(raw))
	}

	var writeRes struct {
		SeqNo       int64 `json:"_seq_no"`
		PrimaryTerm int64 `json:"_primary_term"`
	}
	if err := json.NewDecoder(res.Body).Decode(&writeRes); err != nil {
		return nil, fmt.Errorf("decode index response: %w", err)
	}

	return &Response{
		Index:       req.Index,
		ID:          req.ID,
		Result:      result,
		SeqNo:       writeRes.SeqNo,
		PrimaryTerm: writeRes.PrimaryTerm,
		Retries:     attempt,
	}, nil
}

func (e *Executor) createDocument(ctx context.Context, req *Request, source map[string]interface{}, attempt int) (*Response, error) {
	body, err := json.Marshal(source)
	if err != nil {
		return nil, fmt.Errorf("marshal upsert: %w", err)
	}

	res, err := e.client.Index(req.Index, bytes.NewReader(body),
		e.client.Index.WithContext(ctx),
		e.client.Index.WithDocumentID(req.ID),
		e.client.Index.WithOpType("create"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s/%s: %w", req.Index, req.ID, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		return nil, ErrConflict
	}
	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("create %s/%s: %s - %s", req.Index, req.ID, res.Status(), string(raw))
	}

	var writeRes struct {
		SeqNo       int64 `json:"_seq_no"`
		PrimaryTerm int64 `json:"_primary_term"`
	}
	if err := json.NewDecoder(res.Body).Decode(&writeRes); err != nil {
		return nil, fmt.Errorf("decode create response: %w", err)
	}

	return &Response{
		Index:       req.Index,
		ID:          req.ID,
		Result:      "created",
		SeqNo:       writeRes.SeqNo,
		PrimaryTerm: writeRes.PrimaryTerm,
		Retries:     attempt,
	}, nil
}

func (e *Executor) deleteDocument(ctx context.Context, req *Request, seqNo, primaryTerm int64, attempt int) (*Response, error) {
	res, err := e.client.Delete(req.Index, req.ID,
		e.client.Delete.WithContext(ctx),
		e.client.Delete.WithIfSeqNo(int(seqNo)),
		e.client.Delete.WithIfPrimaryTerm(int(primaryTerm)),
	)
	if err != nil {
		return nil, fmt.Errorf("delete %s/%s: %w", req.Index, req.ID, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		return nil, ErrConflict
	}
	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("delete %s/%s: %s - %s", req.Index, req.ID, res.Status(), string(raw))
	}

	return &Response{Index: req.Index, ID: req.ID, Result: "deleted", Retries: attempt}, nil
}

// ByQueryRequest describes an update-by-query run. Query is a raw
// OpenSearch query object.
type ByQueryRequest struct {
	Index     string
	Query     map[string]interface{}
	Script    *engine.Compiled
	Params    map[string]interface{}
	BatchSize int
}

// ByQueryResponse aggregates the outcome over all matched documents.
type ByQueryResponse struct {
	Total    int64    `json:"total"`
	Updated  int64    `json:"updated"`
	Deleted  int64    `json:"deleted"`
	Noops    int64    `json:"noops"`
	Failures []string `json:"failures,omitempty"`
}

const defaultByQueryBatch = 500

// UpdateByQuery pages through the matching documents with search_after,
// runs the script per document and writes the results back in bulk.
// Write-backs are last-write-wins; concurrent writers are not retried.
func (e *Executor) UpdateByQuery(ctx context.Context, req *ByQueryRequest) (*ByQueryResponse, error) {
	batch := req.BatchSize
	if batch <= 0 {
		batch = defaultByQueryBatch
	}
	query := req.Query
	if query == nil {
		query = map[string]interface{}{"match_all": map[string]interface{}{}}
	}

	out := &ByQueryResponse{}
	var mu sync.Mutex

	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client: e.client,
		Index:  req.Index,
	})
	if err != nil {
		return nil, fmt.Errorf("create bulk indexer: %w", err)
	}

	var searchAfter []interface{}
	for {
		hits, err := e.searchBatch(ctx, req.Index, query, batch, searchAfter)
		if err != nil {
			return nil, err
		}
		if len(hits) == 0 {
			break
		}

		for _, hit := range hits {
			out.Total++
			if err := e.processHit(ctx, bi, req, hit, out, &mu); err != nil {
				mu.Lock()
				out.Failures = append(out.Failures, fmt.Sprintf("%s: %v", hit.ID, err))
				mu.Unlock()
			}
		}

		if len(hits) < batch {
			break
		}
		searchAfter = hits[len(hits)-1].Sort
	}

	if err := bi.Close(ctx); err != nil {
		return nil, fmt.Errorf("flush bulk indexer: %w", err)
	}
	return out, nil
}

type searchHit struct {
	ID     string                 `json:"_id"`
	Source map[string]interface{} `json:"_source"`
	Sort   []interface{}          `json:"sort"`
}

func (e *Executor) searchBatch(ctx context.Context, index string, query map[string]interface{}, size int, searchAfter []interface{}) ([]searchHit, error) {
	body := map[string]interface{}{
		"query": query,
		"size":  size,
		"sort":  []map[string]interface{}{{"_id": map[string]string{"order": "asc"}}},
	}
	if searchAfter != nil {
		body["search_after"] = searchAfter
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	res, err := e.client.Search(
		e.client.Search.WithContext(ctx),
		e.client.Search.WithIndex(index),
		e.client.Search.WithBody(bytes.NewReader(raw)),
	)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		raw, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search %s: %s - %s", index, res.Status(), string(raw))
	}

	var searchRes struct {
		Hits struct {
			Hits []searchHit `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&searchRes); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return searchRes.Hits.Hits, nil
}

func (e *Executor) processHit(ctx context.Context, bi opensearchutil.BulkIndexer, req *ByQueryRequest, hit searchHit, out *ByQueryResponse, mu *sync.Mutex) error {
	source := hit.Source
	if source == nil {
		source = map[string]interface{}{}
	}

	upd := &Request{Index: req.Index, Params: req.Params, Script: req.Script}
	op, newSource, err := e.runScript(ctx, upd, hit.ID, source)
	if err != nil {
		return err
	}

	switch op {
	case OpNoop:
		mu.Lock()
		out.Noops++
		mu.Unlock()
		return nil

	case OpDelete:
		return bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "delete",
			DocumentID: hit.ID,
			OnSuccess: func(context.Context, opensearchutil.BulkIndexerItem, opensearchutil.BulkIndexerResponseItem) {
				mu.Lock()
				out.Deleted++
				mu.Unlock()
				metrics.UpdatesTotal.WithLabelValues("deleted").Inc()
			},
			OnFailure: func(_ context.Context, _ opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					out.Failures = append(out.Failures, fmt.Sprintf("%s: %v", hit.ID, err))
				} else {
					out.Failures = append(out.Failures, fmt.Sprintf("%s: %s: %s", hit.ID, res.Error.Type, res.Error.Reason))
				}
			},
		})

	case OpIndex:
		data, err := json.Marshal(newSource)
		if err != nil {
			return fmt.Errorf("marshal source: %w", err)
		}
		return bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: hit.ID,
			Body:       bytes.NewReader(data),
			OnSuccess: func(context.Context, opensearchutil.BulkIndexerItem, opensearchutil.BulkIndexerResponseItem) {
				mu.Lock()
				out.Updated++
				mu.Unlock()
				metrics.UpdatesTotal.WithLabelValues("updated").Inc()
			},
			OnFailure: func(_ context.Context, _ opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					out.Failures = append(out.Failures, fmt.Sprintf("%s: %v", hit.ID, err))
				} else {
					out.Failures = append(out.Failures, fmt.Sprintf("%s: %s: %s", hit.ID, res.Error.Type, res.Error.Reason))
				}
			},
		})

	default:
		return &IllegalOpError{Op: op}
	}
}
