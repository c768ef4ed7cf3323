package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-search/scripting/common/messaging"
	"github.com/kestrel-search/scripting/internal/pipeline"
	"github.com/kestrel-search/scripting/internal/script/engine"
)

// fakeBus records published messages and hands subscriptions back to the
// test so it can inject events directly.
type fakeBus struct {
	mu        sync.Mutex
	published []*messaging.Message
	handlers  map[string]messaging.MessageHandler
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]messaging.MessageHandler)}
}

func (b *fakeBus) Publish(_ context.Context, subject string, data []byte) error {
	return b.PublishMsg(context.Background(), &messaging.Message{Subject: subject, Data: data})
}

func (b *fakeBus) PublishMsg(_ context.Context, msg *messaging.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, msg)
	return nil
}

func (b *fakeBus) Request(context.Context, string, []byte, time.Duration) (*messaging.Message, error) {
	return nil, fmt.Errorf("not implemented")
}

func (b *fakeBus) Subscribe(subject string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[subject] = handler
	return fakeSub{subject: subject}, nil
}

func (b *fakeBus) QueueSubscribe(subject, _ string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	return b.Subscribe(subject, handler)
}

func (b *fakeBus) Close() error      { return nil }
func (b *fakeBus) Drain() error      { return nil }
func (b *fakeBus) IsConnected() bool { return true }

func (b *fakeBus) dlq() []*messaging.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*messaging.Message
	for _, msg := range b.published {
		if msg.Subject == messaging.SubjectEventsDLQ {
			out = append(out, msg)
		}
	}
	return out
}

type fakeSub struct{ subject string }

func (s fakeSub) Unsubscribe() error { return nil }
func (s fakeSub) Subject() string    { return s.subject }
func (s fakeSub) IsValid() bool      { return true }

// memStore is an in-memory pipeline store.
type memStore struct {
	mu   sync.Mutex
	defs map[string]*pipeline.Definition
}

func newMemStore() *memStore {
	return &memStore{defs: make(map[string]*pipeline.Definition)}
}

func (m *memStore) Put(_ context.Context, def *pipeline.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *def
	m.defs[def.ID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*pipeline.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[id]
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	cp := *def
	return &cp, nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[id]; !ok {
		return pipeline.ErrNotFound
	}
	delete(m.defs, id)
	return nil
}

func (m *memStore) List(_ context.Context) ([]pipeline.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]pipeline.Definition, 0, len(m.defs))
	for _, def := range m.defs {
		out = append(out, *def)
	}
	return out, nil
}

// bulkRecorder captures _bulk requests and acknowledges every item.
type bulkRecorder struct {
	mu     sync.Mutex
	bodies []string
}

func (b *bulkRecorder) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/_bulk") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)

		b.mu.Lock()
		b.bodies = append(b.bodies, string(body))
		b.mu.Unlock()

		var items []map[string]interface{}
		for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
			var meta map[string]map[string]interface{}
			if err := json.Unmarshal([]byte(line), &meta); err != nil {
				continue
			}
			for action := range meta {
				if action == "index" || action == "create" || action == "delete" || action == "update" {
					items = append(items, map[string]interface{}{
						action: map[string]interface{}{"status": 200},
					})
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"took": 1, "errors": false, "items": items,
		})
	})
}

func (b *bulkRecorder) all() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.bodies, "\n")
}

func newTestConsumer(t *testing.T, cfg Config) (*Consumer, *fakeBus, *memStore, *bulkRecorder) {
	t.Helper()

	rec := &bulkRecorder{}
	srv := httptest.NewServer(rec.handler())
	t.Cleanup(srv.Close)

	osClient, err := opensearch.NewClient(opensearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)

	store := newMemStore()
	pipelines := pipeline.NewService(engine.New(engine.DefaultConfig()), store, nil)

	bus := newFakeBus()
	if cfg.Index == "" {
		cfg.Index = "kestrel-docs"
	}
	c := New(bus, pipelines, osClient, cfg)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Stop(context.Background()) })

	return c, bus, store, rec
}

func envelope(t *testing.T, env Envelope) *messaging.Message {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return &messaging.Message{Subject: messaging.SubjectEventsRaw, Data: data}
}

func TestConsumerRunsPipelineAndIndexes(t *testing.T) {
	c, bus, store, rec := newTestConsumer(t, Config{})

	require.NoError(t, store.Put(context.Background(), &pipeline.Definition{
		ID: "normalize",
		Processors: []pipeline.ProcessorConfig{
			{"lowercase": {"field": "method"}},
			{"set": {"field": "ingested", "value": true}},
		},
	}))

	msg := envelope(t, Envelope{
		Pipeline: "normalize",
		Doc:      map[string]interface{}{"method": "GET"},
	})
	require.NoError(t, c.handleEvent(context.Background(), msg))
	require.NoError(t, c.Stop(context.Background()))

	body := rec.all()
	assert.Contains(t, body, `"method":"get"`)
	assert.Contains(t, body, `"ingested":true`)
	assert.Empty(t, bus.dlq())
}

func TestConsumerDefaultPipeline(t *testing.T) {
	c, bus, store, rec := newTestConsumer(t, Config{DefaultPipeline: "default"})

	require.NoError(t, store.Put(context.Background(), &pipeline.Definition{
		ID: "default",
		Processors: []pipeline.ProcessorConfig{
			{"set": {"field": "tagged", "value": true}},
		},
	}))

	msg := envelope(t, Envelope{Doc: map[string]interface{}{"a": float64(1)}})
	require.NoError(t, c.handleEvent(context.Background(), msg))
	require.NoError(t, c.Stop(context.Background()))

	assert.Contains(t, rec.all(), `"tagged":true`)
	assert.Empty(t, bus.dlq())
}

func TestConsumerPipelineNoneSkipsProcessing(t *testing.T) {
	c, bus, _, rec := newTestConsumer(t, Config{DefaultPipeline: "default"})

	msg := envelope(t, Envelope{
		Pipeline: PipelineNone,
		Doc:      map[string]interface{}{"raw": true},
	})
	require.NoError(t, c.handleEvent(context.Background(), msg))
	require.NoError(t, c.Stop(context.Background()))

	assert.Contains(t, rec.all(), `"raw":true`)
	assert.Empty(t, bus.dlq())
}

func TestConsumerUnknownPipelineGoesToDLQ(t *testing.T) {
	c, bus, _, rec := newTestConsumer(t, Config{})

	msg := envelope(t, Envelope{
		Pipeline: "missing",
		Doc:      map[string]interface{}{"a": float64(1)},
	})
	require.NoError(t, c.handleEvent(context.Background(), msg))
	require.NoError(t, c.Stop(context.Background()))

	dlq := bus.dlq()
	require.Len(t, dlq, 1)
	assert.Equal(t, msg.Data, dlq[0].Data)
	assert.Contains(t, dlq[0].Metadata["error"], "not found")
	assert.Equal(t, "missing", dlq[0].Metadata["pipeline"])
	assert.NotContains(t, rec.all(), `"a":1`)
}

func TestConsumerPipelineFailureGoesToDLQ(t *testing.T) {
	c, bus, store, _ := newTestConsumer(t, Config{})

	require.NoError(t, store.Put(context.Background(), &pipeline.Definition{
		ID: "strict",
		Processors: []pipeline.ProcessorConfig{
			{"fail": {"message": "rejected by policy"}},
		},
	}))

	msg := envelope(t, Envelope{
		Pipeline: "strict",
		Doc:      map[string]interface{}{},
	})
	require.NoError(t, c.handleEvent(context.Background(), msg))

	dlq := bus.dlq()
	require.Len(t, dlq, 1)
	assert.Contains(t, dlq[0].Metadata["error"], "rejected by policy")
}

func TestConsumerMalformedEnvelopeGoesToDLQ(t *testing.T) {
	c, bus, _, _ := newTestConsumer(t, Config{})

	msg := &messaging.Message{Subject: messaging.SubjectEventsRaw, Data: []byte("not json")}
	require.NoError(t, c.handleEvent(context.Background(), msg))

	dlq := bus.dlq()
	require.Len(t, dlq, 1)
	assert.Contains(t, dlq[0].Metadata["error"], "malformed envelope")
}
