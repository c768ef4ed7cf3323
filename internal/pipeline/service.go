package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kestrel-search/scripting/common/messaging"
	"github.com/kestrel-search/scripting/internal/registry"
	"github.com/kestrel-search/scripting/internal/script/engine"
)

// Store is the persistence layer for pipeline definitions.
type Store interface {
	Put(ctx context.Context, def *Definition) error
	Get(ctx context.Context, id string) (*Definition, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Definition, error)
}

// Service manages pipeline definitions and keeps compiled pipelines in a
// per-node cache. Compiled pipelines are dropped on Put/Delete and on
// invalidation messages from other nodes.
type Service struct {
	engine *engine.Engine
	store  Store
	bus    registry.Publisher // nil when NATS is disabled

	mu       sync.RWMutex
	compiled map[string]*Pipeline
}

// NewService creates a pipeline service. bus may be nil.
func NewService(eng *engine.Engine, store Store, bus registry.Publisher) *Service {
	return &Service{
		engine:   eng,
		store:    store,
		bus:      bus,
		compiled: make(map[string]*Pipeline),
	}
}

// Put validates, builds and persists a pipeline definition. A definition
// that does not build (unknown processor, broken script) is rejected.
func (s *Service) Put(ctx context.Context, def *Definition, createdBy string) (*Definition, error) {
	if _, err := Build(def, s.engine); err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", def.ID, err)
	}

	def.CreatedBy = createdBy
	if err := s.store.Put(ctx, def); err != nil {
		return nil, err
	}

	s.invalidate(ctx, def.ID)
	return def, nil
}

// Get returns the stored definition.
func (s *Service) Get(ctx context.Context, id string) (*Definition, error) {
	return s.store.Get(ctx, id)
}

// Delete removes a pipeline definition.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

// List returns all pipeline definitions.
func (s *Service) List(ctx context.Context) ([]Definition, error) {
	return s.store.List(ctx)
}

// Resolve returns the compiled pipeline for id, building it on first use.
func (s *Service) Resolve(ctx context.Context, id string) (*Pipeline, error) {
	s.mu.RLock()
	p, ok := s.compiled[id]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}

	def, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err = Build(def, s.engine)
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", id, err)
	}

	s.mu.Lock()
	s.compiled[id] = p
	s.mu.Unlock()
	return p, nil
}

// DocResult is the outcome of simulating one document.
type DocResult struct {
	Doc   map[string]interface{} `json:"doc,omitempty"`
	Steps []StepResult           `json:"steps,omitempty"`
	Error string                 `json:"error,omitempty"`
}

// Simulate runs a definition against sample documents without indexing
// anything. The input documents are not mutated.
func (s *Service) Simulate(ctx context.Context, def *Definition, docs []map[string]interface{}, verbose bool) ([]DocResult, error) {
	p, err := Build(def, s.engine)
	if err != nil {
		return nil, err
	}

	results := make([]DocResult, 0, len(docs))
	for _, doc := range docs {
		work := deepCopy(doc)
		var res DocResult
		if verbose {
			steps, err := p.RunVerbose(ctx, work)
			res.Steps = steps
			if err != nil {
				res.Error = err.Error()
			} else {
				res.Doc = work
			}
		} else {
			if err := p.Run(ctx, work); err != nil {
				res.Error = err.Error()
			} else {
				res.Doc = work
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// SimulateStored simulates the stored pipeline with the given ID.
func (s *Service) SimulateStored(ctx context.Context, id string, docs []map[string]interface{}, verbose bool) ([]DocResult, error) {
	def, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Simulate(ctx, def, docs, verbose)
}

func (s *Service) invalidate(ctx context.Context, id string) {
	s.mu.Lock()
	delete(s.compiled, id)
	s.mu.Unlock()

	if s.bus != nil {
		if err := s.bus.Publish(ctx, messaging.PipelineInvalidateSubject(id), []byte(id)); err != nil {
			slog.Warn("publish pipeline invalidation failed",
				slog.String("pipeline", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// HandleInvalidation drops the compiled pipeline named by an invalidation
// message.
func (s *Service) HandleInvalidation(_ context.Context, msg *messaging.Message) error {
	s.mu.Lock()
	delete(s.compiled, string(msg.Data))
	s.mu.Unlock()
	return nil
}
