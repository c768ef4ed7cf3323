// Package pipeline implements ingest pipelines: ordered processor chains
// applied to documents before they are indexed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kestrel-search/scripting/internal/metrics"
	"github.com/kestrel-search/scripting/internal/script/engine"
)

var (
	// ErrNotFound is returned when no pipeline exists for an ID.
	ErrNotFound = errors.New("pipeline not found")

	// ErrNoProcessors rejects pipeline definitions without processors.
	ErrNoProcessors = errors.New("pipeline has no processors")

	// ErrInvalidDefinition wraps every Build failure so callers can tell a
	// bad definition from an infrastructure error.
	ErrInvalidDefinition = errors.New("invalid pipeline definition")
)

// Definition is a pipeline as stored and transported.
type Definition struct {
	ID          string            `json:"id"`
	Description string            `json:"description,omitempty"`
	Processors  []ProcessorConfig `json:"processors"`
	Version     int64             `json:"version,omitempty"`
	CreatedBy   string            `json:"created_by,omitempty"`
	CreatedAt   time.Time         `json:"created_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at,omitempty"`
}

// ProcessorConfig is one processor entry in a definition. Exactly one
// processor type keys the config object, mirroring the wire format:
//
//	{"set": {"field": "env", "value": "prod"}}
type ProcessorConfig map[string]map[string]interface{}

// Pipeline is a compiled, runnable processor chain.
type Pipeline struct {
	ID         string
	processors []processor
}

// FailError is returned when a fail processor aborts the run.
type FailError struct {
	Message string
}

func (e *FailError) Error() string { return e.Message }

// Build validates a definition and compiles it into a runnable Pipeline.
// Script processors are compiled here, so a pipeline that stores a broken
// script never builds.
func Build(def *Definition, eng *engine.Engine) (*Pipeline, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("%w: pipeline id is required", ErrInvalidDefinition)
	}
	if len(def.Processors) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, ErrNoProcessors)
	}

	p := &Pipeline{ID: def.ID}
	for i, cfg := range def.Processors {
		proc, err := buildProcessor(cfg, eng)
		if err != nil {
			return nil, fmt.Errorf("%w: processor %d: %w", ErrInvalidDefinition, i, err)
		}
		p.processors = append(p.processors, proc)
	}
	return p, nil
}

// Run applies the pipeline to doc in place. Processors with ignore_failure
// set swallow their own errors; anything else aborts the run.
func (p *Pipeline) Run(ctx context.Context, doc map[string]interface{}) error {
	start := time.Now()
	err := p.run(ctx, doc, nil)
	metrics.PipelineDuration.Observe(time.Since(start).Seconds())

	status := "ok"
	if err != nil {
		status = "failed"
	}
	metrics.PipelineEventsTotal.WithLabelValues(p.ID, status).Inc()
	return err
}

// StepResult is one processor's outcome in a verbose simulation.
type StepResult struct {
	Processor string                 `json:"processor"`
	Doc       map[string]interface{} `json:"doc,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Skipped   bool                   `json:"skipped,omitempty"`
}

// RunVerbose applies the pipeline to doc in place, recording the document
// state after every processor.
func (p *Pipeline) RunVerbose(ctx context.Context, doc map[string]interface{}) ([]StepResult, error) {
	var steps []StepResult
	err := p.run(ctx, doc, &steps)
	return steps, err
}

func (p *Pipeline) run(ctx context.Context, doc map[string]interface{}, trace *[]StepResult) error {
	for _, proc := range p.processors {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := proc.Apply(ctx, doc)
		if err != nil && proc.IgnoreFailure() {
			if trace != nil {
				*trace = append(*trace, StepResult{Processor: proc.Type(), Error: err.Error(), Skipped: true})
			}
			continue
		}
		if err != nil {
			if trace != nil {
				*trace = append(*trace, StepResult{Processor: proc.Type(), Error: err.Error()})
			}
			return fmt.Errorf("processor %s: %w", proc.Type(), err)
		}
		if trace != nil {
			*trace = append(*trace, StepResult{Processor: proc.Type(), Doc: deepCopy(doc)})
		}
	}
	return nil
}

// deepCopy clones a JSON-shaped document.
func deepCopy(doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopy(t)
	case []interface{}:
		cp := make([]interface{}, len(t))
		for i, e := range t {
			cp[i] = copyValue(e)
		}
		return cp
	default:
		return v
	}
}
