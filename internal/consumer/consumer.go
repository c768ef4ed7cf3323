// Package consumer runs ingest pipelines over events arriving on the
// message bus and indexes the results.
package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/kestrel-search/scripting/common/messaging"
	"github.com/kestrel-search/scripting/internal/metrics"
	"github.com/kestrel-search/scripting/internal/pipeline"
)

// Envelope is an event as published on the raw events subject.
type Envelope struct {
	// Pipeline names the ingest pipeline to run. Empty selects the
	// configured default; "_none" skips pipeline processing.
	Pipeline string `json:"pipeline,omitempty"`

	// Index overrides the consumer's target index.
	Index string `json:"index,omitempty"`

	Doc map[string]interface{} `json:"doc"`
}

// PipelineNone skips pipeline processing for a single event.
const PipelineNone = "_none"

// Config tunes the consumer.
type Config struct {
	// Index is the default target index for processed events.
	Index string

	// DefaultPipeline runs when the envelope names none. Empty means
	// events without a pipeline are indexed as-is.
	DefaultPipeline string

	// FlushInterval bounds how long a processed event sits in the bulk
	// buffer before it is written out.
	FlushInterval time.Duration
}

// Consumer subscribes to the raw events subject, runs the named pipeline
// per event and feeds the results to a bulk indexer. Events that fail are
// republished to the dead letter subject with the error attached.
type Consumer struct {
	bus       messaging.Client
	pipelines *pipeline.Service
	osClient  *opensearch.Client
	cfg       Config

	indexer opensearchutil.BulkIndexer
	subs    []messaging.Subscription
	logger  *slog.Logger
}

// New creates a Consumer. Call Start to begin consuming.
func New(bus messaging.Client, pipelines *pipeline.Service, osClient *opensearch.Client, cfg Config) *Consumer {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &Consumer{
		bus:       bus,
		pipelines: pipelines,
		osClient:  osClient,
		cfg:       cfg,
		logger:    slog.Default().With(slog.String("component", "consumer")),
	}
}

// Start creates the bulk indexer and subscribes to the raw events subject
// in the pipeline workers queue group.
func (c *Consumer) Start(ctx context.Context) error {
	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client:        c.osClient,
		Index:         c.cfg.Index,
		FlushInterval: c.cfg.FlushInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to create bulk indexer: %w", err)
	}
	c.indexer = bi

	sub, err := c.bus.QueueSubscribe(
		messaging.SubjectEventsRaw,
		messaging.QueuePipelineWorkers,
		c.handleEvent,
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to raw events: %w", err)
	}
	c.subs = append(c.subs, sub)

	c.logger.Info("consumer started",
		slog.String("subject", messaging.SubjectEventsRaw),
		slog.String("queue_group", messaging.QueuePipelineWorkers),
		slog.String("index", c.cfg.Index))
	return nil
}

// Stop unsubscribes and flushes the bulk buffer.
func (c *Consumer) Stop(ctx context.Context) error {
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn("failed to unsubscribe", slog.String("error", err.Error()))
		}
	}
	c.subs = nil

	if c.indexer != nil {
		bi := c.indexer
		c.indexer = nil
		if err := bi.Close(ctx); err != nil {
			return fmt.Errorf("failed to flush bulk indexer: %w", err)
		}
	}
	return nil
}

// handleEvent processes one event end to end. It always returns nil: a
// failed event goes to the dead letter subject, not back to the broker.
func (c *Consumer) handleEvent(ctx context.Context, msg *messaging.Message) error {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		c.toDLQ(ctx, msg.Data, "", fmt.Errorf("malformed envelope: %w", err))
		return nil
	}
	if env.Doc == nil {
		c.toDLQ(ctx, msg.Data, env.Pipeline, fmt.Errorf("envelope has no doc"))
		return nil
	}

	pipelineID := env.Pipeline
	if pipelineID == "" {
		pipelineID = c.cfg.DefaultPipeline
	}

	if pipelineID != "" && pipelineID != PipelineNone {
		p, err := c.pipelines.Resolve(ctx, pipelineID)
		if err != nil {
			c.toDLQ(ctx, msg.Data, pipelineID, err)
			return nil
		}
		if err := p.Run(ctx, env.Doc); err != nil {
			c.toDLQ(ctx, msg.Data, pipelineID, err)
			return nil
		}
	}

	data, err := json.Marshal(env.Doc)
	if err != nil {
		c.toDLQ(ctx, msg.Data, pipelineID, fmt.Errorf("marshal doc: %w", err))
		return nil
	}

	raw := msg.Data
	err = c.indexer.Add(ctx, opensearchutil.BulkIndexerItem{
		Action: "index",
		Index:  env.Index, // empty falls back to the indexer default
		Body:   bytes.NewReader(data),
		OnFailure: func(ctx context.Context, _ opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
			if err == nil {
				err = fmt.Errorf("%s: %s", res.Error.Type, res.Error.Reason)
			}
			c.toDLQ(ctx, raw, pipelineID, err)
		},
	})
	if err != nil {
		c.toDLQ(ctx, msg.Data, pipelineID, err)
	}
	return nil
}

// toDLQ republishes the original event on the dead letter subject with the
// failure reason in the message metadata.
func (c *Consumer) toDLQ(ctx context.Context, data []byte, pipelineID string, cause error) {
	metrics.DLQTotal.Inc()
	c.logger.Warn("event sent to dead letter subject",
		slog.String("pipeline", pipelineID),
		slog.String("error", cause.Error()))

	msg := &messaging.Message{
		Subject: messaging.SubjectEventsDLQ,
		Data:    data,
		Metadata: map[string]string{
			"error":     cause.Error(),
			"pipeline":  pipelineID,
			"failed_at": time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := c.bus.PublishMsg(ctx, msg); err != nil {
		c.logger.Error("failed to publish to dead letter subject",
			slog.String("error", err.Error()))
	}
}
