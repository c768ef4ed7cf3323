package messaging

// Subject constants for the Kestrel message bus.
// Follow the pattern: {domain}.{resource}.{stage}
const (
	// SubjectEventsRaw carries raw event envelopes awaiting pipeline processing.
	SubjectEventsRaw = "kestrel.events.raw"

	// SubjectEventsDLQ receives envelopes that failed pipeline processing,
	// with the failure reason attached in metadata.
	SubjectEventsDLQ = "kestrel.events.dlq"

	// SubjectScriptsInvalidate notifies nodes that a stored script
	// changed and compiled caches should drop it.
	SubjectScriptsInvalidate = "kestrel.scripts.invalidate"

	// SubjectPipelinesInvalidate is the pipeline counterpart; script and
	// pipeline IDs live in separate namespaces.
	SubjectPipelinesInvalidate = "kestrel.pipelines.invalidate"
)

// Queue group names for load-balanced consumers.
// Workers in the same queue group share messages (each message processed once).
const (
	// QueuePipelineWorkers is the pool of ingest pipeline executors.
	QueuePipelineWorkers = "pipeline-workers"
)

// ScriptInvalidateSubject returns the invalidation subject for a stored
// script ID. Example: kestrel.scripts.invalidate.trim-fields
func ScriptInvalidateSubject(id string) string {
	return SubjectScriptsInvalidate + "." + id
}

// PipelineInvalidateSubject returns the invalidation subject for a
// pipeline ID. Example: kestrel.pipelines.invalidate.normalize
func PipelineInvalidateSubject(id string) string {
	return SubjectPipelinesInvalidate + "." + id
}
