package logging

import "log/slog"

// Common field names for consistent logging across the service.
const (
	FieldService    = "service"
	FieldScriptID   = "script_id"
	FieldScriptLang = "script_lang"
	FieldContext    = "script_context"
	FieldPipeline   = "pipeline"
	FieldProcessor  = "processor"
	FieldIndex      = "index"
	FieldDocID      = "doc_id"
	FieldSubject    = "subject"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldStatus     = "status"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// ScriptID returns a slog attribute for a stored script ID.
func ScriptID(id string) slog.Attr {
	return slog.String(FieldScriptID, id)
}

// ScriptLang returns a slog attribute for the script language.
func ScriptLang(lang string) slog.Attr {
	return slog.String(FieldScriptLang, lang)
}

// ScriptContext returns a slog attribute for the execution context.
func ScriptContext(name string) slog.Attr {
	return slog.String(FieldContext, name)
}

// Pipeline returns a slog attribute for an ingest pipeline ID.
func Pipeline(id string) slog.Attr {
	return slog.String(FieldPipeline, id)
}

// Processor returns a slog attribute for a pipeline processor type.
func Processor(kind string) slog.Attr {
	return slog.String(FieldProcessor, kind)
}

// Index returns a slog attribute for an index name.
func Index(name string) slog.Attr {
	return slog.String(FieldIndex, name)
}

// DocID returns a slog attribute for a document ID.
func DocID(id string) slog.Attr {
	return slog.String(FieldDocID, id)
}

// Subject returns a slog attribute for a message bus subject.
func Subject(subject string) slog.Attr {
	return slog.String(FieldSubject, subject)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// Path returns a slog attribute for the HTTP path.
func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for duration in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(FieldDuration, ms)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}
