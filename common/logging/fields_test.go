package logging

import (
	"errors"
	"testing"
)

func TestScriptID(t *testing.T) {
	attr := ScriptID("calculate-score")
	if attr.Key != FieldScriptID {
		t.Errorf("expected key %q, got %q", FieldScriptID, attr.Key)
	}
	if attr.Value.String() != "calculate-score" {
		t.Errorf("expected value %q, got %q", "calculate-score", attr.Value.String())
	}
}

func TestScriptContext(t *testing.T) {
	attr := ScriptContext("update")
	if attr.Key != FieldContext {
		t.Errorf("expected key %q, got %q", FieldContext, attr.Key)
	}
	if attr.Value.String() != "update" {
		t.Errorf("expected value %q, got %q", "update", attr.Value.String())
	}
}

func TestPipeline(t *testing.T) {
	attr := Pipeline("normalize-web-logs")
	if attr.Key != FieldPipeline {
		t.Errorf("expected key %q, got %q", FieldPipeline, attr.Key)
	}
	if attr.Value.String() != "normalize-web-logs" {
		t.Errorf("expected value %q, got %q", "normalize-web-logs", attr.Value.String())
	}
}

func TestIndex(t *testing.T) {
	attr := Index("kestrel-docs")
	if attr.Key != FieldIndex {
		t.Errorf("expected key %q, got %q", FieldIndex, attr.Key)
	}
	if attr.Value.String() != "kestrel-docs" {
		t.Errorf("expected value %q, got %q", "kestrel-docs", attr.Value.String())
	}
}

func TestStatus(t *testing.T) {
	attr := Status(429)
	if attr.Key != FieldStatus {
		t.Errorf("expected key %q, got %q", FieldStatus, attr.Key)
	}
	if attr.Value.Int64() != 429 {
		t.Errorf("expected value 429, got %d", attr.Value.Int64())
	}
}

func TestError(t *testing.T) {
	attr := Error(errors.New("compile failed"))
	if attr.Key != FieldError {
		t.Errorf("expected key %q, got %q", FieldError, attr.Key)
	}
	if attr.Value.String() != "compile failed" {
		t.Errorf("expected value %q, got %q", "compile failed", attr.Value.String())
	}
}
