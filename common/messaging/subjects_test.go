package messaging

import "testing"

func TestScriptInvalidateSubject(t *testing.T) {
	got := ScriptInvalidateSubject("trim-fields")
	want := "kestrel.scripts.invalidate.trim-fields"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPipelineInvalidateSubject(t *testing.T) {
	got := PipelineInvalidateSubject("normalize")
	want := "kestrel.pipelines.invalidate.normalize"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got == ScriptInvalidateSubject("normalize") {
		t.Error("script and pipeline invalidations must not share a subject")
	}
}

func TestSubjectNaming(t *testing.T) {
	// Subjects follow {domain}.{resource}.{stage}; a rename here breaks
	// consumers, so pin them.
	tests := []struct {
		subject string
		want    string
	}{
		{SubjectEventsRaw, "kestrel.events.raw"},
		{SubjectEventsDLQ, "kestrel.events.dlq"},
		{SubjectScriptsInvalidate, "kestrel.scripts.invalidate"},
		{SubjectPipelinesInvalidate, "kestrel.pipelines.invalidate"},
	}
	for _, tt := range tests {
		if tt.subject != tt.want {
			t.Errorf("subject %q, want %q", tt.subject, tt.want)
		}
	}
}
