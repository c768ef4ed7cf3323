package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kestrel-search/scripting/internal/script"
)

func testEngine() *Engine {
	return New(Config{InstructionBudget: 200_000, Timeout: 5 * time.Second})
}

func compile(t *testing.T, e *Engine, source string) *Compiled {
	t.Helper()
	c, err := e.Compile(script.Script{Lang: script.LangLua, Source: source})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return c
}

func TestCompileSyntaxError(t *testing.T) {
	e := testEngine()
	_, err := e.Compile(script.Script{Lang: script.LangLua, Source: "return ++"})
	if err == nil {
		t.Fatal("expected compile error")
	}
	var ce *CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CompileError, got %T", err)
	}
	if ce.Line != 1 {
		t.Errorf("expected line 1, got %d", ce.Line)
	}
}

func TestCompileRejectsOversized(t *testing.T) {
	e := New(Config{MaxSourceBytes: 10})
	_, err := e.Compile(script.Script{Lang: script.LangLua, Source: "return 1 + 2 + 3"})
	if err == nil {
		t.Fatal("expected size error")
	}
}

func TestExecuteReturnValue(t *testing.T) {
	e := testEngine()
	c := compile(t, e, "return 2 + 3")

	res, err := e.Execute(context.Background(), c, Bindings{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Value != float64(5) {
		t.Errorf("expected 5, got %v (%T)", res.Value, res.Value)
	}
}

func TestExecuteParams(t *testing.T) {
	e := testEngine()
	c := compile(t, e, "return params.multiplier * params.base")

	res, err := e.Execute(context.Background(), c, Bindings{
		Params: map[string]interface{}{"multiplier": 4, "base": 2.5},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Value != float64(10) {
		t.Errorf("expected 10, got %v", res.Value)
	}
}

func TestExecuteDocFilter(t *testing.T) {
	e := testEngine()
	c := compile(t, e, `return doc.severity == "high" and doc.count > params.threshold`)

	res, err := e.Execute(context.Background(), c, Bindings{
		Params: map[string]interface{}{"threshold": 3},
		Doc:    map[string]interface{}{"severity": "high", "count": 7},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Value != true {
		t.Errorf("expected true, got %v", res.Value)
	}
}

func TestExecuteUpdateContext(t *testing.T) {
	e := testEngine()
	src := `
ctx._source.counter = ctx._source.counter + params.count
ctx._source.tags = {"updated", "scripted"}
`
	c := compile(t, e, src)

	res, err := e.Execute(context.Background(), c, Bindings{
		Params: map[string]interface{}{"count": 4},
		Ctx: map[string]interface{}{
			"op":      "index",
			"_id":     "1",
			"_source": map[string]interface{}{"counter": 1},
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Ctx == nil {
		t.Fatal("expected ctx back")
	}
	source, ok := res.Ctx["_source"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected _source map, got %T", res.Ctx["_source"])
	}
	if source["counter"] != float64(5) {
		t.Errorf("expected counter 5, got %v", source["counter"])
	}
	tags, ok := source["tags"].([]interface{})
	if !ok || len(tags) != 2 || tags[0] != "updated" {
		t.Errorf("expected tags sequence, got %v", source["tags"])
	}
}

func TestExecuteCtxOpChange(t *testing.T) {
	e := testEngine()
	c := compile(t, e, `
if ctx._source.obsolete then
	ctx.op = "delete"
else
	ctx.op = "noop"
end
`)

	res, err := e.Execute(context.Background(), c, Bindings{
		Ctx: map[string]interface{}{
			"op":      "index",
			"_source": map[string]interface{}{"obsolete": true},
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Ctx["op"] != "delete" {
		t.Errorf("expected op delete, got %v", res.Ctx["op"])
	}
}

func TestInstructionBudget(t *testing.T) {
	e := New(Config{InstructionBudget: 10_000, Timeout: 10 * time.Second})
	c := compile(t, e, "while true do end")

	_, err := e.Execute(context.Background(), c, Bindings{})
	if err == nil {
		t.Fatal("expected budget error")
	}
	var ee *ExecError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *ExecError, got %T", err)
	}
	if !strings.Contains(err.Error(), "instruction budget") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestWallClockTimeout(t *testing.T) {
	e := New(Config{InstructionBudget: 1 << 30, Timeout: 50 * time.Millisecond})
	c := compile(t, e, "while true do end")

	_, err := e.Execute(context.Background(), c, Bindings{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var ee *ExecError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *ExecError, got %T", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSandboxBlocksCodeLoading(t *testing.T) {
	e := testEngine()

	tests := []string{
		`return load("return 1")`,
		`return dofile("/etc/passwd")`,
		`return require("io")`,
		`return os.execute("id")`,
		`return io.open("/etc/passwd")`,
		`debug.sethook()`,
	}

	for _, src := range tests {
		t.Run(src, func(t *testing.T) {
			c := compile(t, e, src)
			if _, err := e.Execute(context.Background(), c, Bindings{}); err == nil {
				t.Errorf("expected sandbox error for %q", src)
			}
		})
	}
}

func TestRuntimeErrorSurface(t *testing.T) {
	e := testEngine()
	c := compile(t, e, `error("bad state")`)

	_, err := e.Execute(context.Background(), c, Bindings{})
	var ee *ExecError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *ExecError, got %v", err)
	}
	if !strings.Contains(ee.Message, "bad state") {
		t.Errorf("expected script message preserved, got %q", ee.Message)
	}
}

func TestNoStateLeakBetweenRuns(t *testing.T) {
	e := testEngine()
	set := compile(t, e, `leak = "value" return true`)
	get := compile(t, e, `return leak`)

	if _, err := e.Execute(context.Background(), set, Bindings{}); err != nil {
		t.Fatalf("execute set: %v", err)
	}
	res, err := e.Execute(context.Background(), get, Bindings{})
	if err != nil {
		t.Fatalf("execute get: %v", err)
	}
	if res.Value != nil {
		t.Errorf("globals leaked between runs: %v", res.Value)
	}
}

func TestCancelledContext(t *testing.T) {
	e := testEngine()
	c := compile(t, e, "return 1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Execute(ctx, c, Bindings{}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestNestedTablesRoundTrip(t *testing.T) {
	e := testEngine()
	c := compile(t, e, `
ctx._source.nested.inner.value = ctx._source.nested.inner.value .. "-suffix"
ctx._source.list[2] = 42
`)

	res, err := e.Execute(context.Background(), c, Bindings{
		Ctx: map[string]interface{}{
			"_source": map[string]interface{}{
				"nested": map[string]interface{}{
					"inner": map[string]interface{}{"value": "abc"},
				},
				"list": []interface{}{1.0, 2.0, 3.0},
			},
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	source := res.Ctx["_source"].(map[string]interface{})
	nested := source["nested"].(map[string]interface{})
	inner := nested["inner"].(map[string]interface{})
	if inner["value"] != "abc-suffix" {
		t.Errorf("nested mutation lost: %v", inner["value"])
	}
	list, ok := source["list"].([]interface{})
	if !ok || len(list) != 3 || list[1] != float64(42) {
		t.Errorf("list mutation lost: %v", source["list"])
	}
}
