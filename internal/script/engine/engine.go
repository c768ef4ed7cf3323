// Package engine compiles and executes sandboxed Lua scripts.
//
// A Compiled value proves the source parses; every execution still loads the
// chunk into a fresh Lua state, because states cannot be shared across
// goroutines and must not leak globals between runs.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Shopify/go-lua"

	"github.com/kestrel-search/scripting/internal/script"
)

// Config holds execution limits for the engine.
type Config struct {
	// InstructionBudget caps the number of VM instructions a single
	// execution may spend before it is aborted.
	InstructionBudget int

	// Timeout is the wall-clock limit for a single execution.
	Timeout time.Duration

	// MaxSourceBytes rejects scripts larger than this at compile time.
	MaxSourceBytes int
}

// DefaultConfig returns the engine limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		InstructionBudget: 1_000_000,
		Timeout:           time.Second,
		MaxSourceBytes:    65535,
	}
}

// Engine compiles and runs scripts under the configured limits.
type Engine struct {
	cfg Config
}

// New creates an Engine, filling in defaults for zero limits.
func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.InstructionBudget <= 0 {
		cfg.InstructionBudget = def.InstructionBudget
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxSourceBytes <= 0 {
		cfg.MaxSourceBytes = def.MaxSourceBytes
	}
	return &Engine{cfg: cfg}
}

// Compiled is a validated script ready for execution.
type Compiled struct {
	lang   string
	source string
	key    string
}

// Key returns the cache key of the compiled script.
func (c *Compiled) Key() string { return c.key }

// Lang returns the script language.
func (c *Compiled) Lang() string { return c.lang }

// CompileError reports a script that failed to parse.
type CompileError struct {
	Line    int
	Message string
}

func (e *CompileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("compile error at line %d: %s", e.Line, e.Message)
	}
	return "compile error: " + e.Message
}

// ExecError reports a script that failed at runtime.
type ExecError struct {
	Message string
}

func (e *ExecError) Error() string {
	return "script execution failed: " + e.Message
}

// Bindings are the values exposed to a script as globals.
type Bindings struct {
	// Params is always bound; nil becomes an empty table.
	Params map[string]interface{}

	// Doc is bound for filter/execute contexts as a read-only view of a
	// document source.
	Doc map[string]interface{}

	// Ctx is bound for update/ingest contexts and read back after the run.
	Ctx map[string]interface{}
}

// Result carries the script's returned value and, when a ctx binding was
// present, the ctx table as the script left it.
type Result struct {
	Value interface{}
	Ctx   map[string]interface{}
}

// Compile validates the script shape and syntax-checks the source.
func (e *Engine) Compile(s script.Script) (*Compiled, error) {
	s = s.Normalized()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if len(s.Source) > e.cfg.MaxSourceBytes {
		return nil, fmt.Errorf("script exceeds maximum size of %d bytes", e.cfg.MaxSourceBytes)
	}

	l := lua.NewState()
	if err := l.Load(strings.NewReader(s.Source), "@script", ""); err != nil {
		return nil, &CompileError{
			Line:    parseErrorLine(err.Error()),
			Message: err.Error(),
		}
	}

	return &Compiled{lang: s.Lang, source: s.Source, key: s.CacheKey()}, nil
}

// hookStep is the number of VM instructions between watchdog checks.
const hookStep = 1000

// blockedGlobals can load code or reach the host; they are stripped from
// every state before user code runs.
var blockedGlobals = []string{
	"load", "loadstring", "dofile", "loadfile", "require",
	"collectgarbage", "print",
}

// Execute runs a compiled script with the given bindings.
func (e *Engine) Execute(ctx context.Context, c *Compiled, b Bindings) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(e.cfg.Timeout)

	l := lua.NewState()
	openSandboxLibraries(l)
	for _, name := range blockedGlobals {
		l.PushNil()
		l.SetGlobal(name)
	}

	// The watchdog hook runs every hookStep instructions. Raising through
	// lua.Errorf unwinds to the ProtectedCall below as a plain Lua error.
	used := 0
	lua.SetDebugHook(l, func(state *lua.State, _ lua.Debug) {
		used += hookStep
		if used > e.cfg.InstructionBudget {
			lua.Errorf(state, "instruction budget exceeded")
		}
		if ctx.Err() != nil || time.Now().After(deadline) {
			lua.Errorf(state, "script execution timed out")
		}
	}, lua.MaskCount, hookStep)

	params := b.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	pushValue(l, params)
	l.SetGlobal("params")

	if b.Doc != nil {
		pushValue(l, b.Doc)
		l.SetGlobal("doc")
	}
	if b.Ctx != nil {
		pushValue(l, b.Ctx)
		l.SetGlobal("ctx")
	}

	if err := l.Load(strings.NewReader(c.source), "@script", ""); err != nil {
		return nil, &CompileError{Line: parseErrorLine(err.Error()), Message: err.Error()}
	}
	if err := l.ProtectedCall(0, 1, 0); err != nil {
		return nil, &ExecError{Message: err.Error()}
	}

	res := &Result{Value: toGoValue(l, -1)}
	l.Pop(1)

	if b.Ctx != nil {
		l.Global("ctx")
		if l.TypeOf(-1) == lua.TypeTable {
			if m, ok := toGoValue(l, -1).(map[string]interface{}); ok {
				res.Ctx = m
			}
		}
		l.Pop(1)
	}

	return res, nil
}

// openSandboxLibraries opens base, string, table and math. io, os and debug
// stay closed.
func openSandboxLibraries(l *lua.State) {
	for _, lib := range []struct {
		name string
		open lua.Function
	}{
		{"_G", lua.BaseOpen},
		{"string", lua.StringOpen},
		{"table", lua.TableOpen},
		{"math", lua.MathOpen},
	} {
		lua.Require(l, lib.name, lib.open, true)
		l.Pop(1)
	}
}

// parseErrorLine extracts the line number from a Lua error message of the
// form "chunk:LINE: message". Returns 0 when absent.
func parseErrorLine(msg string) int {
	parts := strings.Split(msg, ":")
	for i := 1; i < len(parts); i++ {
		if n, err := strconv.Atoi(strings.TrimSpace(parts[i])); err == nil {
			return n
		}
	}
	return 0
}
